// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
)

// ExpiredCallback invoked when a driver's token stops validating. The
// transport is expected to send the event and then force close the socket.
type ExpiredCallback func(event TokenExpiredEvent)

// DriverChannel ingestion channel for one connected driver. The socket must
// authenticate before it may submit locations; the binding is revalidated
// periodically and torn down when the token expires.
type DriverChannel interface {
	// Authenticate validate a driver token and bind this socket to the
	// driver it belongs to. Returns the driver ID on success. A failed call
	// leaves the socket unauthenticated; the caller may retry.
	Authenticate(token string, ctxt context.Context) (string, error)
	// SubmitLocation ingest one position report from the bound driver
	SubmitLocation(latitude, longitude float64, ctxt context.Context) error
	// OnDisconnect cancel the revalidation timer and drop the binding
	OnDisconnect(ctxt context.Context)
}

// driverChannelImpl implements DriverChannel
type driverChannelImpl struct {
	common.Component
	core               tracker.RealtimeCore
	provider           tracker.DriverInfoProvider
	revalidateInterval time.Duration
	expired            ExpiredCallback
	timer              common.IntervalTimer
	mu                 sync.Mutex
	driverID           string
	token              string
	terminated         bool
}

// DefineDriverChannel create the ingestion channel for one connected driver
func DefineDriverChannel(
	socketID string,
	realtimeCore tracker.RealtimeCore,
	provider tracker.DriverInfoProvider,
	revalidateInterval time.Duration,
	expired ExpiredCallback,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (DriverChannel, error) {
	logTags := log.Fields{
		"module": "apis", "component": "driver-channel", "socket": socketID,
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("token-revalidate/%s", socketID), rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	return &driverChannelImpl{
		Component:          common.Component{LogTags: logTags},
		core:               realtimeCore,
		provider:           provider,
		revalidateInterval: revalidateInterval,
		expired:            expired,
		timer:              timer,
		terminated:         false,
	}, nil
}

// Authenticate validate a driver token and bind this socket
func (c *driverChannelImpl) Authenticate(token string, ctxt context.Context) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token required")
	}

	// An unavailable validator degrades to an invalid result. The socket
	// simply stays unauthenticated and may retry.
	check, err := c.provider.ValidateToken(ctxt, token)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Token validation unavailable")
		return "", fmt.Errorf("invalid token")
	}
	if !check.Valid || check.DriverID == "" {
		return "", fmt.Errorf("invalid token")
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return "", fmt.Errorf("driver channel already terminated")
	}
	c.driverID = check.DriverID
	c.token = token
	c.mu.Unlock()

	if err := c.timer.Start(c.revalidateInterval, c.revalidate, false); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to schedule token revalidation")
	}
	log.WithFields(c.LogTags).Infof("Socket authenticated as driver %s", check.DriverID)
	return check.DriverID, nil
}

// revalidate periodic token recheck. Any invalid result expires the session.
func (c *driverChannelImpl) revalidate() error {
	c.mu.Lock()
	token := c.token
	terminated := c.terminated
	c.mu.Unlock()
	if terminated || token == "" {
		return nil
	}

	check, err := c.provider.ValidateToken(context.Background(), token)
	if err == nil && check.Valid {
		return nil
	}
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Token revalidation unavailable")
	}

	log.WithFields(c.LogTags).Warn("Driver token expired. Closing connection")
	c.teardown()
	c.expired(TokenExpiredEvent{
		Type:    EventTypeTokenExpired,
		Message: "Authentication token expired",
	})
	return nil
}

// teardown drop the socket binding and cancel the revalidation timer
func (c *driverChannelImpl) teardown() {
	c.mu.Lock()
	c.terminated = true
	c.driverID = ""
	c.token = ""
	c.mu.Unlock()
	_ = c.timer.Stop()
}

// SubmitLocation ingest one position report from the bound driver
func (c *driverChannelImpl) SubmitLocation(
	latitude, longitude float64, ctxt context.Context,
) error {
	c.mu.Lock()
	driverID := c.driverID
	terminated := c.terminated
	c.mu.Unlock()
	if terminated || driverID == "" {
		return fmt.Errorf("not authenticated")
	}

	// Client supplied timestamps are not trusted; the sample is stamped here
	sample, err := common.NewLocationSample(driverID, latitude, longitude, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("invalid location data")
	}
	return c.core.HandleLocationUpdate(sample, ctxt)
}

// OnDisconnect cancel the revalidation timer and drop the binding
func (c *driverChannelImpl) OnDisconnect(ctxt context.Context) {
	c.mu.Lock()
	alreadyDone := c.terminated
	c.mu.Unlock()
	if alreadyDone {
		return
	}
	c.teardown()
	log.WithFields(c.LogTags).Info("Driver channel closed")
}
