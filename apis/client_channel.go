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

// ClientCadenceConfig push scheduler parameters for one client channel
type ClientCadenceConfig struct {
	// OnlineInterval push cadence while the watched driver is online
	OnlineInterval time.Duration
	// OfflineInterval push cadence while the watched driver is offline
	OfflineInterval time.Duration
	// RecencyWindow sample age beyond which the driver is treated as offline
	RecencyWindow time.Duration
}

// EventSink delivers one outbound event to the peer. Sends are fire and
// forget; a failed send never throttles the scheduler.
type EventSink func(event interface{}) error

// ClientChannel adaptive push scheduler for one connected client. The push
// cadence is recomputed from scratch on every tick, so it flips freely
// between the online and offline intervals as data arrives.
type ClientChannel interface {
	// OnSubscribe start watching a driver, push immediately, and schedule
	// the repeating push at the online cadence
	OnSubscribe(driverID string, ctxt context.Context) error
	// OnDisconnect stop the scheduler and release the subscription
	OnDisconnect(ctxt context.Context)
}

// clientChannelImpl implements ClientChannel
type clientChannelImpl struct {
	common.Component
	clientID    string
	core        tracker.RealtimeCore
	cadence     ClientCadenceConfig
	send        EventSink
	timer       common.IntervalTimer
	rootContext context.Context
	mu          sync.Mutex
	driverID    string
	interval    time.Duration
	terminated  bool
}

// DefineClientChannel create the push channel for one connected client
func DefineClientChannel(
	clientID string,
	realtimeCore tracker.RealtimeCore,
	cadence ClientCadenceConfig,
	send EventSink,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (ClientChannel, error) {
	logTags := log.Fields{
		"module": "apis", "component": "client-channel", "client": clientID,
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("client-push/%s", clientID), rootCtxt, wg,
	)
	if err != nil {
		return nil, err
	}
	return &clientChannelImpl{
		Component:   common.Component{LogTags: logTags},
		clientID:    clientID,
		core:        realtimeCore,
		cadence:     cadence,
		send:        send,
		timer:       timer,
		rootContext: rootCtxt,
		interval:    0,
		terminated:  false,
	}, nil
}

// OnSubscribe start watching a driver
func (c *clientChannelImpl) OnSubscribe(driverID string, ctxt context.Context) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return fmt.Errorf("client channel already terminated")
	}
	c.driverID = driverID
	c.interval = 0
	c.mu.Unlock()

	if err := c.core.Subscribe(c.clientID, driverID, ctxt); err != nil {
		return err
	}

	// One immediate push so the client is not waiting a full interval for
	// its first view of the driver. The tick itself schedules the cadence.
	if err := c.pushTick(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Initial push failed")
	}
	return nil
}

// pushTick one scheduler pass: resolve the driver's state, emit the matching
// event, and make sure the timer runs at the cadence the state calls for
func (c *clientChannelImpl) pushTick() error {
	c.mu.Lock()
	driverID := c.driverID
	terminated := c.terminated
	c.mu.Unlock()
	if terminated || driverID == "" {
		return nil
	}

	state, err := c.core.GetStateFor(driverID, c.rootContext)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("State lookup for %s failed", driverID)
		state = nil
	}

	switch {
	case state == nil:
		c.emit(DriverOfflineEvent{
			Type:           EventTypeDriverOffline,
			DriverID:       driverID,
			ErrorCode:      OfflineDriverErrorCode,
			Message:        fmt.Sprintf("Driver %s is offline", driverID),
			LastUpdateTime: nil,
		})
		c.ensureCadence(c.cadence.OfflineInterval)

	case state.Sample.IsRecent(time.Now().UTC(), c.cadence.RecencyWindow):
		c.emit(DriverUpdateEvent{
			Type:     EventTypeDriverUpdate,
			DriverID: driverID,
			Location: EventLocationBody{
				Latitude:   state.Sample.Latitude,
				Longitude:  state.Sample.Longitude,
				ObservedAt: state.Sample.ObservedAt,
			},
			Profile: EventProfileBody{
				DisplayName: state.Profile.DisplayName,
				ImageURL:    state.Profile.ImageURL,
			},
			Online: true,
		})
		c.ensureCadence(c.cadence.OnlineInterval)

	default:
		lastSeen := state.Sample.ObservedAt
		c.emit(DriverOfflineEvent{
			Type:           EventTypeDriverOffline,
			DriverID:       driverID,
			ErrorCode:      OfflineDriverErrorCode,
			Message:        fmt.Sprintf("Driver %s is offline", driverID),
			LastUpdateTime: &lastSeen,
		})
		c.ensureCadence(c.cadence.OfflineInterval)
	}
	return nil
}

// ensureCadence reschedule the push timer when the desired interval differs
// from the running one
func (c *clientChannelImpl) ensureCadence(desired time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated || c.interval == desired {
		return
	}
	log.WithFields(c.LogTags).Debugf("Switching push cadence to %s", desired)
	c.interval = desired
	_ = c.timer.Stop()
	if err := c.timer.Start(desired, c.pushTick, false); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to reschedule push timer")
	}
}

// emit fire-and-forget send toward the client
func (c *clientChannelImpl) emit(event interface{}) {
	if err := c.send(event); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Event send failed")
	}
}

// OnDisconnect stop the scheduler and release the subscription
func (c *clientChannelImpl) OnDisconnect(ctxt context.Context) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.mu.Unlock()
	_ = c.timer.Stop()
	if err := c.core.Unsubscribe(c.clientID, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unsubscribe on disconnect failed")
	}
	log.WithFields(c.LogTags).Info("Client channel closed")
}
