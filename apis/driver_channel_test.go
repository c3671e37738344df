package apis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/stretchr/testify/assert"
)

// scriptedInfoProvider canned token validation results
type scriptedInfoProvider struct {
	mu          sync.Mutex
	tokens      map[string]tracker.TokenCheck
	unavailable bool
}

func (p *scriptedInfoProvider) GetProfile(
	ctxt context.Context, driverID string,
) (*common.DriverProfile, error) {
	return nil, nil
}

func (p *scriptedInfoProvider) GetLastKnownLocation(
	ctxt context.Context, driverID string,
) (*common.LocationSample, error) {
	return nil, nil
}

func (p *scriptedInfoProvider) ValidateToken(
	ctxt context.Context, token string,
) (tracker.TokenCheck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return tracker.TokenCheck{}, fmt.Errorf("dummy upstream failure")
	}
	return p.tokens[token], nil
}

func (p *scriptedInfoProvider) setToken(token string, check tracker.TokenCheck) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokens[token] = check
}

func TestDriverChannelAuthenticate(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	core := &scriptedRealtimeCore{}
	provider := &scriptedInfoProvider{
		tokens: map[string]tracker.TokenCheck{
			"good-token": {Valid: true, DriverID: "driver-a"},
		},
	}

	uut, err := DefineDriverChannel(
		"socket-1", core, provider, time.Minute, func(TokenExpiredEvent) {}, ctxt, &wg,
	)
	assert.Nil(err)
	defer uut.OnDisconnect(ctxt)

	// Case 0: submissions before authentication are rejected
	{
		assert.NotNil(uut.SubmitLocation(1.0, 2.0, ctxt))
	}

	// Case 1: empty token
	{
		_, err := uut.Authenticate("", ctxt)
		assert.NotNil(err)
	}

	// Case 2: unknown token
	{
		_, err := uut.Authenticate("bad-token", ctxt)
		assert.NotNil(err)
	}

	// Case 3: validator unavailable behaves as invalid, socket may retry
	{
		provider.mu.Lock()
		provider.unavailable = true
		provider.mu.Unlock()
		_, err := uut.Authenticate("good-token", ctxt)
		assert.NotNil(err)
		provider.mu.Lock()
		provider.unavailable = false
		provider.mu.Unlock()
	}

	// Case 4: valid token binds the socket
	{
		driverID, err := uut.Authenticate("good-token", ctxt)
		assert.Nil(err)
		assert.Equal("driver-a", driverID)
	}

	// Case 5: the bound driver may now submit
	{
		before := time.Now().UTC()
		assert.Nil(uut.SubmitLocation(1.5, 2.5, ctxt))
		core.mu.Lock()
		assert.Len(core.updates, 1)
		recorded := core.updates[0]
		core.mu.Unlock()
		assert.Equal("driver-a", recorded.DriverID)
		assert.Equal(1.5, recorded.Latitude)
		assert.Equal(2.5, recorded.Longitude)
		// Timestamps are assigned here, not taken from the peer
		assert.False(recorded.ObservedAt.Before(before))
		assert.False(recorded.ObservedAt.After(time.Now().UTC()))
	}
}

func TestDriverChannelRejectsInvalidCoordinates(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	core := &scriptedRealtimeCore{}
	provider := &scriptedInfoProvider{
		tokens: map[string]tracker.TokenCheck{
			"good-token": {Valid: true, DriverID: "driver-a"},
		},
	}

	uut, err := DefineDriverChannel(
		"socket-1", core, provider, time.Minute, func(TokenExpiredEvent) {}, ctxt, &wg,
	)
	assert.Nil(err)
	defer uut.OnDisconnect(ctxt)

	_, err = uut.Authenticate("good-token", ctxt)
	assert.Nil(err)

	// Out of range coordinates never reach the core
	assert.NotNil(uut.SubmitLocation(95.0, 2.0, ctxt))
	assert.NotNil(uut.SubmitLocation(1.0, -181.0, ctxt))
	core.mu.Lock()
	assert.Empty(core.updates)
	core.mu.Unlock()

	// The channel remains usable afterwards
	assert.Nil(uut.SubmitLocation(1.0, 2.0, ctxt))
	core.mu.Lock()
	assert.Len(core.updates, 1)
	core.mu.Unlock()
}

func TestDriverChannelTokenExpiry(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	core := &scriptedRealtimeCore{}
	provider := &scriptedInfoProvider{
		tokens: map[string]tracker.TokenCheck{
			"good-token": {Valid: true, DriverID: "driver-a"},
		},
	}

	expiredEvents := make(chan TokenExpiredEvent, 1)
	uut, err := DefineDriverChannel(
		"socket-1",
		core,
		provider,
		time.Millisecond*50,
		func(event TokenExpiredEvent) { expiredEvents <- event },
		ctxt,
		&wg,
	)
	assert.Nil(err)
	defer uut.OnDisconnect(ctxt)

	driverID, err := uut.Authenticate("good-token", ctxt)
	assert.Nil(err)
	assert.Equal("driver-a", driverID)
	assert.Nil(uut.SubmitLocation(1.0, 2.0, ctxt))

	// Revoke the token. The next revalidation pass tears the session down.
	provider.setToken("good-token", tracker.TokenCheck{Valid: false})

	select {
	case event := <-expiredEvents:
		assert.Equal(EventTypeTokenExpired, event.Type)
	case <-time.After(time.Second):
		assert.FailNow("token revalidation never fired")
	}

	// The binding is gone
	assert.NotNil(uut.SubmitLocation(1.0, 2.0, ctxt))
	core.mu.Lock()
	assert.Len(core.updates, 1)
	core.mu.Unlock()
}
