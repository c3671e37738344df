package apis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/stretchr/testify/assert"
)

// scriptedRealtimeCore canned RealtimeCore recording ledger calls
type scriptedRealtimeCore struct {
	mu           sync.Mutex
	subscribes   []string
	unsubscribes []string
	updates      []common.LocationSample
	state        *tracker.DriverState
}

func (c *scriptedRealtimeCore) Subscribe(clientID, driverID string, ctxt context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes = append(c.subscribes, driverID)
	return nil
}

func (c *scriptedRealtimeCore) Unsubscribe(clientID string, ctxt context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, clientID)
	return nil
}

func (c *scriptedRealtimeCore) HandleLocationUpdate(
	sample common.LocationSample, ctxt context.Context,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, sample)
	return nil
}

func (c *scriptedRealtimeCore) GetStateFor(
	driverID string, ctxt context.Context,
) (*tracker.DriverState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil, nil
	}
	stateCopy := *c.state
	return &stateCopy, nil
}

func (c *scriptedRealtimeCore) IsOnline(driverID string, ctxt context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state != nil &&
		c.state.Sample.IsRecent(time.Now().UTC(), time.Minute*10), nil
}

func (c *scriptedRealtimeCore) setState(state *tracker.DriverState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

// eventRecorder thread safe EventSink
type eventRecorder struct {
	mu     sync.Mutex
	events []interface{}
}

func (r *eventRecorder) sink(event interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) snapshot() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]interface{}{}, r.events...)
}

func TestClientChannelFirstPush(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile, err := common.NewDriverProfile("driver-a", "Alex", "")
	assert.Nil(err)
	sample, err := common.NewLocationSample("driver-a", 1.0, 2.0, time.Now().UTC())
	assert.Nil(err)

	core := &scriptedRealtimeCore{}
	core.setState(&tracker.DriverState{Sample: sample, Profile: profile})
	recorder := &eventRecorder{}

	cadence := ClientCadenceConfig{
		OnlineInterval:  time.Second * 30,
		OfflineInterval: time.Second * 60,
		RecencyWindow:   time.Minute * 10,
	}
	uut, err := DefineClientChannel("client-1", core, cadence, recorder.sink, ctxt, &wg)
	assert.Nil(err)
	defer uut.OnDisconnect(ctxt)

	// The subscribe pushes without waiting for the first interval
	assert.Nil(uut.OnSubscribe("driver-a", ctxt))

	events := recorder.snapshot()
	assert.Len(events, 1)
	update, ok := events[0].(DriverUpdateEvent)
	assert.True(ok)
	assert.Equal(EventTypeDriverUpdate, update.Type)
	assert.Equal("driver-a", update.DriverID)
	assert.Equal("Alex", update.Profile.DisplayName)
	assert.Equal(sample.ObservedAt, update.Location.ObservedAt)
	assert.True(update.Online)

	core.mu.Lock()
	assert.Equal([]string{"driver-a"}, core.subscribes)
	core.mu.Unlock()
}

func TestClientChannelOfflineEvents(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	core := &scriptedRealtimeCore{}
	recorder := &eventRecorder{}

	cadence := ClientCadenceConfig{
		OnlineInterval:  time.Second * 30,
		OfflineInterval: time.Second * 60,
		RecencyWindow:   time.Minute * 10,
	}
	uut, err := DefineClientChannel("client-1", core, cadence, recorder.sink, ctxt, &wg)
	assert.Nil(err)
	defer uut.OnDisconnect(ctxt)

	// Case 0: unknown driver reads offline with no last update time
	{
		assert.Nil(uut.OnSubscribe("driver-x", ctxt))
		events := recorder.snapshot()
		assert.Len(events, 1)
		offline, ok := events[0].(DriverOfflineEvent)
		assert.True(ok)
		assert.Equal(EventTypeDriverOffline, offline.Type)
		assert.Equal(OfflineDriverErrorCode, offline.ErrorCode)
		assert.Nil(offline.LastUpdateTime)
	}

	// Case 1: stale sample reads offline carrying its original timestamp
	{
		staleTime := time.Now().UTC().Add(-time.Minute * 11)
		profile, err := common.NewDriverProfile("driver-x", "Alex", "")
		assert.Nil(err)
		sample, err := common.NewLocationSample("driver-x", 1.0, 2.0, staleTime)
		assert.Nil(err)
		core.setState(&tracker.DriverState{Sample: sample, Profile: profile})

		assert.Nil(uut.OnSubscribe("driver-x", ctxt))
		events := recorder.snapshot()
		assert.Len(events, 2)
		offline, ok := events[1].(DriverOfflineEvent)
		assert.True(ok)
		assert.NotNil(offline.LastUpdateTime)
		assert.Equal(staleTime, *offline.LastUpdateTime)
	}
}

func TestClientChannelAdaptiveCadence(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	profile, err := common.NewDriverProfile("driver-a", "Alex", "")
	assert.Nil(err)
	sample, err := common.NewLocationSample("driver-a", 1.0, 2.0, time.Now().UTC())
	assert.Nil(err)

	core := &scriptedRealtimeCore{}
	core.setState(&tracker.DriverState{Sample: sample, Profile: profile})
	recorder := &eventRecorder{}

	// Scaled down cadence so the switch is observable
	cadence := ClientCadenceConfig{
		OnlineInterval:  time.Millisecond * 30,
		OfflineInterval: time.Second * 30,
		RecencyWindow:   time.Minute * 10,
	}
	uut, err := DefineClientChannel("client-1", core, cadence, recorder.sink, ctxt, &wg)
	assert.Nil(err)

	assert.Nil(uut.OnSubscribe("driver-a", ctxt))

	// Repeating pushes arrive at the online cadence
	assert.Eventually(func() bool {
		return len(recorder.snapshot()) >= 3
	}, time.Second, time.Millisecond*10)

	// Flip the driver stale. The next tick emits offline and drops to the
	// offline cadence, after which pushes stop arriving at the fast rate.
	staleSample, err := common.NewLocationSample(
		"driver-a", 1.0, 2.0, time.Now().UTC().Add(-time.Minute*11),
	)
	assert.Nil(err)
	core.setState(&tracker.DriverState{Sample: staleSample, Profile: profile})

	assert.Eventually(func() bool {
		events := recorder.snapshot()
		_, isOffline := events[len(events)-1].(DriverOfflineEvent)
		return isOffline
	}, time.Second, time.Millisecond*10)

	// Allow any tick already in flight during the switch to land first
	time.Sleep(time.Millisecond * 50)
	settled := len(recorder.snapshot())
	time.Sleep(time.Millisecond * 150)
	assert.Equal(settled, len(recorder.snapshot()))

	// Disconnect releases the core subscription and stops the scheduler
	uut.OnDisconnect(ctxt)
	core.mu.Lock()
	assert.Equal([]string{"client-1"}, core.unsubscribes)
	core.mu.Unlock()
}
