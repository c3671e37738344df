package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestNATSDriverLocationBus(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	logTags := log.Fields{
		"module":    "bus_test",
		"component": "nats-driver-location-bus",
		"instance":  "basic",
	}

	// Define NATS connection params
	natsParam := core.NATSConnectParams{
		ServerURI:           "nats://127.0.0.1:4222",
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error(
					"Disconnect callback triggered with failure",
				)
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Reconnected with NATs server")
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Debug("Disconnected from NATs server")
		},
	}

	client, err := core.GetNatsClient(natsParam)
	assert.Nil(err)
	defer client.Close(utCtxt)

	// Unique prefix so concurrent test runs do not cross talk
	subjectPrefix := uuid.New().String()
	uut, err := GetNATSDriverLocationBus(client, subjectPrefix, "testing")
	assert.Nil(err)
	defer uut.Close(utCtxt)

	type delivery struct {
		driverID string
		sample   common.LocationSample
	}
	deliveries := make(chan delivery, 4)
	assert.Nil(uut.SetHandler(func(driverID string, sample common.LocationSample) {
		deliveries <- delivery{driverID: driverID, sample: sample}
	}))

	driverID := uuid.New().String()
	sample, err := common.NewLocationSample(driverID, 1.5, 2.5, time.Now().UTC())
	assert.Nil(err)

	// Case 0: publish without subscribing, nothing arrives
	{
		assert.Nil(uut.Publish(utCtxt, driverID, sample))
		select {
		case <-deliveries:
			assert.FailNow("received update without subscription")
		case <-time.After(time.Millisecond * 300):
		}
	}

	// Case 1: publish after subscribing, self delivery is not suppressed
	{
		assert.Nil(uut.Subscribe(driverID))
		assert.Nil(uut.Publish(utCtxt, driverID, sample))
		select {
		case received := <-deliveries:
			assert.Equal(driverID, received.driverID)
			assert.Equal(sample.DriverID, received.sample.DriverID)
			assert.Equal(sample.Latitude, received.sample.Latitude)
			assert.Equal(sample.Longitude, received.sample.Longitude)
			assert.True(sample.ObservedAt.Equal(received.sample.ObservedAt))
		case <-time.After(time.Second):
			assert.FailNow("timed out waiting for update")
		}
	}

	// Case 2: malformed payloads on the subject are discarded
	{
		assert.Nil(client.NATs().Publish(
			subjectPrefix+"."+driverID, []byte("not json"),
		))
		select {
		case <-deliveries:
			assert.FailNow("malformed update was delivered")
		case <-time.After(time.Millisecond * 300):
		}
	}

	// Case 3: a second bus instance on the same prefix also receives
	{
		otherBus, err := GetNATSDriverLocationBus(client, subjectPrefix, "testing-2")
		assert.Nil(err)
		defer otherBus.Close(utCtxt)
		otherDeliveries := make(chan delivery, 4)
		assert.Nil(otherBus.SetHandler(func(driverID string, sample common.LocationSample) {
			otherDeliveries <- delivery{driverID: driverID, sample: sample}
		}))
		assert.Nil(otherBus.Subscribe(driverID))

		assert.Nil(uut.Publish(utCtxt, driverID, sample))
		received := 0
		wait := time.After(time.Second)
		for received < 2 {
			select {
			case <-deliveries:
				received++
			case <-otherDeliveries:
				received++
			case <-wait:
				assert.FailNow("timed out waiting for fan-out")
			}
		}
	}

	// Case 4: unsubscribing stops delivery
	{
		assert.Nil(uut.Unsubscribe(driverID))
		assert.Nil(client.NATs().Publish(
			subjectPrefix+"."+driverID, mustMarshalSample(t, sample),
		))
		select {
		case <-deliveries:
			assert.FailNow("received update after unsubscribe")
		case <-time.After(time.Millisecond * 300):
		}
	}
}

func mustMarshalSample(t *testing.T, sample common.LocationSample) []byte {
	payload, err := json.Marshal(&sample)
	assert.Nil(t, err)
	return payload
}
