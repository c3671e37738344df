package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/stretchr/testify/assert"
)

func TestMemoryDriverLocationBus(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetMemoryDriverLocationBus("testing")
	assert.Nil(err)

	utCtxt := context.Background()

	type delivery struct {
		driverID string
		sample   common.LocationSample
	}
	received := []delivery{}
	assert.Nil(uut.SetHandler(func(driverID string, sample common.LocationSample) {
		received = append(received, delivery{driverID: driverID, sample: sample})
	}))

	sample, err := common.NewLocationSample("driver-1", 1.5, 2.5, time.Now().UTC())
	assert.Nil(err)

	// Case 0: publish with no subscription is dropped
	{
		assert.Nil(uut.Publish(utCtxt, "driver-1", sample))
		assert.Empty(received)
	}

	// Case 1: publish after subscribe is delivered
	{
		assert.Nil(uut.Subscribe("driver-1"))
		assert.Nil(uut.Publish(utCtxt, "driver-1", sample))
		assert.Len(received, 1)
		assert.Equal("driver-1", received[0].driverID)
		assert.Equal(sample, received[0].sample)
	}

	// Case 2: other drivers' channels are isolated
	{
		otherSample, err := common.NewLocationSample("driver-2", 3.5, 4.5, time.Now().UTC())
		assert.Nil(err)
		assert.Nil(uut.Publish(utCtxt, "driver-2", otherSample))
		assert.Len(received, 1)
	}

	// Case 3: unsubscribe stops delivery
	{
		assert.Nil(uut.Unsubscribe("driver-1"))
		assert.Nil(uut.Publish(utCtxt, "driver-1", sample))
		assert.Len(received, 1)
	}

	// Case 4: unsubscribe when not subscribed is a no-op
	{
		assert.Nil(uut.Unsubscribe("driver-3"))
	}

	// Case 5: close drops all subscriptions
	{
		assert.Nil(uut.Subscribe("driver-1"))
		uut.Close(utCtxt)
		assert.Nil(uut.Publish(utCtxt, "driver-1", sample))
		assert.Len(received, 1)
	}
}
