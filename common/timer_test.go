package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	value := 0
	callback := func() error {
		value++
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(1, value)

	time.Sleep(time.Millisecond * 100)
	assert.Equal(1, value)

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 60)
	assert.Equal(2, value)
}

func TestIntervalTimerRepeat(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	value := 0
	callback := func() error {
		value++
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*50, callback, false))
	time.Sleep(time.Millisecond * 175)
	assert.Nil(uut.Stop())
	seen := value
	assert.GreaterOrEqual(seen, 3)

	// Stopped loop must not fire again
	time.Sleep(time.Millisecond * 100)
	assert.Equal(seen, value)

	// Stop is idempotent
	assert.Nil(uut.Stop())
}

func TestIntervalTimerRestartChangesCadence(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	slow := 0
	fast := 0

	// A restart cancels the earlier loop before rescheduling
	assert.Nil(uut.Start(time.Second*30, func() error {
		slow++
		return nil
	}, false))
	assert.Nil(uut.Start(time.Millisecond*40, func() error {
		fast++
		return nil
	}, false))
	time.Sleep(time.Millisecond * 150)
	assert.Nil(uut.Stop())

	assert.Equal(0, slow)
	assert.GreaterOrEqual(fast, 2)
}
