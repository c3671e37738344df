package bus

import (
	"context"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
)

// memoryDriverLocationBus implements DriverLocationBus within one process.
// Meant for single-instance deployments and unit testing; delivery to the
// handler is synchronous with Publish.
type memoryDriverLocationBus struct {
	common.Component
	mu         sync.Mutex
	subscribed map[string]bool
	handler    UpdateHandler
}

// GetMemoryDriverLocationBus define an in-process DriverLocationBus
func GetMemoryDriverLocationBus(instance string) (DriverLocationBus, error) {
	logTags := log.Fields{
		"module":    "bus",
		"component": "memory-driver-location-bus",
		"instance":  instance,
	}
	return &memoryDriverLocationBus{
		Component:  common.Component{LogTags: logTags},
		subscribed: make(map[string]bool),
		handler:    nil,
	}, nil
}

// Subscribe start receiving updates published on a driver's channel
func (b *memoryDriverLocationBus) Subscribe(driverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed[driverID] = true
	return nil
}

// Unsubscribe stop receiving updates for a driver
func (b *memoryDriverLocationBus) Unsubscribe(driverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, driverID)
	return nil
}

// Publish broadcast a location sample on a driver's channel. Like the real
// transport, self-delivery is not suppressed.
func (b *memoryDriverLocationBus) Publish(
	ctxt context.Context, driverID string, sample common.LocationSample,
) error {
	b.mu.Lock()
	shouldDeliver := b.subscribed[driverID]
	handler := b.handler
	b.mu.Unlock()
	if !shouldDeliver || handler == nil {
		return nil
	}
	handler(driverID, sample)
	return nil
}

// SetHandler register the single inbound update handler
func (b *memoryDriverLocationBus) SetHandler(handler UpdateHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

// Close tear down all channel subscriptions
func (b *memoryDriverLocationBus) Close(ctxt context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = make(map[string]bool)
}
