package bus

import (
	"context"

	"github.com/alwitt/livetrack/common"
)

// UpdateHandler invoked with every location update delivered on a driver
// channel this instance is subscribed to. The bus does not suppress
// self-delivery; messages published by this instance come back through the
// handler as well.
type UpdateHandler func(driverID string, sample common.LocationSample)

// DriverLocationBus cross-instance pub/sub transport carrying per-driver
// location updates. Delivery is at-most-once and unordered across channels;
// nothing is persisted or replayed, so a restart loses in-flight messages.
type DriverLocationBus interface {
	// Subscribe start receiving updates published on a driver's channel.
	// Subscribing to an already subscribed channel is a no-op.
	Subscribe(driverID string) error
	// Unsubscribe stop receiving updates for a driver. Unsubscribing an
	// unknown channel is a no-op.
	Unsubscribe(driverID string) error
	// Publish broadcast a location sample on a driver's channel. Best
	// effort; while the transport is down the update is simply lost.
	Publish(ctxt context.Context, driverID string, sample common.LocationSample) error
	// SetHandler register the single inbound update handler. Re-registering
	// replaces the prior handler.
	SetHandler(handler UpdateHandler) error
	// Close tear down all channel subscriptions
	Close(ctxt context.Context)
}
