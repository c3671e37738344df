package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// natsDriverLocationBus implements DriverLocationBus on top of core NATS
// pub/sub. Each driver maps to one subject "<prefix>.<driverID>".
type natsDriverLocationBus struct {
	common.Component
	client        *core.NatsClient
	subjectPrefix string
	validate      *validator.Validate
	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
	handler       UpdateHandler
}

// GetNATSDriverLocationBus define a NATS backed DriverLocationBus
func GetNATSDriverLocationBus(
	client *core.NatsClient, subjectPrefix string, instance string,
) (DriverLocationBus, error) {
	if client == nil {
		return nil, fmt.Errorf("no NATS client provided")
	}
	logTags := log.Fields{
		"module":    "bus",
		"component": "nats-driver-location-bus",
		"instance":  instance,
	}
	return &natsDriverLocationBus{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
		validate:      validator.New(),
		subscriptions: make(map[string]*nats.Subscription),
		handler:       nil,
	}, nil
}

func (b *natsDriverLocationBus) subjectForDriver(driverID string) string {
	return fmt.Sprintf("%s.%s", b.subjectPrefix, driverID)
}

// Subscribe start receiving updates published on a driver's channel
func (b *natsDriverLocationBus) Subscribe(driverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscriptions[driverID]; ok {
		return nil
	}
	subject := b.subjectForDriver(driverID)
	sub, err := b.client.NATs().Subscribe(subject, b.receive)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to subscribe to %s", subject,
		)
		return err
	}
	b.subscriptions[driverID] = sub
	log.WithFields(b.LogTags).Debugf("Subscribed to %s", subject)
	return nil
}

// Unsubscribe stop receiving updates for a driver
func (b *natsDriverLocationBus) Unsubscribe(driverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscriptions[driverID]
	if !ok {
		return nil
	}
	delete(b.subscriptions, driverID)
	if err := sub.Unsubscribe(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to unsubscribe from %s", b.subjectForDriver(driverID),
		)
		return err
	}
	log.WithFields(b.LogTags).Debugf("Unsubscribed from %s", b.subjectForDriver(driverID))
	return nil
}

// Publish broadcast a location sample on a driver's channel
func (b *natsDriverLocationBus) Publish(
	ctxt context.Context, driverID string, sample common.LocationSample,
) error {
	payload, err := json.Marshal(&sample)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to serialize location sample of %s", driverID,
		)
		return err
	}
	if err := b.client.NATs().Publish(b.subjectForDriver(driverID), payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Unable to publish location sample of %s", driverID,
		)
		return err
	}
	return nil
}

// SetHandler register the single inbound update handler
func (b *natsDriverLocationBus) SetHandler(handler UpdateHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	return nil
}

// receive single dispatch point for all subscribed subjects. The driver ID
// is taken from the delivered subject, so one callback serves every channel.
func (b *natsDriverLocationBus) receive(msg *nats.Msg) {
	driverID := strings.TrimPrefix(msg.Subject, b.subjectPrefix+".")
	var sample common.LocationSample
	if err := json.Unmarshal(msg.Data, &sample); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Discarding malformed update on %s", msg.Subject,
		)
		return
	}
	if err := b.validate.Struct(&sample); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Discarding invalid update on %s", msg.Subject,
		)
		return
	}
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		log.WithFields(b.LogTags).Debugf(
			"No handler registered. Dropping update on %s", msg.Subject,
		)
		return
	}
	handler(driverID, sample)
}

// Close tear down all channel subscriptions
func (b *natsDriverLocationBus) Close(ctxt context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for driverID, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to unsubscribe from %s", b.subjectForDriver(driverID),
			)
		}
	}
	b.subscriptions = make(map[string]*nats.Subscription)
	log.WithFields(b.LogTags).Info("Closed driver location bus")
}
