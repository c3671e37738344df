package tracker

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/alwitt/livetrack/bus"
	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
)

// DriverState resolved realtime view of one driver
type DriverState struct {
	// Sample the driver's most recent known location
	Sample common.LocationSample
	// Profile the driver's display profile
	Profile common.DriverProfile
}

// RealtimeCore owns the subscription ledger and the last-known-state caches,
// and bridges them to the cross-instance driver location bus. It is the only
// component allowed to mutate that state; per-connection channels reach it
// exclusively through these operations.
type RealtimeCore interface {
	// Subscribe bind a client to a driver's channel. A client watches at
	// most one driver; binding to a new driver implicitly unsubscribes the
	// prior one. The first local watcher of a driver opens this instance's
	// bus subscription for that driver's channel.
	Subscribe(clientID, driverID string, ctxt context.Context) error
	// Unsubscribe drop a client's binding. Unknown clients are a no-op. The
	// last local watcher of a driver closes the bus subscription.
	Unsubscribe(clientID string, ctxt context.Context) error
	// HandleLocationUpdate record a newly ingested location sample. The
	// sample is re-broadcast on the bus only when this instance has local
	// watchers for the driver; updates for drivers nobody local is watching
	// are cached but not propagated, which also means a driver whose only
	// watchers sit on other instances is not relayed from here. That is the
	// deliberate trade: bus traffic only flows for channels with proven
	// local interest.
	HandleLocationUpdate(sample common.LocationSample, ctxt context.Context) error
	// GetStateFor resolve a driver's current state, cache first with lazy
	// fallback to the driver info service. Returns nil when either the
	// location or the profile can not be resolved.
	GetStateFor(driverID string, ctxt context.Context) (*DriverState, error)
	// IsOnline whether a driver's resolvable location is within the recency
	// window. False when no location is resolvable.
	IsOnline(driverID string, ctxt context.Context) (bool, error)
}

// realtimeCoreImpl implements RealtimeCore. Ledger and cache access run on
// a single task processor loop; the collaborator HTTP calls and bus publish
// happen outside the loop so slow upstreams never stall ledger operations.
type realtimeCoreImpl struct {
	common.Component
	tp            common.TaskProcessor
	locationBus   bus.DriverLocationBus
	provider      DriverInfoProvider
	recencyWindow time.Duration
	// clientToDriver which driver each client currently watches
	clientToDriver map[string]string
	// driverToClients inverse index, ref-counting bus channel interest
	driverToClients map[string]map[string]bool
	locationCache   map[string]common.LocationSample
	profileCache    map[string]common.DriverProfile
}

// DefineRealtimeCore create new realtime core instance. It registers itself
// as the bus's one inbound update handler.
func DefineRealtimeCore(
	tp common.TaskProcessor,
	locationBus bus.DriverLocationBus,
	provider DriverInfoProvider,
	recencyWindow time.Duration,
) (RealtimeCore, error) {
	logTags := log.Fields{
		"module": "tracker", "component": "realtime-core",
	}
	instance := realtimeCoreImpl{
		Component:       common.Component{LogTags: logTags},
		tp:              tp,
		locationBus:     locationBus,
		provider:        provider,
		recencyWindow:   recencyWindow,
		clientToDriver:  make(map[string]string),
		driverToClients: make(map[string]map[string]bool),
		locationCache:   make(map[string]common.LocationSample),
		profileCache:    make(map[string]common.DriverProfile),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(coreBindClientReq{}), instance.processBindClientRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(coreUnbindClientReq{}), instance.processUnbindClientRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(coreRecordSampleReq{}), instance.processRecordSampleRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(coreReadStateReq{}), instance.processReadStateRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(coreSeedStateReq{}), instance.processSeedStateRequest,
	); err != nil {
		return nil, err
	}
	// Inbound bus deliveries reuse the sample recording path, but without a
	// publish decision. Skipping the publish here is what breaks the relay
	// loop; only locally ingested samples ever go back out on the bus.
	if err := locationBus.SetHandler(instance.handleBusDelivery); err != nil {
		return nil, err
	}
	return &instance, nil
}

// ----------------------------------------------------------------------------------------

type coreBindClientReq struct {
	clientID string
	driverID string
	resultCB func(needProfile, needLocation bool, err error)
}

// Subscribe bind a client to a driver's channel
func (c *realtimeCoreImpl) Subscribe(clientID, driverID string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	needProfile := false
	needLocation := false
	handler := func(missingProfile, missingLocation bool, err error) {
		needProfile = missingProfile
		needLocation = missingLocation
		processError = err
		complete <- true
	}

	request := coreBindClientReq{
		clientID: clientID, driverID: driverID, resultCB: handler,
	}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit bind-client request")
		return err
	}

	<-complete

	if processError != nil {
		return processError
	}

	// Lazily warm the caches outside the ledger loop. A miss or upstream
	// failure leaves the cache empty without failing the subscribe.
	if needProfile {
		if profile, err := c.provider.GetProfile(ctxt, driverID); err == nil && profile != nil {
			c.seedState(ctxt, driverID, nil, profile)
		}
	}
	if needLocation {
		if sample, err := c.provider.GetLastKnownLocation(ctxt, driverID); err == nil && sample != nil {
			c.seedState(ctxt, driverID, sample, nil)
		}
	}
	return nil
}

// processBindClientRequest support task processor, deal with bind client request
func (c *realtimeCoreImpl) processBindClientRequest(param interface{}) error {
	request, ok := param.(coreBindClientReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for bind client", reflect.TypeOf(param),
		)
	}
	needProfile, needLocation, err := c.ProcessBindClientRequest(request.clientID, request.driverID)
	request.resultCB(needProfile, needLocation, err)
	return err
}

// ProcessBindClientRequest bind a client to a driver's channel. Reports
// which cache halves are missing so the caller can warm them lazily.
func (c *realtimeCoreImpl) ProcessBindClientRequest(
	clientID, driverID string,
) (needProfile, needLocation bool, err error) {
	if current, ok := c.clientToDriver[clientID]; ok {
		if current == driverID {
			// Idempotent resubscribe
			_, haveProfile := c.profileCache[driverID]
			_, haveLocation := c.locationCache[driverID]
			return !haveProfile, !haveLocation, nil
		}
		c.detachClient(clientID, current)
	}

	watchers, ok := c.driverToClients[driverID]
	if !ok {
		watchers = make(map[string]bool)
		c.driverToClients[driverID] = watchers
	}
	if len(watchers) == 0 {
		// First local watcher opens this instance's bus channel interest.
		// Bus subscription setup is a non-blocking client call, so it stays
		// inside the loop to keep the ledger and bus interest in lockstep.
		if err := c.locationBus.Subscribe(driverID); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Bus subscribe for %s failed. Continuing without cross-instance updates",
				driverID,
			)
		}
	}
	watchers[clientID] = true
	c.clientToDriver[clientID] = driverID

	log.WithFields(c.LogTags).Debugf("Client %s now watching driver %s", clientID, driverID)
	_, haveProfile := c.profileCache[driverID]
	_, haveLocation := c.locationCache[driverID]
	return !haveProfile, !haveLocation, nil
}

// detachClient remove a client from a driver's watcher set, releasing the
// bus channel when the last local watcher leaves. Loop context only.
func (c *realtimeCoreImpl) detachClient(clientID, driverID string) {
	watchers, ok := c.driverToClients[driverID]
	if !ok {
		return
	}
	delete(watchers, clientID)
	if len(watchers) == 0 {
		delete(c.driverToClients, driverID)
		if err := c.locationBus.Unsubscribe(driverID); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Bus unsubscribe for %s failed", driverID,
			)
		}
	}
}

// ----------------------------------------------------------------------------------------

type coreUnbindClientReq struct {
	clientID string
	resultCB func(error)
}

// Unsubscribe drop a client's binding
func (c *realtimeCoreImpl) Unsubscribe(clientID string, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := coreUnbindClientReq{clientID: clientID, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit unbind-client request")
		return err
	}

	<-complete

	return processError
}

// processUnbindClientRequest support task processor, deal with unbind client request
func (c *realtimeCoreImpl) processUnbindClientRequest(param interface{}) error {
	request, ok := param.(coreUnbindClientReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for unbind client", reflect.TypeOf(param),
		)
	}
	err := c.ProcessUnbindClientRequest(request.clientID)
	request.resultCB(err)
	return err
}

// ProcessUnbindClientRequest drop a client's binding
func (c *realtimeCoreImpl) ProcessUnbindClientRequest(clientID string) error {
	driverID, ok := c.clientToDriver[clientID]
	if !ok {
		return nil
	}
	c.detachClient(clientID, driverID)
	delete(c.clientToDriver, clientID)
	log.WithFields(c.LogTags).Debugf("Client %s no longer watching driver %s", clientID, driverID)
	return nil
}

// ----------------------------------------------------------------------------------------

type coreRecordSampleReq struct {
	sample common.LocationSample
	// resultCB receives the publish gate decision. nil for bus deliveries,
	// which must never be re-published.
	resultCB func(shouldPublish bool)
}

// HandleLocationUpdate record a newly ingested location sample
func (c *realtimeCoreImpl) HandleLocationUpdate(
	sample common.LocationSample, ctxt context.Context,
) error {
	complete := make(chan bool, 1)
	shouldPublish := false
	handler := func(publish bool) {
		shouldPublish = publish
		complete <- true
	}

	request := coreRecordSampleReq{sample: sample, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit record-sample request")
		return err
	}

	<-complete

	if shouldPublish {
		// Best effort. A bus outage loses the update; the cache is already
		// current for local watchers.
		if err := c.locationBus.Publish(ctxt, sample.DriverID, sample); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to broadcast update for %s", sample.DriverID,
			)
		}
	}
	return nil
}

// handleBusDelivery single handler for inbound cross-instance updates
func (c *realtimeCoreImpl) handleBusDelivery(driverID string, sample common.LocationSample) {
	if driverID != sample.DriverID {
		log.WithFields(c.LogTags).Errorf(
			"Discarding bus delivery where channel %s does not match sample driver %s",
			driverID, sample.DriverID,
		)
		return
	}
	request := coreRecordSampleReq{sample: sample, resultCB: nil}
	if err := c.tp.Submit(request, context.Background()); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to submit bus delivery for %s", driverID,
		)
	}
}

// processRecordSampleRequest support task processor, deal with record sample request
func (c *realtimeCoreImpl) processRecordSampleRequest(param interface{}) error {
	request, ok := param.(coreRecordSampleReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for record sample", reflect.TypeOf(param),
		)
	}
	shouldPublish := c.ProcessRecordSampleRequest(request.sample)
	if request.resultCB != nil {
		request.resultCB(shouldPublish)
	}
	return nil
}

// ProcessRecordSampleRequest overwrite the cached sample for a driver, and
// report whether local watcher interest warrants a bus broadcast
func (c *realtimeCoreImpl) ProcessRecordSampleRequest(sample common.LocationSample) bool {
	c.locationCache[sample.DriverID] = sample
	return len(c.driverToClients[sample.DriverID]) > 0
}

// ----------------------------------------------------------------------------------------

type coreReadStateReq struct {
	driverID string
	resultCB func(sample *common.LocationSample, profile *common.DriverProfile)
}

// readCachedState fetch cache copies of a driver's state through the loop
func (c *realtimeCoreImpl) readCachedState(
	driverID string, ctxt context.Context,
) (*common.LocationSample, *common.DriverProfile, error) {
	complete := make(chan bool, 1)
	var cachedSample *common.LocationSample
	var cachedProfile *common.DriverProfile
	handler := func(sample *common.LocationSample, profile *common.DriverProfile) {
		cachedSample = sample
		cachedProfile = profile
		complete <- true
	}

	request := coreReadStateReq{driverID: driverID, resultCB: handler}

	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit read-state request")
		return nil, nil, err
	}

	<-complete

	return cachedSample, cachedProfile, nil
}

// processReadStateRequest support task processor, deal with read state request
func (c *realtimeCoreImpl) processReadStateRequest(param interface{}) error {
	request, ok := param.(coreReadStateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for read state", reflect.TypeOf(param),
		)
	}
	sample, profile := c.ProcessReadStateRequest(request.driverID)
	request.resultCB(sample, profile)
	return nil
}

// ProcessReadStateRequest copy out a driver's cached state; nil halves are
// cache misses
func (c *realtimeCoreImpl) ProcessReadStateRequest(
	driverID string,
) (*common.LocationSample, *common.DriverProfile) {
	var samplePtr *common.LocationSample
	var profilePtr *common.DriverProfile
	if sample, ok := c.locationCache[driverID]; ok {
		sampleCopy := sample
		samplePtr = &sampleCopy
	}
	if profile, ok := c.profileCache[driverID]; ok {
		profileCopy := profile
		profilePtr = &profileCopy
	}
	return samplePtr, profilePtr
}

// ----------------------------------------------------------------------------------------

type coreSeedStateReq struct {
	driverID string
	sample   *common.LocationSample
	profile  *common.DriverProfile
}

// seedState fold collaborator fetch results back into the caches. Fire and
// forget; a failed submit only means the next reader fetches again.
func (c *realtimeCoreImpl) seedState(
	ctxt context.Context,
	driverID string,
	sample *common.LocationSample,
	profile *common.DriverProfile,
) {
	request := coreSeedStateReq{driverID: driverID, sample: sample, profile: profile}
	if err := c.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to submit seed-state request for %s", driverID,
		)
	}
}

// processSeedStateRequest support task processor, deal with seed state request
func (c *realtimeCoreImpl) processSeedStateRequest(param interface{}) error {
	request, ok := param.(coreSeedStateReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for seed state", reflect.TypeOf(param),
		)
	}
	c.ProcessSeedStateRequest(request.driverID, request.sample, request.profile)
	return nil
}

// ProcessSeedStateRequest install collaborator supplied state, but only for
// cache halves still empty. Live updates always win over lazy fallback data.
func (c *realtimeCoreImpl) ProcessSeedStateRequest(
	driverID string, sample *common.LocationSample, profile *common.DriverProfile,
) {
	if sample != nil {
		if _, ok := c.locationCache[driverID]; !ok {
			c.locationCache[driverID] = *sample
		}
	}
	if profile != nil {
		if _, ok := c.profileCache[driverID]; !ok {
			c.profileCache[driverID] = *profile
		}
	}
}

// ----------------------------------------------------------------------------------------

// GetStateFor resolve a driver's current state
func (c *realtimeCoreImpl) GetStateFor(
	driverID string, ctxt context.Context,
) (*DriverState, error) {
	sample, profile, err := c.readCachedState(driverID, ctxt)
	if err != nil {
		return nil, err
	}
	if sample == nil {
		fetched, err := c.provider.GetLastKnownLocation(ctxt, driverID)
		if err == nil && fetched != nil {
			c.seedState(ctxt, driverID, fetched, nil)
			sample = fetched
		}
	}
	if profile == nil {
		fetched, err := c.provider.GetProfile(ctxt, driverID)
		if err == nil && fetched != nil {
			c.seedState(ctxt, driverID, nil, fetched)
			profile = fetched
		}
	}
	if sample == nil || profile == nil {
		return nil, nil
	}
	return &DriverState{Sample: *sample, Profile: *profile}, nil
}

// IsOnline whether a driver's resolvable location is within the recency window
func (c *realtimeCoreImpl) IsOnline(driverID string, ctxt context.Context) (bool, error) {
	sample, _, err := c.readCachedState(driverID, ctxt)
	if err != nil {
		return false, err
	}
	if sample == nil {
		fetched, err := c.provider.GetLastKnownLocation(ctxt, driverID)
		if err != nil || fetched == nil {
			return false, nil
		}
		c.seedState(ctxt, driverID, fetched, nil)
		sample = fetched
	}
	return sample.IsRecent(time.Now().UTC(), c.recencyWindow), nil
}
