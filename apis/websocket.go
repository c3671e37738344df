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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/livetrack/common"
	"github.com/alwitt/livetrack/tracker"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// websocketUpgrader upgrades incoming HTTP requests into persistent
// websocket connections
var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// wsEventWriter serializes writes on one websocket connection. The push
// scheduler and the request/reply loop write concurrently.
type wsEventWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsEventWriter) sendEvent(event interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(event)
}

// APIRestRealtimeHandler REST handler exposing the realtime websocket
// channels and health checks
type APIRestRealtimeHandler struct {
	goutils.RestAPIHandler
	core               tracker.RealtimeCore
	provider           tracker.DriverInfoProvider
	cadence            ClientCadenceConfig
	revalidateInterval time.Duration
	busReady           func() bool
	baseContext        context.Context
	wg                 *sync.WaitGroup
}

// GetAPIRestRealtimeHandler define APIRestRealtimeHandler
func GetAPIRestRealtimeHandler(
	baseContext context.Context,
	realtimeCore tracker.RealtimeCore,
	provider tracker.DriverInfoProvider,
	trackerConfig common.TrackerConfig,
	httpConfig *common.HTTPConfig,
	busReady func() bool,
	wg *sync.WaitGroup,
) (APIRestRealtimeHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "realtime-channels",
	}
	return APIRestRealtimeHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		core:               realtimeCore,
		provider:           provider,
		cadence: ClientCadenceConfig{
			OnlineInterval:  time.Second * time.Duration(trackerConfig.OnlineIntervalSec),
			OfflineInterval: time.Second * time.Duration(trackerConfig.OfflineIntervalSec),
			RecencyWindow:   time.Second * time.Duration(trackerConfig.RecencyWindowSec),
		},
		revalidateInterval: time.Second * time.Duration(trackerConfig.RevalidateIntervalSec),
		busReady:           busReady,
		baseContext:        baseContext,
		wg:                 wg,
	}, nil
}

// =======================================================================
// Client facing channel

// ClientWebsocket godoc
// @Summary Client realtime channel
// @Description Upgrade to a websocket carrying driver subscription requests
// and position push events
// @tags Realtime
// @Success 101 {string} string "upgraded"
// @Failure 400 {string} string "error"
// @Router /v1/client/ws [get]
func (h APIRestRealtimeHandler) ClientWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	// One websocket connection is one observing client
	clientID := uuid.New().String()
	writer := &wsEventWriter{conn: conn}
	channel, err := DefineClientChannel(
		clientID, h.core, h.cadence, writer.sendEvent, h.baseContext, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define client channel")
		return
	}
	defer channel.OnDisconnect(h.baseContext)
	log.WithFields(localLogTags).Infof("Client %s connected", clientID)

	conn.SetReadLimit(1024)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Client %s connection lost", clientID,
				)
			}
			return
		}
		var event ClientInboundEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			_ = writer.sendEvent(ErrorEvent{Type: EventTypeError, Message: "malformed event"})
			continue
		}
		switch event.Type {
		case EventTypeSubscribeDriver:
			if event.DriverID == "" {
				_ = writer.sendEvent(ErrorEvent{Type: EventTypeError, Message: "driver_id required"})
				continue
			}
			if err := channel.OnSubscribe(event.DriverID, r.Context()); err != nil {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Client %s subscribe to %s failed", clientID, event.DriverID,
				)
				_ = writer.sendEvent(ErrorEvent{Type: EventTypeError, Message: "subscribe failed"})
			}
		default:
			_ = writer.sendEvent(ErrorEvent{
				Type:    EventTypeError,
				Message: fmt.Sprintf("unsupported event type %s", event.Type),
			})
		}
	}
}

// ClientWebsocketHandler Wrapper around ClientWebsocket
func (h APIRestRealtimeHandler) ClientWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ClientWebsocket(w, r)
	}
}

// =======================================================================
// Driver facing channel

// DriverWebsocket godoc
// @Summary Driver realtime channel
// @Description Upgrade to a websocket carrying driver authentication and
// location ingestion requests
// @tags Realtime
// @Success 101 {string} string "upgraded"
// @Failure 400 {string} string "error"
// @Router /v1/driver/ws [get]
func (h APIRestRealtimeHandler) DriverWebsocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	socketID := uuid.New().String()
	writer := &wsEventWriter{conn: conn}
	// On token expiry, notify the driver and force the socket closed. The
	// close also unblocks the read loop below.
	expired := func(event TokenExpiredEvent) {
		_ = writer.sendEvent(event)
		_ = conn.Close()
	}
	channel, err := DefineDriverChannel(
		socketID, h.core, h.provider, h.revalidateInterval, expired, h.baseContext, h.wg,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define driver channel")
		return
	}
	defer channel.OnDisconnect(h.baseContext)
	log.WithFields(localLogTags).Infof("Driver socket %s connected", socketID)

	conn.SetReadLimit(1024)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseNormalClosure,
			) {
				log.WithError(err).WithFields(localLogTags).Errorf(
					"Driver socket %s connection lost", socketID,
				)
			}
			return
		}
		var event DriverInboundEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			_ = writer.sendEvent(ErrorEvent{Type: EventTypeError, Message: "malformed event"})
			continue
		}
		switch event.Type {
		case EventTypeAuthenticate:
			driverID, err := channel.Authenticate(event.Token, r.Context())
			reply := AuthReply{Success: err == nil, DriverID: driverID}
			if err != nil {
				reply.Message = err.Error()
			}
			_ = writer.sendEvent(reply)
		case EventTypeUpdateLocation:
			if event.Latitude == nil || event.Longitude == nil {
				_ = writer.sendEvent(UpdateReply{Success: false, Message: "invalid location data"})
				continue
			}
			err := channel.SubmitLocation(*event.Latitude, *event.Longitude, r.Context())
			reply := UpdateReply{Success: err == nil}
			if err != nil {
				reply.Message = err.Error()
			}
			_ = writer.sendEvent(reply)
		default:
			_ = writer.sendEvent(ErrorEvent{
				Type:    EventTypeError,
				Message: fmt.Sprintf("unsupported event type %s", event.Type),
			})
		}
	}
}

// DriverWebsocketHandler Wrapper around DriverWebsocket
func (h APIRestRealtimeHandler) DriverWebsocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DriverWebsocket(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For realtime API liveness check
// @Description Will return success to indicate the realtime API module is live
// @tags Realtime
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestRealtimeHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRealtimeHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For realtime API readiness check
// @Description Will return success if the fan-out bus is ready for use
// @tags Realtime
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestRealtimeHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.busReady() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRealtimeHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
