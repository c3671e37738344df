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

import "time"

// Websocket event type identifiers
const (
	// Client facing
	EventTypeSubscribeDriver = "subscribe-driver"
	EventTypeDriverUpdate    = "driver-update"
	EventTypeDriverOffline   = "driver-offline"
	EventTypeError           = "error"
	// Driver facing
	EventTypeAuthenticate   = "authenticate"
	EventTypeUpdateLocation = "update-location"
	EventTypeTokenExpired   = "token-expired"
)

// OfflineDriverErrorCode error code carried by driver-offline events
const OfflineDriverErrorCode = "OFFLINE_DRIVER"

// ========================================================================================
// Client facing events

// ClientInboundEvent message received on a client websocket
type ClientInboundEvent struct {
	Type     string `json:"type" validate:"required"`
	DriverID string `json:"driver_id,omitempty"`
}

// EventLocationBody location half of a driver-update event
type EventLocationBody struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"observed_at"`
}

// EventProfileBody profile half of a driver-update event
type EventProfileBody struct {
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
}

// DriverUpdateEvent pushed to a client when its driver is online
type DriverUpdateEvent struct {
	Type     string            `json:"type"`
	DriverID string            `json:"driver_id"`
	Location EventLocationBody `json:"location"`
	Profile  EventProfileBody  `json:"profile"`
	Online   bool              `json:"online"`
}

// DriverOfflineEvent pushed to a client when its driver is offline or unknown
type DriverOfflineEvent struct {
	Type      string `json:"type"`
	DriverID  string `json:"driver_id"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	// LastUpdateTime timestamp of the stale sample, null when no sample is
	// known at all
	LastUpdateTime *time.Time `json:"last_update_time"`
}

// ErrorEvent pushed on a rejected or malformed request
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ========================================================================================
// Driver facing events

// DriverInboundEvent message received on a driver websocket. Coordinates are
// pointers so absent fields are distinguishable from zero values.
type DriverInboundEvent struct {
	Type      string   `json:"type" validate:"required"`
	Token     string   `json:"token,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// AuthReply reply to an authenticate request
type AuthReply struct {
	Success  bool   `json:"success"`
	DriverID string `json:"driver_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// UpdateReply reply to an update-location request
type UpdateReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TokenExpiredEvent pushed to a driver before its connection is force closed
type TokenExpiredEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
