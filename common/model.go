package common

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// modelValidate shared validator for the value model constructors
var modelValidate = validator.New()

// LocationSample one position report for a driver. Immutable once constructed;
// the caches replace entries wholesale, they never mutate them.
type LocationSample struct {
	// DriverID ID of the driver this sample belongs to
	DriverID string `json:"driver_id" validate:"required"`
	// Latitude position latitude in degrees
	Latitude float64 `json:"latitude" validate:"gte=-90,lte=90"`
	// Longitude position longitude in degrees
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
	// ObservedAt server-assigned timestamp of when the sample was ingested
	ObservedAt time.Time `json:"observed_at" validate:"required"`
}

// NewLocationSample define a new LocationSample. Rejects out-of-range
// coordinates and missing fields at construction time.
func NewLocationSample(
	driverID string, latitude, longitude float64, observedAt time.Time,
) (LocationSample, error) {
	sample := LocationSample{
		DriverID:   driverID,
		Latitude:   latitude,
		Longitude:  longitude,
		ObservedAt: observedAt,
	}
	if err := modelValidate.Struct(&sample); err != nil {
		return LocationSample{}, err
	}
	return sample, nil
}

// IsRecent whether the sample was observed within the recency window as of
// a reference time. This is the sole online / offline signal.
func (s LocationSample) IsRecent(reference time.Time, window time.Duration) bool {
	return reference.Sub(s.ObservedAt) < window
}

// DriverProfile display profile of one driver. Read-mostly, fetched lazily
// from the driver info service and cached.
type DriverProfile struct {
	// DriverID ID of the driver
	DriverID string `json:"driver_id" validate:"required"`
	// DisplayName name to show observers
	DisplayName string `json:"display_name" validate:"required"`
	// ImageURL URL of the driver's display image
	ImageURL string `json:"image_url" validate:"omitempty,uri"`
}

// NewDriverProfile define a new DriverProfile
func NewDriverProfile(driverID, displayName, imageURL string) (DriverProfile, error) {
	profile := DriverProfile{
		DriverID:    driverID,
		DisplayName: displayName,
		ImageURL:    imageURL,
	}
	if err := modelValidate.Struct(&profile); err != nil {
		return DriverProfile{}, err
	}
	return profile, nil
}
