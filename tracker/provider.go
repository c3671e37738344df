package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/alwitt/livetrack/common"
	"github.com/apex/log"
)

// TokenCheck result of one driver token validation call
type TokenCheck struct {
	// Valid whether the token is currently valid
	Valid bool `json:"is_valid"`
	// DriverID ID of the driver the token belongs to, when valid
	DriverID string `json:"driver_id,omitempty"`
}

// DriverInfoProvider interface of the external driver info service. A nil
// result with nil error means "not known". Callers must treat transport
// failures the same as absent data; none of these calls gate the core's
// control flow on upstream availability.
type DriverInfoProvider interface {
	// GetProfile fetch a driver's display profile
	GetProfile(ctxt context.Context, driverID string) (*common.DriverProfile, error)
	// GetLastKnownLocation fetch a driver's last recorded location
	GetLastKnownLocation(ctxt context.Context, driverID string) (*common.LocationSample, error)
	// ValidateToken check a driver connection token
	ValidateToken(ctxt context.Context, token string) (TokenCheck, error)
}

// ========================================================================================
// REST client implementation

// restDriverInfoProvider implements DriverInfoProvider against the driver
// info service's REST API
type restDriverInfoProvider struct {
	common.Component
	client  *http.Client
	baseURL string
}

// GetRESTDriverInfoProvider define a REST backed DriverInfoProvider
func GetRESTDriverInfoProvider(
	baseURL string, requestTimeout time.Duration, instance string,
) (DriverInfoProvider, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid driver info service URL: %w", err)
	}
	logTags := log.Fields{
		"module":    "tracker",
		"component": "driver-info-provider",
		"instance":  instance,
	}
	return &restDriverInfoProvider{
		Component: common.Component{LogTags: logTags},
		client:    &http.Client{Timeout: requestTimeout},
		baseURL:   baseURL,
	}, nil
}

// restProfileResponse driver profile payload of the driver info service
type restProfileResponse struct {
	DriverID    string `json:"driver_id"`
	DisplayName string `json:"display_name"`
	ImageURL    string `json:"image_url"`
}

// restLocationResponse last known location payload of the driver info service
type restLocationResponse struct {
	DriverID   string    `json:"driver_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"observed_at"`
}

// fetchJSON perform one call against the driver info service. A 404 reply
// maps to (false, nil) so callers can treat it as absent data.
func (p *restDriverInfoProvider) fetchJSON(
	ctxt context.Context, method, callURL string, requestBody, result interface{},
) (bool, error) {
	var reader io.Reader
	if requestBody != nil {
		payload, err := json.Marshal(requestBody)
		if err != nil {
			return false, err
		}
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctxt, method, callURL, reader)
	if err != nil {
		return false, err
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := p.client.Do(request)
	if err != nil {
		return false, err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if response.StatusCode != http.StatusOK {
		return false, fmt.Errorf(
			"driver info service replied with status %d on %s", response.StatusCode, callURL,
		)
	}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return false, err
	}
	return true, nil
}

// GetProfile fetch a driver's display profile
func (p *restDriverInfoProvider) GetProfile(
	ctxt context.Context, driverID string,
) (*common.DriverProfile, error) {
	callURL := fmt.Sprintf("%s/v1/driver/%s/profile", p.baseURL, url.PathEscape(driverID))
	var reply restProfileResponse
	found, err := p.fetchJSON(ctxt, http.MethodGet, callURL, nil, &reply)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Profile fetch for %s failed", driverID,
		)
		return nil, err
	}
	if !found {
		return nil, nil
	}
	profile, err := common.NewDriverProfile(reply.DriverID, reply.DisplayName, reply.ImageURL)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Driver info service returned invalid profile for %s", driverID,
		)
		return nil, err
	}
	return &profile, nil
}

// GetLastKnownLocation fetch a driver's last recorded location
func (p *restDriverInfoProvider) GetLastKnownLocation(
	ctxt context.Context, driverID string,
) (*common.LocationSample, error) {
	callURL := fmt.Sprintf("%s/v1/driver/%s/location", p.baseURL, url.PathEscape(driverID))
	var reply restLocationResponse
	found, err := p.fetchJSON(ctxt, http.MethodGet, callURL, nil, &reply)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Location fetch for %s failed", driverID,
		)
		return nil, err
	}
	if !found {
		return nil, nil
	}
	sample, err := common.NewLocationSample(
		reply.DriverID, reply.Latitude, reply.Longitude, reply.ObservedAt,
	)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Driver info service returned invalid location for %s", driverID,
		)
		return nil, err
	}
	return &sample, nil
}

// ValidateToken check a driver connection token
func (p *restDriverInfoProvider) ValidateToken(
	ctxt context.Context, token string,
) (TokenCheck, error) {
	callURL := fmt.Sprintf("%s/v1/token/validate", p.baseURL)
	requestBody := map[string]string{"token": token}
	var reply TokenCheck
	found, err := p.fetchJSON(ctxt, http.MethodPost, callURL, requestBody, &reply)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Token validation call failed")
		return TokenCheck{}, err
	}
	if !found {
		return TokenCheck{}, nil
	}
	return reply, nil
}
