package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Fan-out Bus Related Config

// BusConfig defines parameters of the cross-instance driver location bus
type BusConfig struct {
	// Backend selects the bus implementation. "nats" connects instances
	// through a shared NATS deployment; "memory" keeps fan-out within this
	// process only.
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=nats memory"`
	// SubjectPrefix is the prefix of the per-driver bus subjects
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// Realtime Core Related Config

// TrackerConfig defines parameters of the realtime tracking core
type TrackerConfig struct {
	// OnlineIntervalSec is the client push cadence while a driver is online in seconds
	OnlineIntervalSec int `mapstructure:"online_interval_sec" json:"online_interval_sec" validate:"gte=1"`
	// OfflineIntervalSec is the client push cadence while a driver is offline in seconds
	OfflineIntervalSec int `mapstructure:"offline_interval_sec" json:"offline_interval_sec" validate:"gte=1"`
	// RecencyWindowSec is the location sample age in seconds beyond which a
	// driver is treated as offline
	RecencyWindowSec int `mapstructure:"recency_window_sec" json:"recency_window_sec" validate:"gte=1"`
	// RevalidateIntervalSec is the duration between driver token revalidation
	// checks in seconds
	RevalidateIntervalSec int `mapstructure:"revalidate_interval_sec" json:"revalidate_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Driver Info Service Related Config

// DriverInfoConfig defines parameters for reaching the driver info service
type DriverInfoConfig struct {
	// BaseURL is the base URL of the driver info service
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// RequestTimeout is the per-call timeout in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// APIServerConfig defines configuration for the realtime API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the realtime API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Bus are the driver location bus config parameters
	Bus BusConfig `mapstructure:"bus" json:"bus" validate:"required,dive"`
	// Tracker are the realtime core config parameters
	Tracker TrackerConfig `mapstructure:"tracker" json:"tracker" validate:"required,dive"`
	// DriverInfo are the driver info service config parameters
	DriverInfo DriverInfoConfig `mapstructure:"driver_info" json:"driver_info" validate:"required,dive"`
	// API are the realtime API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default bus settings
	viper.SetDefault("bus.backend", "nats")
	viper.SetDefault("bus.subject_prefix", "livetrack.driver")

	// Default realtime core settings
	viper.SetDefault("tracker.online_interval_sec", 5)
	viper.SetDefault("tracker.offline_interval_sec", 60)
	viper.SetDefault("tracker.recency_window_sec", 600)
	viper.SetDefault("tracker.revalidate_interval_sec", 60)

	// Default driver info service settings
	viper.SetDefault("driver_info.base_url", "http://127.0.0.1:3100")
	viper.SetDefault("driver_info.request_timeout_sec", 10)

	// Default API server settings
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Livetrack-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
