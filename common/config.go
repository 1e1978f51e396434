package common

import "github.com/spf13/viper"

// ===============================================================================
// Broker Connection Related Config

// AmqpConnectConfig defines default parameters applied when dialing target brokers
type AmqpConnectConfig struct {
	// ConnectTimeout is the max duration for dialing a target broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Heartbeat is the AMQP heartbeat interval in seconds
	Heartbeat int `mapstructure:"heartbeat_sec" json:"heartbeat_sec" validate:"gte=1"`
}

// ConnectionsConfig defines the per-broker connection admission parameters
type ConnectionsConfig struct {
	// MaxPerBroker is the soft cap on concurrent native connections per target broker
	// across all coordinator instances
	MaxPerBroker int `mapstructure:"max_per_broker" json:"max_per_broker" validate:"gte=1"`
	// EntryTTL is the registry entry expiry window in seconds. Entries of a crashed
	// instance self-heal once the window passes without a refresh.
	EntryTTL int `mapstructure:"entry_ttl_sec" json:"entry_ttl_sec" validate:"gte=60"`
}

// ===============================================================================
// Shared Store Related Config

// RedisConfig defines parameters for connecting to the shared Redis store.
// When not given, the coordinator falls back to in-process registries and is
// only suitable for single-instance deployments.
type RedisConfig struct {
	// Addr is the Redis server host:port
	Addr string `mapstructure:"addr" json:"addr" validate:"required,hostname_port"`
	// Password is the Redis AUTH password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// KeyPrefix is prepended to every key the coordinator writes
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix" validate:"required"`
	// CallTimeout is the max duration of one store call in seconds
	CallTimeout int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Stream Session Related Config

// StreamSessionsConfig defines heartbeat and reaping parameters for client
// facing streaming sessions.
//
// HeartbeatInterval should be well below StalenessThreshold (4-10x) to avoid
// false-positive reaping under normal jitter.
type StreamSessionsConfig struct {
	// HeartbeatInterval is the owner refresh interval in seconds
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// StalenessThreshold is the no-heartbeat duration after which a session is
	// considered abandoned, in seconds
	StalenessThreshold int `mapstructure:"staleness_threshold_sec" json:"staleness_threshold_sec" validate:"gte=1"`
	// ReaperInterval is the stale session sweep interval in seconds
	ReaperInterval int `mapstructure:"reaper_interval_sec" json:"reaper_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body, in seconds. A zero or negative value means no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response in seconds. A zero or negative value means no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled in seconds
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
// Coordinator Server Related Config

// CoordinatorEndpointConfig defines coordinator API endpoint config
type CoordinatorEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the coordinator APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// CoordinatorServerConfig defines configuration for the coordinator API server
type CoordinatorServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the coordinator API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the coordinator API server
	Endpoints CoordinatorEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete coordinator system config
type SystemConfig struct {
	// Amqp are the broker dial default parameters
	Amqp AmqpConnectConfig `mapstructure:"amqp" json:"amqp" validate:"required,dive"`
	// Connections are the connection admission parameters
	Connections ConnectionsConfig `mapstructure:"connections" json:"connections" validate:"required,dive"`
	// Sessions are the streaming session heartbeat / reaper parameters
	Sessions StreamSessionsConfig `mapstructure:"sessions" json:"sessions" validate:"required,dive"`
	// Redis are the shared store parameters. Optional; omit for single-instance mode.
	Redis *RedisConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
	// Coordinator are the coordinator API server configs
	Coordinator CoordinatorServerConfig `mapstructure:"coordinator" json:"coordinator" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default AMQP dial settings
	viper.SetDefault("amqp.connect_timeout_sec", 10)
	viper.SetDefault("amqp.heartbeat_sec", 30)

	// Default connection admission settings
	viper.SetDefault("connections.max_per_broker", 5)
	viper.SetDefault("connections.entry_ttl_sec", 300)

	// Default stream session settings
	viper.SetDefault("sessions.heartbeat_interval_sec", 30)
	viper.SetDefault("sessions.staleness_threshold_sec", 300)
	viper.SetDefault("sessions.reaper_interval_sec", 60)

	// Default coordinator server settings
	viper.SetDefault("coordinator.endpoint_config.path_prefix", "/")
	viper.SetDefault("coordinator.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("coordinator.api_server.server_config.listen_port", 3000)
	viper.SetDefault("coordinator.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("coordinator.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("coordinator.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"coordinator.api_server.logging_config.request_id_header", "Mqcoord-Request-ID",
	)
	viper.SetDefault(
		"coordinator.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
