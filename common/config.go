// Copyright 2022 The relaymq Authors
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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Endpoint Related Config

// EndpointConfig defines where one of the broker's router endpoints listens
type EndpointConfig struct {
	// ListenOn is the interface the endpoint will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the endpoint will listen on. 0 picks a free port.
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"gte=0,lt=65536"`
}

// HeartbeatConfig defines the collector liveness probing parameters
type HeartbeatConfig struct {
	// IntervalSec is the duration between heartbeat rounds in seconds
	IntervalSec int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// MaxMissedBeats is the number of consecutive heartbeat rounds a collector may stay
	// silent before it is evicted from the registry. 0 disables eviction.
	MaxMissedBeats int `mapstructure:"max_missed_beats" json:"max_missed_beats" validate:"gte=0"`
}

// Interval converts IntervalSec into time.Duration
func (c HeartbeatConfig) Interval() time.Duration {
	return time.Second * time.Duration(c.IntervalSec)
}

// BrokerConfig defines the relay broker parameters
type BrokerConfig struct {
	// CollectorEndpoint is the collector-facing endpoint
	CollectorEndpoint EndpointConfig `mapstructure:"collector_endpoint" json:"collector_endpoint" validate:"required,dive"`
	// ReaderEndpoint is the reader-facing endpoint
	ReaderEndpoint EndpointConfig `mapstructure:"reader_endpoint" json:"reader_endpoint" validate:"required,dive"`
	// Heartbeat is the collector heartbeat settings
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// ReplyUnknownCommand whether to answer unrecognized reader commands with UNKNOWN COMMAND
	ReplyUnknownCommand bool `mapstructure:"reply_unknown_command" json:"reply_unknown_command"`
	// InboundQueueLen is the buffer length of the event loop input queue
	InboundQueueLen int `mapstructure:"inbound_queue_len" json:"inbound_queue_len" validate:"gte=1"`
	// OutboundQueueLen is the buffer length of each endpoint's send queue
	OutboundQueueLen int `mapstructure:"outbound_queue_len" json:"outbound_queue_len" validate:"gte=1"`
	// MaxFrameBytes is the largest frame a peer may send
	MaxFrameBytes int `mapstructure:"max_frame_bytes" json:"max_frame_bytes" validate:"gte=64"`
	// StatsIntervalSec is the period for logging registry statistics in seconds. 0 disables.
	StatsIntervalSec int `mapstructure:"stats_interval_sec" json:"stats_interval_sec" validate:"gte=0"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
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

// AdminServerConfig defines configuration for the admin API server
type AdminServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the admin API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// ===============================================================================
// Tap Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSStreamConfig defines the JetStream stream which retains mirrored payloads
type NATSStreamConfig struct {
	// Name is the stream name
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// MaxAgeSec is the max age of retained payloads in seconds. 0 is unlimited.
	MaxAgeSec int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
	// MaxMsgs is the max number of retained payloads. 0 is unlimited.
	MaxMsgs int64 `mapstructure:"max_msgs" json:"max_msgs" validate:"gte=0"`
	// MaxBytes is the max size of the stream in bytes. 0 is unlimited.
	MaxBytes int64 `mapstructure:"max_bytes" json:"max_bytes" validate:"gte=0"`
	// MaxMsgsPerSubject is the max number of payloads retained per collector. 0 is unlimited.
	MaxMsgsPerSubject int64 `mapstructure:"max_msgs_per_subject" json:"max_msgs_per_subject" validate:"gte=0"`
}

// NATSTapConfig defines parameters for mirroring payloads into NATS
type NATSTapConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// SubjectPrefix is prepended to the collector identity to form the publish subject
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// Stream if set, the JetStream stream covering the mirror subjects is created or
	// reconciled at startup
	Stream *NATSStreamConfig `mapstructure:"stream,omitempty" json:"stream,omitempty" validate:"omitempty,dive"`
}

// KafkaTapConfig defines parameters for mirroring payloads into Kafka
type KafkaTapConfig struct {
	// Brokers is the list of Kafka bootstrap brokers
	Brokers []string `mapstructure:"brokers" json:"brokers" validate:"required,min=1"`
	// Topic is the topic every payload is written to, keyed by collector identity
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// ClientID is the Kafka client identifier
	ClientID string `mapstructure:"client_id" json:"client_id" validate:"required"`
	// Version is the Kafka protocol version
	Version string `mapstructure:"version" json:"version" validate:"required"`
}

// RedisTapConfig defines parameters for mirroring payloads into Redis pub/sub
type RedisTapConfig struct {
	// URL is the Redis connection URL, e.g. redis://127.0.0.1:6379/0
	URL string `mapstructure:"url" json:"url" validate:"required,url"`
	// ChannelPrefix is prepended to the collector identity to form the channel name
	ChannelPrefix string `mapstructure:"channel_prefix" json:"channel_prefix" validate:"required"`
}

// BreakerConfig defines the circuit breaker guarding each tap sink
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count which opens the breaker
	MaxFailures uint32 `mapstructure:"max_failures" json:"max_failures" validate:"gte=1"`
	// OpenTimeout is how long the breaker stays open in seconds
	OpenTimeout int `mapstructure:"open_timeout_sec" json:"open_timeout_sec" validate:"gte=1"`
}

// TapConfig defines the optional payload mirror
type TapConfig struct {
	NATS  *NATSTapConfig  `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	Kafka *KafkaTapConfig `mapstructure:"kafka,omitempty" json:"kafka,omitempty" validate:"omitempty,dive"`
	Redis *RedisTapConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
	// QueueLen is the buffer between the event loop and the tap worker
	QueueLen int `mapstructure:"queue_len" json:"queue_len" validate:"gte=1"`
	// Breaker is the circuit breaker settings shared by all sinks
	Breaker BreakerConfig `mapstructure:"breaker" json:"breaker" validate:"required,dive"`
}

// Enabled whether any sink is configured
func (c TapConfig) Enabled() bool {
	return c.NATS != nil || c.Kafka != nil || c.Redis != nil
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Broker are the relay broker config parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required,dive"`
	// Admin are the admin API server configs
	Admin *AdminServerConfig `mapstructure:"admin,omitempty" json:"admin,omitempty" validate:"omitempty,dive"`
	// Tap are the payload mirror configs
	Tap TapConfig `mapstructure:"tap" json:"tap" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.collector_endpoint.listen_on", "0.0.0.0")
	viper.SetDefault("broker.collector_endpoint.listen_port", 4321)
	viper.SetDefault("broker.reader_endpoint.listen_on", "0.0.0.0")
	viper.SetDefault("broker.reader_endpoint.listen_port", 4322)
	viper.SetDefault("broker.heartbeat.interval_sec", 2)
	viper.SetDefault("broker.heartbeat.max_missed_beats", 0)
	viper.SetDefault("broker.reply_unknown_command", true)
	viper.SetDefault("broker.inbound_queue_len", 1024)
	viper.SetDefault("broker.outbound_queue_len", 256)
	viper.SetDefault("broker.max_frame_bytes", 1048576)
	viper.SetDefault("broker.stats_interval_sec", 30)

	// Default tap settings
	viper.SetDefault("tap.queue_len", 1024)
	viper.SetDefault("tap.breaker.max_failures", 5)
	viper.SetDefault("tap.breaker.open_timeout_sec", 30)
}

// InstallDefaultAdminConfigValues installs default admin API server parameters in viper.
//
// The admin server is optional, so its defaults are only installed when it is requested.
func InstallDefaultAdminConfigValues() {
	viper.SetDefault("admin.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("admin.api_server.server_config.listen_port", 4380)
	viper.SetDefault("admin.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("admin.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"admin.api_server.logging_config.request_id_header", "Relaymq-Request-ID",
	)
	viper.SetDefault(
		"admin.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
