// Copyright 2021-2022 The pubsubharness Authors
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
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

// ===============================================================================
// Scenario Related Config

// PublisherConfig selects which worker ordinals act as publishers
type PublisherConfig struct {
	// All when set, every worker publishes
	All bool `mapstructure:"all" json:"all"`
	// Ordinals is the list of publishing worker ordinals, used when All is not set
	Ordinals []int `mapstructure:"ordinals" json:"ordinals" validate:"omitempty,dive,gte=0"`
}

// JitterConfig defines the random wait bounds between two publishes
type JitterConfig struct {
	// LowMS is the inclusive lower bound in milliseconds
	LowMS int `mapstructure:"low_ms" json:"low_ms" validate:"gte=0"`
	// HighMS is the exclusive upper bound in milliseconds
	HighMS int `mapstructure:"high_ms" json:"high_ms" validate:"gtefield=LowMS"`
}

// ScenarioConfig defines the pub/sub scenario being exercised
type ScenarioConfig struct {
	// WorkerCount is the number of client sessions to start
	WorkerCount int `mapstructure:"worker_count" json:"worker_count" validate:"gte=1,lte=100"`
	// Backend is the session implementation to use
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=wamp nats mqtt gossip memory"`
	// EndpointTemplate is formatted with the worker ordinal to give the worker endpoint.
	//
	// A template appending the ordinal to port digits, like the default
	// ws://localhost:809%d/, only yields valid ports for ordinals 0-9.
	EndpointTemplate string `mapstructure:"endpoint_template" json:"endpoint_template" validate:"required,contains=%d"`
	// Realm is the broker side namespace the sessions join
	Realm string `mapstructure:"realm" json:"realm" validate:"required"`
	// Topic is the shared topic every worker subscribes to
	Topic string `mapstructure:"topic" json:"topic" validate:"required"`
	// Publishers selects the publishing workers
	Publishers PublisherConfig `mapstructure:"publishers" json:"publishers" validate:"required"`
	// Jitter defines the publish wait bounds
	Jitter JitterConfig `mapstructure:"jitter" json:"jitter" validate:"required"`
	// ReceiptSeed is the baseline every receipt counter entry starts from
	ReceiptSeed uint64 `mapstructure:"receipt_seed" json:"receipt_seed"`
	// InboundBuffer is the size of each worker's inbound message channel
	InboundBuffer int `mapstructure:"inbound_buffer" json:"inbound_buffer" validate:"gte=1"`
	// MaxPublishRate caps the combined publish rate across all workers in msg/s.
	// Zero means no cap.
	MaxPublishRate float64 `mapstructure:"max_publish_rate" json:"max_publish_rate" validate:"gte=0"`
	// RunDuration is how long to run the scenario in seconds. Zero means until interrupted.
	RunDuration int `mapstructure:"run_duration_sec" json:"run_duration_sec" validate:"gte=0"`
}

// portSuffixTemplate matches an ordinal appended to the digits of a port
var portSuffixTemplate = regexp.MustCompile(`:[0-9]+%d`)

// CheckEndpointTemplate verify every worker ordinal maps to a usable endpoint
func (c ScenarioConfig) CheckEndpointTemplate() error {
	if portSuffixTemplate.MatchString(c.EndpointTemplate) && c.WorkerCount > 10 {
		return fmt.Errorf(
			"endpoint template %s appends the ordinal to the port, which supports at most 10 workers, got %d",
			c.EndpointTemplate,
			c.WorkerCount,
		)
	}
	return nil
}

// ===============================================================================
// Backend Related Config

// WAMPConfig defines parameters for WAMP sessions
type WAMPConfig struct {
	// Serialization is the WAMP message serialization
	Serialization string `mapstructure:"serialization" json:"serialization" validate:"required,oneof=json msgpack cbor"`
	// ResponseTimeout is the max duration to wait for a router response in seconds
	ResponseTimeout int `mapstructure:"response_timeout_sec" json:"response_timeout_sec" validate:"gte=1"`
	// AcknowledgePublish whether to request a PUBLISHED acknowledgement from the router
	AcknowledgePublish bool `mapstructure:"acknowledge_publish" json:"acknowledge_publish"`
}

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for NATS sessions
type NATSConfig struct {
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// MQTTConfig defines parameters for MQTT sessions
type MQTTConfig struct {
	// QoS is the MQTT QoS used for both subscribe and publish
	QoS uint8 `mapstructure:"qos" json:"qos" validate:"lte=2"`
	// ConnectTimeout is the max duration for connecting to the broker in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// KeepAlive is the MQTT keep alive interval in seconds
	KeepAlive int `mapstructure:"keep_alive_sec" json:"keep_alive_sec" validate:"gte=1"`
}

// GossipConfig defines parameters for libp2p gossip sessions
type GossipConfig struct {
	// EnableMDNS whether to discover peers on the local network
	EnableMDNS bool `mapstructure:"enable_mdns" json:"enable_mdns"`
	// Bootstrap is a list of full peer multiaddrs to connect to on open
	Bootstrap []string `mapstructure:"bootstrap" json:"bootstrap"`
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
	// next request when keep-alives are enabled in seconds.
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// StatusServerConfig defines the scenario status API server
type StatusServerConfig struct {
	// Enabled whether to start the status API server
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// PathPrefix is the end-point path prefix for the status APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
}

// ===============================================================================
// Router Related Config

// RouterConfig defines the local WAMP router used to serve the scenario
type RouterConfig struct {
	// ListenOn is the interface the router will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// BasePort is the port of ordinal 0, ordinal N listens on BasePort+N.
	//
	// With the default scenario endpoint template, BasePort+N only matches the
	// scenario endpoints for ordinals 0-9.
	BasePort uint16 `mapstructure:"base_port" json:"base_port" validate:"required,gt=0,lt=65536"`
	// PortCount is the number of consecutive ports to listen on
	PortCount int `mapstructure:"port_count" json:"port_count" validate:"gte=1,lte=100"`
	// Realms are the realms the router serves with anonymous access
	Realms []string `mapstructure:"realms" json:"realms" validate:"required,min=1,dive,required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Scenario are the scenario parameters
	Scenario ScenarioConfig `mapstructure:"scenario" json:"scenario" validate:"required"`
	// WAMP are the WAMP session parameters
	WAMP WAMPConfig `mapstructure:"wamp" json:"wamp" validate:"required"`
	// NATS are the NATS session parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// MQTT are the MQTT session parameters
	MQTT MQTTConfig `mapstructure:"mqtt" json:"mqtt" validate:"required"`
	// Gossip are the libp2p gossip session parameters
	Gossip GossipConfig `mapstructure:"gossip" json:"gossip"`
	// Status is the status API server config
	Status *StatusServerConfig `mapstructure:"status,omitempty" json:"status,omitempty" validate:"omitempty"`
	// Router is the local WAMP router config
	Router *RouterConfig `mapstructure:"router,omitempty" json:"router,omitempty" validate:"omitempty"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default scenario settings
	viper.SetDefault("scenario.worker_count", 3)
	viper.SetDefault("scenario.backend", "wamp")
	viper.SetDefault("scenario.endpoint_template", "ws://localhost:809%d/")
	viper.SetDefault("scenario.realm", "default")
	viper.SetDefault("scenario.topic", "autobahnkreuz.scenarios.pubsub")
	viper.SetDefault("scenario.publishers.all", false)
	viper.SetDefault("scenario.publishers.ordinals", []int{0})
	viper.SetDefault("scenario.jitter.low_ms", 200)
	viper.SetDefault("scenario.jitter.high_ms", 1000)
	viper.SetDefault("scenario.receipt_seed", 1)
	viper.SetDefault("scenario.inbound_buffer", 64)
	viper.SetDefault("scenario.max_publish_rate", 0)
	viper.SetDefault("scenario.run_duration_sec", 0)

	// Default WAMP settings
	viper.SetDefault("wamp.serialization", "json")
	viper.SetDefault("wamp.response_timeout_sec", 10)
	viper.SetDefault("wamp.acknowledge_publish", false)

	// Default NATS settings
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", 0)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default MQTT settings
	viper.SetDefault("mqtt.qos", 0)
	viper.SetDefault("mqtt.connect_timeout_sec", 10)
	viper.SetDefault("mqtt.keep_alive_sec", 30)

	// Default gossip settings
	viper.SetDefault("gossip.enable_mdns", true)

	// Default status server settings
	viper.SetDefault("status.enabled", false)
	viper.SetDefault("status.path_prefix", "/")
	viper.SetDefault("status.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("status.api_server.server_config.listen_port", 3000)
	viper.SetDefault("status.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("status.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("status.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"status.api_server.logging_config.request_id_header", "Pubsubharness-Request-ID",
	)
	viper.SetDefault(
		"status.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default router settings
	viper.SetDefault("router.listen_on", "0.0.0.0")
	viper.SetDefault("router.base_port", 8090)
	viper.SetDefault("router.port_count", 3)
	viper.SetDefault("router.realms", []string{"default"})
}
