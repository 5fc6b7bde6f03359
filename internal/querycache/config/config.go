package config

import (
	"errors"
	"fmt"
	"time"

	sharedErrors "school-portal/internal/shared/errors"

	"github.com/caarlos0/env/v6"
)

// StoreDriver selects the remote document store implementation.
type StoreDriver string

const (
	DriverMemory  StoreDriver = "memory"
	DriverMongoDB StoreDriver = "mongodb"
	DriverGateway StoreDriver = "gateway"
)

// MongoConfig configures the MongoDB remote store.
type MongoConfig struct {
	URI      string `env:"MONGODB_URI" envDefault:"mongodb://localhost:27017" json:"uri"`
	Database string `env:"MONGODB_DATABASE" envDefault:"school_portal" json:"database"`
	// ChangeStreams requires a replica set; without it listeners deliver only the initial snapshot.
	ChangeStreams bool `env:"MONGODB_CHANGE_STREAMS" envDefault:"true" json:"change_streams"`
}

// GatewayConfig configures the remote store that talks to another instance's HTTP and websocket gateway.
type GatewayConfig struct {
	URL     string        `env:"GATEWAY_URL" json:"url"`
	Timeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s" json:"timeout"`
}

// RealtimeConfig holds configuration of the websocket subscription gateway.
type RealtimeConfig struct {
	// WebSocketPath is the endpoint path for WebSocket connections.
	WebSocketPath string `env:"WEBSOCKET_PATH" envDefault:"/ws/v1/listen" json:"websocket_path"`

	// ClientSendChannelBuffer is the buffer size of the per-client outbound message channel.
	ClientSendChannelBuffer int `env:"CLIENT_SEND_CHANNEL_BUFFER" envDefault:"10" json:"client_send_channel_buffer"`
}

// CacheConfig tunes the cache and its diagnostics.
type CacheConfig struct {
	ReaperInterval time.Duration `env:"CACHE_REAPER_INTERVAL" envDefault:"30s" json:"reaper_interval"`
	// PolicyFile is an optional YAML file of collection policy overrides.
	PolicyFile  string `env:"CACHE_POLICY_FILE" json:"policy_file"`
	ErrorBuffer int    `env:"DIAGNOSTICS_ERROR_BUFFER" envDefault:"50" json:"error_buffer"`
}

// ServerConfig holds the HTTP listener address.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0" json:"host"`
	Port string `env:"SERVER_PORT" envDefault:"8080" json:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

// QueryCacheConfig holds all configuration for the query cache module.
type QueryCacheConfig struct {
	Driver   StoreDriver    `env:"STORE_DRIVER" envDefault:"memory" json:"driver"`
	Mongo    MongoConfig    `json:"mongo"`
	Gateway  GatewayConfig  `json:"gateway"`
	Realtime RealtimeConfig `json:"realtime"`
	Cache    CacheConfig    `json:"cache"`
	Redis    RedisConfig    `json:"redis"`
	Server   ServerConfig   `json:"server"`
}

// LoadConfig loads configuration from environment variables and applies defaults.
func LoadConfig() (*QueryCacheConfig, error) {
	cfg := &QueryCacheConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load query cache configuration from environment: " + err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *QueryCacheConfig) Validate() error {
	verrs := sharedErrors.NewValidationErrors()

	switch c.Driver {
	case DriverMemory:
	case DriverMongoDB:
		if c.Mongo.URI == "" {
			verrs.Add("MONGODB_URI", "required by the mongodb driver", c.Mongo.URI)
		}
		if c.Mongo.Database == "" {
			verrs.Add("MONGODB_DATABASE", "required by the mongodb driver", c.Mongo.Database)
		}
	case DriverGateway:
		if c.Gateway.URL == "" {
			verrs.Add("GATEWAY_URL", "required by the gateway driver", c.Gateway.URL)
		}
	default:
		verrs.Add("STORE_DRIVER", "must be one of memory, mongodb, gateway", c.Driver)
	}

	if c.Cache.ReaperInterval <= 0 {
		verrs.Add("CACHE_REAPER_INTERVAL", "must be positive", c.Cache.ReaperInterval)
	}
	if c.Cache.ErrorBuffer <= 0 {
		verrs.Add("DIAGNOSTICS_ERROR_BUFFER", "must be positive", c.Cache.ErrorBuffer)
	}
	if c.Realtime.WebSocketPath == "" {
		c.Realtime.WebSocketPath = "/ws/v1/listen"
	}
	if c.Realtime.ClientSendChannelBuffer <= 0 {
		c.Realtime.ClientSendChannelBuffer = 10
	}

	if verrs.HasErrors() {
		return verrs.ToAppError()
	}
	return nil
}

// DefaultQueryCacheConfig returns a configuration with default values.
func DefaultQueryCacheConfig() *QueryCacheConfig {
	return &QueryCacheConfig{
		Driver: DriverMemory,
		Mongo: MongoConfig{
			URI:           "mongodb://localhost:27017",
			Database:      "school_portal",
			ChangeStreams: true,
		},
		Gateway: GatewayConfig{Timeout: 10 * time.Second},
		Realtime: RealtimeConfig{
			WebSocketPath:           "/ws/v1/listen",
			ClientSendChannelBuffer: 10,
		},
		Cache: CacheConfig{
			ReaperInterval: 30 * time.Second,
			ErrorBuffer:    50,
		},
		Redis:  *DefaultRedisConfig(),
		Server: ServerConfig{Host: "0.0.0.0", Port: "8080"},
	}
}
