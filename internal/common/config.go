// Package common provides shared utilities for the broker.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the broker.
type Config struct {
	Environment    string        `toml:"environment"`
	Prefix         string        `toml:"prefix"`        // global key/collection prefix, e.g. "zaku"
	DefaultQueue   string        `toml:"default_queue"` // queue registered at boot; empty skips registration
	Server         ServerConfig  `toml:"server"`
	Redis          RedisConfig   `toml:"redis"`   // Metadata Index (MI) backend
	Sentinel       SentinelConfig `toml:"sentinel"` // optional MI Sentinel topology, overrides Redis when enabled
	Mongo          MongoConfig   `toml:"mongo"`    // Payload Store (PS) backend
	PubSub         PubSubConfig  `toml:"pubsub"`   // Pub/Sub Bus (PSB) transport
	Logging        LoggingConfig `toml:"logging"`
	RequestMaxSize int64         `toml:"request_max_size"` // max HTTP body size in bytes, default 100MB
	WebsocketMaxSize int64       `toml:"websocket_max_size"`
	FreePort       bool          `toml:"free_port"` // check the configured port at startup and log a warning if it is occupied; the occupying process is not terminated
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host      string   `toml:"host"`
	Port      int      `toml:"port"`
	CORS      []string `toml:"cors"`      // allowed origins, comma list in env form
	Cert      string   `toml:"cert"`      // optional TLS certificate path
	Key       string   `toml:"key"`       // optional TLS key path
	CACert    string   `toml:"ca_cert"`   // client-CA path; loaded but not read by the server, so client certificates are not verified
	StaticDir string   `toml:"static_dir"` // root served under GET /static/{path}; empty disables it
}

// PubSubConfig selects the Pub/Sub Bus (PSB) transport.
type PubSubConfig struct {
	// Backend is "memory" (default, single-broker in-process fan-out) or
	// "redis" (PUBLISH/SUBSCRIBE over the MI connection, for multi-broker
	// deployments sharing one PSB).
	Backend string `toml:"backend"`
}

// TLSEnabled reports whether the server should listen with TLS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.Cert != "" && c.Key != ""
}

// RedisConfig holds the Metadata Index (MI) standalone Redis connection.
type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Addr returns the host:port connection string.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SentinelConfig holds an optional MI Sentinel topology. When Enabled, it takes
// priority over RedisConfig for MI connections.
type SentinelConfig struct {
	Enabled     bool     `toml:"enabled"`
	Hosts       []string `toml:"hosts"` // sentinel host:port addresses
	Password    string   `toml:"password"`
	ClusterName string   `toml:"cluster_name"` // sentinel master name
	DB          int      `toml:"db"`
	Shuffle     bool     `toml:"shuffle"` // shuffle sentinel host order once, when the client is built
}

// MongoConfig holds the Payload Store (PS) MongoDB connection.
type MongoConfig struct {
	Host       string `toml:"host"`
	Port       int    `toml:"port"`
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	Database   string `toml:"database"`
	AuthSource string `toml:"auth_source"`
	URI        string `toml:"uri"` // full replica-set URI, overrides the discrete fields when set
}

// ConnectionURI returns the Mongo connection string, preferring an explicit URI
// (used for replica-set/Atlas connections) over the discrete host/port fields.
func (c *MongoConfig) ConnectionURI() string {
	if c.URI != "" {
		return c.URI
	}
	if c.Username != "" {
		authSource := c.AuthSource
		if authSource == "" {
			authSource = "admin"
		}
		return fmt.Sprintf("mongodb://%s:%s@%s:%d/%s?authSource=%s",
			c.Username, c.Password, c.Host, c.Port, c.Database, authSource)
	}
	return fmt.Sprintf("mongodb://%s:%d/%s", c.Host, c.Port, c.Database)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Prefix:      "zaku",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			CORS: []string{"*"},
		},
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
			DB:   0,
		},
		Mongo: MongoConfig{
			Host:     "127.0.0.1",
			Port:     27017,
			Database: "zaku",
		},
		PubSub: PubSubConfig{
			Backend: "memory",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/broq.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		RequestMaxSize:   100 * 1024 * 1024,
		WebsocketMaxSize: 32 * 1024 * 1024,
		FreePort:         false,
	}
}

// LoadConfig loads configuration from TOML files (later files override earlier),
// then applies environment variable overrides. Priority, lowest to highest:
// defaults < TOML files < .env-loaded vars < process environment.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config. Callers
// are expected to have already loaded any .env file (e.g. via godotenv.Load)
// before this runs, so process env always wins regardless of its source.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("BROQ_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("BROQ_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("BROQ_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("BROQ_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if prefix := os.Getenv("BROQ_PREFIX"); prefix != "" {
		config.Prefix = prefix
	}
	// ZAKU_QUEUE_NAME matches the wire protocol's historical naming for the
	// queue a fresh broker registers at boot, kept distinct from BROQ_* vars.
	if qn := os.Getenv("ZAKU_QUEUE_NAME"); qn != "" {
		config.DefaultQueue = qn
	}

	if v := os.Getenv("REDIS_HOST"); v != "" {
		config.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			config.Redis.DB = d
		}
	}

	if v := os.Getenv("SENTINEL_HOSTS"); v != "" {
		config.Sentinel.Enabled = true
		config.Sentinel.Hosts = strings.Split(v, ",")
		for i := range config.Sentinel.Hosts {
			config.Sentinel.Hosts[i] = strings.TrimSpace(config.Sentinel.Hosts[i])
		}
	}
	if v := os.Getenv("SENTINEL_PASSWORD"); v != "" {
		config.Sentinel.Password = v
	}
	if v := os.Getenv("SENTINEL_CLUSTER_NAME"); v != "" {
		config.Sentinel.ClusterName = v
	}
	if v := os.Getenv("SENTINEL_DB"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			config.Sentinel.DB = d
		}
	}

	if v := os.Getenv("MONGO_HOST"); v != "" {
		config.Mongo.Host = v
	}
	if v := os.Getenv("MONGO_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Mongo.Port = p
		}
	}
	if v := os.Getenv("MONGO_USERNAME"); v != "" {
		config.Mongo.Username = v
	}
	if v := os.Getenv("MONGO_PASSWORD"); v != "" {
		config.Mongo.Password = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		config.Mongo.Database = v
	}
	if v := os.Getenv("MONGO_AUTH_SOURCE"); v != "" {
		config.Mongo.AuthSource = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		config.Mongo.URI = v
	}

	if v := os.Getenv("WEBSOCKET_MAX_SIZE"); v != "" {
		if sz, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.WebsocketMaxSize = sz
		}
	}

	if v := os.Getenv("BROQ_PUBSUB_BACKEND"); v != "" {
		config.PubSub.Backend = v
	}
	if v := os.Getenv("BROQ_STATIC_DIR"); v != "" {
		config.Server.StaticDir = v
	}

	if v := os.Getenv("BROQ_CORS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		config.Server.CORS = parts
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// MIAddrs returns the list of addresses the Metadata Index backend should
// dial: the Sentinel host list when Sentinel is enabled, else the single
// standalone Redis address.
func (c *Config) MIAddrs() []string {
	if c.Sentinel.Enabled {
		return c.Sentinel.Hosts
	}
	return []string{c.Redis.Addr()}
}

// RequestTimeout returns the default timeout applied to blocking broker
// operations that don't carry an explicit per-call deadline.
func (c *Config) RequestTimeout() time.Duration {
	return 30 * time.Second
}
