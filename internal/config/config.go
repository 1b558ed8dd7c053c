package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Bus      BusConfig      `mapstructure:"bus"`
	Shared   SharedConfig   `mapstructure:"shared"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Port     PortConfig     `mapstructure:"port"`
	Log      LogConfig      `mapstructure:"log"`
}

type AppConfig struct {
	Version string `mapstructure:"version"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// URL is where agents reach the server.
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig holds Postgres settings. An empty URL disables Postgres.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// BusConfig selects and tunes the broadcast channel between tabs.
type BusConfig struct {
	Backend          string        `mapstructure:"backend"`
	Channel          string        `mapstructure:"channel"`
	EstablishTimeout time.Duration `mapstructure:"establish_timeout"`
	CoalesceWindow   time.Duration `mapstructure:"coalesce_window"`
	MarkerKey        string        `mapstructure:"marker_key"`
	MarkerTTL        time.Duration `mapstructure:"marker_ttl"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

type SharedConfig struct {
	Name string `mapstructure:"name"`
}

type RPCConfig struct {
	HealthCheck      bool          `mapstructure:"health_check"`
	HealthTimeout    time.Duration `mapstructure:"health_timeout"`
	HealthMinDelay   time.Duration `mapstructure:"health_min_delay"`
	RelayCallTimeout time.Duration `mapstructure:"relay_call_timeout"`
}

type PortConfig struct {
	CompressThreshold int `mapstructure:"compress_threshold"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	// BackendServer reaches the bus through the server's relay endpoint.
	BackendServer = "server"
)

// Load reads configuration from file and env. Env var overrides use prefix
// TABSYNC_; REDIS_ADDR and DATABASE_URL are honoured as well.
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("app.version", "dev")
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.url", "ws://localhost:8081")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("database.url", "")
	v.SetDefault("bus.backend", BackendRedis)
	v.SetDefault("bus.channel", "tt-global")
	v.SetDefault("bus.establish_timeout", "800ms")
	v.SetDefault("bus.coalesce_window", "16ms")
	v.SetDefault("bus.marker_key", "tabsync:tt-global:alive")
	v.SetDefault("bus.marker_ttl", "30s")
	v.SetDefault("bus.breaker_timeout", "10s")
	v.SetDefault("shared.name", "tt-shared-state")
	v.SetDefault("rpc.health_check", true)
	v.SetDefault("rpc.health_timeout", "150ms")
	v.SetDefault("rpc.health_min_delay", "5s")
	v.SetDefault("rpc.relay_call_timeout", "30s")
	v.SetDefault("port.compress_threshold", 32*1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("TABSYNC_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "tabsync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("TABSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("redis.addr", "TABSYNC_REDIS_ADDR", "REDIS_ADDR"); err != nil {
		return Config{}, err
	}
	if err := v.BindEnv("database.url", "TABSYNC_DATABASE_URL", "DATABASE_URL"); err != nil {
		return Config{}, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the programs cannot run with.
func (c Config) Validate() error {
	switch c.Bus.Backend {
	case BackendMemory, BackendRedis, BackendServer:
	case BackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("bus.backend %q needs database.url", c.Bus.Backend)
		}
	default:
		return fmt.Errorf("unknown bus.backend %q", c.Bus.Backend)
	}
	if c.Bus.Channel == "" {
		return fmt.Errorf("bus.channel must not be empty")
	}
	if c.Bus.EstablishTimeout <= 0 {
		return fmt.Errorf("bus.establish_timeout must be positive")
	}
	return nil
}
