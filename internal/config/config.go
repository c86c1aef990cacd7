// Package config loads the YAML configuration file that drives
// cmd/marketfeed: which venues to run, trading type, external-store
// connection, and the per-component tunables spec'd for reconnects,
// heartbeats, the data-timeout watchdog, the trade-log stream, the
// connection pool, and the in-memory cache. Grounded on the teacher's
// datafacade/config loader (YAML file read with os.Stat fallback to
// defaults, then a validate pass) but collapsed to one file since this
// system has one coherent config object instead of one file per concern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig mirrors spec's redis.{host,port,password,db,keyPrefix} keys.
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// ReconnectConfig mirrors spec's reconnect.{enabled,maxAttempts,baseDelay,maxDelay}.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// HeartbeatConfig mirrors spec's heartbeat.{enabled,interval,timeout}.
type HeartbeatConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DataTimeoutConfig mirrors spec's dataTimeout.{enabled,timeout,checkInterval}.
type DataTimeoutConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Timeout       time.Duration `yaml:"timeout"`
	CheckInterval time.Duration `yaml:"checkInterval"`
}

// StreamConfig mirrors spec's stream.{maxLen,trimApprox}.
type StreamConfig struct {
	MaxLen     int64 `yaml:"maxLen"`
	TrimApprox bool  `yaml:"trimApprox"`
}

// ConnectionPoolConfig mirrors spec's
// connectionPool.{maxSubscriptionsPerConnection,useCombinedStream}.
type ConnectionPoolConfig struct {
	MaxSubscriptionsPerConnection int  `yaml:"maxSubscriptionsPerConnection"`
	UseCombinedStream             bool `yaml:"useCombinedStream"`
}

// CacheConfig mirrors spec's cache.{maxCandles,historyCandles}.
type CacheConfig struct {
	MaxCandles     int `yaml:"maxCandles"`
	HistoryCandles int `yaml:"historyCandles"`
}

// Config is the top-level configuration object. Every field corresponds to
// a recognized key from the external-interfaces configuration table.
type Config struct {
	Exchanges      []string             `yaml:"exchanges"`
	TradingType    string               `yaml:"tradingType"`
	EnableRedis    bool                 `yaml:"enableRedis"`
	Redis          RedisConfig          `yaml:"redis"`
	Reconnect      ReconnectConfig      `yaml:"reconnect"`
	Heartbeat      HeartbeatConfig      `yaml:"heartbeat"`
	DataTimeout    DataTimeoutConfig    `yaml:"dataTimeout"`
	Stream         StreamConfig         `yaml:"stream"`
	ConnectionPool ConnectionPoolConfig `yaml:"connectionPool"`
	Cache          CacheConfig          `yaml:"cache"`
}

// Default returns the configuration used when no file is found, or to seed
// unset fields after a partial file is loaded.
func Default() Config {
	return Config{
		Exchanges:   []string{"binance"},
		TradingType: "spot",
		EnableRedis: false,
		Redis: RedisConfig{
			Host:      "localhost",
			Port:      6379,
			KeyPrefix: "",
		},
		Reconnect: ReconnectConfig{
			Enabled:     true,
			MaxAttempts: 10,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:  true,
			Interval: 20 * time.Second,
			Timeout:  10 * time.Second,
		},
		DataTimeout: DataTimeoutConfig{
			Enabled:       true,
			Timeout:       60 * time.Second,
			CheckInterval: 15 * time.Second,
		},
		Stream: StreamConfig{
			MaxLen:     10000,
			TrimApprox: true,
		},
		ConnectionPool: ConnectionPoolConfig{
			MaxSubscriptionsPerConnection: 100,
			UseCombinedStream:             true,
		},
		Cache: CacheConfig{
			MaxCandles:     1000,
			HistoryCandles: 200,
		},
	}
}

// Load reads and parses a YAML configuration file at path. A missing file
// is not an error: Load returns Default() unchanged, matching the
// teacher's per-concern fallback-to-defaults convention.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that would leave the engine unable to
// start at all.
func (c Config) Validate() error {
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	if c.TradingType != "spot" && c.TradingType != "perpetual" {
		return fmt.Errorf("tradingType must be \"spot\" or \"perpetual\", got %q", c.TradingType)
	}
	if c.EnableRedis && (c.Redis.Host == "" || c.Redis.Port == 0) {
		return fmt.Errorf("redis.host and redis.port are required when enableRedis is true")
	}
	if c.ConnectionPool.MaxSubscriptionsPerConnection <= 0 {
		return fmt.Errorf("connectionPool.maxSubscriptionsPerConnection must be positive")
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.maxAttempts must be positive when reconnect.enabled is true")
	}
	return nil
}
