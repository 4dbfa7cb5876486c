package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ODIN_ROULETTE_SERVER_PORT.
const EnvPrefix = "ODIN_ROULETTE"

// Config holds all runtime configuration for the roulette signaling server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Matching  MatchingConfig  `mapstructure:"matching"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig contains network level settings for the WebSocket listener.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

// Addr returns the host:port the transport listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// WebSocketConfig controls hub behaviour and connection limits.
type WebSocketConfig struct {
	Path            string `mapstructure:"path"`
	MaxConnections  int    `mapstructure:"max_connections"`
	SendChannelSize int    `mapstructure:"send_channel_size"`
	MaxMessageSize  int64  `mapstructure:"max_message_size"`
}

// MatchingConfig selects the pairing policy.
type MatchingConfig struct {
	EnforceGenderFilter bool `mapstructure:"enforce_gender_filter"`
	AvoidRepeatPartner  bool `mapstructure:"avoid_repeat_partner"`
}

// RelayConfig controls signaling relay checks.
type RelayConfig struct {
	RequirePartner bool `mapstructure:"require_partner"`
}

// LimitsConfig holds connection and message rate limits.
type LimitsConfig struct {
	ConnectBurst int           `mapstructure:"connect_burst"`
	ConnectRate  float64       `mapstructure:"connect_rate"`
	ConnectIPTTL time.Duration `mapstructure:"connect_ip_ttl"`
	GlobalBurst  int           `mapstructure:"global_burst"`
	GlobalRate   float64       `mapstructure:"global_rate"`
	MessageBurst int           `mapstructure:"message_burst"`
	MessageRate  float64       `mapstructure:"message_rate"`
}

// MetricsConfig controls Prometheus/diagnostics endpoints.
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	Endpoint       string        `mapstructure:"endpoint"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// EventsConfig configures the optional NATS match event stream.
// An empty NatsURL disables publishing.
type EventsConfig struct {
	NatsURL       string        `mapstructure:"nats_url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.handshake_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)

	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.max_connections", 10000)
	v.SetDefault("websocket.send_channel_size", 256)
	v.SetDefault("websocket.max_message_size", 64<<10)

	v.SetDefault("matching.enforce_gender_filter", false)
	v.SetDefault("matching.avoid_repeat_partner", true)

	v.SetDefault("relay.require_partner", false)

	v.SetDefault("limits.connect_burst", 10)
	v.SetDefault("limits.connect_rate", 1.0)
	v.SetDefault("limits.connect_ip_ttl", 5*time.Minute)
	v.SetDefault("limits.global_burst", 300)
	v.SetDefault("limits.global_rate", 50.0)
	v.SetDefault("limits.message_burst", 100)
	v.SetDefault("limits.message_rate", 20.0)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.sample_interval", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject_prefix", "roulette")
	v.SetDefault("events.max_reconnects", 60)
	v.SetDefault("events.reconnect_wait", 2*time.Second)
}

// Load reads configuration from defaults, an optional .env file, an optional
// config file and environment variables. v may already carry bound command line
// flags; pass nil for a fresh instance. An explicit configFile must exist.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	// .env is a development convenience; missing is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("odin-roulette")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.SendChannelSize <= 0 {
		cfg.WebSocket.SendChannelSize = 256
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0-65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path must start with '/', got %q", c.WebSocket.Path)
	}
	if c.WebSocket.MaxConnections < 1 {
		return fmt.Errorf("websocket.max_connections must be > 0, got %d", c.WebSocket.MaxConnections)
	}
	if c.WebSocket.MaxMessageSize < 1 {
		return fmt.Errorf("websocket.max_message_size must be > 0, got %d", c.WebSocket.MaxMessageSize)
	}
	if c.Limits.MessageRate < 0 || c.Limits.ConnectRate < 0 || c.Limits.GlobalRate < 0 {
		return errors.New("limits rates must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
	}
	return nil
}
