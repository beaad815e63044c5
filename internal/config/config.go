package config

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDatabaseDSN = "CAMPUSRT_DSN"
	EnvSigningKey  = "CAMPUSRT_SIGNING_KEY"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Listener ListenerConfig `yaml:"listener"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Log      LogConfig      `yaml:"log"`

	// SigningKey is the decoded Auth.SigningKey.
	SigningKey []byte `yaml:"-"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// LookupTimeout bounds every membership query made on behalf of a
	// live connection.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

type AuthConfig struct {
	// SigningKey is the base64 encoded HMAC secret of the identity provider.
	SigningKey string `yaml:"signing_key"`
}

type ListenerConfig struct {
	Channels     []string      `yaml:"channels"`
	MinBackoff   time.Duration `yaml:"min_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type RealtimeConfig struct {
	OutboundBuffer      int           `yaml:"outbound_buffer"`
	IngressBuffer       int           `yaml:"ingress_buffer"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeats    int           `yaml:"missed_heartbeats"`
	PresenceGrace       time.Duration `yaml:"presence_grace"`
	// PresenceRetention is how long last_seen is kept for a user with no
	// connection. Zero keeps it for the life of the process.
	PresenceRetention   time.Duration `yaml:"presence_retention"`
	TypingTTL           time.Duration `yaml:"typing_ttl"`
	TypingSweepInterval time.Duration `yaml:"typing_sweep_interval"`
	RegistryShards      int           `yaml:"registry_shards"`
	MaxMessageSize      int64         `yaml:"max_message_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "localhost:8000",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			LookupTimeout:   3 * time.Second,
		},
		Listener: ListenerConfig{
			Channels:     []string{"channel_messages", "message_reactions", "channel_members"},
			MinBackoff:   500 * time.Millisecond,
			MaxBackoff:   30 * time.Second,
			PingInterval: 90 * time.Second,
		},
		Realtime: RealtimeConfig{
			OutboundBuffer:      100,
			IngressBuffer:       1024,
			WriteTimeout:        10 * time.Second,
			HeartbeatInterval:   15 * time.Second,
			MissedHeartbeats:    3,
			PresenceGrace:       8 * time.Second,
			PresenceRetention:   24 * time.Hour,
			TypingTTL:           6 * time.Second,
			TypingSweepInterval: 10 * time.Second,
			RegistryShards:      32,
			MaxMessageSize:      4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if key := os.Getenv(EnvSigningKey); key != "" {
		cfg.Auth.SigningKey = key
	}

	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks the configuration and decodes the signing key.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}
	if len(c.Listener.Channels) == 0 {
		return fmt.Errorf("at least one listener channel is required")
	}
	if c.Listener.MinBackoff <= 0 || c.Listener.MaxBackoff < c.Listener.MinBackoff {
		return fmt.Errorf("invalid listener backoff %s..%s", c.Listener.MinBackoff, c.Listener.MaxBackoff)
	}
	if c.Realtime.OutboundBuffer < 2 {
		return fmt.Errorf("outbound buffer must hold at least 2 frames, got %d", c.Realtime.OutboundBuffer)
	}
	if c.Realtime.IngressBuffer < 1 {
		return fmt.Errorf("ingress buffer must be positive, got %d", c.Realtime.IngressBuffer)
	}
	if c.Realtime.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.Realtime.HeartbeatInterval <= 0 || c.Realtime.MissedHeartbeats < 1 {
		return fmt.Errorf("invalid heartbeat settings")
	}
	if c.Realtime.PresenceGrace < 0 || c.Realtime.PresenceRetention < 0 || c.Realtime.TypingTTL <= 0 {
		return fmt.Errorf("invalid presence settings")
	}
	if c.Realtime.RegistryShards < 1 {
		return fmt.Errorf("registry shards must be positive, got %d", c.Realtime.RegistryShards)
	}

	signingKey, err := decodeSigningSecret(c.Auth.SigningKey)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	return nil
}
