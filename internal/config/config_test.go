package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.SigningKey = "c29tZV9zZWNyZXQ="
	return cfg
}

func TestValidate(t *testing.T) {
	tcases := []struct {
		name   string
		modify func(*Config)
		err    bool
	}{
		{
			name:   "valid config",
			modify: func(*Config) {},
		},
		{
			name:   "empty address",
			modify: func(c *Config) { c.Server.Addr = "" },
			err:    true,
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Database.DSN = "" },
			err:    true,
		},
		{
			name:   "empty signing key",
			modify: func(c *Config) { c.Auth.SigningKey = "" },
			err:    true,
		},
		{
			name:   "invalid signing key",
			modify: func(c *Config) { c.Auth.SigningKey = "invalid_base64" },
			err:    true,
		},
		{
			name:   "no listener channels",
			modify: func(c *Config) { c.Listener.Channels = nil },
			err:    true,
		},
		{
			name:   "max backoff below min",
			modify: func(c *Config) { c.Listener.MaxBackoff = 100 * time.Millisecond },
			err:    true,
		},
		{
			name:   "outbound buffer too small",
			modify: func(c *Config) { c.Realtime.OutboundBuffer = 1 },
			err:    true,
		},
		{
			name:   "zero write timeout",
			modify: func(c *Config) { c.Realtime.WriteTimeout = 0 },
			err:    true,
		},
		{
			name:   "zero missed heartbeats",
			modify: func(c *Config) { c.Realtime.MissedHeartbeats = 0 },
			err:    true,
		},
		{
			name:   "zero typing ttl",
			modify: func(c *Config) { c.Realtime.TypingTTL = 0 },
			err:    true,
		},
		{
			name:   "zero shards",
			modify: func(c *Config) { c.Realtime.RegistryShards = 0 },
			err:    true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.err {
				assert.Error(t, err, "expected error for config: %s", tc.name)
				return
			}
			assert.NoError(t, err, "expected no error for config: %s", tc.name)
			assert.Equal(t, []byte("some_secret"), cfg.SigningKey, "expected signing key to be decoded")
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("empty path yields defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Realtime, cfg.Realtime)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "campusrt.yaml")
		data := `
server:
  addr: ":9000"
realtime:
  outbound_buffer: 50
  presence_grace: 5s
listener:
  channels: [channel_messages]
`
		require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, ":9000", cfg.Server.Addr)
		assert.Equal(t, 50, cfg.Realtime.OutboundBuffer)
		assert.Equal(t, 5*time.Second, cfg.Realtime.PresenceGrace)
		assert.Equal(t, []string{"channel_messages"}, cfg.Listener.Channels)
		assert.Equal(t, Default().Realtime.WriteTimeout, cfg.Realtime.WriteTimeout, "expected unset fields to keep defaults")
	})

	t.Run("unknown field", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "campusrt.yaml")
		require.NoError(t, os.WriteFile(path, []byte("bogus: true\n"), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv(EnvDatabaseDSN, "postgres://env")
		t.Setenv(EnvSigningKey, "ZW52")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "postgres://env", cfg.Database.DSN)
		assert.Equal(t, "ZW52", cfg.Auth.SigningKey)
	})
}

func Test_decodeSigningSecret(t *testing.T) {
	tcases := []struct {
		name         string
		base64Secret string
		expectedKey  []byte
		expectError  bool
	}{
		{
			name:         "valid base64 secret",
			base64Secret: "c29tZV9zZWNyZXQ=",
			expectedKey:  []byte("some_secret"),
		},
		{
			name:         "invalid base64 secret",
			base64Secret: "invalid_base64",
			expectError:  true,
		},
		{
			name:         "empty base64 secret",
			base64Secret: "",
			expectError:  true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			key, err := decodeSigningSecret(tc.base64Secret)
			if tc.expectError {
				assert.Error(t, err, "expected error for base64 secret: %s", tc.base64Secret)
			} else {
				assert.NoError(t, err, "expected no error for base64 secret: %s", tc.base64Secret)
				assert.Equal(t, tc.expectedKey, key, "expected decoded key to match for base64 secret: %s", tc.base64Secret)
			}
		})
	}
}
