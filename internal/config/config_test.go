package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	require.Equal(t, 8082, cfg.Server.Port)
	require.Equal(t, "/ws", cfg.WebSocket.Path)
	require.Equal(t, 256, cfg.WebSocket.SendChannelSize)
	require.True(t, cfg.Matching.AvoidRepeatPartner)
	require.False(t, cfg.Matching.EnforceGenderFilter)
	require.False(t, cfg.Relay.RequirePartner)
	require.Equal(t, 10*time.Second, cfg.Server.HandshakeTimeout)
	require.Empty(t, cfg.Events.NatsURL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ODIN_ROULETTE_SERVER_PORT", "9100")
	t.Setenv("ODIN_ROULETTE_MATCHING_ENFORCE_GENDER_FILTER", "true")
	t.Setenv("ODIN_ROULETTE_LIMITS_MESSAGE_RATE", "5.5")

	cfg, err := Load(nil, "")
	require.NoError(t, err)
	require.Equal(t, 9100, cfg.Server.Port)
	require.True(t, cfg.Matching.EnforceGenderFilter)
	require.Equal(t, 5.5, cfg.Limits.MessageRate)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roulette.yaml")
	contents := "server:\n  port: 7000\nrelay:\n  require_partner: true\nevents:\n  nats_url: nats://127.0.0.1:4222\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(nil, path)
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Server.Port)
	require.True(t, cfg.Relay.RequirePartner)
	require.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NatsURL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(nil, filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(nil, "")
	require.NoError(t, err)

	bad := cfg
	bad.Logging.Level = "verbose"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.WebSocket.Path = "ws"
	require.Error(t, bad.Validate())

	bad = cfg
	bad.WebSocket.MaxConnections = 0
	require.Error(t, bad.Validate())
}
