package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chimenet/internal/topic"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CHIMENET_CONFIG", "")
	t.Setenv("CHIME_USER", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "chime_user", cfg.Service.User)
	assert.True(t, cfg.Broker.Embedded)
	assert.Equal(t, "Available", cfg.Presence.InitialMode)
	assert.False(t, cfg.Auth.Enabled())

	d, err := cfg.Presence.GetMonitorInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = cfg.Presence.GetAnnounceInterval()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chimenet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  user: alice
  chime_name: Desk
  notes: [C4, G4]
broker:
  embedded: false
  server_url: nats://broker:4222
cache:
  dedup_ttl: 1m
presence:
  states_file: /etc/chimenet/states.yaml
  watch_peers: [bob, carol]
logging:
  level: debug
`), 0o600))

	t.Setenv("CHIMENET_CONFIG", path)
	t.Setenv("CHIME_CHORDS", "C, Am ,,F")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("SERVICE_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Service.User)
	assert.Equal(t, "Desk", cfg.Service.ChimeName)
	assert.Equal(t, []string{"C4", "G4"}, cfg.Service.Notes)
	assert.Equal(t, []string{"C", "Am", "F"}, cfg.Service.Chords)
	assert.Equal(t, 9090, cfg.Service.Port)
	assert.False(t, cfg.Broker.Embedded)
	assert.Equal(t, "nats://broker:4222", cfg.Broker.ServerURL)
	assert.Equal(t, "/etc/chimenet/states.yaml", cfg.Presence.StatesFile)
	assert.Equal(t, []string{"bob", "carol"}, cfg.Presence.WatchPeers)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// untouched sections keep defaults
	assert.Equal(t, "chimenet-retained", cfg.Broker.RetainedBucket)

	ttl, err := cfg.Cache.GetDedupTTL()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("service: [unterminated"), 0o600))
		t.Setenv("CHIMENET_CONFIG", path)
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("wildcard in user", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", "")
		t.Setenv("CHIME_USER", "al+ice")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("nats wildcard in chime id", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", "")
		t.Setenv("CHIME_ID", "*")
		_, err := Load()
		assert.ErrorIs(t, err, topic.ErrInvalidTopicSegment)
	})

	t.Run("whitespace in user", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", "")
		t.Setenv("CHIME_USER", "al ice")
		_, err := Load()
		assert.ErrorIs(t, err, topic.ErrInvalidTopicSegment)
	})

	t.Run("external broker without url", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", "")
		t.Setenv("NATS_EMBEDDED", "false")
		t.Setenv("NATS_SERVER_URL", "")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("wildcard in watched peer", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", "")
		t.Setenv("PRESENCE_WATCH_PEERS", "bob,#")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		t.Setenv("CHIMENET_CONFIG", "")
		t.Setenv("PRESENCE_MONITOR_INTERVAL", "soon")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestEnvHelpers_IgnoreUnparseable(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, 5, getEnvIntOrDefault("X_INT", 5))
	assert.Equal(t, int64(6), getEnvInt64OrDefault("X_INT", 6))
	assert.True(t, getEnvBoolOrDefault("X_BOOL", true))
}
