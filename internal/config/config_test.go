package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "frames:metadata", cfg.StreamStore.IngressStream)
	assert.Equal(t, "frames:dlq", cfg.StreamStore.DLQStream)
	assert.Equal(t, "frame-buffer-group", cfg.StreamStore.ConsumerGroup)
	assert.Equal(t, 10, cfg.Router.BatchSize)
	assert.Equal(t, time.Second, cfg.Router.Block)
	assert.Equal(t, 30*time.Second, cfg.Registry.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.Registry.LivenessTimeout)
	assert.Equal(t, 0.6, cfg.Backpressure.Low)
	assert.Equal(t, 0.8, cfg.Backpressure.High)
	assert.Equal(t, 0.95, cfg.Backpressure.Critical)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 3, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 100, cfg.Queue.StarvationThreshold)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "framebuf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
streamstore:
  url: redis://stream-store:6379
router:
  default_capability: face_detection
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "redis://stream-store:6379", cfg.StreamStore.URL)
	assert.Equal(t, "face_detection", cfg.Router.DefaultCapability)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Router.BatchSize)
}

func TestLegacyEnvOverrides(t *testing.T) {
	t.Setenv("STREAM_STORE_URL", "redis://legacy:6379")
	t.Setenv("INGRESS_STREAM", "frames:in")
	t.Setenv("BATCH_SIZE", "25")
	t.Setenv("BLOCK_MS", "2500")
	t.Setenv("LIVENESS_TIMEOUT_S", "90")
	t.Setenv("CB_FAILURE_THRESHOLD", "7")
	t.Setenv("BACKPRESSURE_HIGH", "0.85")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis://legacy:6379", cfg.StreamStore.URL)
	assert.Equal(t, "frames:in", cfg.StreamStore.IngressStream)
	assert.Equal(t, 25, cfg.Router.BatchSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.Router.Block)
	assert.Equal(t, 90*time.Second, cfg.Registry.LivenessTimeout)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 0.85, cfg.Backpressure.High)
}

func TestPrefixedEnvOverrides(t *testing.T) {
	t.Setenv("FRAMEBUF_SERVER_PORT", "9999")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestValidateFailures(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Server.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.StreamStore.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Backpressure.High = 0.5 // below low
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Backpressure.Critical = 1.5
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Registry.LivenessTimeout = time.Second
	cfg.Registry.HeartbeatInterval = time.Minute
	assert.Error(t, cfg.Validate())
}
