package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framebuf/framebuf/internal/config"
	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/observability"
	"github.com/framebuf/framebuf/internal/streamstore"
	"github.com/framebuf/framebuf/internal/testutil"
)

func testConfig(t *testing.T, port int, storeURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.StreamStore.URL = storeURL
	cfg.Backpressure.CheckInterval = 50 * time.Millisecond
	cfg.Registry.LivenessInterval = 50 * time.Millisecond
	cfg.Router.Block = 50 * time.Millisecond
	return cfg
}

func startOrchestrator(t *testing.T, port int) (*Orchestrator, streamstore.Store, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	storeURL := "redis://" + mr.Addr()

	store, err := streamstore.NewRedisStore(streamstore.Options{URL: storeURL})
	require.NoError(t, err)

	cfg := testConfig(t, port, storeURL)
	orch, err := NewWithStore(cfg, nil, observability.NewMetrics(), store)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("orchestrator did not shut down")
		}
	})

	// Inspect store uses its own connection so closing order stays sane.
	inspect, err := streamstore.NewRedisStore(streamstore.Options{URL: storeURL})
	require.NoError(t, err)
	t.Cleanup(func() { inspect.Close() })

	waitForServer(t, fmt.Sprintf("http://127.0.0.1:%d/health", port))
	return orch, inspect, cancel
}

func waitForServer(t *testing.T, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func TestEndToEndHappyPath(t *testing.T) {
	const port = 38471
	orch, store, _ := startOrchestrator(t, port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	ctx := context.Background()

	// Register P1 over the API.
	resp := postJSON(t, base+"/processors/register", testutil.SampleRegistration("P1", 10, "det"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Append one frame to ingress.
	frame := testutil.SampleFrameWithCapability(0, "det")
	frame.FrameID = "A"
	_, err := store.Append(ctx, models.DefaultIngressStream, frame.ToFields())
	require.NoError(t, err)

	// The frame lands on P1's egress stream within two seconds.
	require.Eventually(t, func() bool {
		n, err := store.Length(ctx, models.EgressStream("P1"))
		return err == nil && n == 1
	}, 2*time.Second, 20*time.Millisecond)

	entry, err := store.OldestEntry(ctx, models.EgressStream("P1"))
	require.NoError(t, err)
	assert.Equal(t, "A", entry.Fields["frame_id"])

	// Status reflects the routed frame and ingress pending drains.
	require.Eventually(t, func() bool {
		return orch.Router().FramesRouted() == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		p, err := store.Pending(ctx, models.DefaultIngressStream, models.DefaultConsumerGroup)
		return err == nil && p.Count == 0
	}, 2*time.Second, 20*time.Millisecond)

	statusResp, err := http.Get(base + "/orchestrator/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var state models.OrchestratorState
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&state))
	assert.Equal(t, int64(1), state.TotalFramesRouted)
	assert.Equal(t, 1, state.ActiveProcessors)
	assert.Equal(t, "NORMAL", state.PressureLevel)
	assert.Equal(t, 1.0, state.ConsumptionRate)
}

func TestMetricsEndpoint(t *testing.T) {
	const port = 38472
	_, _, _ = startOrchestrator(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/metrics", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "framebuf_frames_routed_total")
	assert.Contains(t, string(body), "framebuf_backpressure_level")
}

func TestBackpressureCriticalPausesRouter(t *testing.T) {
	const port = 38473
	orch, store, _ := startOrchestrator(t, port)
	ctx := context.Background()

	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	resp := postJSON(t, base+"/processors/register", testutil.SampleRegistration("P1", 100, "det"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Stuff the egress stream to 96% of capacity with no consumer.
	for i := 0; i < 96; i++ {
		f := testutil.SampleFrame(0)
		_, err := store.Append(ctx, models.EgressStream("P1"), f.ToFields())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return orch.Pressure().Level() == models.PressureCritical
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0.0, orch.Pressure().Rate())
	assert.True(t, orch.Pressure().Paused())

	// Drain the queue; pressure returns to NORMAL within two intervals.
	_, err := store.TrimMaxLen(ctx, models.EgressStream("P1"), 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return orch.Pressure().Level() == models.PressureNormal
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1.0, orch.Pressure().Rate())
}

func TestMaintenanceTrimsDLQ(t *testing.T) {
	mr := miniredis.RunT(t)
	storeURL := "redis://" + mr.Addr()
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: storeURL})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig(t, 38474, storeURL)
	cfg.Maintenance.DLQMaxLen = 5
	orch, err := NewWithStore(cfg, nil, observability.NewMetrics(), store)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := store.Append(ctx, cfg.StreamStore.DLQStream, map[string]string{"reason": "decode_error"})
		require.NoError(t, err)
	}

	orch.runMaintenance(ctx)

	n, err := store.Length(ctx, cfg.StreamStore.DLQStream)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}
