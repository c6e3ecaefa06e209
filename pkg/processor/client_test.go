package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/streamstore"
	"github.com/framebuf/framebuf/internal/testutil"
)

// orchestratorStub records registration traffic.
type orchestratorStub struct {
	mu          sync.Mutex
	registered  []string
	heartbeats  int
	unregisters int
	srv         *httptest.Server
}

func newOrchestratorStub(t *testing.T) *orchestratorStub {
	t.Helper()
	stub := &orchestratorStub{}
	mux := http.NewServeMux()
	mux.HandleFunc("/processors/register", func(w http.ResponseWriter, r *http.Request) {
		var reg models.ProcessorRegistration
		_ = json.NewDecoder(r.Body).Decode(&reg)
		stub.mu.Lock()
		stub.registered = append(stub.registered, reg.ID)
		stub.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": reg.ID, "queue": reg.Queue, "epoch": 1,
		})
	})
	mux.HandleFunc("/processors/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.heartbeats++
		stub.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/processors/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			stub.mu.Lock()
			stub.unregisters++
			stub.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	stub.srv = httptest.NewServer(mux)
	t.Cleanup(stub.srv.Close)
	return stub
}

func newTestClient(t *testing.T, handler Handler, tweak func(*Config)) (*Client, streamstore.Store, *orchestratorStub) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := streamstore.NewRedisStore(streamstore.Options{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stub := newOrchestratorStub(t)
	cfg := Config{
		ID:                "proc-1",
		Capabilities:      []string{"det"},
		Capacity:          4,
		OrchestratorURL:   stub.srv.URL,
		StoreURL:          "redis://" + mr.Addr(),
		HeartbeatInterval: 50 * time.Millisecond,
		DrainTimeout:      time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}

	client, err := New(cfg, handler, WithStore(store))
	require.NoError(t, err)
	return client, store, stub
}

func appendFrame(t *testing.T, store streamstore.Store, processorID string, frame *models.FrameRef) {
	t.Helper()
	_, err := store.Append(context.Background(), models.EgressStream(processorID), frame.ToFields())
	require.NoError(t, err)
}

func TestProcessAndAck(t *testing.T) {
	var processed atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
		processed.Add(1)
		return nil, nil
	})

	client, store, stub := newTestClient(t, handler, nil)
	frame := testutil.SampleFrame(0)
	appendFrame(t, store, "proc-1", frame)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return client.FramesProcessed() == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), processed.Load())

	// The entry is acked: nothing pending for the group.
	pending, err := store.Pending(context.Background(), models.EgressStream("proc-1"), "proc-1-group")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)

	cancel()
	require.NoError(t, <-done)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Equal(t, []string{"proc-1"}, stub.registered)
	assert.Equal(t, 1, stub.unregisters)
}

func TestHandlerErrorLeavesPending(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
		return nil, errors.New("model exploded")
	})

	client, store, _ := newTestClient(t, handler, nil)
	appendFrame(t, store, "proc-1", testutil.SampleFrame(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	assert.Eventually(t, func() bool {
		pending, err := store.Pending(context.Background(), models.EgressStream("proc-1"), "proc-1-group")
		return err == nil && pending.Count == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(0), client.FramesProcessed())

	cancel()
	require.NoError(t, <-done)
}

func TestResultPublishing(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
		return map[string]interface{}{
			"detections": []map[string]interface{}{{"label": "person", "confidence": 0.97}},
			"count":      1,
		}, nil
	})

	client, store, _ := newTestClient(t, handler, func(c *Config) {
		c.ResultStream = "results:proc-1"
	})
	frame := testutil.SampleFrame(0)
	appendFrame(t, store, "proc-1", frame)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	assert.Eventually(t, func() bool {
		n, err := store.Length(context.Background(), "results:proc-1")
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	result, err := store.OldestEntry(context.Background(), "results:proc-1")
	require.NoError(t, err)
	assert.Equal(t, frame.FrameID, result.Fields["frame_id"])
	assert.Equal(t, "proc-1", result.Fields["processor_id"])
	assert.NotEmpty(t, result.Fields["processed_at"])
	assert.Equal(t, "1", result.Fields["count"])
	assert.Contains(t, result.Fields["detections"], "person")

	cancel()
	require.NoError(t, <-done)
}

func TestHeartbeatsReported(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
		return nil, nil
	})

	client, _, stub := newTestClient(t, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	assert.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return stub.heartbeats >= 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestTraceContextExtraction(t *testing.T) {
	fields := map[string]string{
		"trace_context": `{"traceparent":"00-abc-def-01"}`,
	}
	tc := TraceContext(fields)
	require.NotNil(t, tc)
	assert.Equal(t, "00-abc-def-01", tc["traceparent"])

	assert.Nil(t, TraceContext(map[string]string{}))
	assert.Nil(t, TraceContext(map[string]string{"trace_context": "{"}))
}

func TestConfigValidation(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
		return nil, nil
	})

	_, err := New(Config{}, handler)
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindFatal))

	_, err = New(Config{ID: "p", Capabilities: []string{"det"}, OrchestratorURL: "http://x", StoreURL: "redis://x"}, nil)
	require.Error(t, err)
}

func TestResourceBudgetDefersFrames(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, fields map[string]string) (map[string]interface{}, error) {
		return nil, nil
	})

	client, store, _ := newTestClient(t, handler, func(c *Config) {
		// A per-frame reservation no host can satisfy: every frame defers.
		c.ResourceLimits = &ResourceLimits{CPUCoresPerFrame: 1 << 20}
	})
	appendFrame(t, store, "proc-1", testutil.SampleFrame(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	assert.Eventually(t, func() bool {
		pending, err := store.Pending(context.Background(), models.EgressStream("proc-1"), "proc-1-group")
		return err == nil && pending.Count == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(0), client.FramesProcessed())

	cancel()
	require.NoError(t, <-done)
}
