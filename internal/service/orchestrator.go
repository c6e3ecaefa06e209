// Package service wires the orchestrator's components together and owns
// their lifecycle.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/framebuf/framebuf/internal/backpressure"
	"github.com/framebuf/framebuf/internal/breaker"
	"github.com/framebuf/framebuf/internal/buffer"
	"github.com/framebuf/framebuf/internal/config"
	httpserver "github.com/framebuf/framebuf/internal/http"
	"github.com/framebuf/framebuf/internal/http/handlers"
	"github.com/framebuf/framebuf/internal/models"
	"github.com/framebuf/framebuf/internal/observability"
	"github.com/framebuf/framebuf/internal/registry"
	"github.com/framebuf/framebuf/internal/router"
	"github.com/framebuf/framebuf/internal/streamstore"
	"github.com/framebuf/framebuf/internal/version"
)

// Orchestrator owns every long-lived component of the frame buffer tier.
type Orchestrator struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store    streamstore.Store
	registry *registry.Registry
	breakers *breaker.Manager
	pressure *backpressure.Controller
	queue    *buffer.Queue
	router   *router.Router
	server   *httpserver.Server
	cron     *cron.Cron
}

// New builds the orchestrator from configuration. Construction does not
// contact the stream store; Run pings it and fails if it is unreachable.
func New(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics()

	store, err := streamstore.NewRedisStore(streamstore.Options{
		URL:              cfg.StreamStore.URL,
		PoolSize:         cfg.StreamStore.PoolSize,
		DialTimeout:      cfg.StreamStore.DialTimeout,
		MaxSessionErrors: cfg.StreamStore.MaxSessionErrs,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	return NewWithStore(cfg, logger, metrics, store)
}

// NewWithStore builds the orchestrator over an existing store. Used by
// tests to inject a store backed by miniredis.
func NewWithStore(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, store streamstore.Store) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger, metrics)

	regOpts := []registry.Option{
		registry.WithAvailability(breakers.IsAvailable),
	}
	if cfg.Registry.PersistSnapshot {
		regOpts = append(regOpts, registry.WithSnapshotStore(store))
	}
	reg := registry.New(registry.Config{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
		LivenessTimeout:   cfg.Registry.LivenessTimeout,
		SweepInterval:     cfg.Registry.LivenessInterval,
		EvictionRetention: cfg.Registry.EvictionRetention,
		PersistSnapshot:   cfg.Registry.PersistSnapshot,
	}, logger, regOpts...)

	pressure := backpressure.New(backpressure.Config{
		CheckInterval: cfg.Backpressure.CheckInterval,
		Low:           cfg.Backpressure.Low,
		High:          cfg.Backpressure.High,
		Critical:      cfg.Backpressure.Critical,
		Adaptive:      cfg.Backpressure.Adaptive,
		AlertCooldown: cfg.Backpressure.AlertCooldown,
	}, store, reg, logger, metrics)

	queue := buffer.New(buffer.Config{
		StarvationThreshold: cfg.Queue.StarvationThreshold,
		MaxAge:              cfg.Queue.MaxAge,
	}, metrics)

	rt := router.New(router.Config{
		IngressStream:     cfg.StreamStore.IngressStream,
		ConsumerGroup:     cfg.StreamStore.ConsumerGroup,
		DLQStream:         cfg.StreamStore.DLQStream,
		BatchSize:         int64(cfg.Router.BatchSize),
		Block:             cfg.Router.Block,
		BaseInterval:      cfg.Router.BaseInterval,
		MaxRetries:        cfg.Router.MaxRetries,
		RetryBackoff:      cfg.Router.RetryBackoff,
		RetryWindow:       cfg.Router.RetryWindow,
		DefaultCapability: cfg.Router.DefaultCapability,
		DedupTTL:          cfg.Router.DedupTTL,
	}, store, reg, breakers, pressure, queue, logger, metrics)

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		registry: reg,
		breakers: breakers,
		pressure: pressure,
		queue:    queue,
		router:   rt,
		server:   server,
		cron:     cron.New(),
	}
	o.registerHandlers()
	if err := o.scheduleMaintenance(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) registerHandlers() {
	api := o.server.API()
	handlers.NewProcessorsHandler(o.registry).Register(api)
	handlers.NewOrchestratorHandler(version.Short(), o.registry, o.router, o.pressure).Register(api)
	handlers.NewHealthHandler(version.Short(), o.store).Register(api)
	handlers.NewBreakersHandler(o.breakers).Register(api)

	o.server.Router().Handle("/metrics", promhttp.HandlerFor(
		o.metrics.Registry, promhttp.HandlerOpts{}))
}

// scheduleMaintenance wires the periodic stream maintenance jobs.
func (o *Orchestrator) scheduleMaintenance() error {
	_, err := o.cron.AddFunc(o.cfg.Maintenance.Cron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		o.runMaintenance(ctx)
	})
	if err != nil {
		return models.NewError(models.KindFatal,
			fmt.Errorf("invalid maintenance cron %q: %w", o.cfg.Maintenance.Cron, err))
	}
	return nil
}

// runMaintenance trims stale egress entries and bounds the DLQ.
func (o *Orchestrator) runMaintenance(ctx context.Context) {
	cutoff := time.Now().Add(-o.cfg.Maintenance.StaleAge)
	minID := fmt.Sprintf("%d-0", cutoff.UnixMilli())

	keys, err := o.store.ScanKeys(ctx, models.EgressStreamPrefix+"*")
	if err != nil {
		o.logger.Warn("maintenance scan failed", slog.Any("error", err))
		return
	}
	for _, stream := range keys {
		removed, err := o.store.TrimMinID(ctx, stream, minID)
		if err != nil {
			o.logger.Warn("stale trim failed",
				slog.String("stream", stream), slog.Any("error", err))
			continue
		}
		if removed > 0 {
			o.logger.Info("trimmed stale egress entries",
				slog.String("stream", stream), slog.Int64("removed", removed))
		}
	}

	if removed, err := o.store.TrimMaxLen(ctx, o.cfg.StreamStore.DLQStream, o.cfg.Maintenance.DLQMaxLen); err == nil && removed > 0 {
		o.logger.Info("trimmed dead-letter stream", slog.Int64("removed", removed))
	}
}

// Run starts every component and blocks until ctx is done or the HTTP
// server fails. Shutdown order: stop the reader, drain, stop timers, then
// the HTTP tier and the store.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.store.Ping(ctx); err != nil {
		return models.NewError(models.KindFatal, fmt.Errorf("stream store unreachable: %w", err))
	}
	if err := o.store.CreateGroup(ctx, o.cfg.StreamStore.IngressStream, o.cfg.StreamStore.ConsumerGroup, "0"); err != nil {
		return fmt.Errorf("creating ingress consumer group: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.registry.RunSweeper(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.pressure.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.router.Run(runCtx); err != nil {
			o.logger.Error("router stopped with error", slog.Any("error", err))
		}
	}()

	o.cron.Start()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- o.server.Start()
	}()

	o.logger.Info("orchestrator started",
		slog.String("ingress", o.cfg.StreamStore.IngressStream),
		slog.String("group", o.cfg.StreamStore.ConsumerGroup),
	)

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			o.logger.Error("http server failed", slog.Any("error", err))
		}
	}

	// Stop readers first so no new work is admitted, then drain.
	cancel()
	wg.Wait()

	cronCtx := o.cron.Stop()
	<-cronCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), o.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if serr := o.server.Shutdown(shutdownCtx); serr != nil && err == nil {
		err = serr
	}

	if cerr := o.store.Close(); cerr != nil && err == nil {
		err = cerr
	}

	o.logger.Info("orchestrator stopped")
	return err
}

// Registry exposes the registry for tests and embedding callers.
func (o *Orchestrator) Registry() *registry.Registry { return o.registry }

// Breakers exposes the breaker manager.
func (o *Orchestrator) Breakers() *breaker.Manager { return o.breakers }

// Pressure exposes the backpressure controller.
func (o *Orchestrator) Pressure() *backpressure.Controller { return o.pressure }

// Router exposes the routing engine.
func (o *Orchestrator) Router() *router.Router { return o.router }

// ServerAddr returns the HTTP listen address.
func (o *Orchestrator) ServerAddr() string { return o.server.Addr() }
