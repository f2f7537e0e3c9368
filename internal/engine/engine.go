// Package engine assembles the subsystems from configuration and runs
// them: shared key/value store, two-tier cache, batch loaders, event bus,
// admission control, embedded backing store, and the HTTP gateway.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/threatgraph/internal/admission"
	"github.com/sentinelops/threatgraph/internal/bus"
	"github.com/sentinelops/threatgraph/internal/cache"
	"github.com/sentinelops/threatgraph/internal/config"
	"github.com/sentinelops/threatgraph/internal/domain"
	"github.com/sentinelops/threatgraph/internal/gateway"
	"github.com/sentinelops/threatgraph/internal/kv"
	"github.com/sentinelops/threatgraph/internal/loader"
	"github.com/sentinelops/threatgraph/internal/logging"
	"github.com/sentinelops/threatgraph/internal/store"
	"github.com/sentinelops/threatgraph/internal/telemetry"
)

// Engine coordinates the subsystems.
type Engine struct {
	config   *config.Config
	kv       kv.Store
	cache    *cache.Manager
	bus      *bus.Bus
	admitter *admission.Controller
	store    *store.Badger
	gateway  *gateway.Gateway

	telemetryFn func(context.Context) error
	logger      zerolog.Logger
}

// New builds an engine from configuration. Logging is configured here so
// every later constructor logs through it.
func New(cfg *config.Config) (*Engine, error) {
	if err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		Format:        logging.Format(cfg.Logging.Format),
		IncludeCaller: cfg.Logging.IncludeCaller,
		GlobalFields:  cfg.Logging.GlobalFields,
	}); err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger := logging.Component("engine")

	var shared kv.Store
	switch cfg.KV.Backend {
	case "memory":
		shared = kv.NewMemory()
	case "redis", "":
		shared = kv.NewRedis(kv.RedisConfig{
			Addr:      cfg.KV.Addr,
			Password:  cfg.KV.Password,
			DB:        cfg.KV.DB,
			PoolSize:  cfg.KV.PoolSize,
			ScanCount: cfg.KV.ScanCount,
		})
	default:
		return nil, fmt.Errorf("unknown kv backend: %s", cfg.KV.Backend)
	}

	cm, err := cache.New(cacheConfigFrom(cfg), shared)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	backing, err := store.Open(store.Config{
		DataDir:  cfg.Store.DataDir,
		InMemory: cfg.Store.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open backing store: %w", err)
	}

	b := bus.New(bus.Config{QueueCapacity: cfg.Bus.QueueCapacity})
	admitter := admission.New(admissionConfigFrom(cfg), shared)

	gw := gateway.New(gateway.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}, b, admitter)

	return &Engine{
		config:   cfg,
		kv:       shared,
		cache:    cm,
		bus:      b,
		admitter: admitter,
		store:    backing,
		gateway:  gw,
		logger:   logger,
	}, nil
}

// Cache returns the shared cache manager.
func (e *Engine) Cache() *cache.Manager { return e.cache }

// Bus returns the event router.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Admitter returns the admission controller.
func (e *Engine) Admitter() domain.Admitter { return e.admitter }

// Store returns the embedded backing store.
func (e *Engine) Store() *store.Badger { return e.store }

// NewScope creates the loader scope for one logical request. The scope is
// discarded when the request completes.
func (e *Engine) NewScope() *loader.Scope {
	return loader.NewScope(loader.ScopeConfig{
		EntityBatchSize:       e.config.Loader.EntityBatchSize,
		RelationshipBatchSize: e.config.Loader.RelationshipBatchSize,
		EnrichmentBatchSize:   e.config.Loader.EnrichmentBatchSize,
		BatchWindow:           time.Duration(e.config.Loader.BatchWindowMs) * time.Millisecond,
	}, e.cache, e.store)
}

// ApplyChange is the write path: persist the mutation, cascade the cache
// invalidation, then fan the event out. Ordering matters; subscribers who
// react to the event by re-reading must not hit a stale cache entry.
func (e *Engine) ApplyChange(ctx context.Context, topic string, event *domain.ChangeEvent) error {
	switch event.Kind {
	case domain.ChangeDeleted:
		if err := e.store.DeleteEntity(ctx, event.EntityType, event.EntityID); err != nil {
			return fmt.Errorf("failed to delete entity: %w", err)
		}
	default:
		if err := e.store.PutEntity(ctx, event.EntityType, event.EntityID, event.Payload); err != nil {
			return fmt.Errorf("failed to persist entity: %w", err)
		}
	}

	e.cache.Invalidate(ctx, event.EntityType, event.EntityID)
	e.bus.Publish(topic, event)
	return nil
}

// Start runs the engine until the context is cancelled or a component
// fails.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting engine")

	telShutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:       e.config.Telemetry.Enabled,
		ServiceName:   e.config.Telemetry.ServiceName,
		Endpoint:      e.config.Telemetry.Endpoint,
		SamplingRatio: e.config.Telemetry.SamplingRatio,
		Attributes:    e.config.Telemetry.Attributes,
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	if cfgBackend := e.config.KV.Backend; cfgBackend == "redis" || cfgBackend == "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := e.kv.Ping(pingCtx); err != nil {
			e.logger.Warn().Err(err).Msg("Shared store unreachable at startup, continuing degraded")
		}
		cancel()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			e.logger.Info().Str("signal", sig.String()).Msg("Caught signal, initiating shutdown")
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.gateway.Start(ctx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Engine stopped")
	return nil
}

// Shutdown stops components in dependency order: gateway first so no new
// subscriptions arrive, then the bus, then storage.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down engine")

	if err := e.gateway.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down gateway")
	}
	if err := e.bus.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down bus")
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close backing store")
	}
	if err := e.kv.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close shared store")
	}
	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	return nil
}

// cacheConfigFrom maps file configuration onto the cache manager.
func cacheConfigFrom(cfg *config.Config) cache.Config {
	out := cache.DefaultConfig()
	if len(cfg.Cache.TTLSeconds) > 0 {
		ttls := make(map[domain.EntityType]time.Duration, len(cfg.Cache.TTLSeconds))
		for name, secs := range cfg.Cache.TTLSeconds {
			ttls[domain.EntityType(name)] = time.Duration(secs) * time.Second
		}
		out.TTLs = ttls
	}
	if cfg.Cache.L1Size > 0 {
		out.L1Size = cfg.Cache.L1Size
	}
	if cfg.Cache.L1ExpirationSeconds > 0 {
		out.L1Expiration = time.Duration(cfg.Cache.L1ExpirationSeconds) * time.Second
	}
	return out
}

// admissionConfigFrom maps file configuration onto the admission
// controller.
func admissionConfigFrom(cfg *config.Config) admission.Config {
	out := admission.DefaultConfig()
	out.RateLimitEnabled = cfg.Admission.RateLimitEnabled
	if len(cfg.Admission.Classes) > 0 {
		classes := make(map[string]admission.ClassLimit, len(cfg.Admission.Classes))
		for name, class := range cfg.Admission.Classes {
			classes[name] = admission.ClassLimit{
				Points: class.Points,
				Window: time.Duration(class.DurationSeconds) * time.Second,
			}
		}
		out.RateLimiter.Classes = classes
	}
	if cfg.Admission.CostCeiling > 0 {
		out.CostScorer.Ceiling = cfg.Admission.CostCeiling
	}
	if len(cfg.Admission.FieldCosts) > 0 {
		out.CostScorer.FieldCosts = cfg.Admission.FieldCosts
	}
	if cfg.Admission.DefaultFieldCost > 0 {
		out.CostScorer.DefaultFieldCost = cfg.Admission.DefaultFieldCost
	}
	if cfg.Admission.DefaultListMultiplier > 0 {
		out.CostScorer.DefaultListMultiplier = cfg.Admission.DefaultListMultiplier
	}
	return out
}
