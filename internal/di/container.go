// Package di provides a centralized dependency injection container.
package di

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"sprintboard-backend/infrastructure/remote"
	"sprintboard-backend/interfaces/http/rest"
	"sprintboard-backend/internal/cache"
	"sprintboard-backend/internal/config"
	"sprintboard-backend/internal/invalidation"
	"sprintboard-backend/internal/resilience"
	"sprintboard-backend/internal/service/datacache"
	"sprintboard-backend/internal/subscription"
	"sprintboard-backend/pkg/observability"
)

// Container wires every component of the backend in dependency order and
// tears them down in reverse.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	Metrics *observability.Collector

	Store     *cache.Store
	Executor  *resilience.Executor
	Processor *invalidation.Processor
	Engine    *invalidation.Engine
	Manager   *subscription.Manager

	RemoteStore *remote.Store
	FeedClient  *remote.FeedClient

	Service *datacache.Service
	Handler http.Handler

	shutdownFunctions []func() error
}

// NewContainer creates and initializes a new dependency injection container.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{
		Config:            cfg,
		Logger:            logger,
		shutdownFunctions: make([]func() error, 0),
	}

	if err := c.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize container: %w", err)
	}
	return c, nil
}

// initialize sets up all dependencies in the correct order.
func (c *Container) initialize() error {
	cfg := c.Config

	// 1. Observability
	c.Metrics = observability.NewCollector(cfg.Metrics.Namespace)

	// 2. Remote store and change feed transport
	remoteStore, err := remote.NewStore(cfg.Supabase.URL, cfg.Supabase.APIKey, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize remote store: %w", err)
	}
	c.RemoteStore = remoteStore

	feedClient, err := remote.NewFeedClient(cfg.Supabase.URL, cfg.Supabase.APIKey, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize feed client: %w", err)
	}
	c.FeedClient = feedClient

	// 3. Core components
	c.Store = cache.NewStore(cfg.Cache.MaxEntries, cfg.Cache.DefaultTTL, c.Logger)

	c.Executor = resilience.NewExecutor("remote-store", resilience.ExecutorConfig{
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		CallTimeout: cfg.Breaker.CallTimeout,
	}, c.Logger)

	c.Processor = invalidation.NewProcessor(c.Store, invalidation.ProcessorConfig{
		MaxQueue:  cfg.Invalidation.MaxQueue,
		BatchSize: cfg.Invalidation.BatchSize,
		Interval:  cfg.Invalidation.Interval,
	}, c.Logger)

	c.Manager = subscription.NewManager(c.FeedClient, subscription.ManagerConfig{
		BackoffBase:   cfg.Subscription.BackoffBase,
		BackoffCap:    cfg.Subscription.BackoffCap,
		BackoffJitter: cfg.Subscription.BackoffJitter,
		MaxRetries:    cfg.Subscription.MaxRetries,
		SweepInterval: cfg.Subscription.SweepInterval,
		StaleAfter:    cfg.Subscription.StaleAfter,
	}, c.Logger)

	resyncer := datacache.NewFeedResyncer(c.Manager, c.Metrics)
	c.Engine = invalidation.NewEngine(c.Store, invalidation.DefaultRuleSet(), c.Processor, resyncer, c.Logger)

	// 4. Application facade
	c.Service = datacache.NewService(
		c.Store, c.Executor, c.Engine, c.Processor, c.Manager,
		c.RemoteStore, c.Metrics,
		datacache.Config{
			Collections:     cfg.Supabase.Collections,
			CleanupInterval: cfg.Cache.CleanupInterval,
		},
		c.Logger,
	)
	c.Service.Start()
	c.addShutdown(func() error {
		c.Service.Stop()
		return nil
	})

	// 5. HTTP surface
	c.Handler = rest.NewRouter(c.Service, c.Metrics, cfg.Server.RequestTimeout, c.Logger).Setup()

	return nil
}

// addShutdown registers a cleanup function; Shutdown runs them LIFO.
func (c *Container) addShutdown(fn func() error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// Shutdown releases every component in reverse initialization order.
func (c *Container) Shutdown() {
	for i := len(c.shutdownFunctions) - 1; i >= 0; i-- {
		if err := c.shutdownFunctions[i](); err != nil {
			c.Logger.Error("shutdown step failed", zap.Error(err))
		}
	}
	c.Logger.Info("container shut down")
}
