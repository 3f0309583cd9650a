package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-cache/internal/catalog"
	"github.com/Sternrassler/storefront-cache/pkg/cache"
	"github.com/Sternrassler/storefront-cache/pkg/config"
	"github.com/Sternrassler/storefront-cache/pkg/logging"
	"github.com/Sternrassler/storefront-cache/pkg/monitor"
	"github.com/Sternrassler/storefront-cache/pkg/resilience"
	"github.com/Sternrassler/storefront-cache/pkg/swr"
)

// app wires the storefront cache from a configuration.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	registry *prometheus.Registry

	redis   *redis.Client
	store   *catalog.Store
	cache   *cache.Cache
	monitor *monitor.Monitor
	source  *catalog.Source
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := logging.Setup(cfg.Log).With().Str("component", "server").Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The cache can still serve whatever it holds; readiness reports it.
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable at startup")
	} else {
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		redis:    redisClient,
		store:    catalog.NewStore(redisClient),
		cache:    cache.New(cfg.CacheOptions("catalog", reg)...),
		monitor:  monitor.New(cfg.MonitorConfig(reg)),
	}

	var execs catalog.Executors
	for _, slot := range []struct {
		name string
		dst  **resilience.Executor
	}{
		{catalog.NamespaceProducts, &execs.Products},
		{catalog.NamespaceBanners, &execs.Banners},
		{catalog.NamespaceDashboard, &execs.Dashboard},
	} {
		exec, err := resilience.New(cfg.ExecutorConfig(slot.name, reg))
		if err != nil {
			a.closeExecutors(execs)
			_ = a.cache.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("create %s executor: %w", slot.name, err)
		}
		*slot.dst = exec
	}

	a.source = catalog.NewSource(a.store, a.cache, execs, policies(cfg.Cache),
		swr.WithMonitor(a.monitor),
		swr.WithRegisterer(reg),
	)

	return a, nil
}

// policies converts the configured freshness windows.
func policies(c config.Cache) catalog.Policies {
	convert := func(p config.Policy) catalog.Policy {
		return catalog.Policy{TTL: p.TTL.Std(), StaleExtension: p.StaleExtension.Std()}
	}
	return catalog.Policies{
		Products:  convert(c.Products),
		Banners:   convert(c.Banners),
		Dashboard: convert(c.Dashboard),
	}
}

func (a *app) closeExecutors(execs catalog.Executors) {
	for _, e := range execs.All() {
		if e != nil {
			_ = e.Close()
		}
	}
}

// close stops background refreshes, then the executors, the cache and Redis.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.source.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close cache: %w", err))
	}
	if err := a.redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis: %w", err))
	}
	return errors.Join(errs...)
}

func (a *app) server() *server {
	return newServer(serverConfig{
		Source:         a.source,
		Monitor:        a.monitor,
		Ping:           a.store.Ping,
		Registerer:     a.registry,
		Gatherer:       a.registry,
		RequestTimeout: a.cfg.Server.RequestTimeout.Std(),
		Logger:         a.logger,
	})
}
