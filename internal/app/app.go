// Package app wires the engine and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/parcel-map-sync/internal/cache/redisstore"
	"github.com/mohammed-shakir/parcel-map-sync/internal/command"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/config"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/httpclient"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/router"
	"github.com/mohammed-shakir/parcel-map-sync/internal/core/server"
	"github.com/mohammed-shakir/parcel-map-sync/internal/engine"
	"github.com/mohammed-shakir/parcel-map-sync/internal/fetcher"
	"github.com/mohammed-shakir/parcel-map-sync/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/parcel-map-sync/internal/layers"
	h3mapper "github.com/mohammed-shakir/parcel-map-sync/internal/mapper/h3"
	"github.com/mohammed-shakir/parcel-map-sync/internal/metrics"
	"github.com/mohammed-shakir/parcel-map-sync/internal/notify"
	"github.com/mohammed-shakir/parcel-map-sync/internal/provider"
	"github.com/mohammed-shakir/parcel-map-sync/internal/surface"
	"github.com/mohammed-shakir/parcel-map-sync/internal/viewport"
)

type App struct {
	Engine   *engine.Engine
	Surface  *surface.MemorySurface
	Registry *layers.Registry
	Metrics  *metrics.Provider
	Handler  http.Handler

	log      *slog.Logger
	redis    *redisstore.Client
	notifier notify.Notifier
	stop     context.CancelFunc
	consumer chan struct{}
}

// New builds the whole stack. A Redis or Kafka that cannot be reached is
// logged and skipped; the engine works without either.
func New(ctx context.Context, cfg config.Config, reg *layers.Registry, build metrics.BuildInfo, log *slog.Logger) (*App, error) {
	if reg == nil {
		reg = layers.Default()
	}
	a := &App{Registry: reg, log: log, notifier: notify.Nop{}}
	a.Metrics = metrics.Init(metrics.Config{Enabled: cfg.MetricsEnabled, Build: build})

	var opts []provider.Option
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr, redisstore.WithReadTimeout(cfg.CacheOpTimeout))
		if err != nil {
			log.Warn("redis unavailable, provider cache disabled", "addr", cfg.RedisAddr, "err", err)
		} else {
			a.redis = rc
			opts = append(opts, provider.WithCache(newCacheAdapter(rc, cfg.CacheOpTimeout), cfg.ProviderCacheTTL))
		}
	}
	prov, err := provider.New(log.With("component", "provider"), httpclient.NewOutbound(cfg.ProviderTimeout), cfg.ProviderURL, opts...)
	if err != nil {
		a.closeDeps()
		return nil, fmt.Errorf("provider: %w", err)
	}

	if cfg.Notify.Enabled {
		p, err := notify.NewPublisher(cfg.Notify.BrokerList(), cfg.Notify.Topic, cfg.Notify.Queue, log.With("component", "notify"))
		if err != nil {
			log.Warn("kafka unavailable, notifications disabled", "brokers", cfg.Notify.Brokers, "err", err)
		} else {
			a.notifier = p
		}
	}

	f, err := fetcher.New(fetcher.Options{
		Registry:  reg,
		Provider:  prov,
		Mapper:    h3mapper.New(cfg.H3ResMin, cfg.H3ResMax),
		CacheSize: cfg.FetchCacheSize,
		Logger:    log.With("component", "fetcher"),
	})
	if err != nil {
		a.closeDeps()
		return nil, err
	}

	a.Surface = surface.NewMemorySurface()
	a.Engine, err = engine.New(engine.Options{
		Registry: reg,
		Fetcher:  f,
		Surface:  a.Surface,
		Provider: prov,
		Notifier: a.notifier,
		Viewport: viewport.Options{Quiet: cfg.ViewportDebounce, Epsilon: cfg.ViewportEpsilon},
		Logger:   log.With("component", "engine"),
	})
	if err != nil {
		a.closeDeps()
		return nil, err
	}

	if cfg.Invalidation.Enabled {
		a.startConsumer(cfg, log)
	}

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = a.Metrics.Handler()
	}
	a.Handler = server.NewHandler(server.Deps{
		Ready:    a.Engine,
		Handlers: router.New(a.Engine, reg, command.NewParser(reg), log.With("component", "api")),
		Metrics:  metricsHandler,
		Logger:   log,
	})
	return a, nil
}

// startConsumer runs the change event consumer until Close. A consumer that
// cannot reach Kafka logs and exits; the engine keeps working.
func (a *App) startConsumer(cfg config.Config, log *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	a.consumer = make(chan struct{})
	c := kafkaconsumer.New(kafkaconsumer.Config{
		Brokers:             cfg.Notify.BrokerList(),
		Topic:               cfg.Invalidation.Topic,
		GroupID:             cfg.Invalidation.GroupID,
		InitialOffsetOldest: false,
	}.WithDefaults(), log.With("component", "kafka_consumer"), a.Engine)
	go func() {
		defer close(a.consumer)
		if err := c.Start(ctx); err != nil {
			log.Warn("layer change consumer stopped", "err", err)
		}
	}()
}

// Close stops the change consumer, shuts the engine down, then the notifier
// and the cache.
func (a *App) Close() error {
	if a.stop != nil {
		a.stop()
		<-a.consumer
		a.stop = nil
	}
	var errs []error
	if a.Engine != nil {
		errs = append(errs, a.Engine.Close())
	}
	errs = append(errs, a.closeDeps())
	return errors.Join(errs...)
}

func (a *App) closeDeps() error {
	var errs []error
	if a.notifier != nil {
		errs = append(errs, a.notifier.Close())
		a.notifier = nil
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	return errors.Join(errs...)
}

// cacheAdapter bounds every cache call so a slow Redis cannot hold up a
// provider fetch for longer than the op timeout.
type cacheAdapter struct {
	cli     *redisstore.Client
	timeout time.Duration
}

var _ provider.Cache = (*cacheAdapter)(nil)

func newCacheAdapter(c *redisstore.Client, t time.Duration) *cacheAdapter {
	return &cacheAdapter{cli: c, timeout: t}
}

func (a *cacheAdapter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.timeout)
}

func (a *cacheAdapter) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	b, ok, err := a.cli.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return b, ok, nil
}

func (a *cacheAdapter) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.cli.Set(ctx, key, val, ttl); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

func (a *cacheAdapter) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()
	if err := a.cli.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}
