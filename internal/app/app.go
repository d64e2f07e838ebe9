// Package app assembles the adapters selected by configuration. The api
// service, the fetch worker and the tracker CLI share it.
package app

import (
	"context"
	"net/url"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/adapter/chromedp_fetcher"
	"github.com/user/price-tracker/internal/adapter/extractor"
	"github.com/user/price-tracker/internal/adapter/httpfetch"
	"github.com/user/price-tracker/internal/adapter/postgres"
	redis_adapter "github.com/user/price-tracker/internal/adapter/redis"
	"github.com/user/price-tracker/internal/adapter/sqlite"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/internal/usecase"
	"github.com/user/price-tracker/pkg/config"
)

// OpenStore connects the store named by cfg.Driver. The store is not migrated.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.PostgresURL, cfg.Connect, logger)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pool, postgres.WithLogger(logger)), nil
	case "sqlite":
		db, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return sqlite.NewStore(db, sqlite.WithLogger(logger)), nil
	default:
		return nil, errors.Newf("unknown store driver %q", cfg.Driver)
	}
}

// NewRedisClient creates a client and verifies the connection.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errors.Wrapf(err, "unable to connect to redis at %s", cfg.Addr)
	}
	logger.Info("redis connection established", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return rdb, nil
}

// NewExtractor builds the page extractor for the configured catalog site.
func NewExtractor(cfg config.CatalogConfig) (*extractor.IdealoExtractor, error) {
	base := cfg.BaseURL
	if base == "" {
		u, err := url.Parse(cfg.CategoryStartURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid category start URL")
		}
		base = u.Scheme + "://" + u.Host + "/"
	}
	e, err := extractor.NewIdealoExtractor(base)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid catalog base URL %q", base)
	}
	return e, nil
}

// NewHTTPFetcher builds the rate limited HTTP fetcher.
func NewHTTPFetcher(cfg config.FetchConfig, logger *zap.Logger) *httpfetch.Fetcher {
	return httpfetch.NewFetcher(httpfetch.Options{
		Rate:      cfg.Rate,
		Burst:     cfg.Burst,
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
	}, logger)
}

// NewWorkerFetcher builds the fetch backend of the worker. The returned
// func releases the backend.
func NewWorkerFetcher(cfg *config.Config, logger *zap.Logger) (repository.Fetcher, func(), error) {
	switch cfg.Worker.Backend {
	case "http":
		return NewHTTPFetcher(cfg.Fetch, logger), func() {}, nil
	case "chromedp":
		f := chromedp_fetcher.NewChromedpFetcher(cfg.Worker.Concurrency, cfg.Fetch.Timeout, cfg.Fetch.UserAgent, logger)
		return f, f.Close, nil
	default:
		return nil, nil, errors.Newf("unknown worker backend %q", cfg.Worker.Backend)
	}
}

// NewCorrelator builds the correlator for cfg.Fetch.Mode. rdb is required
// in deferred mode only.
func NewCorrelator(cfg *config.Config, rdb redis.UniversalClient, logger *zap.Logger) (repository.FetchCorrelator, error) {
	switch cfg.Fetch.Mode {
	case "immediate":
		return httpfetch.NewCorrelator(NewHTTPFetcher(cfg.Fetch, logger), logger), nil
	case "deferred":
		if rdb == nil {
			return nil, errors.New("deferred fetch mode requires redis")
		}
		return redis_adapter.NewCorrelator(
			redis_adapter.NewQueueRepo(rdb),
			redis_adapter.NewResultRepo(rdb),
			logger,
		), nil
	default:
		return nil, errors.Newf("unknown fetch mode %q", cfg.Fetch.Mode)
	}
}

// RefreshConfig maps the configuration onto the scheduler settings.
func RefreshConfig(cfg *config.Config) usecase.RefreshConfig {
	return usecase.RefreshConfig{
		CategoryStaleness: cfg.Refresh.CategoryStaleness,
		PriceStaleness:    cfg.Refresh.PriceStaleness,
		Ladder:            cfg.Refresh.Ladder,
		RunBatchSize:      cfg.Refresh.RunBatchSize,
		FaultPolicy:       usecase.FetchFaultPolicy(cfg.Refresh.FaultPolicy),
		CollectWorkers:    cfg.Refresh.CollectWorkers,
		MaxStaleness:      cfg.Fetch.MaxStaleness,
		CategoryStartURL:  cfg.Catalog.CategoryStartURL,
		CategoryPageURL:   cfg.Catalog.CategoryPageURL,
		PriceSeriesURL:    cfg.Catalog.PriceSeriesURL,
		PageSize:          cfg.Catalog.PageSize,
	}
}

// Runtime is a connected store plus the scheduler built on it.
type Runtime struct {
	Store     repository.Store
	Redis     *redis.Client // nil in immediate mode
	Refresher *usecase.RefreshService
}

// Build connects the store (and redis in deferred mode), migrates the
// schema and creates the refresh scheduler.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	store, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Store: store}

	if err := store.Migrate(ctx); err != nil {
		rt.Close()
		return nil, errors.Wrap(err, "failed to migrate store")
	}

	if cfg.Fetch.Mode == "deferred" {
		rt.Redis, err = NewRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	var rdb redis.UniversalClient
	if rt.Redis != nil {
		rdb = rt.Redis
	}
	fetch, err := NewCorrelator(cfg, rdb, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	extract, err := NewExtractor(cfg.Catalog)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Refresher = usecase.NewRefreshService(store, fetch, extract, RefreshConfig(cfg), logger)
	return rt, nil
}

// Close releases the store and the redis client.
func (rt *Runtime) Close() error {
	var errs error
	if rt.Redis != nil {
		errs = errors.CombineErrors(errs, rt.Redis.Close())
	}
	if rt.Store != nil {
		errs = errors.CombineErrors(errs, rt.Store.Close())
	}
	return errs
}
