package usecase

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
	"github.com/user/price-tracker/pkg/utils"
)

const modeWorker = "worker"

// WorkerConfig tunes the fetch worker.
type WorkerConfig struct {
	Concurrency int
	// ResultTTL bounds how long an unclaimed outcome is kept.
	ResultTTL time.Duration
	CacheTTL  time.Duration
	// PollTimeout is the longest a single queue pop blocks.
	PollTimeout time.Duration
}

// FetchWorker serves the deferred fetch queue: it answers each job from the
// response cache when the job's window allows it and fetches otherwise.
type FetchWorker struct {
	jobs    repository.JobQueue
	results repository.ResultQueue
	cache   repository.ResponseCache
	fetcher repository.Fetcher
	cfg     WorkerConfig
	logger  *zap.Logger
}

// NewFetchWorker creates a worker. cache may be nil to disable caching.
func NewFetchWorker(
	jobs repository.JobQueue,
	results repository.ResultQueue,
	cache repository.ResponseCache,
	fetcher repository.Fetcher,
	cfg WorkerConfig,
	logger *zap.Logger,
) *FetchWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &FetchWorker{
		jobs:    jobs,
		results: results,
		cache:   cache,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run processes jobs on Concurrency goroutines until ctx is cancelled.
func (w *FetchWorker) Run(ctx context.Context) error {
	w.logger.Info("fetch worker started", zap.Int("concurrency", w.cfg.Concurrency))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, err := w.ProcessNext(gctx); err != nil {
					if gctx.Err() != nil {
						break
					}
					w.logger.Error("failed to process fetch job", zap.Error(err))
					// back off so a dead redis does not spin the loop
					select {
					case <-gctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("fetch worker stopped")
	return err
}

// admits reports whether a cached response may answer req.
func admits(req entity.FetchRequest, cached *entity.FetchResult) bool {
	if !req.Accepts(cached.StatusCode) {
		return false
	}
	if req.Window == (entity.TimeWindow{}) {
		return true
	}
	return !cached.FetchedAt.Before(req.Window.MinDate)
}

// ProcessNext handles at most one job. It reports whether a job was taken.
func (w *FetchWorker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.jobs.Pop(ctx, w.cfg.PollTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if size, err := w.jobs.Size(ctx); err == nil {
		metrics.JobsInQueue.Set(float64(size))
	}

	req := job.Request
	hash := utils.HashRequest(req.URL, req.Header)

	if w.cache != nil {
		cached, err := w.cache.Get(ctx, hash)
		if err != nil {
			w.logger.Warn("response cache unavailable", zap.String("url", req.URL), zap.Error(err))
		}
		if cached != nil && admits(req, cached) {
			metrics.FetchesTotal.WithLabelValues(modeWorker, "cached").Inc()
			w.logger.Debug("job served from cache", zap.String("key", string(job.Key)), zap.String("url", req.URL))
			return true, w.publish(ctx, job, entity.FetchOutcome{Result: cached, Cached: true})
		}
	}

	res, err := w.fetcher.Fetch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			// hand the job back so the next worker picks it up
			if perr := w.jobs.Push(context.WithoutCancel(ctx), *job); perr != nil {
				return true, errors.CombineErrors(ctx.Err(), perr)
			}
			return true, ctx.Err()
		}
		metrics.FetchesTotal.WithLabelValues(modeWorker, "error").Inc()
		w.logger.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
		return true, w.publish(ctx, job, entity.FetchOutcome{Error: err.Error()})
	}
	metrics.FetchesTotal.WithLabelValues(modeWorker, "ok").Inc()

	if w.cache != nil && req.Accepts(res.StatusCode) {
		if err := w.cache.Put(ctx, hash, *res, w.cfg.CacheTTL); err != nil {
			w.logger.Warn("failed to cache response", zap.String("url", req.URL), zap.Error(err))
		}
	}
	return true, w.publish(ctx, job, entity.FetchOutcome{Result: res})
}

func (w *FetchWorker) publish(ctx context.Context, job *entity.FetchJob, outcome entity.FetchOutcome) error {
	if err := w.results.Publish(ctx, job.Key, outcome, w.cfg.ResultTTL); err != nil {
		return errors.Wrapf(err, "publish outcome of %s", job.Request.URL)
	}
	return nil
}
