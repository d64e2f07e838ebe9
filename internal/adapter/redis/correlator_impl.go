package redis

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
)

const modeDeferred = "deferred"

var _ repository.FetchCorrelator = (*Correlator)(nil)

// Correlator is the deferred FetchCorrelator. Issue enqueues a job for the
// fetch workers and returns at once; Collect waits for the worker's outcome.
type Correlator struct {
	jobs    repository.JobQueue
	results repository.ResultQueue
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[entity.CorrelationKey]pendingFetch
}

type pendingFetch struct {
	req      entity.FetchRequest
	issuedAt time.Time
}

// NewCorrelator creates a deferred correlator on the given queues.
func NewCorrelator(jobs repository.JobQueue, results repository.ResultQueue, logger *zap.Logger) *Correlator {
	return &Correlator{
		jobs:    jobs,
		results: results,
		logger:  logger,
		pending: make(map[entity.CorrelationKey]pendingFetch),
	}
}

// Issue enqueues the request and returns a fresh correlation key.
func (c *Correlator) Issue(ctx context.Context, req entity.FetchRequest) (entity.CorrelationKey, error) {
	key := entity.CorrelationKey(uuid.NewString())
	job := entity.FetchJob{Key: key, Request: req, EnqueuedAt: time.Now().UTC()}
	if err := c.jobs.Push(ctx, job); err != nil {
		return "", errors.Wrapf(err, "issue %s", req.URL)
	}

	c.mu.Lock()
	c.pending[key] = pendingFetch{req: req, issuedAt: job.EnqueuedAt}
	c.mu.Unlock()

	c.logger.Debug("fetch issued", zap.String("key", string(key)), zap.String("url", req.URL))
	return key, nil
}

// Collect waits for the outcome of key. A status outside the request's
// accepted set, or a worker-side transport failure, yields a FetchStatusError.
// Every Collect consumes the key, including one that fails or is cancelled;
// an outcome published later expires with its result TTL.
func (c *Correlator) Collect(ctx context.Context, key entity.CorrelationKey) (*entity.FetchResult, error) {
	c.mu.Lock()
	p, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(repository.ErrUnknownKey, "%s", key)
	}

	outcome, err := c.results.Await(ctx, key)
	if err != nil {
		return nil, err
	}

	if outcome.Error != "" || outcome.Result == nil {
		metrics.FetchesTotal.WithLabelValues(modeDeferred, "error").Inc()
		return nil, errors.WithStack(&repository.FetchStatusError{URL: p.req.URL, StatusCode: 0, Detail: outcome.Error})
	}

	res := outcome.Result
	if !p.req.Accepts(res.StatusCode) {
		metrics.FetchesTotal.WithLabelValues(modeDeferred, "status").Inc()
		return nil, errors.WithStack(&repository.FetchStatusError{URL: p.req.URL, StatusCode: res.StatusCode})
	}

	if outcome.Cached {
		metrics.FetchesTotal.WithLabelValues(modeDeferred, "cached").Inc()
	} else {
		metrics.FetchesTotal.WithLabelValues(modeDeferred, "ok").Inc()
	}
	c.logger.Debug("fetch collected",
		zap.String("key", string(key)),
		zap.Int("status", res.StatusCode),
		zap.Bool("cached", outcome.Cached),
		zap.Duration("wait", time.Since(p.issuedAt)),
	)
	return res, nil
}

// Pending returns the number of issued but uncollected keys.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
