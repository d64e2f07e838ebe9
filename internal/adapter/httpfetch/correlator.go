package httpfetch

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
	"github.com/user/price-tracker/pkg/utils"
)

const modeImmediate = "immediate"

var _ repository.FetchCorrelator = (*Correlator)(nil)

// Correlator is the immediate FetchCorrelator: Issue fetches synchronously
// and buffers the response until it is collected. The key is the request
// hash, so an identical request issued while a response is buffered shares
// it instead of fetching again.
type Correlator struct {
	fetcher repository.Fetcher
	logger  *zap.Logger

	mu       sync.Mutex
	buffered map[entity.CorrelationKey]*bufferedFetch
}

type bufferedFetch struct {
	result *entity.FetchResult
	refs   int
}

// NewCorrelator creates an immediate correlator over fetcher.
func NewCorrelator(fetcher repository.Fetcher, logger *zap.Logger) *Correlator {
	return &Correlator{
		fetcher:  fetcher,
		logger:   logger,
		buffered: make(map[entity.CorrelationKey]*bufferedFetch),
	}
}

// reusable reports whether a buffered response satisfies the request window.
func reusable(req entity.FetchRequest, res *entity.FetchResult) bool {
	if req.Window == (entity.TimeWindow{}) {
		return true
	}
	return !res.FetchedAt.Before(req.Window.MinDate)
}

// Issue fetches the page now. A status outside the accepted set fails with
// FetchStatusError and buffers nothing.
func (c *Correlator) Issue(ctx context.Context, req entity.FetchRequest) (entity.CorrelationKey, error) {
	key := entity.CorrelationKey(utils.HashRequest(req.URL, req.Header))

	c.mu.Lock()
	if b, ok := c.buffered[key]; ok && reusable(req, b.result) && req.Accepts(b.result.StatusCode) {
		b.refs++
		c.mu.Unlock()
		metrics.FetchesTotal.WithLabelValues(modeImmediate, "cached").Inc()
		return key, nil
	}
	c.mu.Unlock()

	res, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues(modeImmediate, "error").Inc()
		return "", errors.WithStack(&repository.FetchStatusError{URL: req.URL, StatusCode: 0, Detail: err.Error()})
	}
	if !req.Accepts(res.StatusCode) {
		metrics.FetchesTotal.WithLabelValues(modeImmediate, "status").Inc()
		return "", errors.WithStack(&repository.FetchStatusError{URL: req.URL, StatusCode: res.StatusCode})
	}
	metrics.FetchesTotal.WithLabelValues(modeImmediate, "ok").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buffered[key]; ok {
		// a concurrent identical issue won; keep the newer response
		b.result = res
		b.refs++
		return key, nil
	}
	c.buffered[key] = &bufferedFetch{result: res, refs: 1}
	return key, nil
}

// Collect hands back the buffered response. Each Issue of a key allows one
// Collect; the last one evicts the buffer. A Collect cancelled by ctx still
// releases its reference.
func (c *Correlator) Collect(ctx context.Context, key entity.CorrelationKey) (*entity.FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buffered[key]
	if !ok {
		return nil, errors.Wrapf(repository.ErrUnknownKey, "%s", key)
	}
	b.refs--
	if b.refs <= 0 {
		delete(c.buffered, key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.result, nil
}

// Buffered returns the number of responses waiting to be collected.
func (c *Correlator) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffered)
}
