// Package httpfetch fetches catalog pages over plain HTTP and provides the
// immediate FetchCorrelator.
package httpfetch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
)

// maxBodyBytes caps the size of a fetched page.
const maxBodyBytes = 32 << 20

// DefaultHeader mirrors a desktop browser navigation.
func DefaultHeader(userAgent string) http.Header {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "de,en-US;q=0.7,en;q=0.3")
	h.Set("Cache-Control", "max-age=0")
	h.Set("Upgrade-Insecure-Requests", "1")
	if userAgent != "" {
		h.Set("User-Agent", userAgent)
	}
	return h
}

// Options configures a Fetcher.
type Options struct {
	// Rate is the sustained number of requests per second.
	Rate      float64
	Burst     int
	Timeout   time.Duration
	UserAgent string
	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

var _ repository.Fetcher = (*Fetcher)(nil)

// Fetcher performs rate limited GET requests. Redirects are never followed:
// a 3xx is reported like any other status.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	logger    *zap.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options, logger *zap.Logger) *Fetcher {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:   rate.NewLimiter(limit, burst),
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// Fetch waits for the rate limiter and performs the request.
func (f *Fetcher) Fetch(ctx context.Context, req entity.FetchRequest) (*entity.FetchResult, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "bad request url %q", req.URL)
	}
	httpReq.Header = DefaultHeader(f.userAgent)
	for k, vs := range req.Header {
		httpReq.Header[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("http", "error").Inc()
		return nil, errors.Wrapf(err, "GET %s", req.URL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("http", "error").Inc()
		return nil, errors.Wrapf(err, "read body of %s", req.URL)
	}
	metrics.FetchDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())

	f.logger.Debug("page fetched",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &entity.FetchResult{
		URL:        req.URL,
		StatusCode: resp.StatusCode,
		Content:    body,
		FetchedAt:  time.Now().UTC(),
	}, nil
}
