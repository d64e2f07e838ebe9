// Package chromedp_fetcher fetches pages through a headless Chrome so that
// pages rendered or guarded by scripts can be retrieved by the fetch worker.
package chromedp_fetcher

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
)

var _ repository.Fetcher = (*ChromedpFetcher)(nil)

// ChromedpFetcher shares one browser allocator between at most
// maxConcurrency tabs.
type ChromedpFetcher struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	slots       chan struct{}
	timeout     time.Duration
	logger      *zap.Logger
}

// NewChromedpFetcher creates a fetcher backed by a headless browser.
func NewChromedpFetcher(maxConcurrency int, pageLoadTimeout time.Duration, userAgent string, logger *zap.Logger) *ChromedpFetcher {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if userAgent != "" {
		opts = append(opts, chromedp.UserAgent(userAgent))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &ChromedpFetcher{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		slots:       make(chan struct{}, maxConcurrency),
		timeout:     pageLoadTimeout,
		logger:      logger,
	}
}

// Close shuts the browser down.
func (c *ChromedpFetcher) Close() {
	c.allocCancel()
}

// documentResponse captures the status of the top-level document. The first
// document response wins, so a redirect is reported instead of followed.
type documentResponse struct {
	mu         sync.Mutex
	seen       bool
	status     int
	requestID  network.RequestID
	redirected bool
}

func (d *documentResponse) listen(ev interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.RedirectResponse != nil && e.Type == network.ResourceTypeDocument {
			d.seen = true
			d.redirected = true
			d.status = int(e.RedirectResponse.Status)
		}
	case *network.EventResponseReceived:
		if e.Type == network.ResourceTypeDocument {
			d.seen = true
			d.status = int(e.Response.Status)
			d.requestID = e.RequestID
		}
	}
}

// Fetch navigates a fresh tab to the URL and returns the raw document body.
func (c *ChromedpFetcher) Fetch(ctx context.Context, req entity.FetchRequest) (*entity.FetchResult, error) {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Create a new browser context from the allocator
	taskCtx, cancel := chromedp.NewContext(c.allocCtx, chromedp.WithLogf(c.logger.Sugar().Debugf))
	defer cancel()

	// Create a timeout for the entire fetch task
	taskCtx, cancel = context.WithTimeout(taskCtx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(taskCtx, doc.listen)

	headers := network.Headers{}
	for k, vs := range req.Header {
		if len(vs) > 0 {
			headers[k] = vs[0]
		}
	}

	var body []byte
	start := time.Now()
	err := chromedp.Run(taskCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(headers),
		chromedp.Navigate(req.URL),
		chromedp.ActionFunc(func(ctx context.Context) error {
			doc.mu.Lock()
			id, redirected, seen := doc.requestID, doc.redirected, doc.seen
			doc.mu.Unlock()
			if !seen {
				return errors.Newf("no document response for %s", req.URL)
			}
			if redirected {
				return nil
			}
			var err error
			body, err = network.GetResponseBody(id).Do(ctx)
			return err
		}),
	)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("chromedp", "error").Inc()
		c.logger.Warn("browser fetch failed", zap.String("url", req.URL), zap.Error(err))
		return nil, errors.Wrapf(err, "browser fetch %s", req.URL)
	}
	metrics.FetchDuration.WithLabelValues("chromedp").Observe(time.Since(start).Seconds())

	doc.mu.Lock()
	status := doc.status
	doc.mu.Unlock()

	c.logger.Debug("page fetched in browser",
		zap.String("url", req.URL),
		zap.Int("status", status),
		zap.Int("bytes", len(body)),
	)
	return &entity.FetchResult{
		URL:        req.URL,
		StatusCode: status,
		Content:    body,
		FetchedAt:  time.Now().UTC(),
	}, nil
}
