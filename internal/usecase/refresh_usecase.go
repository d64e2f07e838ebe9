package usecase

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
)

var (
	// ErrRefreshInProgress is returned by the Start methods while a pass of
	// the same kind is running.
	ErrRefreshInProgress = errors.New("refresh already in progress")
)

// FetchFaultPolicy decides what a FetchStatusError does to a batch.
type FetchFaultPolicy string

const (
	// FaultAbort stops the batch on the first fetch fault.
	FaultAbort FetchFaultPolicy = "abort"
	// FaultIsolate skips the entity and keeps its run, like extraction and store faults.
	FaultIsolate FetchFaultPolicy = "isolate"
)

// RefreshConfig holds the scheduling thresholds and the catalog URL templates.
type RefreshConfig struct {
	CategoryStaleness time.Duration
	PriceStaleness    time.Duration
	Ladder            entity.ResolutionLadder
	RunBatchSize      int
	FaultPolicy       FetchFaultPolicy
	CollectWorkers    int
	// MaxStaleness is how old a cached response may be when a fetch has no
	// explicit minimum date.
	MaxStaleness time.Duration

	CategoryStartURL string
	CategoryPageURL  string
	PriceSeriesURL   string
	PageSize         int
}

func (c RefreshConfig) withDefaults() RefreshConfig {
	if len(c.Ladder) == 0 {
		c.Ladder = entity.DefaultLadder
	}
	if c.RunBatchSize <= 0 {
		c.RunBatchSize = 1000
	}
	if c.CollectWorkers <= 0 {
		c.CollectWorkers = 1
	}
	if c.FaultPolicy == "" {
		c.FaultPolicy = FaultAbort
	}
	if c.PageSize <= 0 {
		c.PageSize = 15
	}
	return c
}

// RefreshReport summarises one refresh pass.
type RefreshReport struct {
	Kind        entity.EntityKind `json:"kind"`
	Resumed     int               `json:"resumed"`
	Created     int               `json:"created"`
	Retired     int               `json:"retired"`
	Faulted     int               `json:"faulted"`
	Resolutions map[string]int    `json:"resolutions,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"-"`
	// DurationSeconds mirrors Duration for JSON clients.
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// tally counts outcomes from concurrent collectors.
type tally struct {
	retired atomic.Int64
	faulted atomic.Int64
}

// Refresher defines the scheduling operations exposed to the delivery layer.
type Refresher interface {
	RefreshCategories(ctx context.Context) (RefreshReport, error)
	RefreshPrices(ctx context.Context) (RefreshReport, error)
	LoadCategory(ctx context.Context, categoryID int64) (*CrawlReport, error)
	StartRefresh(ctx context.Context, kind entity.EntityKind) error
	StartLoad(ctx context.Context, categoryID int64) error
	LastReport(kind entity.EntityKind) (RefreshReport, bool)
	Run(ctx context.Context, interval time.Duration)
}

var _ Refresher = (*RefreshService)(nil)

// RefreshService is the incremental refresh scheduler. It is the only
// writer of the run ledger.
type RefreshService struct {
	store   repository.Store
	fetch   repository.FetchCorrelator
	extract repository.PageExtractor
	cfg     RefreshConfig
	now     func() time.Time
	logger  *zap.Logger

	// one pass per kind at a time
	categoryMu sync.Mutex
	priceMu    sync.Mutex

	reportMu sync.Mutex
	reports  map[entity.EntityKind]RefreshReport
}

// Option configures a RefreshService.
type Option func(*RefreshService)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *RefreshService) { s.now = now }
}

// NewRefreshService creates the scheduler.
func NewRefreshService(
	store repository.Store,
	fetch repository.FetchCorrelator,
	extract repository.PageExtractor,
	cfg RefreshConfig,
	logger *zap.Logger,
	opts ...Option,
) *RefreshService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RefreshService{
		store:   store,
		fetch:   fetch,
		extract: extract,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		logger:  logger,
		reports: make(map[entity.EntityKind]RefreshReport),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RefreshService) lockFor(kind entity.EntityKind) *sync.Mutex {
	if kind == entity.KindCategory {
		return &s.categoryMu
	}
	return &s.priceMu
}

// RefreshCategories resumes pending category runs, then admits and executes
// a run for every category that became stale.
func (s *RefreshService) RefreshCategories(ctx context.Context) (RefreshReport, error) {
	s.categoryMu.Lock()
	defer s.categoryMu.Unlock()
	return s.finish(s.refreshCategories(ctx))
}

// RefreshPrices resumes pending price runs, then admits a batch of runs for
// every stale product and executes it.
func (s *RefreshService) RefreshPrices(ctx context.Context) (RefreshReport, error) {
	s.priceMu.Lock()
	defer s.priceMu.Unlock()
	return s.finish(s.refreshPrices(ctx))
}

// LoadCategory crawls a category in full without a run. It is how a new
// category starts being tracked.
func (s *RefreshService) LoadCategory(ctx context.Context, categoryID int64) (*CrawlReport, error) {
	s.categoryMu.Lock()
	defer s.categoryMu.Unlock()
	var t tally
	return s.crawlCategory(ctx, &t, categoryID, time.Time{})
}

// StartRefresh runs a pass of kind in the background. It fails with
// ErrRefreshInProgress instead of queueing behind a running pass.
func (s *RefreshService) StartRefresh(ctx context.Context, kind entity.EntityKind) error {
	if !kind.Valid() {
		return errors.Newf("unknown entity kind %q", kind)
	}
	mu := s.lockFor(kind)
	if !mu.TryLock() {
		return errors.Wrapf(ErrRefreshInProgress, "%s", kind)
	}
	go func() {
		defer mu.Unlock()
		var err error
		if kind == entity.KindCategory {
			_, err = s.finish(s.refreshCategories(ctx))
		} else {
			_, err = s.finish(s.refreshPrices(ctx))
		}
		if err != nil {
			s.logger.Error("triggered refresh failed", zap.String("kind", string(kind)), zap.Error(err))
		}
	}()
	return nil
}

// StartLoad crawls a category in the background.
func (s *RefreshService) StartLoad(ctx context.Context, categoryID int64) error {
	if !s.categoryMu.TryLock() {
		return errors.Wrapf(ErrRefreshInProgress, "%s", entity.KindCategory)
	}
	go func() {
		defer s.categoryMu.Unlock()
		var t tally
		rep, err := s.crawlCategory(ctx, &t, categoryID, time.Time{})
		if err != nil {
			s.logger.Error("category load failed", zap.Int64("category_id", categoryID), zap.Error(err))
			return
		}
		s.logger.Info("category loaded", rep.fields()...)
	}()
	return nil
}

// LastReport returns the report of the latest finished pass of kind.
func (s *RefreshService) LastReport(kind entity.EntityKind) (RefreshReport, bool) {
	s.reportMu.Lock()
	defer s.reportMu.Unlock()
	r, ok := s.reports[kind]
	return r, ok
}

// Run refreshes categories and then prices once immediately and then on
// every tick until ctx is cancelled. A failing pass is logged and the loop
// goes on.
func (s *RefreshService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("refresh scheduler started", zap.Duration("interval", interval))

	s.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refresh scheduler stopping")
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *RefreshService) pass(ctx context.Context) {
	if _, err := s.RefreshCategories(ctx); err != nil {
		s.logger.Error("category refresh failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RefreshPrices(ctx); err != nil {
		s.logger.Error("price refresh failed", zap.Error(err))
	}
}

func newReport(kind entity.EntityKind, now time.Time) RefreshReport {
	return RefreshReport{Kind: kind, StartedAt: now, Resolutions: make(map[string]int)}
}

// finish stamps the duration, logs the report and keeps it for LastReport.
func (s *RefreshService) finish(rep RefreshReport, err error) (RefreshReport, error) {
	rep.Duration = s.now().Sub(rep.StartedAt)
	rep.DurationSeconds = rep.Duration.Seconds()
	if err != nil {
		rep.Error = err.Error()
	}
	metrics.RefreshDuration.WithLabelValues(string(rep.Kind)).Observe(rep.Duration.Seconds())

	fields := []zap.Field{
		zap.String("kind", string(rep.Kind)),
		zap.Int("resumed", rep.Resumed),
		zap.Int("created", rep.Created),
		zap.Int("retired", rep.Retired),
		zap.Int("faulted", rep.Faulted),
		zap.Duration("duration", rep.Duration),
	}
	if err != nil {
		s.logger.Error("refresh pass aborted", append(fields, zap.Error(err))...)
	} else {
		s.logger.Info("refresh pass finished", fields...)
	}

	s.reportMu.Lock()
	s.reports[rep.Kind] = rep
	s.reportMu.Unlock()
	return rep, err
}

// faultType classifies err for metrics and logs. An empty result means the
// error is not tied to a single entity.
func faultType(err error) string {
	var ee *repository.ExtractionError
	var se *repository.StoreError
	var fe *repository.FetchStatusError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ""
	case errors.As(err, &fe):
		return "fetch"
	case errors.As(err, &ee):
		return "extraction"
	case errors.As(err, &se):
		return "store"
	default:
		return ""
	}
}

// absorb logs a per-entity fault and returns nil, or returns err when it must
// abort the batch.
func (s *RefreshService) absorb(t *tally, kind entity.EntityKind, id int64, err error, fields ...zap.Field) error {
	typ := faultType(err)
	switch {
	case typ == "extraction", typ == "store":
	case typ == "fetch" && s.cfg.FaultPolicy == FaultIsolate:
	default:
		return err
	}
	t.faulted.Add(1)
	metrics.EntityFaults.WithLabelValues(string(kind), typ).Inc()
	s.logger.Warn("entity skipped, run stays pending",
		append([]zap.Field{
			zap.String("kind", string(kind)),
			zap.Int64("entity_id", id),
			zap.String("fault", typ),
			zap.Error(err),
		}, fields...)...,
	)
	return nil
}

// fetchBatch issues every request before collecting any of them, then hands
// each result to handle on up to CollectWorkers goroutines. ids[i] names the
// entity behind reqs[i] in logs. Cancellation wins over any other error.
func (s *RefreshService) fetchBatch(
	ctx context.Context,
	t *tally,
	kind entity.EntityKind,
	ids []int64,
	reqs []entity.FetchRequest,
	handle func(ctx context.Context, i int, res *entity.FetchResult) error,
) error {
	keys := make([]entity.CorrelationKey, len(reqs))
	issued := make([]bool, len(reqs))

	var issueErr error
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			issueErr = err
			break
		}
		key, err := s.fetch.Issue(ctx, req)
		if err != nil {
			if err = s.absorb(t, kind, ids[i], err, zap.String("url", req.URL)); err != nil {
				issueErr = errors.Wrapf(err, "issue fetch for %s %d", kind, ids[i])
				break
			}
			continue
		}
		keys[i], issued[i] = key, true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.CollectWorkers)
	for i := range reqs {
		if !issued[i] {
			continue
		}
		g.Go(func() error {
			res, err := s.fetch.Collect(gctx, keys[i])
			if err != nil {
				if err = s.absorb(t, kind, ids[i], err, zap.String("url", reqs[i].URL)); err != nil {
					return errors.Wrapf(err, "collect fetch for %s %d", kind, ids[i])
				}
				return nil
			}
			return handle(gctx, i, res)
		})
	}
	collectErr := g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if issueErr != nil {
		return issueErr
	}
	return collectErr
}

func (s *RefreshService) window(minDate time.Time) entity.TimeWindow {
	return entity.NewTimeWindow(s.now(), s.cfg.MaxStaleness, minDate)
}

func (s *RefreshService) priceRequest(productID int64, resolution string, minDate time.Time) entity.FetchRequest {
	return entity.FetchRequest{
		URL:    fmt.Sprintf(s.cfg.PriceSeriesURL, productID, resolution),
		Window: s.window(minDate),
	}
}
