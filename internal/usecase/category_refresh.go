package usecase

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/metrics"
)

// CrawlReport summarises the crawl of one category.
type CrawlReport struct {
	CategoryID int64  `json:"category_id"`
	Name       string `json:"name"`
	Pages      int    `json:"pages"`
	Listed     int    `json:"listed"`
	Variants   int    `json:"variants"`
	Stored     int    `json:"stored"`
	Priced     int    `json:"priced"`
}

func (r *CrawlReport) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("category_id", r.CategoryID),
		zap.String("name", r.Name),
		zap.Int("pages", r.Pages),
		zap.Int("listed", r.Listed),
		zap.Int("variants", r.Variants),
		zap.Int("stored", r.Stored),
		zap.Int("priced", r.Priced),
	}
}

func (s *RefreshService) refreshCategories(ctx context.Context) (rep RefreshReport, err error) {
	rep = newReport(entity.KindCategory, s.now())
	var t tally
	defer func() {
		rep.Retired = int(t.retired.Load())
		rep.Faulted = int(t.faulted.Load())
	}()

	active, err := s.store.ListActive(ctx, entity.KindCategory)
	if err != nil {
		return rep, errors.Wrap(err, "list active category runs")
	}
	metrics.ActiveRuns.WithLabelValues(string(entity.KindCategory)).Set(float64(len(active)))

	skip := make(map[int64]bool, len(active))
	for _, run := range active {
		skip[run.EntityID] = true
	}
	if len(active) > 0 {
		rep.Resumed = len(active)
		s.logger.Info("resuming category runs", zap.Int("runs", len(active)))
		if err := s.executeCategoryRuns(ctx, &t, active); err != nil {
			return rep, err
		}
	}

	now := s.now()
	ages, err := s.store.ListAges(ctx, entity.KindCategory, now)
	if err != nil {
		return rep, errors.Wrap(err, "list category ages")
	}
	pending, err := s.store.ListActive(ctx, entity.KindCategory)
	if err != nil {
		return rep, errors.Wrap(err, "list active category runs")
	}
	for _, run := range pending {
		skip[run.EntityID] = true
	}

	issuedAt := entity.RunClock(now)
	var runs []entity.UpdateRun
	for _, a := range ages {
		if a.Age < s.cfg.CategoryStaleness || skip[a.EntityID] {
			continue
		}
		run := entity.UpdateRun{Kind: entity.KindCategory, EntityID: a.EntityID, IssuedAt: issuedAt}
		// a duplicate here means another writer touched the ledger
		if err := s.store.Create(ctx, run); err != nil {
			return rep, errors.Wrapf(err, "admit run for category %d", a.EntityID)
		}
		runs = append(runs, run)
		rep.Created++
		metrics.RunsCreated.WithLabelValues(string(entity.KindCategory)).Inc()
	}
	if len(runs) == 0 {
		return rep, nil
	}
	s.logger.Info("category runs created", zap.Int("runs", len(runs)))

	return rep, s.executeCategoryRuns(ctx, &t, runs)
}

// executeCategoryRuns crawls categories one after the other. A run is
// retired only when its crawl got past the category level; product level
// faults inside the crawl do not keep it.
func (s *RefreshService) executeCategoryRuns(ctx context.Context, t *tally, runs []entity.UpdateRun) error {
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rep, err := s.crawlCategory(ctx, t, run.EntityID, run.IssuedAt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := s.absorb(t, entity.KindCategory, run.EntityID, err, zap.Time("issued_at", run.IssuedAt)); err != nil {
				return errors.Wrapf(err, "crawl category %d", run.EntityID)
			}
			continue
		}
		if err := s.store.Delete(ctx, run.Kind, run.EntityID, run.IssuedAt); err != nil {
			return errors.Wrapf(err, "retire run of category %d", run.EntityID)
		}
		t.retired.Add(1)
		metrics.RunsRetired.WithLabelValues(string(run.Kind)).Inc()
		s.logger.Info("category refreshed", rep.fields()...)
	}
	return nil
}

func (s *RefreshService) listingURL(categoryID int64, offset int) string {
	if offset == 0 {
		return fmt.Sprintf(s.cfg.CategoryStartURL, categoryID)
	}
	return fmt.Sprintf(s.cfg.CategoryPageURL, categoryID, offset)
}

// crawlCategory walks the listing pages of a category, stores every product
// variant with its attribute sheet and loads the full price history of the
// stored variants. Responses fetched before minDate are not reused.
//
// Errors at the category level are returned; product level faults are
// counted in t and skipped.
func (s *RefreshService) crawlCategory(ctx context.Context, t *tally, categoryID int64, minDate time.Time) (*CrawlReport, error) {
	rep := &CrawlReport{CategoryID: categoryID}

	listings, err := s.crawlListing(ctx, rep, minDate)
	if err != nil {
		return rep, err
	}
	rep.Listed = len(listings)

	variants, err := s.collectVariants(ctx, t, listings, minDate)
	if err != nil {
		return rep, err
	}
	rep.Variants = len(variants)

	stored, err := s.storeVariants(ctx, t, categoryID, variants, minDate)
	if err != nil {
		return rep, err
	}
	rep.Stored = len(stored)

	priced, err := s.loadPrices(ctx, t, stored, minDate)
	rep.Priced = priced
	return rep, err
}

// crawlListing fetches listing pages in order. A 301 marks the end of the
// listing, as does a page that adds no new product.
func (s *RefreshService) crawlListing(ctx context.Context, rep *CrawlReport, minDate time.Time) ([]entity.ProductListing, error) {
	var out []entity.ProductListing
	seen := make(map[int64]bool)

	for offset := 0; ; offset += s.cfg.PageSize {
		req := entity.FetchRequest{
			URL:    s.listingURL(rep.CategoryID, offset),
			Window: s.window(minDate),
			Accept: []int{http.StatusOK, http.StatusMovedPermanently},
		}
		key, err := s.fetch.Issue(ctx, req)
		if err != nil {
			return nil, err
		}
		res, err := s.fetch.Collect(ctx, key)
		if err != nil {
			return nil, err
		}
		if res.StatusCode == http.StatusMovedPermanently {
			if offset == 0 {
				return nil, errors.WithStack(&repository.FetchStatusError{
					URL:        req.URL,
					StatusCode: res.StatusCode,
					Detail:     "category start page redirects",
				})
			}
			break
		}
		rep.Pages++

		if offset == 0 {
			name, err := s.extract.CategoryName(res.Content)
			if err != nil {
				return nil, err
			}
			rep.Name = name
			if err := s.store.UpsertCategory(ctx, entity.Category{ID: rep.CategoryID, Name: name}); err != nil {
				return nil, err
			}
		}

		items, err := s.extract.ProductList(res.Content)
		if err != nil {
			return nil, err
		}
		added := 0
		for _, item := range items {
			if seen[item.ProductID] {
				continue
			}
			seen[item.ProductID] = true
			out = append(out, item)
			added++
		}
		if added == 0 {
			break
		}
	}
	return out, nil
}

// collectVariants fetches the detail page of every listed product and returns
// variant id -> variant URL. A product without variants stands for itself.
func (s *RefreshService) collectVariants(ctx context.Context, t *tally, listings []entity.ProductListing, minDate time.Time) (map[int64]string, error) {
	ids := make([]int64, len(listings))
	reqs := make([]entity.FetchRequest, len(listings))
	for i, l := range listings {
		ids[i] = l.ProductID
		reqs[i] = entity.FetchRequest{URL: l.DetailURL, Window: s.window(minDate)}
	}

	var mu sync.Mutex
	variants := make(map[int64]string)
	err := s.fetchBatch(ctx, t, entity.KindProduct, ids, reqs, func(_ context.Context, i int, res *entity.FetchResult) error {
		urls, err := s.extract.VariantURLs(res.Content)
		if err != nil {
			return s.absorb(t, entity.KindProduct, ids[i], err,
				zap.String("url", res.URL), zap.Int("payload_bytes", len(res.Content)))
		}
		if len(urls) == 0 {
			urls = []string{listings[i].DetailURL}
		}

		mu.Lock()
		defer mu.Unlock()
		for _, u := range urls {
			id, err := s.extract.ProductIDFromURL(u)
			if err != nil {
				s.logger.Debug("variant link without product id", zap.String("url", u))
				continue
			}
			variants[id] = u
		}
		return nil
	})
	return variants, err
}

// storeVariants fetches every variant page and upserts the product. It
// returns the ids that were stored, ascending.
func (s *RefreshService) storeVariants(ctx context.Context, t *tally, categoryID int64, variants map[int64]string, minDate time.Time) ([]int64, error) {
	ids := make([]int64, 0, len(variants))
	for id := range variants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	reqs := make([]entity.FetchRequest, len(ids))
	for i, id := range ids {
		reqs[i] = entity.FetchRequest{URL: variants[id], Window: s.window(minDate)}
	}

	var mu sync.Mutex
	stored := make([]int64, 0, len(ids))
	err := s.fetchBatch(ctx, t, entity.KindProduct, ids, reqs, func(ctx context.Context, i int, res *entity.FetchResult) error {
		fault := func(err error) error {
			return s.absorb(t, entity.KindProduct, ids[i], err,
				zap.Int64("category_id", categoryID),
				zap.String("url", res.URL),
				zap.Int("payload_bytes", len(res.Content)),
			)
		}

		detail, err := s.extract.ProductDetail(res.Content)
		if err != nil {
			return fault(err)
		}
		product := entity.Product{ID: ids[i], Name: detail.Name, CategoryID: categoryID, Sheet: detail.Sheet}
		if err := s.store.UpsertProduct(ctx, product); err != nil {
			if err := fault(errors.WithDetailf(err, "attributes=%d", detail.Sheet.Len())); err != nil {
				return errors.Wrapf(err, "store product %d", ids[i])
			}
			return nil
		}
		mu.Lock()
		stored = append(stored, ids[i])
		mu.Unlock()
		return nil
	})
	sort.Slice(stored, func(i, j int) bool { return stored[i] < stored[j] })
	return stored, err
}

// loadPrices fetches the longest price history for every product and writes
// it. It returns how many series were written.
func (s *RefreshService) loadPrices(ctx context.Context, t *tally, productIDs []int64, minDate time.Time) (int, error) {
	top := s.cfg.Ladder.Top()
	reqs := make([]entity.FetchRequest, len(productIDs))
	for i, id := range productIDs {
		reqs[i] = s.priceRequest(id, top, minDate)
	}

	var written int
	var mu sync.Mutex
	err := s.fetchBatch(ctx, t, entity.KindProduct, productIDs, reqs, func(ctx context.Context, i int, res *entity.FetchResult) error {
		fault := func(err error) error {
			return s.absorb(t, entity.KindProduct, productIDs[i], err,
				zap.String("resolution", top),
				zap.String("url", res.URL),
				zap.Int("payload_bytes", len(res.Content)),
			)
		}

		points, err := s.extract.PriceSeries(res.Content)
		if err != nil {
			return fault(err)
		}
		if err := s.store.UpsertPriceObservations(ctx, productIDs[i], points); err != nil {
			if err := fault(err); err != nil {
				return errors.Wrapf(err, "write prices of product %d", productIDs[i])
			}
			return nil
		}
		mu.Lock()
		written++
		mu.Unlock()
		return nil
	})
	return written, err
}
