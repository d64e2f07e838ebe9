package usecase

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/pkg/metrics"
)

func (s *RefreshService) refreshPrices(ctx context.Context) (rep RefreshReport, err error) {
	rep = newReport(entity.KindProduct, s.now())
	var t tally
	defer func() {
		rep.Retired = int(t.retired.Load())
		rep.Faulted = int(t.faulted.Load())
	}()

	active, err := s.store.ListActive(ctx, entity.KindProduct)
	if err != nil {
		return rep, errors.Wrap(err, "list active price runs")
	}
	metrics.ActiveRuns.WithLabelValues(string(entity.KindProduct)).Set(float64(len(active)))

	// entities that had a run at the start of the pass get no new run in it
	skip := make(map[int64]bool, len(active))
	for _, run := range active {
		skip[run.EntityID] = true
	}
	if len(active) > 0 {
		rep.Resumed = len(active)
		s.logger.Info("resuming price runs", zap.Int("runs", len(active)))
		if err := s.executePriceRuns(ctx, &t, active); err != nil {
			return rep, err
		}
	}

	now := s.now()
	ages, err := s.store.ListAges(ctx, entity.KindProduct, now)
	if err != nil {
		return rep, errors.Wrap(err, "list product ages")
	}
	// runs that survived the resume above are still in flight
	pending, err := s.store.ListActive(ctx, entity.KindProduct)
	if err != nil {
		return rep, errors.Wrap(err, "list active price runs")
	}
	for _, run := range pending {
		skip[run.EntityID] = true
	}

	issuedAt := entity.RunClock(now)
	var runs []entity.UpdateRun
	for _, a := range ages {
		if a.Age < s.cfg.PriceStaleness || skip[a.EntityID] {
			continue
		}
		resolution := s.cfg.Ladder.Select(entity.FetchSpan(a.Age))
		runs = append(runs, entity.UpdateRun{
			Kind:       entity.KindProduct,
			EntityID:   a.EntityID,
			IssuedAt:   issuedAt,
			Resolution: resolution,
		})
		rep.Resolutions[resolution]++
	}
	if len(runs) == 0 {
		return rep, nil
	}

	if err := s.store.CreateBatch(ctx, runs, s.cfg.RunBatchSize); err != nil {
		return rep, errors.Wrap(err, "persist price runs")
	}
	rep.Created = len(runs)
	metrics.RunsCreated.WithLabelValues(string(entity.KindProduct)).Add(float64(len(runs)))
	s.logger.Info("price runs created",
		zap.Int("runs", len(runs)),
		zap.Any("resolutions", rep.Resolutions),
	)

	return rep, s.executePriceRuns(ctx, &t, runs)
}

// executePriceRuns fetches, writes and retires a batch of price runs. The
// request of a run is derived from the stored row alone, so a resumed run
// asks for exactly what the crashed pass asked for.
func (s *RefreshService) executePriceRuns(ctx context.Context, t *tally, runs []entity.UpdateRun) error {
	ids := make([]int64, len(runs))
	reqs := make([]entity.FetchRequest, len(runs))
	for i, run := range runs {
		ids[i] = run.EntityID
		reqs[i] = s.priceRequest(run.EntityID, run.Resolution, run.IssuedAt)
	}

	return s.fetchBatch(ctx, t, entity.KindProduct, ids, reqs, func(ctx context.Context, i int, res *entity.FetchResult) error {
		run := runs[i]
		fault := func(err error) error {
			return s.absorb(t, entity.KindProduct, run.EntityID, err, s.priceFaultFields(ctx, run, res)...)
		}

		points, err := s.extract.PriceSeries(res.Content)
		if err != nil {
			return fault(err)
		}
		if err := s.store.UpsertPriceObservations(ctx, run.EntityID, points); err != nil {
			if err := fault(err); err != nil {
				return errors.Wrapf(err, "write prices of product %d", run.EntityID)
			}
			return nil
		}
		if err := s.store.Delete(ctx, run.Kind, run.EntityID, run.IssuedAt); err != nil {
			return errors.Wrapf(err, "retire price run of product %d", run.EntityID)
		}
		t.retired.Add(1)
		metrics.RunsRetired.WithLabelValues(string(run.Kind)).Inc()
		return nil
	})
}

// priceFaultFields is the context logged with a per-product fault.
func (s *RefreshService) priceFaultFields(ctx context.Context, run entity.UpdateRun, res *entity.FetchResult) []zap.Field {
	fields := []zap.Field{
		zap.String("resolution", run.Resolution),
		zap.Time("issued_at", run.IssuedAt),
		zap.String("url", res.URL),
		zap.Int("payload_bytes", len(res.Content)),
	}
	if p, err := s.store.GetProduct(ctx, run.EntityID); err == nil {
		fields = append(fields, zap.Int64("category_id", p.CategoryID))
	}
	return fields
}
