package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
	"github.com/user/price-tracker/pkg/retry"
)

var clockNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestErrorClassification(t *testing.T) {
	unique := errors.Wrap(&pgconn.PgError{Code: codeUniqueViolation}, "insert")
	fk := errors.Wrap(&pgconn.PgError{Code: codeForeignKeyViolation}, "insert")

	assert.True(t, isUniqueViolation(unique))
	assert.False(t, isUniqueViolation(fk))
	assert.True(t, isForeignKeyViolation(fk))
	assert.False(t, isForeignKeyViolation(errors.New("connection reset")))

	err := runError(entity.UpdateRun{Kind: entity.KindProduct, EntityID: 4}, unique)
	var dup *repository.DuplicateRunError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, int64(4), dup.EntityID)
}

func TestConnectGivesUpWithConnectError(t *testing.T) {
	policy := retry.Policy{Attempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// nothing listens on port 1
	_, err := Connect(ctx, "postgres://user:pw@127.0.0.1:1/db?connect_timeout=1", policy, zaptest.NewLogger(t))
	require.Error(t, err)

	var ce *repository.ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 2, ce.Attempts)
}

func TestConnectRejectsBadURL(t *testing.T) {
	_, err := Connect(context.Background(), "postgres://%zz", retry.Policy{}, nil)
	require.Error(t, err)
}

// newIntegrationStore connects to TEST_POSTGRES_URL and empties the tables.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url, retry.Policy{Attempts: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)

	s := NewStore(pool, WithClock(func() time.Time { return clockNow }), WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	_, err = pool.Exec(ctx, `TRUNCATE category, product, price, freshness, update_run CASCADE;`)
	require.NoError(t, err)
	return s
}

func TestIntegrationCatalogAndFreshness(t *testing.T) {
	ctx := context.Background()
	s := newIntegrationStore(t)

	require.NoError(t, s.UpsertCategory(ctx, entity.Category{ID: 1, Name: "TVs"}))
	sheet := entity.AttributeSheet{}
	sheet.Set("Display", "Diagonal", "55 inch")
	require.NoError(t, s.UpsertProduct(ctx, entity.Product{ID: 10, Name: "TV", CategoryID: 1, Sheet: sheet}))
	require.NoError(t, s.UpsertProduct(ctx, entity.Product{ID: 11, Name: "TV 2", CategoryID: 1}))

	err := s.UpsertProduct(ctx, entity.Product{ID: 12, Name: "orphan", CategoryID: 9})
	assert.True(t, repository.IsPerEntityFault(err))

	series := []entity.PricePoint{
		{Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Price: 420},
		{Date: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), Price: 410},
	}
	require.NoError(t, s.UpsertPriceObservations(ctx, 10, series))
	require.NoError(t, s.UpsertPriceObservations(ctx, 10, series))

	obs, err := s.ListPriceObservations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, series[1].Date, obs[1].Date)

	p, err := s.GetProduct(ctx, 10)
	require.NoError(t, err)
	v, _ := p.Sheet.Get("Display", "Diagonal")
	assert.Equal(t, "55 inch", v)

	require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, 10, series[0].Date))
	ages, err := s.ListAges(ctx, entity.KindProduct, clockNow)
	require.NoError(t, err)
	require.Len(t, ages, 2)
	assert.Equal(t, int64(11), ages[0].EntityID)
	assert.Equal(t, entity.InfiniteAge, ages[0].Age)
	assert.Equal(t, clockNow.Sub(series[1].Date), ages[1].Age)

	age, err := s.Age(ctx, entity.KindCategory, 1, clockNow)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), age)
}

type recordingExecer struct {
	sql  string
	args []any
}

func (e *recordingExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	e.sql, e.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestRecordObservedKeepsTheLatest(t *testing.T) {
	ex := &recordingExecer{}
	local := time.Date(2024, 3, 5, 1, 0, 0, 0, time.FixedZone("CET", 3600))
	require.NoError(t, recordObserved(context.Background(), ex, entity.KindProduct, 7, local))

	assert.Contains(t, ex.sql, "ON CONFLICT (kind, entity_id) DO UPDATE")
	assert.Contains(t, ex.sql, "GREATEST(freshness.observed_at, EXCLUDED.observed_at)")
	require.Len(t, ex.args, 3)
	assert.Equal(t, "product", ex.args[0])
	assert.Equal(t, int64(7), ex.args[1])
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), ex.args[2])
}

func TestIntegrationRecordObservedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newIntegrationStore(t)

	newer := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	older := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	for id, order := range map[int64][]time.Time{
		7: {newer, older},
		8: {older, newer},
	} {
		for _, ts := range order {
			require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, id, ts))
		}
		age, err := s.Age(ctx, entity.KindProduct, id, newer.Add(72*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 72*time.Hour, age, "product %d", id)
	}
}

func TestIntegrationRunLedger(t *testing.T) {
	ctx := context.Background()
	s := newIntegrationStore(t)

	issued := time.Date(2024, 3, 10, 8, 30, 15, 123456789, time.UTC)
	var runs []entity.UpdateRun
	for id := int64(1); id <= 5; id++ {
		runs = append(runs, entity.UpdateRun{Kind: entity.KindProduct, EntityID: id, IssuedAt: issued, Resolution: "P1M"})
	}
	runs = append(runs, entity.UpdateRun{Kind: entity.KindProduct, EntityID: 5, IssuedAt: issued})

	err := s.CreateBatch(ctx, runs, 2)
	var dup *repository.DuplicateRunError
	require.True(t, errors.As(err, &dup))

	active, err := s.ListActive(ctx, entity.KindProduct)
	require.NoError(t, err)
	require.Len(t, active, 4)
	assert.Equal(t, entity.RunClock(issued), active[0].IssuedAt)

	require.NoError(t, s.Delete(ctx, entity.KindProduct, 1, active[0].IssuedAt))
	require.NoError(t, s.Delete(ctx, entity.KindProduct, 1, active[0].IssuedAt))

	err = s.Create(ctx, entity.UpdateRun{Kind: entity.KindProduct, EntityID: 2, IssuedAt: issued})
	require.True(t, errors.As(err, &dup))

	active, err = s.ListActive(ctx, entity.KindProduct)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}
