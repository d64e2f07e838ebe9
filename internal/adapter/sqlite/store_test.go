package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
)

var clockNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tracker.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db, WithClock(func() time.Time { return clockNow }), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestOpen(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, BusyTimeoutMS, busyTimeout)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestRecordObservedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	newer := day(2024, 3, 5)
	older := day(2024, 2, 1)
	require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, 7, newer))
	require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, 7, older))
	require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, 7, newer))

	age, err := s.Age(ctx, entity.KindProduct, 7, day(2024, 3, 8))
	require.NoError(t, err)
	assert.Equal(t, 3*24*time.Hour, age)

	// older first, then newer
	require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, 9, older))
	require.NoError(t, s.RecordObserved(ctx, entity.KindProduct, 9, newer))
	age, err = s.Age(ctx, entity.KindProduct, 9, day(2024, 3, 8))
	require.NoError(t, err)
	assert.Equal(t, 3*24*time.Hour, age)

	age, err = s.Age(ctx, entity.KindProduct, 8, clockNow)
	require.NoError(t, err)
	assert.Equal(t, entity.InfiniteAge, age)
}

func TestListAgesIncludesNeverObserved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertCategory(ctx, entity.Category{ID: 1, Name: "TVs"}))
	for _, id := range []int64{10, 11, 12} {
		require.NoError(t, s.UpsertProduct(ctx, entity.Product{ID: id, Name: "p", CategoryID: 1}))
	}
	require.NoError(t, s.UpsertPriceObservations(ctx, 10, []entity.PricePoint{{Date: day(2024, 3, 1), Price: 5}}))
	require.NoError(t, s.UpsertPriceObservations(ctx, 12, []entity.PricePoint{{Date: day(2024, 2, 1), Price: 6}}))

	ages, err := s.ListAges(ctx, entity.KindProduct, clockNow)
	require.NoError(t, err)
	require.Len(t, ages, 3)

	assert.Equal(t, int64(11), ages[0].EntityID)
	assert.False(t, ages[0].Observed())
	assert.Equal(t, entity.InfiniteAge, ages[0].Age)
	assert.Equal(t, int64(12), ages[1].EntityID)
	assert.Equal(t, int64(10), ages[2].EntityID)
	assert.Equal(t, clockNow.Sub(day(2024, 3, 1)), ages[2].Age)
}

func TestUpsertCategoryStampsClock(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertCategory(ctx, entity.Category{ID: 3, Name: "Laptops"}))
	require.NoError(t, s.UpsertCategory(ctx, entity.Category{ID: 3, Name: "Notebooks"}))

	c, err := s.GetCategory(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "Notebooks", c.Name)

	age, err := s.Age(ctx, entity.KindCategory, 3, clockNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, age)

	_, err = s.GetCategory(ctx, 4)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestUpsertProductUnknownCategory(t *testing.T) {
	s := newTestStore(t)

	err := s.UpsertProduct(context.Background(), entity.Product{ID: 1, Name: "orphan", CategoryID: 99})
	require.Error(t, err)

	var se *repository.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "product 1", se.Entity)
	assert.True(t, repository.IsPerEntityFault(err))
}

func TestProductSheetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertCategory(ctx, entity.Category{ID: 1, Name: "TVs"}))

	sheet := entity.AttributeSheet{}
	sheet.Set("Display", "Diagonal", "55 inch")
	sheet.Set("Power", "Consumption", "80 W")
	require.NoError(t, s.UpsertProduct(ctx, entity.Product{ID: 5, Name: "TV 55", CategoryID: 1, Sheet: sheet}))
	require.NoError(t, s.UpsertProduct(ctx, entity.Product{ID: 6, Name: "TV 65", CategoryID: 1}))

	p, err := s.GetProduct(ctx, 5)
	require.NoError(t, err)
	v, ok := p.Sheet.Get("Display", "Diagonal")
	assert.True(t, ok)
	assert.Equal(t, "55 inch", v)

	products, err := s.ListProducts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Nil(t, products[1].Sheet)

	_, err = s.GetProduct(ctx, 7)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestUpsertPriceObservationsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertCategory(ctx, entity.Category{ID: 1, Name: "TVs"}))
	require.NoError(t, s.UpsertProduct(ctx, entity.Product{ID: 5, Name: "TV", CategoryID: 1}))

	series := []entity.PricePoint{
		{Date: day(2024, 3, 2), Price: 410},
		{Date: day(2024, 3, 1), Price: 420},
	}
	require.NoError(t, s.UpsertPriceObservations(ctx, 5, series))
	require.NoError(t, s.UpsertPriceObservations(ctx, 5, series))
	require.NoError(t, s.UpsertPriceObservations(ctx, 5, []entity.PricePoint{{Date: day(2024, 3, 2), Price: 399}}))

	obs, err := s.ListPriceObservations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, day(2024, 3, 1), obs[0].Date)
	assert.Equal(t, 399.0, obs[1].Price)

	last, err := s.ReadLastObservedDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, day(2024, 3, 2), last[5])
}

func TestUpsertPriceObservationsUnknownProduct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.UpsertPriceObservations(ctx, 42, []entity.PricePoint{{Date: day(2024, 3, 1), Price: 1}})
	require.Error(t, err)
	assert.True(t, repository.IsPerEntityFault(err))

	// the freshness write is rolled back with the price rows
	age, err := s.Age(ctx, entity.KindProduct, 42, clockNow)
	require.NoError(t, err)
	assert.Equal(t, entity.InfiniteAge, age)
}

func TestRunLedger(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	issued := time.Date(2024, 3, 10, 8, 30, 15, 987654321, time.UTC)
	require.NoError(t, s.Create(ctx, entity.UpdateRun{Kind: entity.KindProduct, EntityID: 2, IssuedAt: issued, Resolution: "P1M"}))
	require.NoError(t, s.Create(ctx, entity.UpdateRun{Kind: entity.KindProduct, EntityID: 1, IssuedAt: issued, Resolution: "P3M"}))
	require.NoError(t, s.Create(ctx, entity.UpdateRun{Kind: entity.KindCategory, EntityID: 1, IssuedAt: issued.Add(-time.Hour)}))

	err := s.Create(ctx, entity.UpdateRun{Kind: entity.KindProduct, EntityID: 2, IssuedAt: issued.Add(time.Hour)})
	var dup *repository.DuplicateRunError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, int64(2), dup.EntityID)

	runs, err := s.ListActive(ctx, entity.KindProduct)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(1), runs[0].EntityID)
	assert.Equal(t, "P3M", runs[0].Resolution)
	assert.Equal(t, entity.RunClock(issued), runs[0].IssuedAt)

	// a stale issue time leaves the run in place
	require.NoError(t, s.Delete(ctx, entity.KindProduct, 1, issued.Add(-time.Minute)))
	require.NoError(t, s.Delete(ctx, entity.KindProduct, 1, runs[0].IssuedAt))
	require.NoError(t, s.Delete(ctx, entity.KindProduct, 1, runs[0].IssuedAt))

	runs, err = s.ListActive(ctx, entity.KindProduct)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(2), runs[0].EntityID)

	cats, err := s.ListActive(ctx, entity.KindCategory)
	require.NoError(t, err)
	assert.Len(t, cats, 1)
}

func TestCreateBatchCommitsPerChunk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var runs []entity.UpdateRun
	for id := int64(1); id <= 5; id++ {
		runs = append(runs, entity.UpdateRun{Kind: entity.KindProduct, EntityID: id, IssuedAt: clockNow, Resolution: "P2D"})
	}
	// duplicate inside the third chunk
	runs = append(runs, entity.UpdateRun{Kind: entity.KindProduct, EntityID: 5, IssuedAt: clockNow})

	err := s.CreateBatch(ctx, runs, 2)
	var dup *repository.DuplicateRunError
	require.True(t, errors.As(err, &dup))

	active, err := s.ListActive(ctx, entity.KindProduct)
	require.NoError(t, err)
	assert.Len(t, active, 4)

	require.NoError(t, s.CreateBatch(ctx, nil, 2))
}

func TestUpsertPriceObservationsRollsBackOnFreshnessFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO price`)
	prep.ExpectExec().WithArgs(int64(9), "2024-03-01", 12.5).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO freshness`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err = s.UpsertPriceObservations(context.Background(), 9, []entity.PricePoint{{Date: day(2024, 3, 1), Price: 12.5}})
	require.Error(t, err)

	var se *repository.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "product 9 prices", se.Entity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCategoryCommitsDataAndFreshnessTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewStore(db, WithClock(func() time.Time { return clockNow }))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO category`).WithArgs(int64(4), "Phones").WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectExec(`INSERT INTO freshness`).
		WithArgs("category", int64(4), clockNow.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.UpsertCategory(context.Background(), entity.Category{ID: 4, Name: "Phones"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}
