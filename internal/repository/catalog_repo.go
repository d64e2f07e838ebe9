package repository

import (
	"context"
	"time"

	"github.com/user/price-tracker/internal/entity"
)

// CatalogRepository defines the data writes and reads of the persistent store.
// Every write that lands category metadata or price points must advance the
// freshness index in the same transaction.
type CatalogRepository interface {
	// UpsertCategory creates or renames a category and records it as observed now.
	UpsertCategory(ctx context.Context, category entity.Category) error
	// UpsertProduct creates or overwrites a product. Fails with StoreError when the category is unknown.
	UpsertProduct(ctx context.Context, product entity.Product) error
	// UpsertPriceObservations writes the series idempotently by (product, date) and
	// advances the product's freshness to the newest date written.
	UpsertPriceObservations(ctx context.Context, productID int64, points []entity.PricePoint) error
	// GetCategory returns a category or ErrNotFound.
	GetCategory(ctx context.Context, categoryID int64) (*entity.Category, error)
	// GetProduct returns a product or ErrNotFound.
	GetProduct(ctx context.Context, productID int64) (*entity.Product, error)
	// ListProducts returns the products of a category ordered by id.
	ListProducts(ctx context.Context, categoryID int64) ([]entity.Product, error)
	// ListPriceObservations returns a product's stored series ordered by date.
	ListPriceObservations(ctx context.Context, productID int64) ([]entity.PriceObservation, error)
	// ReadLastObservedDates returns productID -> newest stored price date.
	ReadLastObservedDates(ctx context.Context) (map[int64]time.Time, error)
}

// FreshnessRepository is the freshness index.
type FreshnessRepository interface {
	// RecordObserved advances the stored timestamp to max(stored, ts).
	RecordObserved(ctx context.Context, kind entity.EntityKind, entityID int64, ts time.Time) error
	// Age returns now - lastObserved, or entity.InfiniteAge for unobserved entities.
	Age(ctx context.Context, kind entity.EntityKind, entityID int64, now time.Time) (time.Duration, error)
	// ListAges returns every known entity of the kind, oldest first; never observed entities lead.
	ListAges(ctx context.Context, kind entity.EntityKind, now time.Time) ([]entity.Staleness, error)
}

// RunRepository is the run ledger. The refresh scheduler is its only writer.
type RunRepository interface {
	// Create admits a run. Fails with DuplicateRunError when the entity already has one.
	Create(ctx context.Context, run entity.UpdateRun) error
	// CreateBatch admits runs in chunks of batchSize, one transaction per chunk.
	CreateBatch(ctx context.Context, runs []entity.UpdateRun, batchSize int) error
	// ListActive returns the runs of a kind ordered by issue time, then entity id.
	ListActive(ctx context.Context, kind entity.EntityKind) ([]entity.UpdateRun, error)
	// Delete retires a run. Deleting an absent run is not an error.
	Delete(ctx context.Context, kind entity.EntityKind, entityID int64, issuedAt time.Time) error
}

// Store bundles the persistent store capabilities behind one connection.
type Store interface {
	CatalogRepository
	FreshnessRepository
	RunRepository
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
