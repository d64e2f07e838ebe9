package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
)

// UpsertCategory creates or renames a category and stamps it observed.
func (s *Store) UpsertCategory(ctx context.Context, category entity.Category) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO category (cid, name) VALUES ($1, $2)
			ON CONFLICT (cid) DO UPDATE SET name = EXCLUDED.name;
		`
		if _, err := tx.Exec(ctx, query, category.ID, category.Name); err != nil {
			return err
		}
		return recordObserved(ctx, tx, entity.KindCategory, category.ID, s.now())
	})
	if err != nil {
		return repository.NewStoreError(fmt.Sprintf("category %d", category.ID), "upsert failed", err)
	}
	return nil
}

// UpsertProduct creates or overwrites a product. The attribute sheet is stored as JSONB.
func (s *Store) UpsertProduct(ctx context.Context, product entity.Product) error {
	name := fmt.Sprintf("product %d", product.ID)
	var sheetJSON []byte
	if product.Sheet != nil {
		raw, err := json.Marshal(product.Sheet)
		if err != nil {
			return repository.NewStoreError(name, "encode datasheet", err)
		}
		sheetJSON = raw
	}

	query := `
		INSERT INTO product (pid, name, cid, datasheet)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pid) DO UPDATE SET
			name = EXCLUDED.name,
			cid = EXCLUDED.cid,
			datasheet = EXCLUDED.datasheet;
	`
	_, err := s.db.Exec(ctx, query, product.ID, product.Name, product.CategoryID, sheetJSON)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repository.NewStoreError(name, fmt.Sprintf("unknown category %d", product.CategoryID), err)
		}
		return repository.NewStoreError(name, "upsert failed", err)
	}
	return nil
}

// UpsertPriceObservations batch-writes a price series and advances the
// product's freshness to the newest date in the same transaction.
func (s *Store) UpsertPriceObservations(ctx context.Context, productID int64, points []entity.PricePoint) error {
	series := entity.NormalizeSeries(points)
	if len(series) == 0 {
		return nil
	}
	name := fmt.Sprintf("product %d prices", productID)

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range series {
			batch.Queue(`INSERT INTO price (pid, date, price) VALUES ($1, $2, $3)
			             ON CONFLICT (pid, date) DO UPDATE SET price = EXCLUDED.price`,
				productID, p.Date, p.Price)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		return recordObserved(ctx, tx, entity.KindProduct, productID, entity.LatestDate(series))
	})
	if err != nil {
		if isForeignKeyViolation(err) {
			return repository.NewStoreError(name, "unknown product", err)
		}
		return repository.NewStoreError(name, "upsert failed", err)
	}
	return nil
}

// GetCategory returns a category by id.
func (s *Store) GetCategory(ctx context.Context, categoryID int64) (*entity.Category, error) {
	var c entity.Category
	err := s.db.QueryRow(ctx, `SELECT cid, name FROM category WHERE cid = $1;`, categoryID).Scan(&c.ID, &c.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(repository.ErrNotFound, "category %d", categoryID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read category %d", categoryID)
	}
	return &c, nil
}

// GetProduct returns a product by id.
func (s *Store) GetProduct(ctx context.Context, productID int64) (*entity.Product, error) {
	row := s.db.QueryRow(ctx, `SELECT pid, name, cid, datasheet FROM product WHERE pid = $1;`, productID)
	p, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(repository.ErrNotFound, "product %d", productID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read product %d", productID)
	}
	return p, nil
}

// ListProducts returns the products of a category ordered by id.
func (s *Store) ListProducts(ctx context.Context, categoryID int64) ([]entity.Product, error) {
	rows, err := s.db.Query(ctx,
		`SELECT pid, name, cid, datasheet FROM product WHERE cid = $1 ORDER BY pid;`, categoryID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list products of category %d", categoryID)
	}
	defer rows.Close()

	var out []entity.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan product row")
		}
		out = append(out, *p)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate product rows")
}

func scanProduct(row pgx.Row) (*entity.Product, error) {
	var p entity.Product
	var sheetJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &p.CategoryID, &sheetJSON); err != nil {
		return nil, err
	}
	if len(sheetJSON) > 0 {
		if err := json.Unmarshal(sheetJSON, &p.Sheet); err != nil {
			return nil, errors.Wrapf(err, "failed to decode datasheet of product %d", p.ID)
		}
	}
	return &p, nil
}

// ListPriceObservations returns the stored series of a product ordered by date.
func (s *Store) ListPriceObservations(ctx context.Context, productID int64) ([]entity.PriceObservation, error) {
	rows, err := s.db.Query(ctx, `SELECT date, price FROM price WHERE pid = $1 ORDER BY date;`, productID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list prices of product %d", productID)
	}
	defer rows.Close()

	var out []entity.PriceObservation
	for rows.Next() {
		obs := entity.PriceObservation{ProductID: productID}
		if err := rows.Scan(&obs.Date, &obs.Price); err != nil {
			return nil, errors.Wrap(err, "failed to scan price row")
		}
		obs.Date = entity.Day(obs.Date)
		out = append(out, obs)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate price rows")
}

// ReadLastObservedDates returns the newest stored price date of every product.
func (s *Store) ReadLastObservedDates(ctx context.Context) (map[int64]time.Time, error) {
	rows, err := s.db.Query(ctx,
		`SELECT entity_id, observed_at FROM freshness WHERE kind = $1;`, string(entity.KindProduct))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read last observed dates")
	}
	defer rows.Close()

	out := make(map[int64]time.Time)
	for rows.Next() {
		var id int64
		var observed time.Time
		if err := rows.Scan(&id, &observed); err != nil {
			return nil, errors.Wrap(err, "failed to scan freshness row")
		}
		out[id] = observed.UTC()
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate freshness rows")
}
