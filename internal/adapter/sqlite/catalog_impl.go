package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
)

// UpsertCategory creates or renames a category and stamps it observed.
func (s *Store) UpsertCategory(ctx context.Context, category entity.Category) error {
	name := fmt.Sprintf("category %d", category.ID)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO category (cid, name) VALUES (?, ?)
			ON CONFLICT (cid) DO UPDATE SET name = excluded.name;
		`, category.ID, category.Name)
		if err != nil {
			return err
		}
		return recordObserved(ctx, tx, entity.KindCategory, category.ID, s.now())
	})
	if err != nil {
		return repository.NewStoreError(name, "upsert failed", err)
	}
	return nil
}

// UpsertProduct creates or overwrites a product row.
func (s *Store) UpsertProduct(ctx context.Context, product entity.Product) error {
	name := fmt.Sprintf("product %d", product.ID)
	var sheet any
	if product.Sheet != nil {
		raw, err := json.Marshal(product.Sheet)
		if err != nil {
			return repository.NewStoreError(name, "encode datasheet", err)
		}
		sheet = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO product (pid, name, cid, datasheet) VALUES (?, ?, ?, ?)
		ON CONFLICT (pid) DO UPDATE SET
			name = excluded.name,
			cid = excluded.cid,
			datasheet = excluded.datasheet;
	`, product.ID, product.Name, product.CategoryID, sheet)
	if err != nil {
		if isForeignKeyViolation(err) {
			return repository.NewStoreError(name, fmt.Sprintf("unknown category %d", product.CategoryID), err)
		}
		return repository.NewStoreError(name, "upsert failed", err)
	}
	return nil
}

// UpsertPriceObservations writes a price series and advances the product's
// freshness to the newest date in one transaction.
func (s *Store) UpsertPriceObservations(ctx context.Context, productID int64, points []entity.PricePoint) error {
	series := entity.NormalizeSeries(points)
	if len(series) == 0 {
		return nil
	}
	name := fmt.Sprintf("product %d prices", productID)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO price (pid, date, price) VALUES (?, ?, ?)
			ON CONFLICT (pid, date) DO UPDATE SET price = excluded.price;
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range series {
			if _, err := stmt.ExecContext(ctx, productID, p.Date.Format(dateLayout), p.Price); err != nil {
				return err
			}
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
	err := s.db.QueryRowContext(ctx,
		`SELECT cid, name FROM category WHERE cid = ?;`, categoryID,
	).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(repository.ErrNotFound, "category %d", categoryID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read category %d", categoryID)
	}
	return &c, nil
}

// GetProduct returns a product by id.
func (s *Store) GetProduct(ctx context.Context, productID int64) (*entity.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pid, name, cid, datasheet FROM product WHERE pid = ?;`, productID)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(repository.ErrNotFound, "product %d", productID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read product %d", productID)
	}
	return p, nil
}

// ListProducts returns the products of a category ordered by id.
func (s *Store) ListProducts(ctx context.Context, categoryID int64) ([]entity.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pid, name, cid, datasheet FROM product WHERE cid = ? ORDER BY pid;`, categoryID)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(row scanner) (*entity.Product, error) {
	var p entity.Product
	var sheet sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.CategoryID, &sheet); err != nil {
		return nil, err
	}
	if sheet.Valid && sheet.String != "" {
		if err := json.Unmarshal([]byte(sheet.String), &p.Sheet); err != nil {
			return nil, errors.Wrapf(err, "failed to decode datasheet of product %d", p.ID)
		}
	}
	return &p, nil
}

// ListPriceObservations returns the stored series of a product ordered by date.
func (s *Store) ListPriceObservations(ctx context.Context, productID int64) ([]entity.PriceObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, price FROM price WHERE pid = ? ORDER BY date;`, productID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list prices of product %d", productID)
	}
	defer rows.Close()

	var out []entity.PriceObservation
	for rows.Next() {
		var date string
		obs := entity.PriceObservation{ProductID: productID}
		if err := rows.Scan(&date, &obs.Price); err != nil {
			return nil, errors.Wrap(err, "failed to scan price row")
		}
		d, err := time.Parse(dateLayout, date)
		if err != nil {
			return nil, errors.Wrapf(err, "bad stored date %q", date)
		}
		obs.Date = d
		out = append(out, obs)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate price rows")
}

// ReadLastObservedDates returns the newest stored price date of every product.
func (s *Store) ReadLastObservedDates(ctx context.Context) (map[int64]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, observed_at FROM freshness WHERE kind = ?;`, string(entity.KindProduct))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read last observed dates")
	}
	defer rows.Close()

	out := make(map[int64]time.Time)
	for rows.Next() {
		var id, observed int64
		if err := rows.Scan(&id, &observed); err != nil {
			return nil, errors.Wrap(err, "failed to scan freshness row")
		}
		out[id] = fromNanos(observed)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate freshness rows")
}
