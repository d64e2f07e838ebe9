package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/user/price-tracker/internal/entity"
)

// execer is satisfied by the pool and by pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertFreshnessQuery = `
	INSERT INTO freshness (kind, entity_id, observed_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (kind, entity_id) DO UPDATE SET
		observed_at = GREATEST(freshness.observed_at, EXCLUDED.observed_at);
`

func recordObserved(ctx context.Context, ex execer, kind entity.EntityKind, entityID int64, ts time.Time) error {
	if _, err := ex.Exec(ctx, upsertFreshnessQuery, string(kind), entityID, ts.UTC()); err != nil {
		return errors.Wrapf(err, "failed to record observation of %s %d", kind, entityID)
	}
	return nil
}

// RecordObserved advances the freshness of an entity to max(stored, ts).
func (s *Store) RecordObserved(ctx context.Context, kind entity.EntityKind, entityID int64, ts time.Time) error {
	return recordObserved(ctx, s.db, kind, entityID, ts)
}

// Age returns how long ago the entity was last observed.
func (s *Store) Age(ctx context.Context, kind entity.EntityKind, entityID int64, now time.Time) (time.Duration, error) {
	var observed time.Time
	err := s.db.QueryRow(ctx,
		`SELECT observed_at FROM freshness WHERE kind = $1 AND entity_id = $2;`,
		string(kind), entityID,
	).Scan(&observed)
	if errors.Is(err, pgx.ErrNoRows) {
		return entity.InfiniteAge, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read freshness of %s %d", kind, entityID)
	}
	return entity.AgeAt(observed.UTC(), now), nil
}

func entityTable(kind entity.EntityKind) (string, string, error) {
	switch kind {
	case entity.KindCategory:
		return "category", "cid", nil
	case entity.KindProduct:
		return "product", "pid", nil
	default:
		return "", "", errors.Newf("unknown entity kind %q", kind)
	}
}

// ListAges returns every known entity of the kind, oldest observation first.
func (s *Store) ListAges(ctx context.Context, kind entity.EntityKind, now time.Time) ([]entity.Staleness, error) {
	table, idCol, err := entityTable(kind)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT e.%[2]s, f.observed_at
		FROM %[1]s e
		LEFT JOIN freshness f ON f.kind = $1 AND f.entity_id = e.%[2]s
		ORDER BY f.observed_at ASC NULLS FIRST, e.%[2]s ASC;
	`, table, idCol)

	rows, err := s.db.Query(ctx, query, string(kind))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s ages", kind)
	}
	defer rows.Close()

	var out []entity.Staleness
	for rows.Next() {
		var id int64
		var observed *time.Time
		if err := rows.Scan(&id, &observed); err != nil {
			return nil, errors.Wrap(err, "failed to scan freshness row")
		}
		var last time.Time
		if observed != nil {
			last = observed.UTC()
		}
		out = append(out, entity.NewStaleness(kind, id, last, now))
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate freshness rows")
}
