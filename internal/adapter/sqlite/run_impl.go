package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
)

const insertRunQuery = `
	INSERT INTO update_run (kind, entity_id, issued_at, resolution)
	VALUES (?, ?, ?, ?);
`

// Create admits a single run.
func (s *Store) Create(ctx context.Context, run entity.UpdateRun) error {
	_, err := s.db.ExecContext(ctx, insertRunQuery,
		string(run.Kind), run.EntityID, toNanos(entity.RunClock(run.IssuedAt)), run.Resolution)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithStack(&repository.DuplicateRunError{Kind: run.Kind, EntityID: run.EntityID})
		}
		return errors.Wrapf(err, "failed to create run for %s %d", run.Kind, run.EntityID)
	}
	return nil
}

// CreateBatch admits runs in chunks of batchSize, each chunk in one transaction.
// A failing chunk leaves the earlier chunks committed.
func (s *Store) CreateBatch(ctx context.Context, runs []entity.UpdateRun, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(runs)
	}
	for start := 0; start < len(runs); start += batchSize {
		end := min(start+batchSize, len(runs))
		chunk := runs[start:end]

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insertRunQuery)
			if err != nil {
				return errors.Wrap(err, "failed to prepare run insert")
			}
			defer stmt.Close()

			for _, run := range chunk {
				_, err := stmt.ExecContext(ctx,
					string(run.Kind), run.EntityID, toNanos(entity.RunClock(run.IssuedAt)), run.Resolution)
				if err != nil {
					if isUniqueViolation(err) {
						return errors.WithStack(&repository.DuplicateRunError{Kind: run.Kind, EntityID: run.EntityID})
					}
					return errors.Wrapf(err, "failed to create run for %s %d", run.Kind, run.EntityID)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Debug("run chunk committed", zap.Int("offset", start), zap.Int("size", len(chunk)))
	}
	return nil
}

// ListActive returns the runs of a kind ordered by issue time, then entity id.
func (s *Store) ListActive(ctx context.Context, kind entity.EntityKind) ([]entity.UpdateRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, issued_at, resolution
		FROM update_run
		WHERE kind = ?
		ORDER BY issued_at ASC, entity_id ASC;
	`, string(kind))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s runs", kind)
	}
	defer rows.Close()

	var out []entity.UpdateRun
	for rows.Next() {
		run := entity.UpdateRun{Kind: kind}
		var issued int64
		if err := rows.Scan(&run.EntityID, &issued, &run.Resolution); err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}
		run.IssuedAt = fromNanos(issued)
		out = append(out, run)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate run rows")
}

// Delete retires the run issued at issuedAt. Absent runs are ignored.
func (s *Store) Delete(ctx context.Context, kind entity.EntityKind, entityID int64, issuedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM update_run WHERE kind = ? AND entity_id = ? AND issued_at = ?;`,
		string(kind), entityID, toNanos(entity.RunClock(issuedAt)))
	if err != nil {
		return errors.Wrapf(err, "failed to delete run for %s %d", kind, entityID)
	}
	return nil
}
