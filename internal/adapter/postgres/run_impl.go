package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/user/price-tracker/internal/entity"
	"github.com/user/price-tracker/internal/repository"
)

const insertRunQuery = `
	INSERT INTO update_run (kind, entity_id, issued_at, resolution)
	VALUES ($1, $2, $3, $4)
`

func runError(run entity.UpdateRun, err error) error {
	if isUniqueViolation(err) {
		return errors.WithStack(&repository.DuplicateRunError{Kind: run.Kind, EntityID: run.EntityID})
	}
	return errors.Wrapf(err, "failed to create run for %s %d", run.Kind, run.EntityID)
}

// Create admits a single run.
func (s *Store) Create(ctx context.Context, run entity.UpdateRun) error {
	_, err := s.db.Exec(ctx, insertRunQuery,
		string(run.Kind), run.EntityID, entity.RunClock(run.IssuedAt), run.Resolution)
	if err != nil {
		return runError(run, err)
	}
	return nil
}

// CreateBatch admits runs in chunks of batchSize. Each chunk is sent as one
// pgx batch inside its own transaction; earlier chunks stay committed when a
// later one fails.
func (s *Store) CreateBatch(ctx context.Context, runs []entity.UpdateRun, batchSize int) error {
	if batchSize <= 0 {
		batchSize = len(runs)
	}
	for start := 0; start < len(runs); start += batchSize {
		chunk := runs[start:min(start+batchSize, len(runs))]

		err := s.withTx(ctx, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			for _, run := range chunk {
				batch.Queue(insertRunQuery,
					string(run.Kind), run.EntityID, entity.RunClock(run.IssuedAt), run.Resolution)
			}
			br := tx.SendBatch(ctx, batch)
			for _, run := range chunk {
				if _, err := br.Exec(); err != nil {
					br.Close()
					return runError(run, err)
				}
			}
			return br.Close()
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
	query := `
		SELECT entity_id, issued_at, resolution
		FROM update_run
		WHERE kind = $1
		ORDER BY issued_at ASC, entity_id ASC;
	`
	rows, err := s.db.Query(ctx, query, string(kind))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s runs", kind)
	}
	defer rows.Close()

	var runs []entity.UpdateRun
	for rows.Next() {
		run := entity.UpdateRun{Kind: kind}
		if err := rows.Scan(&run.EntityID, &run.IssuedAt, &run.Resolution); err != nil {
			return nil, errors.Wrap(err, "failed to scan run row")
		}
		run.IssuedAt = run.IssuedAt.UTC()
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "failed to iterate run rows")
}

// Delete retires the run issued at issuedAt. Absent runs are ignored.
func (s *Store) Delete(ctx context.Context, kind entity.EntityKind, entityID int64, issuedAt time.Time) error {
	query := `DELETE FROM update_run WHERE kind = $1 AND entity_id = $2 AND issued_at = $3;`
	_, err := s.db.Exec(ctx, query, string(kind), entityID, entity.RunClock(issuedAt))
	return errors.Wrapf(err, "failed to delete run for %s %d", kind, entityID)
}
