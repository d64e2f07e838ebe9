package sqlite

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Schema contains the DDL of the store. Timestamps are unix nanoseconds,
// price dates are ISO calendar dates.
const Schema = `
CREATE TABLE IF NOT EXISTS category (
    cid  INTEGER PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product (
    pid       INTEGER PRIMARY KEY,
    name      TEXT NOT NULL,
    cid       INTEGER NOT NULL,
    datasheet TEXT NULL,
    FOREIGN KEY (cid) REFERENCES category (cid)
        ON DELETE CASCADE
        ON UPDATE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_product_category ON product (cid);

CREATE TABLE IF NOT EXISTS price (
    pid   INTEGER NOT NULL,
    date  TEXT NOT NULL,
    price REAL NOT NULL,
    PRIMARY KEY (pid, date),
    FOREIGN KEY (pid) REFERENCES product (pid)
        ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS freshness (
    kind        TEXT NOT NULL,
    entity_id   INTEGER NOT NULL,
    observed_at INTEGER NOT NULL,
    PRIMARY KEY (kind, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_freshness_observed ON freshness (kind, observed_at);

CREATE TABLE IF NOT EXISTS update_run (
    kind       TEXT NOT NULL,
    entity_id  INTEGER NOT NULL,
    issued_at  INTEGER NOT NULL,
    resolution TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (kind, entity_id)
);
`

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return errors.Wrap(err, "failed to apply sqlite schema")
	}
	return nil
}
