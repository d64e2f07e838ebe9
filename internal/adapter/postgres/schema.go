package postgres

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Schema is the DDL of the store.
const Schema = `
CREATE TABLE IF NOT EXISTS category (
    cid  BIGINT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product (
    pid       BIGINT PRIMARY KEY,
    name      TEXT NOT NULL,
    cid       BIGINT NOT NULL REFERENCES category (cid) ON DELETE CASCADE ON UPDATE CASCADE,
    datasheet JSONB NULL
);
CREATE INDEX IF NOT EXISTS idx_product_category ON product (cid);

CREATE TABLE IF NOT EXISTS price (
    pid   BIGINT NOT NULL REFERENCES product (pid) ON DELETE CASCADE,
    date  DATE NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (pid, date)
);

CREATE TABLE IF NOT EXISTS freshness (
    kind        TEXT NOT NULL,
    entity_id   BIGINT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (kind, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_freshness_observed ON freshness (kind, observed_at);

CREATE TABLE IF NOT EXISTS update_run (
    kind       TEXT NOT NULL,
    entity_id  BIGINT NOT NULL,
    issued_at  TIMESTAMPTZ NOT NULL,
    resolution TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (kind, entity_id)
);
`

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return errors.Wrap(err, "failed to apply postgres schema")
	}
	return nil
}
