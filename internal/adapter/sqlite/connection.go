// Package sqlite implements the persistent store on SQLite.
//
// The database is opened in WAL mode with foreign keys enforced on every
// pooled connection. The pool is capped at one connection: SQLite allows a
// single writer, and serialising in the pool keeps transactions from
// contending on the file lock.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// BusyTimeoutMS is how long a connection waits on a locked database.
const BusyTimeoutMS = 5000

// DSN builds the go-sqlite3 connection string for path.
func DSN(path string) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprint(BusyTimeoutMS))
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the SQLite database at path and verifies the connection.
func Open(path string, logger *zap.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sqlite database %s", path)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to ping sqlite database %s", path)
	}

	logger.Info("sqlite database opened",
		zap.String("path", path),
		zap.Bool("wal_mode", true),
		zap.Bool("foreign_keys", true),
	)
	return db, nil
}
