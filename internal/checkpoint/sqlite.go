package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run        TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (run, key)
);`

// SQLiteBackend keeps every run's artifacts in one checkpoints table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and migrates) the checkpoint database at dsn.
func NewSQLiteBackend(ctx context.Context, dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: open sqlite")
	}
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "checkpoint: init sqlite")
		}
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Open(_ context.Context, run string) (Store, error) {
	if err := validateRun(run); err != nil {
		return nil, err
	}
	return &sqliteStore{db: b.db, run: run}, nil
}

func (b *SQLiteBackend) Runs(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, "SELECT DISTINCT run FROM checkpoints ORDER BY run")
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []string
	for rows.Next() {
		var run string
		if err := rows.Scan(&run); err != nil {
			return nil, eris.Wrap(err, "checkpoint: scan run")
		}
		runs = append(runs, run)
	}
	return runs, eris.Wrap(rows.Err(), "checkpoint: list runs")
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// sqliteStore is a per-run view; the backend owns the connection.
type sqliteStore struct {
	db  *sql.DB
	run string
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM checkpoints WHERE run = ? AND key = ?", s.run, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "checkpoint: get %s", key)
	}
	return value, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (run, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.run, key, value, time.Now().UTC(),
	)
	return eris.Wrapf(err, "checkpoint: put %s", key)
}

func (s *sqliteStore) Contains(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM checkpoints WHERE run = ? AND key = ?", s.run, key,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrapf(err, "checkpoint: contains %s", key)
	}
	return n > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	q := sq.Select("key").From("checkpoints").Where(sq.Eq{"run": s.run}).OrderBy("key")
	if prefix != "" {
		q = q.Where("substr(key, 1, ?) = ?", len(prefix), prefix)
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: build keys query")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list keys")
	}
	defer rows.Close() //nolint:errcheck

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "checkpoint: scan key")
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, eris.Wrap(rows.Err(), "checkpoint: list keys")
}

func (s *sqliteStore) Close() error { return nil }
