// Package pgstore implements the document store over PostgreSQL, the
// backend used in hosted mode. Documents live in a single JSONB table
// keyed by (collection, key).
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// pq is the PostgreSQL driver for database/sql.
	_ "github.com/lib/pq"

	apierrors "github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/store"
)

// Store is the PostgreSQL-backed document store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Connect opens a connection pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate creates the documents and counters tables when absent.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, key)
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BIGINT NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (collection, key)
		)`,
		`CREATE INDEX IF NOT EXISTS counters_expiry ON counters (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, collection, key string, out any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, key, apierrors.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, doc, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (collection, key)
		 DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		collection, key, raw,
	)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, collection, key string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, key, doc)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (collection, key) DO NOTHING`,
		collection, key, raw,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, apierrors.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, key, apierrors.ErrNotFound)
	}
	return nil
}

func (s *Store) Increment(ctx context.Context, collection, key string, ttl time.Duration) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO counters (collection, key, value, expires_at)
		 VALUES ($1, $2, 1, now() + $3::interval)
		 ON CONFLICT (collection, key)
		 DO UPDATE SET value = counters.value + 1
		 RETURNING value`,
		collection, key, fmt.Sprintf("%f seconds", ttl.Seconds()),
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	// Opportunistic cleanup of expired windows.
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM counters WHERE collection = $1 AND expires_at < now()`,
		collection,
	)
	return value, nil
}

func (s *Store) Scan(ctx context.Context, collection string, fn func(key string, raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, doc FROM documents WHERE collection = $1 ORDER BY key`,
		collection,
	)
	if err != nil {
		return fmt.Errorf("scan collection: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if err := fn(key, raw); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("scan collection: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
