// Package postgres stores repository records in a single Postgres table,
// one row per item, namespaced by kind.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/hghs/internal/db"
	"github.com/lalith-99/hghs/internal/repository"
)

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS hghs_items (
		kind       text        NOT NULL,
		id         text        NOT NULL,
		seq        bigserial,
		unique_key text,
		data       jsonb       NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (kind, id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS hghs_items_unique_key
		ON hghs_items (kind, unique_key) WHERE unique_key IS NOT NULL;`

const uniqueViolation = "23505"

// ItemStore is the Backend for one kind.
type ItemStore struct {
	pool *pgxpool.Pool
	kind string
}

var _ repository.Backend = (*ItemStore)(nil)

func NewItemStore(pool *pgxpool.Pool, kind string) *ItemStore {
	return &ItemStore{pool: pool, kind: kind}
}

// Initialize creates the table if needed. Every kind shares it.
func (s *ItemStore) Initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Create holds a transaction-scoped advisory lock on the kind so the
// existence check and the insert cannot interleave with another writer,
// including writers in other processes.
func (s *ItemStore) Create(ctx context.Context, rec repository.Record) error {
	return s.withKindLock(ctx, func(tx pgx.Tx) error {
		var taken bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM hghs_items
				WHERE kind = $1 AND (id = $2 OR ($3::text <> '' AND unique_key = $3::text))
			)`, s.kind, rec.ID, rec.Unique).Scan(&taken)
		if err != nil {
			return fmt.Errorf("check existing item: %w", err)
		}
		if taken {
			return repository.ErrConflict
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO hghs_items (kind, id, unique_key, data)
			VALUES ($1, $2, NULLIF($3::text, ''), $4::jsonb)`,
			s.kind, rec.ID, rec.Unique, string(rec.Data))
		if err != nil {
			return mapWriteError("insert item", err)
		}
		return nil
	})
}

func (s *ItemStore) Get(ctx context.Context, id string) (repository.Record, error) {
	query := `
		SELECT id, COALESCE(unique_key, ''), data::text
		FROM hghs_items
		WHERE kind = $1 AND id = $2`

	var (
		rec  repository.Record
		data string
	)
	err := s.pool.QueryRow(ctx, query, s.kind, id).Scan(&rec.ID, &rec.Unique, &data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Record{}, repository.ErrNotFound
		}
		return repository.Record{}, fmt.Errorf("get item: %w", err)
	}
	rec.Data = []byte(data)
	return rec, nil
}

func (s *ItemStore) List(ctx context.Context) ([]repository.Record, error) {
	query := `
		SELECT id, COALESCE(unique_key, ''), data::text
		FROM hghs_items
		WHERE kind = $1
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, query, s.kind)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	recs := make([]repository.Record, 0)
	for rows.Next() {
		var (
			rec  repository.Record
			data string
		)
		if err := rows.Scan(&rec.ID, &rec.Unique, &data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		rec.Data = []byte(data)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return recs, nil
}

func (s *ItemStore) Update(ctx context.Context, rec repository.Record) error {
	return s.withKindLock(ctx, func(tx pgx.Tx) error {
		if rec.Unique != "" {
			var taken bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM hghs_items
					WHERE kind = $1 AND unique_key = $2 AND id <> $3
				)`, s.kind, rec.Unique, rec.ID).Scan(&taken)
			if err != nil {
				return fmt.Errorf("check unique key: %w", err)
			}
			if taken {
				return repository.ErrConflict
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE hghs_items
			SET unique_key = NULLIF($3::text, ''), data = $4::jsonb, updated_at = now()
			WHERE kind = $1 AND id = $2`,
			s.kind, rec.ID, rec.Unique, string(rec.Data))
		if err != nil {
			return mapWriteError("update item", err)
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

func (s *ItemStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hghs_items WHERE kind = $1 AND id = $2`, s.kind, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// withKindLock runs fn in a transaction that holds the kind's advisory lock.
//
// Why an advisory lock and not SELECT ... FOR UPDATE?
// The conflict Create guards against is a row that does not exist yet, and
// there is nothing to lock on a missing row. The unique index still backs
// this up: mapWriteError turns a violation that slips through into
// ErrConflict. The lock is xact-scoped, so it is released on commit or
// rollback and a crashed request cannot leave it held.
func (s *ItemStore) withKindLock(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.kind); err != nil {
		return fmt.Errorf("lock kind %s: %w", s.kind, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapWriteError("commit", err)
	}
	return nil
}

func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return repository.ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Driver serves every kind from one pool.
type Driver struct {
	database *db.DB
}

var (
	_ repository.Driver        = (*Driver)(nil)
	_ repository.HealthChecker = (*Driver)(nil)
)

func NewDriver(database *db.DB) *Driver {
	return &Driver{database: database}
}

func (d *Driver) Name() string { return "postgres" }

func (d *Driver) Backend(kind string) repository.Backend {
	return NewItemStore(d.database.Pool(), kind)
}

// Health pings the pool.
func (d *Driver) Health(ctx context.Context) error {
	return d.database.Health(ctx)
}

func (d *Driver) Close() error {
	d.database.Close()
	return nil
}
