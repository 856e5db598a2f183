package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps all tables in a single documents table keyed by
// (tbl, key). Version checks are part of each statement's WHERE clause so a
// concurrent writer always observes a conflict instead of overwriting.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on top of an existing pool. The schema is
// created by Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const (
	selectDocumentSQL = `SELECT version, body FROM documents WHERE tbl = $1 AND key = $2`
	listDocumentsSQL  = `SELECT key, version, body FROM documents WHERE tbl = $1 AND starts_with(key, $2) ORDER BY key COLLATE "C"`
	upsertDocumentSQL = `INSERT INTO documents (tbl, key, version, body, updated_at) VALUES ($1, $2, 1, $3, now())
ON CONFLICT (tbl, key) DO UPDATE SET version = documents.version + 1, body = EXCLUDED.body, updated_at = now()`
	insertDocumentSQL = `INSERT INTO documents (tbl, key, version, body, updated_at) VALUES ($1, $2, 1, $3, now())
ON CONFLICT (tbl, key) DO NOTHING`
	updateDocumentSQL = `UPDATE documents SET version = version + 1, body = $3, updated_at = now()
WHERE tbl = $1 AND key = $2 AND version = $4`
	deleteDocumentSQL          = `DELETE FROM documents WHERE tbl = $1 AND key = $2`
	deleteDocumentVersionedSQL = `DELETE FROM documents WHERE tbl = $1 AND key = $2 AND version = $3`
)

func (s *PostgresStore) Get(ctx context.Context, table, key string) (Item, error) {
	item := Item{Key: key}
	err := s.pool.QueryRow(ctx, selectDocumentSQL, table, key).Scan(&item.Version, &item.Value)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	if err != nil {
		return Item{}, fmt.Errorf("select %s/%s: %w", table, key, err)
	}
	return item, nil
}

func (s *PostgresStore) List(ctx context.Context, table, prefix string) ([]Item, error) {
	rows, err := s.pool.Query(ctx, listDocumentsSQL, table, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Item, error) {
		var item Item
		err := row.Scan(&item.Key, &item.Version, &item.Value)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	return items, nil
}

func (s *PostgresStore) Apply(ctx context.Context, ops ...Op) error {
	if err := checkBatch(ops); err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, op := range ops {
		if err := applyOp(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func applyOp(ctx context.Context, tx pgx.Tx, op Op) error {
	var (
		tag     pgconn.CommandTag
		err     error
		checked = true
	)

	switch {
	case op.Delete && op.ExpectVersion > 0:
		tag, err = tx.Exec(ctx, deleteDocumentVersionedSQL, op.Table, op.Key, op.ExpectVersion)
	case op.Delete:
		tag, err = tx.Exec(ctx, deleteDocumentSQL, op.Table, op.Key)
		checked = false
	case op.ExpectVersion == AnyVersion:
		tag, err = tx.Exec(ctx, upsertDocumentSQL, op.Table, op.Key, op.Value)
		checked = false
	case op.ExpectVersion == MustNotExist:
		tag, err = tx.Exec(ctx, insertDocumentSQL, op.Table, op.Key, op.Value)
	default:
		tag, err = tx.Exec(ctx, updateDocumentSQL, op.Table, op.Key, op.Value, op.ExpectVersion)
	}
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", op.Table, op.Key, err)
	}
	if checked && tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s expected %d", ErrConflict, op.Table, op.Key, op.ExpectVersion)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}
