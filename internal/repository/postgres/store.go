package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/repository"
)

// Store implements repository.Store on a connection pool.
type Store struct {
	queries
	db *DB
}

var _ repository.Store = (*Store)(nil)

// NewStore constructs a store over db.
func NewStore(db *DB) *Store {
	return &Store{queries: queries{q: db.Pool}, db: db}
}

// WithinTx runs fn in a read-committed transaction. Rows locked with
// FOR UPDATE inside fn stay locked until commit or rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(q repository.Queries) error) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(queries{q: tx})
}

// queries runs statements against the pool or an open transaction.
type queries struct{ q querier }

// notFound maps a missing row to errs.ErrNotFound and leaves other errors intact.
func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return err
}

// mustAffect reports errs.ErrNotFound when an UPDATE matched no row.
func mustAffect(n int64, err error, what string) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, errs.ErrNotFound)
	}
	return nil
}
