package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultMaxTxAttempts = 5

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type Postgres struct {
	Pool          *pgxpool.Pool
	MaxTxAttempts uint
}

func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{Pool: pool, MaxTxAttempts: defaultMaxTxAttempts}
}

// RunTx runs fn in a transaction and re-runs it from scratch on
// serialization failures and deadlocks.
func (s *Postgres) RunTx(ctx context.Context, fn TxFunc) error {
	attempts := s.MaxTxAttempts
	if attempts == 0 {
		attempts = defaultMaxTxAttempts
	}
	op := func() (struct{}, error) {
		err := pgx.BeginTxFunc(ctx, s.Pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
			return fn(ctx, &pgTx{q: tx})
		})
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newTxBackOff()),
		backoff.WithMaxTries(attempts),
	)
	return err
}

func newTxBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

type pgTx struct {
	q querier
}
