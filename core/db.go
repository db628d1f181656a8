package core

import (
	"context"
)

type (
	// DB is the database handle the apps keep for health checks & shutdown.
	DB interface {
		PingContext(ctx context.Context) error
		Close() error
	}

	DBTransactor interface {
		Commit() error
		Rollback() error
	}
)

// WithinTx runs fn in a new transaction, rolling back if fn (or the commit) fails.
func WithinTx[T DBTransactor](ctx context.Context, begin func(context.Context) (T, error), fn func(tx T) error) (err error) {
	tx, err := begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
