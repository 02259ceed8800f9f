package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"price-ingest/internal/models"
	"price-ingest/internal/util"
)

// Tx is the transactional unit one file is reconciled in. Nothing it writes
// is visible to other files until WithTx commits.
type Tx struct {
	tx         *sqlx.Tx
	driver     string
	savepoints int
}

// WithTx runs fn in a transaction and commits when fn succeeds. Each attempt
// runs under the store's transaction timeout; fn must use the context it is
// handed. The whole unit is retried with backoff when it fails with a
// transient error. An attempt that runs out of time is rolled back and
// reported as a non-transient PersistenceError.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	onRetry := func(attempt int, err error) {
		util.PersistenceRetriesTotal.Inc()
		util.GetLogger().Warn("Retrying transaction",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}

	return util.Retry(ctx, s.retry, models.IsTransient, onRetry, func() error {
		actx, cancel := context.WithTimeout(ctx, s.txTimeout)
		defer cancel()

		err := s.attempt(actx, fn)
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return &models.PersistenceError{
				Op:  "transaction",
				Err: fmt.Errorf("no commit within %s: %w", s.txTimeout, context.DeadlineExceeded),
			}
		}
		return err
	})
}

func (s *Store) attempt(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &Tx{tx: tx, driver: s.driver}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Isolate runs fn behind a savepoint. When fn fails its writes are rolled
// back and the surrounding transaction stays usable.
func (t *Tx) Isolate(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return classify("savepoint", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return classify("rollback savepoint", rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return classify("release savepoint", relErr)
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return classify("release savepoint", err)
	}
	return nil
}

// lockClause is appended to reads of rows the transaction may update
func (t *Tx) lockClause() string {
	if t.driver == DriverSQLite {
		return ""
	}
	return " FOR UPDATE"
}

func (t *Tx) returning() bool {
	return t.driver != DriverMySQL
}
