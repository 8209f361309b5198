package store

import (
	"context"
	"database/sql"
	"fmt"

	"studychat/api/internal/notify"
)

// Tx is a database transaction that also collects after-commit hooks.
// Hooks run only after Commit succeeds and never inside the transaction.
type Tx struct {
	tx    *sql.Tx
	hooks notify.Hooks
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.tx.ExecContext(ctx, query, args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(ctx, query, args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(ctx, query, args...)
}

func (tx *Tx) AfterCommit(fn func()) {
	tx.hooks.AfterCommit(fn)
}

// RunInTx commits when fn returns nil and rolls back otherwise, including on
// panic. After-commit hooks are discarded on rollback or a failed commit.
func RunInTx(ctx context.Context, db *sql.DB, fn func(*Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin tx: %w", err))
	}
	tx := &Tx{tx: sqlTx}

	defer func() {
		if r := recover(); r != nil {
			_ = sqlTx.Rollback()
			tx.hooks.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		tx.hooks.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		tx.hooks.Rollback()
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	tx.hooks.Commit()
	return nil
}

// RecordEvent stores the ingestion marker for an event. It reports false
// when the same (kind, referenceId) was already ingested.
func (tx *Tx) RecordEvent(ctx context.Context, event notify.Event) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO ingested_events (kind, reference_id, study_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind, reference_id) DO NOTHING
	`, string(event.Kind), event.ReferenceID, event.StudyID)
	if err != nil {
		return false, classify(fmt.Errorf("record event: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record event rows: %w", err)
	}
	return affected == 1, nil
}
