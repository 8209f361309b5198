package notify

import (
	"context"
	"fmt"
	"sync"
)

// EventTx is one transaction of the event ledger.
type EventTx interface {
	AfterCommitter
	// RecordEvent reports false when (kind, referenceId) was already ingested.
	RecordEvent(ctx context.Context, event Event) (bool, error)
}

// Ledger runs fn in a transaction. After-commit hooks registered on the tx
// run only if fn returns nil and the commit succeeds.
type Ledger interface {
	InEventTx(ctx context.Context, fn func(EventTx) error) error
}

// Feed ingests events delivered by the surrounding platform. Each event is
// recorded once; redeliveries are acknowledged without a second notice.
type Feed struct {
	ledger Ledger
	bridge *Bridge
}

func NewFeed(ledger Ledger, bridge *Bridge) *Feed {
	return &Feed{ledger: ledger, bridge: bridge}
}

// Ingest reports whether the event was new.
func (f *Feed) Ingest(ctx context.Context, event Event) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}
	fresh := false
	err := f.ledger.InEventTx(ctx, func(tx EventTx) error {
		recorded, err := tx.RecordEvent(ctx, event)
		if err != nil {
			return err
		}
		if !recorded {
			return nil
		}
		fresh = true
		return f.bridge.Raise(tx, event)
	})
	if err != nil {
		return false, fmt.Errorf("ingest event: %w", err)
	}
	return fresh, nil
}

type eventKey struct {
	kind        EventKind
	referenceID int64
}

// MemoryLedger is the in-process Ledger used with STORE_DRIVER=memory.
type MemoryLedger struct {
	mu   sync.Mutex
	seen map[eventKey]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: map[eventKey]struct{}{}}
}

type memoryTx struct {
	*Hooks
	ledger  *MemoryLedger
	pending []eventKey
}

func (tx *memoryTx) RecordEvent(_ context.Context, event Event) (bool, error) {
	key := eventKey{kind: event.Kind, referenceID: event.ReferenceID}
	if _, ok := tx.ledger.seen[key]; ok {
		return false, nil
	}
	for _, pending := range tx.pending {
		if pending == key {
			return false, nil
		}
	}
	tx.pending = append(tx.pending, key)
	return true, nil
}

func (l *MemoryLedger) InEventTx(_ context.Context, fn func(EventTx) error) error {
	tx := &memoryTx{Hooks: &Hooks{}, ledger: l}

	l.mu.Lock()
	err := fn(tx)
	if err != nil {
		l.mu.Unlock()
		tx.Rollback()
		return err
	}
	for _, key := range tx.pending {
		l.seen[key] = struct{}{}
	}
	l.mu.Unlock()

	tx.Commit()
	return nil
}
