package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/flowstream/internal/streamfile"
	"github.com/rzbill/flowstream/internal/tx"
)

// Bridge delivers everything from a legacy source before a new one. A poll
// that finds the legacy source empty, in a transaction that took nothing from
// it, returns an empty result even if the new source has events; later polls
// of that transaction read the new source. The switch holds only once the
// transaction commits. Both sources take part in each transaction.
type Bridge struct {
	legacy Poller
	next   Poller

	mu       sync.Mutex
	switched bool
	// switching and fromLegacy belong to the active transaction.
	switching  bool
	fromLegacy int
}

var _ Poller = (*Bridge)(nil)

// NewBridge chains legacy in front of next.
func NewBridge(legacy, next Poller) *Bridge {
	return &Bridge{legacy: legacy, next: next}
}

// Switched reports whether the legacy source has been exhausted.
func (b *Bridge) Switched() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.switched
}

func (b *Bridge) Poll(ctx context.Context, maxEvents int, timeout time.Duration) ([]streamfile.StreamEvent, error) {
	b.mu.Lock()
	onNext := b.switched || b.switching
	b.mu.Unlock()
	if onNext {
		return b.next.Poll(ctx, maxEvents, timeout)
	}
	// The legacy log receives no new writes, so there is nothing to wait for.
	events, err := b.legacy.Poll(ctx, maxEvents, 0)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) > 0 {
		b.fromLegacy += len(events)
		return events, nil
	}
	// Legacy events taken in this transaction may still be rolled back.
	if b.fromLegacy == 0 {
		b.switching = true
	}
	return nil, nil
}

func (b *Bridge) StartTx(t *tx.Transaction) {
	b.mu.Lock()
	b.resetTx()
	b.mu.Unlock()
	b.legacy.StartTx(t)
	b.next.StartTx(t)
}

func (b *Bridge) resetTx() {
	b.switching = false
	b.fromLegacy = 0
}

func (b *Bridge) TxChanges() [][]byte {
	return append(b.legacy.TxChanges(), b.next.TxChanges()...)
}

func (b *Bridge) CommitTx(ctx context.Context) error {
	if err := b.legacy.CommitTx(ctx); err != nil {
		return err
	}
	return b.next.CommitTx(ctx)
}

func (b *Bridge) PostTxCommit() {
	b.legacy.PostTxCommit()
	b.next.PostTxCommit()
	b.mu.Lock()
	b.switched = b.switched || b.switching
	b.resetTx()
	b.mu.Unlock()
}

func (b *Bridge) RollbackTx(ctx context.Context) error {
	err := errors.Join(b.legacy.RollbackTx(ctx), b.next.RollbackTx(ctx))
	b.mu.Lock()
	b.resetTx()
	b.mu.Unlock()
	return err
}

func (b *Bridge) TxName() string { return "bridge(" + b.next.TxName() + ")" }

func (b *Bridge) Close() error {
	return errors.Join(b.legacy.Close(), b.next.Close())
}
