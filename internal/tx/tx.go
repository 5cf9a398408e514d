package tx

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned by CanCommit when a concurrently committed
	// transaction changed one of the same keys.
	ErrConflict = errors.New("tx: write conflict")
	// ErrNotInProgress is returned when finishing a transaction the system
	// does not know about (already committed or aborted).
	ErrNotInProgress = errors.New("tx: transaction not in progress")
	// ErrActive is returned when starting a context that already has an
	// active transaction.
	ErrActive = errors.New("tx: transaction already active")
	// ErrInactive is returned when finishing a context without a transaction.
	ErrInactive = errors.New("tx: no active transaction")
)

// Transaction is a handle to an in-flight transaction.
type Transaction struct {
	ID        ID
	StartedAt time.Time
}

// Aware is implemented by components whose mutations must participate in a
// caller's transaction. Mutations are buffered between StartTx and CommitTx;
// RollbackTx discards them.
type Aware interface {
	// StartTx binds the participant to tx.
	StartTx(tx *Transaction)
	// TxChanges returns the keys this participant will write, used for
	// conflict detection.
	TxChanges() [][]byte
	// CommitTx persists buffered mutations. Called after conflict detection.
	CommitTx(ctx context.Context) error
	// PostTxCommit is called once the transaction system committed.
	PostTxCommit()
	// RollbackTx undoes whatever CommitTx may have persisted and drops
	// buffered state.
	RollbackTx(ctx context.Context) error
	// TxName identifies the participant in logs and errors.
	TxName() string
}

// System is the transaction coordinator client. The engine never starts or
// finishes transactions itself; callers drive a System through a Context.
type System interface {
	StartShort(ctx context.Context) (*Transaction, error)
	CanCommit(ctx context.Context, tx *Transaction, changes [][]byte) error
	Commit(ctx context.Context, tx *Transaction) error
	Abort(ctx context.Context, tx *Transaction) error
}
