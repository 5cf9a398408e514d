package tx

import (
	"context"
	"errors"
	"fmt"
)

// Context drives one transaction at a time across a fixed set of participants.
//
//	txc := tx.NewContext(system, consumer)
//	_ = txc.Start(ctx)
//	events, err := consumer.Poll(ctx, 10, time.Second)
//	if err != nil { _ = txc.Abort(ctx); return err }
//	return txc.Finish(ctx)
type Context struct {
	system       System
	participants []Aware
	current      *Transaction
}

// NewContext creates a Context over the given participants.
func NewContext(system System, participants ...Aware) *Context {
	return &Context{system: system, participants: participants}
}

// AddParticipant registers another participant. It must be called between
// transactions.
func (c *Context) AddParticipant(p Aware) error {
	if c.current != nil {
		return ErrActive
	}
	c.participants = append(c.participants, p)
	return nil
}

// Current returns the active transaction or nil.
func (c *Context) Current() *Transaction { return c.current }

// Start begins a new transaction and binds every participant to it.
func (c *Context) Start(ctx context.Context) error {
	if c.current != nil {
		return ErrActive
	}
	t, err := c.system.StartShort(ctx)
	if err != nil {
		return err
	}
	c.current = t
	for _, p := range c.participants {
		p.StartTx(t)
	}
	return nil
}

// Finish runs conflict detection, persists participant changes and commits.
// On any failure the transaction is rolled back and aborted, and the original
// error is returned.
func (c *Context) Finish(ctx context.Context) error {
	if c.current == nil {
		return ErrInactive
	}
	var changes [][]byte
	for _, p := range c.participants {
		changes = append(changes, p.TxChanges()...)
	}
	if err := c.system.CanCommit(ctx, c.current, changes); err != nil {
		return c.abortWith(ctx, err)
	}
	for _, p := range c.participants {
		if err := p.CommitTx(ctx); err != nil {
			return c.abortWith(ctx, fmt.Errorf("persist %s: %w", p.TxName(), err))
		}
	}
	if err := c.system.Commit(ctx, c.current); err != nil {
		return c.abortWith(ctx, err)
	}
	for _, p := range c.participants {
		p.PostTxCommit()
	}
	c.current = nil
	return nil
}

// Abort rolls back every participant and aborts the transaction.
func (c *Context) Abort(ctx context.Context) error {
	if c.current == nil {
		return ErrInactive
	}
	return c.abortWith(ctx, nil)
}

func (c *Context) abortWith(ctx context.Context, cause error) error {
	errs := []error{cause}
	for _, p := range c.participants {
		if err := p.RollbackTx(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", p.TxName(), err))
		}
	}
	if err := c.system.Abort(ctx, c.current); err != nil {
		errs = append(errs, err)
	}
	c.current = nil
	return errors.Join(errs...)
}
