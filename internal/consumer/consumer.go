// Package consumer hands stream events to the instances of consumer groups.
//
// Each Consumer is one instance of a group and participates in the caller's
// transaction: Poll returns events inside a transaction, the transaction's
// commit persists the instance cursors and records the delivered positions as
// consumed, and an abort forgets the poll so the same events come back.
//
//	c, _ := factory.Create(ctx, "orders", consumer.Config{Group: "billing", Instances: 2})
//	txc := tx.NewContext(manager, c)
//	_ = txc.Start(ctx)
//	events, err := c.Poll(ctx, 100, time.Second)
//	...
//	_ = txc.Finish(ctx)
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/readfilter"
	"github.com/rzbill/flowstream/internal/streamfile"
	"github.com/rzbill/flowstream/internal/tx"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

// Phase is the position of a consumer in its transaction cycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePolling
	PhaseDelivered
	PhaseCommitting
	PhaseRollingBack
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePolling:
		return "POLLING"
	case PhaseDelivered:
		return "DELIVERED"
	case PhaseCommitting:
		return "COMMITTING"
	case PhaseRollingBack:
		return "ROLLING_BACK"
	default:
		return "UNKNOWN"
	}
}

// Poller is what callers drive inside a transaction. Consumer, LegacyConsumer
// and Bridge implement it.
type Poller interface {
	tx.Aware
	Poll(ctx context.Context, maxEvents int, timeout time.Duration) ([]streamfile.StreamEvent, error)
	Close() error
}

// Consumer is one instance of a consumer group over the stream files. It is
// meant to be driven by a single goroutine.
type Consumer struct {
	stream  string
	cfg     Config
	scfg    streamfile.StreamConfig
	group   state.GroupState
	files   *streamfile.Store
	st      state.Store
	owner   OwnerFunc
	ttl     readfilter.Filter
	cel     readfilter.Filter
	logger  logpkg.Logger
	metrics Metrics

	mu    sync.Mutex
	phase Phase
	tx    *tx.Transaction
	// committed mirrors the durable cursors of this instance.
	committed state.Cursors
	// pending and delivered are the progress of the active transaction.
	pending   state.Cursors
	delivered []state.Consumed
	// persisted is set between CommitTx and PostTxCommit so an abort after
	// persisting can revert it.
	persisted *state.CommitRequest
	readers   map[streamfile.FileID]*streamfile.FileReader
	closed    bool
}

var _ Poller = (*Consumer)(nil)

// Stream returns the stream name.
func (c *Consumer) Stream() string { return c.stream }

// Config returns the consumer config.
func (c *Consumer) Config() Config { return c.cfg }

// GroupState returns the group generation this consumer was created for.
func (c *Consumer) GroupState() state.GroupState { return c.group }

// Phase returns the current phase.
func (c *Consumer) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Poll returns up to maxEvents events owned by this instance that were not
// consumed by the group yet. It waits up to timeout for new events when none
// are available and returns an empty result when none arrive. Poll must be
// called inside a transaction.
func (c *Consumer) Poll(ctx context.Context, maxEvents int, timeout time.Duration) ([]streamfile.StreamEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.tx == nil {
		return nil, ErrNoTransaction
	}
	if maxEvents <= 0 {
		return nil, fmt.Errorf("consumer: maxEvents must be positive, got %d", maxEvents)
	}

	start := time.Now()
	c.phase = PhasePolling
	events, err := c.pollLocked(ctx, maxEvents, start.Add(timeout))
	c.phase = PhaseDelivered
	c.metrics.ObservePoll(c.stream, c.cfg.Group, len(events), time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Consumer) pollLocked(ctx context.Context, maxEvents int, deadline time.Time) ([]streamfile.StreamEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Take the signal before scanning so an append racing the scan
		// still wakes us.
		sig := c.files.AppendSignal(c.stream)
		events, err := c.scan(ctx, maxEvents)
		if err != nil || len(events) > 0 {
			return events, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(remaining)
		select {
		case <-sig:
			t.Stop()
		case <-t.C:
			return nil, nil
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
}

// scan reads every file once from the instance cursors and collects up to
// maxEvents accepted events. Progress is applied to the transaction state
// only if the whole scan succeeds.
func (c *Consumer) scan(ctx context.Context, maxEvents int) ([]streamfile.StreamEvent, error) {
	files, err := c.files.ListFiles(c.stream, c.scfg.FilePrefix)
	if err != nil {
		return nil, err
	}
	cutoff, expires := readfilter.Cutoff(c.ttl)

	var scanErr error
	consumed := readfilter.Func(func(ev streamfile.StreamEvent) readfilter.Verdict {
		ok, err := c.st.IsConsumed(ctx, c.stream, c.cfg.Group, ev.Offset.Position())
		if err != nil {
			scanErr = err
			return readfilter.SkipFile
		}
		if ok {
			return readfilter.SkipEntry
		}
		return readfilter.Accept
	})
	owned := readfilter.Func(func(ev streamfile.StreamEvent) readfilter.Verdict {
		if c.owner(ev) != c.cfg.Instance {
			return readfilter.SkipEntry
		}
		return readfilter.Accept
	})
	filter := readfilter.And(owned, consumed, c.ttl, c.cel)

	pending := c.pending.Clone()
	var out []streamfile.StreamEvent
	var delivered []state.Consumed
	for _, f := range files {
		if len(out) >= maxEvents {
			break
		}
		if expires && f.PartitionEnd() <= cutoff {
			c.dropReader(f)
			continue
		}
		from, err := c.startOffset(pending, f, cutoff, expires)
		if err != nil {
			return nil, err
		}
		r, err := c.reader(from)
		if err != nil {
			return nil, err
		}
		skipped := false
		for len(out) < maxEvents {
			ev, err := r.Next()
			if errors.Is(err, streamfile.ErrNoData) {
				break
			}
			if err != nil {
				c.dropReader(f)
				return nil, err
			}
			v := filter.Check(ev)
			if scanErr != nil {
				c.dropReader(f)
				return nil, scanErr
			}
			if v == readfilter.SkipFile {
				// Resume at this event next time; the reader is past it.
				c.dropReader(f)
				if ev.Offset.Pos > from.Pos {
					pending.Advance(f, state.Cursor{Pos: ev.Offset.Pos, Seq: ev.Offset.Seq})
				}
				skipped = true
				break
			}
			if v == readfilter.Accept {
				out = append(out, ev)
				delivered = append(delivered, state.Consumed{Position: ev.Offset.Position(), Next: r.Offset().Pos})
			}
		}
		if !skipped {
			if off := r.Offset(); off.Pos > 0 {
				pending.Advance(f, state.Cursor{Pos: off.Pos, Seq: off.Seq})
			}
		}
	}
	c.pending = pending
	c.delivered = append(c.delivered, delivered...)
	return out, nil
}

// startOffset is where this instance resumes reading f: its progress in the
// active transaction, else its committed cursor, else the first event that
// may still be inside the TTL window.
func (c *Consumer) startOffset(pending state.Cursors, f streamfile.FileID, cutoff int64, expires bool) (streamfile.Offset, error) {
	if cur, ok := pending[f]; ok {
		return cur.Offset(f), nil
	}
	if cur, ok := c.committed[f]; ok {
		return cur.Offset(f), nil
	}
	if expires {
		return c.files.SeekTime(c.stream, c.scfg.FilePrefix, f, cutoff)
	}
	return streamfile.Offset{File: f}, nil
}

func (c *Consumer) reader(from streamfile.Offset) (*streamfile.FileReader, error) {
	if r, ok := c.readers[from.File]; ok {
		if r.Offset() == from {
			return r, nil
		}
		c.dropReader(from.File)
	}
	r, err := c.files.OpenFileReader(c.stream, c.scfg.FilePrefix, from)
	if err != nil {
		return nil, err
	}
	c.readers[from.File] = r
	return r, nil
}

func (c *Consumer) dropReader(f streamfile.FileID) {
	if r, ok := c.readers[f]; ok {
		_ = r.Close()
		delete(c.readers, f)
	}
}

func (c *Consumer) StartTx(t *tx.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx = t
	c.pending = state.Cursors{}
	c.delivered = nil
	c.persisted = nil
	c.phase = PhaseIdle
}

// TxChanges returns one key per delivered position so that two transactions
// delivering the same position conflict.
func (c *Consumer) TxChanges() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, 0, len(c.delivered))
	prefix := c.stream + "/" + c.cfg.Group + "/"
	for _, d := range c.delivered {
		out = append(out, d.Position.AppendKey([]byte(prefix)))
	}
	return out
}

// CommitTx persists the cursors and delivered positions of the transaction.
func (c *Consumer) CommitTx(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return ErrNoTransaction
	}
	c.phase = PhaseCommitting
	if len(c.pending) == 0 && len(c.delivered) == 0 {
		return nil
	}
	req := state.CommitRequest{
		Generation: c.group.Generation,
		Instance:   c.cfg.Instance,
		Cursors:    c.pending,
		Consumed:   c.delivered,
	}
	err := c.st.Commit(ctx, c.stream, c.cfg.Group, req)
	c.metrics.ObserveCommit(c.stream, c.cfg.Group, len(c.delivered), err)
	if err != nil {
		if errors.Is(err, ErrConsistency) {
			c.logger.Error("position delivered twice", logpkg.Err(err))
		}
		return err
	}
	c.persisted = &req
	return nil
}

func (c *Consumer) PostTxCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for f, cur := range c.pending {
		c.committed.Advance(f, cur)
	}
	c.resetTx()
}

// RollbackTx forgets the progress of the transaction, reverting it in the
// state store if CommitTx already persisted it.
func (c *Consumer) RollbackTx(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = PhaseRollingBack
	var err error
	if c.persisted != nil {
		err = c.st.Revert(ctx, c.stream, c.cfg.Group, *c.persisted, c.committed.Clone())
	}
	// Readers may be ahead of the cursors now; they are reopened on demand.
	c.metrics.ObserveRollback(c.stream, c.cfg.Group)
	c.resetTx()
	return err
}

func (c *Consumer) resetTx() {
	c.tx = nil
	c.pending = state.Cursors{}
	c.delivered = nil
	c.persisted = nil
	c.phase = PhaseIdle
}

func (c *Consumer) TxName() string {
	return fmt.Sprintf("consumer %s/%s#%d", c.stream, c.cfg.Group, c.cfg.Instance)
}

// Close releases open files. Progress of an unfinished transaction is lost,
// as if it aborted.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for f, r := range c.readers {
		errs = append(errs, r.Close())
		delete(c.readers, f)
	}
	return errors.Join(errs...)
}
