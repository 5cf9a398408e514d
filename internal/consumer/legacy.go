package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/eventlog"
	"github.com/rzbill/flowstream/internal/streamfile"
	"github.com/rzbill/flowstream/internal/tx"
)

// LegacyFile is the file id under which progress over the legacy log is kept
// in the consumer state. Stream files always have a positive partition
// duration, so it never names a real file.
var LegacyFile = streamfile.FileID{}

// legacyPosition is the position of legacy entry seq. Sequences start at 1,
// positions at 0.
func legacyPosition(seq uint64) streamfile.Position {
	return streamfile.Position{File: LegacyFile, Seq: seq - 1}
}

// legacyCursor is the cursor after scanning every entry up to seq.
func legacyCursor(seq uint64) state.Cursor { return state.Cursor{Pos: int64(seq), Seq: seq} }

// LegacyConsumer reads a legacy log. Entry seq (1-based) belongs to instance
// (seq-1) mod N. Its cursor and consumption record live in the group state
// under LegacyFile, so reconfiguration moves them like those of any file.
// Delivered events carry their legacy sequence in Offset.Seq and LegacyFile.
type LegacyConsumer struct {
	log      *eventlog.Log
	stream   string
	group    string
	gs       state.GroupState
	instance int
	st       state.Store

	mu        sync.Mutex
	tx        *tx.Transaction
	committed uint64
	pending   uint64
	delivered []uint64
	persisted *state.CommitRequest
	closed    bool
}

var _ Poller = (*LegacyConsumer)(nil)

// CreateLegacy returns consumer cfg.Instance of group cfg.Group over the
// legacy log of stream. The group is resolved as in Create.
func (f *Factory) CreateLegacy(ctx context.Context, stream string, l *eventlog.Log, cfg Config) (*LegacyConsumer, error) {
	cfg, gs, err := f.resolveGroup(ctx, stream, cfg)
	if err != nil {
		return nil, err
	}
	return f.newLegacy(ctx, stream, l, cfg.Group, gs, cfg.Instance)
}

func (f *Factory) newLegacy(ctx context.Context, stream string, l *eventlog.Log, group string, gs state.GroupState, instance int) (*LegacyConsumer, error) {
	cur, err := f.opts.State.InstanceState(ctx, stream, group, gs.Generation, instance)
	if err != nil {
		return nil, err
	}
	seq := cur[LegacyFile].Seq
	return &LegacyConsumer{
		log:       l,
		stream:    stream,
		group:     group,
		gs:        gs,
		instance:  instance,
		st:        f.opts.State,
		committed: seq,
		pending:   seq,
	}, nil
}

const legacyReadBatch = 256

// Poll returns up to maxEvents owned entries after the cursor that the group
// has not consumed, waiting up to timeout if there are none.
func (c *LegacyConsumer) Poll(ctx context.Context, maxEvents int, timeout time.Duration) ([]streamfile.StreamEvent, error) {
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
	deadline := time.Now().Add(timeout)
	for {
		sig := c.log.AppendSignal()
		out, err := c.scan(ctx, maxEvents)
		if err != nil || len(out) > 0 {
			return out, err
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

// scan applies its progress only if every entry it passes decodes.
func (c *LegacyConsumer) scan(ctx context.Context, maxEvents int) ([]streamfile.StreamEvent, error) {
	var out []streamfile.StreamEvent
	var delivered []uint64
	n := uint64(c.gs.Instances)
	pending := c.pending
	for len(out) < maxEvents {
		items, err := c.log.Read(eventlog.ReadOptions{After: pending, Limit: legacyReadBatch})
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			if len(out) >= maxEvents {
				break
			}
			if int((it.Seq-1)%n) != c.instance {
				pending = it.Seq
				continue
			}
			consumed, err := c.st.IsConsumed(ctx, c.stream, c.group, legacyPosition(it.Seq))
			if err != nil {
				return nil, err
			}
			if consumed {
				pending = it.Seq
				continue
			}
			ev, err := eventlog.Decoded{Header: it.Header, Payload: it.Payload}.Event()
			if err != nil {
				return nil, fmt.Errorf("legacy entry %s#%d: %w", c.stream, it.Seq, err)
			}
			pending = it.Seq
			out = append(out, streamfile.StreamEvent{Event: ev, Offset: streamfile.Offset{File: LegacyFile, Pos: int64(it.Seq), Seq: it.Seq}})
			delivered = append(delivered, it.Seq)
		}
	}
	c.pending = pending
	c.delivered = append(c.delivered, delivered...)
	return out, nil
}

func (c *LegacyConsumer) StartTx(t *tx.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetTx()
	c.tx = t
}

func (c *LegacyConsumer) TxChanges() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, 0, len(c.delivered))
	prefix := c.stream + "/" + c.group + "/"
	for _, seq := range c.delivered {
		out = append(out, legacyPosition(seq).AppendKey([]byte(prefix)))
	}
	return out
}

func (c *LegacyConsumer) CommitTx(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == c.committed && len(c.delivered) == 0 {
		return nil
	}
	req := state.CommitRequest{
		Generation: c.gs.Generation,
		Instance:   c.instance,
		Cursors:    state.Cursors{LegacyFile: legacyCursor(c.pending)},
		Consumed:   make([]state.Consumed, len(c.delivered)),
	}
	for i, seq := range c.delivered {
		req.Consumed[i] = state.Consumed{Position: legacyPosition(seq), Next: int64(seq)}
	}
	if err := c.st.Commit(ctx, c.stream, c.group, req); err != nil {
		return err
	}
	c.persisted = &req
	return nil
}

func (c *LegacyConsumer) PostTxCommit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = c.pending
	c.resetTx()
}

func (c *LegacyConsumer) RollbackTx(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if c.persisted != nil {
		prev := state.Cursors{}
		if c.committed > 0 {
			prev[LegacyFile] = legacyCursor(c.committed)
		}
		err = c.st.Revert(ctx, c.stream, c.group, *c.persisted, prev)
	}
	c.resetTx()
	return err
}

func (c *LegacyConsumer) resetTx() {
	c.tx = nil
	c.pending = c.committed
	c.delivered = nil
	c.persisted = nil
}

func (c *LegacyConsumer) TxName() string {
	return fmt.Sprintf("legacy consumer %s/%s#%d", c.stream, c.group, c.instance)
}

func (c *LegacyConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
