// Package state persists consumer group progress: the group's generation and
// instance count, one cursor set per (generation, instance), and the
// group-wide consumption record of committed positions.
//
// Store is implemented once over Backend, a small row/column store. Backends
// live in sub-packages (pebblestate, sqlitestate) plus an in-memory backend
// in this package.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rzbill/flowstream/internal/streamfile"
)

var (
	// ErrGroupNotFound is returned when a group was never configured.
	ErrGroupNotFound = errors.New("consumer state: group not found")
	// ErrStaleGeneration is returned when a commit targets a generation that
	// a reconfiguration has replaced.
	ErrStaleGeneration = errors.New("consumer state: stale generation")
	// ErrInstanceOutOfRange is returned for an instance id >= the group's
	// instance count.
	ErrInstanceOutOfRange = errors.New("consumer state: instance out of range")
	// ErrConsistency is returned when a position would be recorded as
	// consumed twice.
	ErrConsistency = errors.New("consumer state: position already consumed")
)

// Strategy assigns absolute positions to consumer instances.
type Strategy string

const (
	FIFO       Strategy = "FIFO"
	Hash       Strategy = "HASH"
	RoundRobin Strategy = "ROUND_ROBIN"
)

// ParseStrategy accepts the strategy names case-insensitively. Empty means
// FIFO.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FIFO":
		return FIFO, nil
	case "HASH":
		return Hash, nil
	case "ROUND_ROBIN", "ROUNDROBIN":
		return RoundRobin, nil
	default:
		return "", fmt.Errorf("unknown dequeue strategy %q", s)
	}
}

// GroupConfig is the administratively declared shape of a group.
type GroupConfig struct {
	Instances int      `msgpack:"instances" json:"instances"`
	Strategy  Strategy `msgpack:"strategy" json:"strategy"`
	// HashKey names the header hashed by the HASH strategy.
	HashKey string `msgpack:"hashKey,omitempty" json:"hashKey,omitempty"`
}

// Validate checks the config.
func (c GroupConfig) Validate() error {
	if c.Instances <= 0 {
		return fmt.Errorf("%w: instance count %d", ErrInstanceOutOfRange, c.Instances)
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	return nil
}

// GroupState is the durable group record.
type GroupState struct {
	GroupConfig
	// Generation is bumped by every reconfiguration.
	Generation uint64 `msgpack:"generation" json:"generation"`
}

// Cursor is the next read position of an instance inside one file.
type Cursor struct {
	Pos int64
	Seq uint64
}

// Offset returns the cursor as a stream offset within f.
func (c Cursor) Offset(f streamfile.FileID) streamfile.Offset {
	return streamfile.Offset{File: f, Pos: c.Pos, Seq: c.Seq}
}

// Cursors maps files to the next read position of an instance.
type Cursors map[streamfile.FileID]Cursor

// Clone returns a copy of c.
func (c Cursors) Clone() Cursors {
	out := make(Cursors, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Advance moves the cursor of f to to, unless it is already further.
func (c Cursors) Advance(f streamfile.FileID, to Cursor) {
	if cur, ok := c[f]; ok && cur.Pos >= to.Pos {
		return
	}
	c[f] = to
}

// Consumed is a committed position and the byte offset right after its event.
type Consumed struct {
	Position streamfile.Position
	Next     int64
}

// CommitRequest carries the progress of one instance for one transaction.
type CommitRequest struct {
	Generation uint64
	Instance   int
	Cursors    Cursors
	Consumed   []Consumed
}

// Store is the durable consumer state of every group of every stream.
type Store interface {
	// GroupState returns ErrGroupNotFound for unknown groups.
	GroupState(ctx context.Context, stream, group string) (GroupState, error)
	// Groups lists the configured groups of a stream.
	Groups(ctx context.Context, stream string) ([]string, error)
	// InstanceState returns the cursors of one instance; empty when it never
	// committed.
	InstanceState(ctx context.Context, stream, group string, generation uint64, instance int) (Cursors, error)
	// Commit atomically advances the instance cursors and adds the consumed
	// positions to the consumption record.
	Commit(ctx context.Context, stream, group string, req CommitRequest) error
	// IsConsumed reports whether p is in the group's consumption record.
	IsConsumed(ctx context.Context, stream, group string, p streamfile.Position) (bool, error)
	// EnsureGroup creates the group with cfg unless it exists and returns
	// the current state.
	EnsureGroup(ctx context.Context, stream, group string, cfg GroupConfig) (GroupState, error)
	// Revert undoes a Commit whose transaction aborted afterwards: it removes
	// the committed positions and restores the cursors of the files named in
	// req to their value in prev, deleting those absent from prev. Cursors of
	// other files are left alone.
	Revert(ctx context.Context, stream, group string, req CommitRequest, prev Cursors) error
	// Reconfigure creates the group or moves it to a new generation with the
	// given config. Every new instance starts at the per-file floor of the
	// old generation.
	Reconfigure(ctx context.Context, stream, group string, cfg GroupConfig) (GroupState, error)
	// ClearGroup removes every record of the group.
	ClearGroup(ctx context.Context, stream, group string) error
	Close() error
}
