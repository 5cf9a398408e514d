package eventlog

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
	"github.com/rzbill/flowstream/internal/streamfile"
)

// Log provides append-only operations for one legacy stream. Open a single
// Log per stream per process; appends and wakeups are coordinated in memory.
type Log struct {
	db     *pebblestore.DB
	stream string

	mu       sync.Mutex
	lastSeq  uint64
	notifyCh chan struct{}
}

// OpenLog initializes a Log and loads the last sequence from metadata (if any).
func OpenLog(db *pebblestore.DB, stream string) (*Log, error) {
	l := &Log{db: db, stream: stream, notifyCh: make(chan struct{})}
	meta, err := db.Get(KeyLogMeta(stream))
	if err == nil && len(meta) >= 8 {
		l.lastSeq = binary.BigEndian.Uint64(meta[:8])
	}
	return l, nil
}

// Stream returns the stream name.
func (l *Log) Stream() string { return l.stream }

// Append appends the events as a single atomic batch and returns their
// sequences. Sequences start at 1. A zero timestamp is set to now.
func (l *Log) Append(ctx context.Context, events []streamfile.Event) ([]uint64, error) {
	if len(events) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.db.NewBatch()
	defer b.Close()

	seqs := make([]uint64, len(events))
	next := l.lastSeq
	for i, ev := range events {
		if ev.Timestamp == 0 {
			ev.Timestamp = time.Now().UnixMilli()
		}
		header, err := encodeEventHeader(ev)
		if err != nil {
			return nil, err
		}
		next++
		if err := b.Set(KeyLogEntry(l.stream, next), EncodeRecord(header, ev.Payload), nil); err != nil {
			return nil, err
		}
		seqs[i] = next
	}

	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], next)
	if err := b.Set(KeyLogMeta(l.stream), meta[:], nil); err != nil {
		return nil, err
	}
	if err := l.db.CommitBatch(ctx, b); err != nil {
		return nil, err
	}
	l.lastSeq = next
	close(l.notifyCh)
	l.notifyCh = make(chan struct{})
	return seqs, nil
}

// LastSeq returns the sequence of the newest entry, 0 if empty.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Drop deletes every entry and the metadata of the stream.
func (l *Log) Drop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.db.DeletePrefix(ctx, streamPrefix(l.stream)); err != nil {
		return err
	}
	l.lastSeq = 0
	return nil
}
