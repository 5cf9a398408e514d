package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// ReadOptions selects entries with sequence > After, at most Limit of them
// (0 means no limit).
type ReadOptions struct {
	After uint64
	Limit int
}

type Item struct {
	Seq     uint64
	Header  []byte
	Payload []byte
}

// ErrCorruptRecord is returned by Read for an entry failing its checksum.
var ErrCorruptRecord = errors.New("eventlog: corrupt record")

// Read returns entries in sequence order. It stops with ErrCorruptRecord at
// the first entry failing its checksum.
func (l *Log) Read(opts ReadOptions) ([]Item, error) {
	prefix := KeyLogEntryPrefix(l.stream)
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: KeyLogEntry(l.stream, opts.After+1),
		UpperBound: KeyLogEntry(l.stream, ^uint64(0)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	items := make([]Item, 0, max(1, opts.Limit))
	for ok := iter.First(); ok && (opts.Limit == 0 || len(items) < opts.Limit); ok = iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(prefix):])
		dec, okDec := DecodeRecord(iter.Value())
		if !okDec {
			return nil, fmt.Errorf("%w: %s seq %d", ErrCorruptRecord, l.stream, seq)
		}
		items = append(items, Item{Seq: seq, Header: dec.Header, Payload: dec.Payload})
	}
	return items, iter.Error()
}
