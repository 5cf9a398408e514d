package streamfile

import (
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"os"
)

// The index file is a sequence of fixed-size entries written every
// IndexInterval events:
//
//	maxTs(8B BE) | pos(8B BE) | seq(8B BE)
//
// maxTs is the largest timestamp among all events before pos, which keeps the
// index monotonic even when writers receive out-of-order timestamps.
const indexEntrySize = 24

type indexEntry struct {
	MaxTs int64
	Pos   int64
	Seq   uint64
}

func appendIndexEntry(dst []byte, e indexEntry) []byte {
	var b [indexEntrySize]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(e.MaxTs))
	binary.BigEndian.PutUint64(b[8:16], uint64(e.Pos))
	binary.BigEndian.PutUint64(b[16:24], e.Seq)
	return append(dst, b[:]...)
}

func readIndex(path string) ([]indexEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	n := len(b) / indexEntrySize
	out := make([]indexEntry, 0, n)
	for i := 0; i < n; i++ {
		e := b[i*indexEntrySize : (i+1)*indexEntrySize]
		out = append(out, indexEntry{
			MaxTs: int64(binary.BigEndian.Uint64(e[0:8])),
			Pos:   int64(binary.BigEndian.Uint64(e[8:16])),
			Seq:   binary.BigEndian.Uint64(e[16:24]),
		})
	}
	return out, nil
}

// SeekTime returns an offset in file f from which every event with timestamp
// >= ts can still be read; events before it are all older than ts. Without a
// useful index entry it returns the start of the file.
func (s *Store) SeekTime(stream, prefix string, f FileID, ts int64) (Offset, error) {
	start := Offset{File: f}
	entries, err := readIndex(s.indexPath(stream, prefix, f))
	if err != nil {
		return start, err
	}
	for _, e := range entries {
		if e.MaxTs >= ts {
			break
		}
		start.Pos, start.Seq = e.Pos, e.Seq
	}
	return start, nil
}

func writeIndexEntries(w io.Writer, entries []indexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	buf := make([]byte, 0, len(entries)*indexEntrySize)
	for _, e := range entries {
		buf = appendIndexEntry(buf, e)
	}
	_, err := w.Write(buf)
	return err
}
