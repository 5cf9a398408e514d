package streamfile

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const readChunk = 64 << 10

// FileReader reads the events of one writer file in offset order. It never
// returns a partially written event: at the unflushed tail Next returns
// ErrNoData and the reader stays where it is, so a later Next picks up newly
// flushed events.
type FileReader struct {
	f   *os.File
	off Offset

	buf      []byte
	bufStart int64
}

// Offset returns the offset of the next event Next would return.
func (r *FileReader) Offset() Offset { return r.off }

// Next returns the next event.
func (r *FileReader) Next() (StreamEvent, error) {
	for {
		ev, n, err := decodeFrame(r.available())
		if err == nil {
			se := StreamEvent{Event: ev, Offset: r.off}
			r.off.Pos += int64(n)
			r.off.Seq++
			return se, nil
		}
		if !errors.Is(err, errIncomplete) {
			return StreamEvent{}, fmt.Errorf("%w at %s", err, r.off)
		}
		grew, err := r.fill()
		if err != nil {
			return StreamEvent{}, err
		}
		if !grew {
			return StreamEvent{}, ErrNoData
		}
	}
}

func (r *FileReader) available() []byte {
	rel := r.off.Pos - r.bufStart
	if rel < 0 || rel > int64(len(r.buf)) {
		return nil
	}
	return r.buf[rel:]
}

// fill rereads the file from the current offset with a buffer larger than
// what is already available. It reports whether more bytes were obtained.
func (r *FileReader) fill() (bool, error) {
	have := len(r.available())
	size := readChunk
	if 2*have > size {
		size = 2 * have
	}
	buf := make([]byte, size)
	n, err := r.f.ReadAt(buf, r.off.Pos)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	if n <= have {
		return false, nil
	}
	r.buf = buf[:n]
	r.bufStart = r.off.Pos
	return true, nil
}

// Close releases the file handle.
func (r *FileReader) Close() error { return r.f.Close() }
