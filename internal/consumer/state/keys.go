package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rzbill/flowstream/internal/streamfile"
)

// Rows and columns:
//
//	row {stream}          col group/{group}                      -> empty
//	row {stream}/{group}  col state                              -> msgpack GroupState
//	row {stream}/{group}  col cursor/{gen BE8}{instance BE4}     -> msgpack []cursorRecord
//	row {stream}/{group}  col rec/{file key}{seq BE8}            -> msgpack next byte offset
//
// Stream names never contain '/', so a stream row never collides with a
// group row.

var (
	colState        = []byte("state")
	colCursorPrefix = []byte("cursor/")
	colRecPrefix    = []byte("rec/")
	colGroupPrefix  = []byte("group/")
)

func validateNames(stream, group string) error {
	if stream == "" || strings.ContainsAny(stream, "/\x00") {
		return fmt.Errorf("consumer state: invalid stream name %q", stream)
	}
	if group == "" || strings.ContainsRune(group, 0) {
		return fmt.Errorf("consumer state: invalid group name %q", group)
	}
	return nil
}

func streamRow(stream string) []byte { return []byte(stream) }

func groupRow(stream, group string) []byte { return []byte(stream + "/" + group) }

func groupCol(group string) []byte { return append(append([]byte(nil), colGroupPrefix...), group...) }

func cursorGenPrefix(gen uint64) []byte {
	b := append([]byte(nil), colCursorPrefix...)
	return binary.BigEndian.AppendUint64(b, gen)
}

func cursorCol(gen uint64, instance int) []byte {
	return binary.BigEndian.AppendUint32(cursorGenPrefix(gen), uint32(instance))
}

func recCol(p streamfile.Position) []byte {
	return p.AppendKey(append([]byte(nil), colRecPrefix...))
}

func recFilePrefix(f streamfile.FileID) []byte {
	return f.AppendKey(append([]byte(nil), colRecPrefix...))
}

type cursorRecord struct {
	File []byte `msgpack:"f"`
	Pos  int64  `msgpack:"p"`
	Seq  uint64 `msgpack:"s"`
}

func encodeCursors(c Cursors) ([]byte, error) {
	recs := make([]cursorRecord, 0, len(c))
	for f, cur := range c {
		recs = append(recs, cursorRecord{File: f.AppendKey(nil), Pos: cur.Pos, Seq: cur.Seq})
	}
	return msgpack.Marshal(recs)
}

func decodeCursors(b []byte) (Cursors, error) {
	var recs []cursorRecord
	if err := msgpack.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode cursors: %w", err)
	}
	out := make(Cursors, len(recs))
	for _, r := range recs {
		f, err := streamfile.DecodeFileID(r.File)
		if err != nil {
			return nil, err
		}
		out[f] = Cursor{Pos: r.Pos, Seq: r.Seq}
	}
	return out, nil
}

func encodeNext(next int64) ([]byte, error) { return msgpack.Marshal(next) }

func decodeNext(b []byte) (int64, error) {
	var next int64
	if err := msgpack.Unmarshal(b, &next); err != nil {
		return 0, fmt.Errorf("decode record: %w", err)
	}
	return next, nil
}

var errReadOnly = errors.New("consumer state: write in read-only transaction")
