package streamfile

import (
	"encoding/binary"
	"fmt"
)

// FileID names one writer instance's event file inside one partition.
// Files are ordered by partition start, then writer id.
type FileID struct {
	PartitionStart    int64 // ms since epoch
	PartitionDuration int64 // ms
	Writer            uint32
}

// PartitionEnd is the exclusive upper bound of the partition window.
func (f FileID) PartitionEnd() int64 { return f.PartitionStart + f.PartitionDuration }

// Compare orders files by partition start, then writer id.
func (f FileID) Compare(o FileID) int {
	switch {
	case f.PartitionStart < o.PartitionStart:
		return -1
	case f.PartitionStart > o.PartitionStart:
		return 1
	case f.Writer < o.Writer:
		return -1
	case f.Writer > o.Writer:
		return 1
	default:
		return 0
	}
}

func (f FileID) String() string {
	return fmt.Sprintf("%d.%d/%d", f.PartitionStart, f.PartitionDuration, f.Writer)
}

// signBit keeps negative partition starts ordered before positive ones in keys.
const signBit = 1 << 63

// FileIDKeyLen is the length of the encoding returned by AppendKey.
const FileIDKeyLen = 8 + 8 + 4

// AppendKey appends a byte-sortable encoding of f to dst.
func (f FileID) AppendKey(dst []byte) []byte {
	var b [FileIDKeyLen]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(f.PartitionStart)^signBit)
	binary.BigEndian.PutUint64(b[8:16], uint64(f.PartitionDuration))
	binary.BigEndian.PutUint32(b[16:20], f.Writer)
	return append(dst, b[:]...)
}

// DecodeFileID parses the encoding produced by AppendKey.
func DecodeFileID(b []byte) (FileID, error) {
	if len(b) < FileIDKeyLen {
		return FileID{}, fmt.Errorf("streamfile: short file key (%d bytes)", len(b))
	}
	return FileID{
		PartitionStart:    int64(binary.BigEndian.Uint64(b[0:8]) ^ signBit),
		PartitionDuration: int64(binary.BigEndian.Uint64(b[8:16])),
		Writer:            binary.BigEndian.Uint32(b[16:20]),
	}, nil
}

// Offset locates an event inside a stream: the file, the byte position of the
// event's frame, and the event's sequence (its 0-based ordinal in the file).
// Offsets are used both to resume reading and to tag delivered events.
type Offset struct {
	File FileID
	Pos  int64
	Seq  uint64
}

// Position returns the absolute log position of the event at o.
func (o Offset) Position() Position { return Position{File: o.File, Seq: o.Seq} }

// Compare orders offsets by file, then byte position.
func (o Offset) Compare(p Offset) int {
	if c := o.File.Compare(p.File); c != 0 {
		return c
	}
	switch {
	case o.Pos < p.Pos:
		return -1
	case o.Pos > p.Pos:
		return 1
	default:
		return 0
	}
}

func (o Offset) String() string { return fmt.Sprintf("%s@%d#%d", o.File, o.Pos, o.Seq) }

// Position is the absolute position of an event: its file and sequence.
// Dequeue strategies assign positions to consumer instances.
type Position struct {
	File FileID
	Seq  uint64
}

// PositionKeyLen is the length of the encoding returned by Position.AppendKey.
const PositionKeyLen = FileIDKeyLen + 8

// AppendKey appends a byte-sortable encoding of p to dst.
func (p Position) AppendKey(dst []byte) []byte {
	dst = p.File.AppendKey(dst)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], p.Seq)
	return append(dst, b[:]...)
}

// DecodePosition parses the encoding produced by Position.AppendKey.
func DecodePosition(b []byte) (Position, error) {
	if len(b) < PositionKeyLen {
		return Position{}, fmt.Errorf("streamfile: short position key (%d bytes)", len(b))
	}
	f, err := DecodeFileID(b)
	if err != nil {
		return Position{}, err
	}
	return Position{File: f, Seq: binary.BigEndian.Uint64(b[FileIDKeyLen:PositionKeyLen])}, nil
}

func (p Position) String() string { return fmt.Sprintf("%s#%d", p.File, p.Seq) }
