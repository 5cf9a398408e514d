package eventlog

import (
	"encoding/binary"
)

var (
	legacyPrefix = []byte("legacy/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func streamPrefix(stream string) []byte {
	k := make([]byte, 0, len(legacyPrefix)+len(stream)+1)
	k = append(k, legacyPrefix...)
	k = append(k, stream...)
	return append(k, '/')
}

// KeyLogMeta builds the stream metadata key.
func KeyLogMeta(stream string) []byte {
	k := append([]byte(nil), legacyPrefix...)
	k = append(k, stream...)
	return append(k, metaSuffix...)
}

// KeyLogEntryPrefix is the common prefix of every entry key of stream.
func KeyLogEntryPrefix(stream string) []byte {
	k := append([]byte(nil), legacyPrefix...)
	k = append(k, stream...)
	return append(k, entrySeg...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(stream string, seq uint64) []byte {
	return appendBE8(KeyLogEntryPrefix(stream), seq)
}
