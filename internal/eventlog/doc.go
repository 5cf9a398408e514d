// Package eventlog is the legacy, pre-file representation of a stream: every
// event is one Pebble key. Consumer progress over it lives in the consumer
// state store next to the progress over stream files.
// New streams are written to stream files; this log is only read while
// existing data migrates, through the consumer bridge.
//
// Keys are lexicographically ordered for efficient range scans:
//   - legacy/{stream}/m                 (metadata: lastSeq)
//   - legacy/{stream}/e/{seq_be8}       (entries)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload),
// with header = timestamp(8B BE) | msgpack(headers).
//
//	l, _ := OpenLog(db, "orders")
//	seqs, _ := l.Append(ctx, []streamfile.Event{{Payload: p}})
//	items := l.Read(ReadOptions{After: 0, Limit: 100})
package eventlog
