package streamfile

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame layout on disk:
//
//	uvarint bodyLen | body | crc32c(body)
//	body = ts(8B BE) | uvarint headersLen | msgpack(headers) | payload
//
// A reader that finds fewer than bodyLen+4 bytes after the length prefix has
// reached the unflushed tail of the file and must not decode anything.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var (
	// errIncomplete means the frame at the read position is not fully written yet.
	errIncomplete = errors.New("streamfile: incomplete frame")
	// ErrCorrupt is returned when a complete frame fails its checksum.
	ErrCorrupt = errors.New("streamfile: corrupt frame")
)

// maxFrameBody bounds a single frame so a garbage length cannot make the
// reader wait forever for bytes that will never come.
const maxFrameBody = 64 << 20

func encodeFrame(dst []byte, ev Event) ([]byte, error) {
	var hdr []byte
	if len(ev.Headers) > 0 {
		var err error
		hdr, err = msgpack.Marshal(ev.Headers)
		if err != nil {
			return nil, err
		}
	}
	var tmp [binary.MaxVarintLen64]byte
	hn := binary.PutUvarint(tmp[:], uint64(len(hdr)))
	bodyLen := 8 + hn + len(hdr) + len(ev.Payload)

	var lenb [binary.MaxVarintLen64]byte
	ln := binary.PutUvarint(lenb[:], uint64(bodyLen))
	dst = append(dst, lenb[:ln]...)
	start := len(dst)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(ev.Timestamp))
	dst = append(dst, ts[:]...)
	dst = append(dst, tmp[:hn]...)
	dst = append(dst, hdr...)
	dst = append(dst, ev.Payload...)

	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc32.Checksum(dst[start:], castagnoli))
	return append(dst, crcb[:]...), nil
}

// decodeFrame decodes the frame at the start of b. It returns the event and
// the total frame length, errIncomplete if b holds only part of the frame, or
// ErrCorrupt.
func decodeFrame(b []byte) (Event, int, error) {
	bodyLen, n := binary.Uvarint(b)
	if n == 0 {
		return Event{}, 0, errIncomplete
	}
	if n < 0 || bodyLen > maxFrameBody || bodyLen < 9 {
		return Event{}, 0, ErrCorrupt
	}
	total := n + int(bodyLen) + 4
	if len(b) < total {
		return Event{}, 0, errIncomplete
	}
	body := b[n : n+int(bodyLen)]
	if crc32.Checksum(body, castagnoli) != binary.BigEndian.Uint32(b[n+int(bodyLen):total]) {
		return Event{}, 0, ErrCorrupt
	}

	ev := Event{Timestamp: int64(binary.BigEndian.Uint64(body[:8]))}
	rest := body[8:]
	hlen, hn := binary.Uvarint(rest)
	if hn <= 0 || int(hlen) > len(rest)-hn {
		return Event{}, 0, ErrCorrupt
	}
	if hlen > 0 {
		if err := msgpack.Unmarshal(rest[hn:hn+int(hlen)], &ev.Headers); err != nil {
			return Event{}, 0, ErrCorrupt
		}
	}
	ev.Payload = append([]byte(nil), rest[hn+int(hlen):]...)
	return ev, total, nil
}
