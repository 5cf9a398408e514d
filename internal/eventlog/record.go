package eventlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rzbill/flowstream/internal/streamfile"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	return append(out, crcb[:]...)
}

type Decoded struct {
	Header  []byte
	Payload []byte
}

func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return Decoded{}, false
	}
	if int(n)+int(hlen)+4 > len(b) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Decoded{}, false
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, true
}

// encodeEventHeader packs the event timestamp and headers.
func encodeEventHeader(ev streamfile.Event) ([]byte, error) {
	h := binary.BigEndian.AppendUint64(nil, uint64(ev.Timestamp))
	if len(ev.Headers) == 0 {
		return h, nil
	}
	m, err := msgpack.Marshal(ev.Headers)
	if err != nil {
		return nil, err
	}
	return append(h, m...), nil
}

// ErrCorruptHeader is returned for a record whose event header cannot be
// decoded.
var ErrCorruptHeader = errors.New("eventlog: corrupt event header")

// Event rebuilds the stream event carried by a decoded record.
func (d Decoded) Event() (streamfile.Event, error) {
	if len(d.Header) < 8 {
		return streamfile.Event{}, fmt.Errorf("%w: %d bytes", ErrCorruptHeader, len(d.Header))
	}
	ev := streamfile.Event{Timestamp: int64(binary.BigEndian.Uint64(d.Header[:8])), Payload: d.Payload}
	if len(d.Header) > 8 {
		if err := msgpack.Unmarshal(d.Header[8:], &ev.Headers); err != nil {
			return streamfile.Event{}, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
		}
	}
	return ev, nil
}
