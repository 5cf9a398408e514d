package streamfile

// Event is the unit of delivery: an opaque payload, string headers and the
// write timestamp in milliseconds.
type Event struct {
	Timestamp int64
	Headers   map[string]string
	Payload   []byte
}

// StreamEvent is an Event tagged with the offset of its frame.
type StreamEvent struct {
	Event
	Offset Offset
}
