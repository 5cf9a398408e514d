package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rzbill/flowstream/internal/streamfile"
)

// decodedEvent returns a map with the event metadata and one of payload_json,
// payload_text, or payload_b64.
func decodedEvent(ev streamfile.StreamEvent) map[string]any {
	out := map[string]any{
		"offset": ev.Offset.String(),
		"ts":     ev.Timestamp,
	}
	if len(ev.Headers) > 0 {
		out["headers"] = ev.Headers
	}
	payload := ev.Payload
	// Try JSON first if it looks like JSON
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if json.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
	return out
}

// parseHeaders turns repeated key=value flags into a map.
func parseHeaders(kvs []string) (map[string]string, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q; expected key=value", kv)
		}
		out[k] = v
	}
	return out, nil
}

// parseTimestamp accepts unix milliseconds or RFC3339. Empty means zero.
func parseTimestamp(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q; expected ms or RFC3339", s)
	}
	return t.UnixMilli(), nil
}
