package eventlog

import (
	"bytes"
	"testing"
)

func TestEntryKeysSortBySeq(t *testing.T) {
	a := KeyLogEntry("s", 1)
	b := KeyLogEntry("s", 256)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected key order to follow seq")
	}
	if !bytes.HasPrefix(a, KeyLogEntryPrefix("s")) {
		t.Fatalf("entry key outside entry prefix")
	}
}

func TestKeysStayInsideStreamPrefix(t *testing.T) {
	p := streamPrefix("s")
	for _, k := range [][]byte{KeyLogMeta("s"), KeyLogEntry("s", 3)} {
		if !bytes.HasPrefix(k, p) {
			t.Fatalf("key %q outside stream prefix %q", k, p)
		}
	}
	if bytes.HasPrefix(KeyLogMeta("s2"), p) {
		t.Fatalf("other stream must not share the prefix")
	}
}
