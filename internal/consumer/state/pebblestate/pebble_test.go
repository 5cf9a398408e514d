package pebblestate

import (
	"testing"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/consumer/state/statetest"
	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
)

func TestPebbleConformance(t *testing.T) {
	statetest.Run(t, func(t *testing.T) state.Store {
		b, err := Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
		if err != nil {
			t.Fatalf("open pebble: %v", err)
		}
		s, err := state.New(b, state.Options{})
		if err != nil {
			t.Fatal(err)
		}
		return s
	})
}

func TestRowsDoNotShareKeyPrefixes(t *testing.T) {
	a := cellKey([]byte("s/g"), []byte("state"))
	b := rowPrefix([]byte("s/g2"))
	if string(a[:len(b)]) == string(b) {
		t.Fatalf("row s/g must not fall inside the prefix of s/g2")
	}
}
