package eventlog

import (
	"context"
	"testing"

	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
	"github.com/rzbill/flowstream/internal/streamfile"
)

func openTestDB(t *testing.T, dir string) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	return db
}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db := openTestDB(t, t.TempDir())
	t.Cleanup(func() { _ = db.Close() })
	l, err := OpenLog(db, "s")
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	return l
}

func seedLog(t *testing.T, n int) (*Log, []uint64) {
	t.Helper()
	l := newTestLog(t)
	evs := make([]streamfile.Event, n)
	for i := range evs {
		evs[i] = streamfile.Event{Timestamp: int64(i + 1), Payload: []byte{byte(i)}}
	}
	seqs, err := l.Append(context.Background(), evs)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return l, seqs
}

func TestAppendAssignsSequential(t *testing.T) {
	l := newTestLog(t)
	seqs, err := l.Append(context.Background(), []streamfile.Event{{Payload: []byte("p1")}, {Payload: []byte("p2")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("unexpected seqs: %v", seqs)
	}
	if l.LastSeq() != 2 {
		t.Fatalf("last seq %d", l.LastSeq())
	}
}

func TestAppendDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir)
	l, _ := OpenLog(db, "s")
	ctx := context.Background()
	seqs, err := l.Append(ctx, []streamfile.Event{{Payload: []byte("x")}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// reopen and ensure lastSeq is restored via meta
	db2 := openTestDB(t, dir)
	t.Cleanup(func() { _ = db2.Close() })
	l2, _ := OpenLog(db2, "s")
	seqs2, err := l2.Append(ctx, []streamfile.Event{{Payload: []byte("y")}})
	if err != nil {
		t.Fatalf("append2: %v", err)
	}
	if !(seqs[0] < seqs2[0]) {
		t.Fatalf("expected next seq > previous: prev=%d next=%d", seqs[0], seqs2[0])
	}
}

func TestEventsRoundTrip(t *testing.T) {
	l := newTestLog(t)
	in := streamfile.Event{Timestamp: 42, Headers: map[string]string{"k": "v"}, Payload: []byte("body")}
	if _, err := l.Append(context.Background(), []streamfile.Event{in}); err != nil {
		t.Fatal(err)
	}
	items, err := l.Read(ReadOptions{})
	if err != nil || len(items) != 1 {
		t.Fatalf("read: %v %v", items, err)
	}
	ev, err := Decoded{Header: items[0].Header, Payload: items[0].Payload}.Event()
	if err != nil || ev.Timestamp != 42 || ev.Headers["k"] != "v" || string(ev.Payload) != "body" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDropRemovesEverything(t *testing.T) {
	l, _ := seedLog(t, 3)
	ctx := context.Background()
	if err := l.Drop(ctx); err != nil {
		t.Fatalf("drop: %v", err)
	}
	items, _ := l.Read(ReadOptions{})
	if len(items) != 0 {
		t.Fatalf("expected no items after drop, got %d", len(items))
	}
	if l.LastSeq() != 0 {
		t.Fatalf("last seq survived drop")
	}
}
