package consumer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/consumer/state/pebblestate"
	"github.com/rzbill/flowstream/internal/consumer/state/sqlitestate"
	"github.com/rzbill/flowstream/internal/eventlog"
	"github.com/rzbill/flowstream/internal/readfilter"
	pebblestore "github.com/rzbill/flowstream/internal/storage/pebble"
	"github.com/rzbill/flowstream/internal/streamfile"
	"github.com/rzbill/flowstream/internal/tx"
)

type staticConfigs map[string]streamfile.StreamConfig

func (s staticConfigs) GetConfig(_ context.Context, name string) (streamfile.StreamConfig, error) {
	cfg, ok := s[name]
	if !ok {
		return streamfile.StreamConfig{}, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	return cfg, nil
}

type harness struct {
	files   *streamfile.Store
	state   state.Store
	configs staticConfigs
	mgr     *tx.Manager
	clock   readfilter.Clock
	factory *Factory
}

type backend struct {
	name string
	open func(t *testing.T) state.Store
}

var backends = []backend{
	{"memory", func(t *testing.T) state.Store { return state.NewMemory() }},
	{"pebble", func(t *testing.T) state.Store {
		s, err := pebblestate.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
		if err != nil {
			t.Fatalf("open pebble state: %v", err)
		}
		st, err := state.New(s, state.Options{})
		if err != nil {
			t.Fatal(err)
		}
		return st
	}},
	{"sqlite", func(t *testing.T) state.Store {
		st, err := sqlitestate.NewStore(filepath.Join(t.TempDir(), "state.db"), state.Options{})
		if err != nil {
			t.Fatalf("open sqlite state: %v", err)
		}
		return st
	}},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, newHarness(t, st, nil))
		})
	}
}

func newHarness(t *testing.T, st state.Store, clock readfilter.Clock) *harness {
	t.Helper()
	files, err := streamfile.Open(streamfile.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("open files: %v", err)
	}
	h := &harness{files: files, state: st, configs: staticConfigs{}, mgr: tx.NewManager(), clock: clock}
	h.factory = NewFactory(FactoryOptions{Files: files, Configs: h.configs, State: st, Clock: clock})
	return h
}

func (h *harness) createStream(t *testing.T, cfg streamfile.StreamConfig) {
	t.Helper()
	if err := h.files.CreateStream(cfg.Name); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	h.configs[cfg.Name] = cfg.WithDefaults()
}

// write appends events through the given writer and closes it.
func (h *harness) write(t *testing.T, stream string, writer uint32, events ...streamfile.Event) {
	t.Helper()
	w, err := h.files.OpenWriter(h.configs[stream], writer)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	for _, ev := range events {
		if _, err := w.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

func payloadEvents(ts int64, payloads ...string) []streamfile.Event {
	out := make([]streamfile.Event, len(payloads))
	for i, p := range payloads {
		out[i] = streamfile.Event{Timestamp: ts, Payload: []byte(p)}
	}
	return out
}

func numbered(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func (h *harness) consumer(t *testing.T, stream string, cfg Config) *Consumer {
	t.Helper()
	c, err := h.factory.Create(context.Background(), stream, cfg)
	if err != nil {
		t.Fatalf("create consumer %+v: %v", cfg, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// dequeue runs one transaction with a single poll and commits or aborts it.
func (h *harness) dequeue(t *testing.T, p Poller, max int, commit bool) []string {
	t.Helper()
	ctx := context.Background()
	txc := tx.NewContext(h.mgr, p)
	if err := txc.Start(ctx); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	events, err := p.Poll(ctx, max, 0)
	if err != nil {
		_ = txc.Abort(ctx)
		t.Fatalf("poll: %v", err)
	}
	if commit {
		if err := txc.Finish(ctx); err != nil {
			t.Fatalf("commit: %v", err)
		}
	} else if err := txc.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	return payloads(events)
}

func payloads(events []streamfile.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = string(ev.Payload)
	}
	return out
}

func requirePayloads(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAbortIsRetriedIdentically(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		h.createStream(t, streamfile.StreamConfig{Name: "s"})
		h.write(t, "s", 0, payloadEvents(1000, numbered("", 5)...)...)

		c0 := h.consumer(t, "s", Config{Group: "g", Instance: 0, Instances: 2, Strategy: state.FIFO})
		c1 := h.consumer(t, "s", Config{Group: "g", Instance: 1, Instances: 2, Strategy: state.FIFO})

		requirePayloads(t, h.dequeue(t, c0, 1, true), "0")
		requirePayloads(t, h.dequeue(t, c1, 1, false), "1")
		requirePayloads(t, h.dequeue(t, c0, 1, true), "2")
		requirePayloads(t, h.dequeue(t, c1, 1, true), "1")
		requirePayloads(t, h.dequeue(t, c1, 5, true), "3")
		requirePayloads(t, h.dequeue(t, c0, 5, true), "4")
		requirePayloads(t, h.dequeue(t, c0, 5, true))
	})
}

func TestReconfigurePreservesExactlyOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.createStream(t, streamfile.StreamConfig{Name: "s"})
		h.write(t, "s", 0, payloadEvents(1000, numbered("", 5)...)...)

		old := make([]*Consumer, 3)
		for i := range old {
			old[i] = h.consumer(t, "s", Config{Group: "g", Instance: i, Instances: 3})
		}
		requirePayloads(t, h.dequeue(t, old[0], 1, true), "0")
		requirePayloads(t, h.dequeue(t, old[1], 1, false), "1")
		requirePayloads(t, h.dequeue(t, old[2], 1, false), "2")
		for _, c := range old {
			if err := c.Close(); err != nil {
				t.Fatal(err)
			}
		}

		if _, err := h.state.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 2, Strategy: state.FIFO}); err != nil {
			t.Fatalf("reconfigure: %v", err)
		}
		var got []string
		for i := 0; i < 2; i++ {
			c := h.consumer(t, "s", Config{Group: "g", Instance: i})
			for {
				batch := h.dequeue(t, c, 1, true)
				if len(batch) == 0 {
					break
				}
				got = append(got, batch...)
			}
		}
		sort.Strings(got)
		requirePayloads(t, got, "1", "2", "3", "4")
	})
}

func TestNoLossNoDuplicationAcrossReconfigurations(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.createStream(t, streamfile.StreamConfig{Name: "s", PartitionDuration: time.Second, IndexInterval: 4})
		var want []string
		for w := uint32(0); w < 2; w++ {
			var evs []streamfile.Event
			for i := 0; i < 30; i++ {
				p := fmt.Sprintf("w%d-%02d", w, i)
				want = append(want, p)
				// Three partitions per writer.
				evs = append(evs, streamfile.Event{Timestamp: int64(1000 + (i/10)*1000 + i%10), Payload: []byte(p)})
			}
			h.write(t, "s", w, evs...)
		}

		seen := map[string]int{}
		record := func(batch []string) {
			for _, p := range batch {
				seen[p]++
			}
		}
		sizes := []int{3, 2, 4}
		for phase, n := range sizes {
			if phase > 0 {
				if _, err := h.state.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: n}); err != nil {
					t.Fatalf("reconfigure: %v", err)
				}
			}
			cs := make([]*Consumer, n)
			for i := range cs {
				cs[i] = h.consumer(t, "s", Config{Group: "g", Instance: i, Instances: n})
			}
			for round := 0; round < 3; round++ {
				for i, c := range cs {
					commit := (round+i+phase)%3 != 0
					batch := h.dequeue(t, c, 3, commit)
					if commit {
						record(batch)
					}
				}
			}
			for _, c := range cs {
				_ = c.Close()
			}
		}
		// Drain with the final generation.
		for i := 0; i < sizes[len(sizes)-1]; i++ {
			c := h.consumer(t, "s", Config{Group: "g", Instance: i})
			for {
				batch := h.dequeue(t, c, 5, true)
				if len(batch) == 0 {
					break
				}
				record(batch)
			}
		}
		if len(seen) != len(want) {
			t.Fatalf("delivered %d distinct events, want %d", len(seen), len(want))
		}
		for _, p := range want {
			if seen[p] != 1 {
				t.Fatalf("event %s delivered %d times", p, seen[p])
			}
		}
	})
}

func TestTTLBoundaryIsInclusive(t *testing.T) {
	const base = 1_000_000
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			st := b.open(t)
			t.Cleanup(func() { _ = st.Close() })
			clock := readfilter.ClockFunc(func() time.Time { return time.UnixMilli(base + 5001) })
			h := newHarness(t, st, clock)
			h.createStream(t, streamfile.StreamConfig{Name: "s", TTL: 5 * time.Second})

			var evs []streamfile.Event
			for i := 0; i < 100; i++ {
				evs = append(evs, streamfile.Event{Timestamp: base, Payload: []byte("expired")})
			}
			for i := 0; i < 500; i++ {
				evs = append(evs, streamfile.Event{Timestamp: base + 1 + int64(i%2), Payload: []byte("live")})
			}
			h.write(t, "s", 0, evs...)

			c := h.consumer(t, "s", Config{Group: "g", Instances: 1})
			total := 0
			for {
				batch := h.dequeue(t, c, 64, true)
				if len(batch) == 0 {
					break
				}
				for _, p := range batch {
					if p != "live" {
						t.Fatalf("expired event delivered")
					}
				}
				total += len(batch)
			}
			if total != 500 {
				t.Fatalf("delivered %d live events, want 500", total)
			}
		})
	}
}

// openLegacy returns a legacy log of stream s holding payloads.
func openLegacy(t *testing.T, payloads ...string) (*pebblestore.DB, *eventlog.Log) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	legacy, err := eventlog.OpenLog(db, "s")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := legacy.Append(context.Background(), payloadEvents(1000, payloads...)); err != nil {
		t.Fatal(err)
	}
	return db, legacy
}

func (h *harness) legacyConsumer(t *testing.T, l *eventlog.Log, cfg Config) *LegacyConsumer {
	t.Helper()
	c, err := h.factory.CreateLegacy(context.Background(), "s", l, cfg)
	if err != nil {
		t.Fatalf("create legacy consumer %+v: %v", cfg, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// pollAbort runs one transaction with one poll per entry of max and aborts it.
func (h *harness) pollAbort(t *testing.T, p Poller, max ...int) [][]string {
	t.Helper()
	ctx := context.Background()
	txc := tx.NewContext(h.mgr, p)
	if err := txc.Start(ctx); err != nil {
		t.Fatalf("start tx: %v", err)
	}
	var out [][]string
	for _, m := range max {
		events, err := p.Poll(ctx, m, 0)
		if err != nil {
			_ = txc.Abort(ctx)
			t.Fatalf("poll: %v", err)
		}
		out = append(out, payloads(events))
	}
	if err := txc.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	return out
}

func TestLegacySwitchover(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, legacy := openLegacy(t, numbered("Old event ", 10)...)
		h.createStream(t, streamfile.StreamConfig{Name: "s"})
		h.write(t, "s", 0, payloadEvents(2000, numbered("New event ", 10)...)...)

		b, err := h.factory.CreateBridge(ctx, "s", legacy, Config{Group: "g", Instances: 1})
		if err != nil {
			t.Fatalf("create bridge: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })

		requirePayloads(t, h.dequeue(t, b, 10, true), numbered("Old event ", 10)...)
		requirePayloads(t, h.dequeue(t, b, 10, true))
		if !b.Switched() {
			t.Fatalf("bridge should have switched")
		}
		requirePayloads(t, h.dequeue(t, b, 10, true), numbered("New event ", 10)...)
		requirePayloads(t, h.dequeue(t, b, 10, true))

		// The legacy cursor is durable: a new bridge skips old events.
		b2, err := h.factory.CreateBridge(ctx, "s", legacy, Config{Group: "g"})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = b2.Close() })
		requirePayloads(t, h.dequeue(t, b2, 10, true))
		requirePayloads(t, h.dequeue(t, b2, 10, true))
	})
}

func TestLegacySwitchoverAbortKeepsLegacy(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, legacy := openLegacy(t, numbered("Old ", 3)...)
		h.createStream(t, streamfile.StreamConfig{Name: "s"})
		h.write(t, "s", 0, payloadEvents(2000, numbered("New ", 3)...)...)

		b, err := h.factory.CreateBridge(ctx, "s", legacy, Config{Group: "g", Instances: 1})
		if err != nil {
			t.Fatalf("create bridge: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })

		// Legacy events taken in a transaction hold the switch back.
		got := h.pollAbort(t, b, 10, 10, 10)
		requirePayloads(t, got[0], numbered("Old ", 3)...)
		requirePayloads(t, got[1])
		requirePayloads(t, got[2])
		if b.Switched() {
			t.Fatalf("aborted transaction switched the bridge")
		}
		requirePayloads(t, h.dequeue(t, b, 10, true), numbered("Old ", 3)...)

		// A switch made by an aborted transaction does not hold.
		got = h.pollAbort(t, b, 10, 10)
		requirePayloads(t, got[0])
		requirePayloads(t, got[1], numbered("New ", 3)...)
		if b.Switched() {
			t.Fatalf("aborted transaction switched the bridge")
		}

		requirePayloads(t, h.dequeue(t, b, 10, true))
		if !b.Switched() {
			t.Fatalf("bridge should have switched")
		}
		requirePayloads(t, h.dequeue(t, b, 10, true), numbered("New ", 3)...)
		requirePayloads(t, h.dequeue(t, b, 10, true))
	})
}

func TestLegacyAbortRedelivers(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	_, legacy := openLegacy(t, numbered("", 4)...)
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	c0 := h.legacyConsumer(t, legacy, Config{Group: "g", Instance: 0, Instances: 2})
	c1 := h.legacyConsumer(t, legacy, Config{Group: "g", Instance: 1, Instances: 2})
	requirePayloads(t, h.dequeue(t, c0, 1, false), "0")
	requirePayloads(t, h.dequeue(t, c0, 2, true), "0", "2")
	requirePayloads(t, h.dequeue(t, c1, 5, true), "1", "3")
	requirePayloads(t, h.dequeue(t, c0, 5, true))
}

func TestLegacyReconfigureKeepsEntries(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		_, legacy := openLegacy(t, numbered("", 6)...)
		h.createStream(t, streamfile.StreamConfig{Name: "s"})

		c0 := h.legacyConsumer(t, legacy, Config{Group: "g", Instance: 0, Instances: 2, Strategy: state.FIFO})
		c1 := h.legacyConsumer(t, legacy, Config{Group: "g", Instance: 1, Instances: 2, Strategy: state.FIFO})
		got := h.dequeue(t, c0, 10, true)
		requirePayloads(t, got, "0", "2", "4")
		batch := h.dequeue(t, c1, 1, true)
		requirePayloads(t, batch, "1")
		got = append(got, batch...)
		_ = c0.Close()
		_ = c1.Close()

		if _, err := h.state.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1, Strategy: state.FIFO}); err != nil {
			t.Fatalf("reconfigure: %v", err)
		}
		c := h.legacyConsumer(t, legacy, Config{Group: "g"})
		for {
			more := h.dequeue(t, c, 1, true)
			if len(more) == 0 {
				break
			}
			got = append(got, more...)
		}
		sort.Strings(got)
		requirePayloads(t, got, numbered("", 6)...)
	})
}

func TestLegacyCorruptHeaderFails(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	ctx := context.Background()
	db, legacy := openLegacy(t, numbered("", 3)...)
	if err := db.Set(eventlog.KeyLogEntry("s", 2), eventlog.EncodeRecord([]byte{1, 2}, []byte("1"))); err != nil {
		t.Fatal(err)
	}
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	c := h.legacyConsumer(t, legacy, Config{Group: "g", Instances: 1})

	txc := tx.NewContext(h.mgr, c)
	if err := txc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Poll(ctx, 10, 0); !errors.Is(err, eventlog.ErrCorruptHeader) {
		t.Fatalf("want ErrCorruptHeader, got %v", err)
	}
	if err := txc.Finish(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	gs, err := h.state.GroupState(ctx, "s", "g")
	if err != nil {
		t.Fatal(err)
	}
	cur, err := h.state.InstanceState(ctx, "s", "g", gs.Generation, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := cur[LegacyFile]; ok {
		t.Fatalf("cursor advanced past a corrupt entry: %+v", cur[LegacyFile])
	}
	consumed, err := h.state.IsConsumed(ctx, "s", "g", legacyPosition(1))
	if err != nil {
		t.Fatal(err)
	}
	if consumed {
		t.Fatalf("entry before the corrupt one recorded as consumed")
	}
}

func TestAbortWithoutPollLeavesStateUntouched(t *testing.T) {
	mem := state.NewMemoryBackend()
	st, err := state.New(mem, state.Options{})
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, st, nil)
	ctx := context.Background()
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	h.write(t, "s", 0, payloadEvents(1000, numbered("", 3)...)...)
	c := h.consumer(t, "s", Config{Group: "g", Instances: 1})
	requirePayloads(t, h.dequeue(t, c, 1, true), "0")

	before := mem.Snapshot()
	txc := tx.NewContext(h.mgr, c)
	if err := txc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := txc.Abort(ctx); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if !reflect.DeepEqual(before, mem.Snapshot()) {
		t.Fatalf("abort changed persisted state")
	}
	if c.Phase() != PhaseIdle {
		t.Fatalf("phase %s after abort", c.Phase())
	}
	requirePayloads(t, h.dequeue(t, c, 1, true), "1")
}

func TestPollRequiresTransaction(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	c := h.consumer(t, "s", Config{Group: "g", Instances: 1})
	if _, err := c.Poll(context.Background(), 1, 0); !errors.Is(err, ErrNoTransaction) {
		t.Fatalf("want ErrNoTransaction, got %v", err)
	}
	_ = c.Close()
	if _, err := c.Poll(context.Background(), 1, 0); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestCreateErrors(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	ctx := context.Background()
	if _, err := h.factory.Create(ctx, "missing", Config{Group: "g", Instances: 1}); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("want ErrStreamNotFound, got %v", err)
	}
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	if _, err := h.factory.Create(ctx, "s", Config{Group: "g"}); !errors.Is(err, ErrGroupNotFound) {
		t.Fatalf("want ErrGroupNotFound, got %v", err)
	}
	if _, err := h.factory.Create(ctx, "s", Config{Group: "g", Instance: 2, Instances: 2}); !errors.Is(err, ErrInstanceOutOfRange) {
		t.Fatalf("want ErrInstanceOutOfRange, got %v", err)
	}
	if _, err := h.factory.Create(ctx, "s", Config{Group: "g", Instances: 1, Filter: "size +"}); err == nil {
		t.Fatalf("expected filter compile error")
	}
}

func TestStaleGenerationFailsCommit(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	ctx := context.Background()
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	h.write(t, "s", 0, payloadEvents(1000, "a", "b")...)
	c := h.consumer(t, "s", Config{Group: "g", Instances: 1})

	txc := tx.NewContext(h.mgr, c)
	_ = txc.Start(ctx)
	if _, err := c.Poll(ctx, 1, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.state.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1}); err != nil {
		t.Fatal(err)
	}
	if err := txc.Finish(ctx); !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("want ErrStaleGeneration, got %v", err)
	}
	fresh := h.consumer(t, "s", Config{Group: "g"})
	requirePayloads(t, h.dequeue(t, fresh, 5, true), "a", "b")
}

func TestHashStrategyGroupsByKey(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	var evs []streamfile.Event
	for i := 0; i < 20; i++ {
		evs = append(evs, streamfile.Event{Timestamp: 1000, Headers: map[string]string{"user": fmt.Sprintf("u%d", i%4)}, Payload: []byte(fmt.Sprintf("u%d", i%4))})
	}
	h.write(t, "s", 0, evs...)

	owners := map[string]int{}
	total := 0
	for i := 0; i < 3; i++ {
		c := h.consumer(t, "s", Config{Group: "g", Instance: i, Instances: 3, Strategy: state.Hash, HashKey: "user"})
		for _, p := range h.dequeue(t, c, 100, true) {
			if prev, ok := owners[p]; ok && prev != i {
				t.Fatalf("key %s delivered to instances %d and %d", p, prev, i)
			}
			owners[p] = i
			total++
		}
	}
	if total != 20 || len(owners) != 4 {
		t.Fatalf("delivered %d events over %d keys", total, len(owners))
	}
}

func TestCELFilterSkipsEvents(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	h.write(t, "s", 0,
		streamfile.Event{Timestamp: 1000, Headers: map[string]string{"type": "a"}, Payload: []byte("1")},
		streamfile.Event{Timestamp: 1000, Headers: map[string]string{"type": "b"}, Payload: []byte("2")},
		streamfile.Event{Timestamp: 1000, Headers: map[string]string{"type": "a"}, Payload: []byte("3")},
	)
	c := h.consumer(t, "s", Config{Group: "g", Instances: 1, Filter: `headers["type"] == "a"`})
	requirePayloads(t, h.dequeue(t, c, 10, true), "1", "3")
}

func TestPollWaitsForAppend(t *testing.T) {
	h := newHarness(t, state.NewMemory(), nil)
	ctx := context.Background()
	h.createStream(t, streamfile.StreamConfig{Name: "s"})
	c := h.consumer(t, "s", Config{Group: "g", Instances: 1})

	txc := tx.NewContext(h.mgr, c)
	_ = txc.Start(ctx)
	start := time.Now()
	events, err := c.Poll(ctx, 10, 50*time.Millisecond)
	if err != nil || len(events) != 0 {
		t.Fatalf("empty poll: %v %v", events, err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("poll returned before its timeout")
	}

	w, err := h.files.OpenWriter(h.configs["s"], 0)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Append(streamfile.Event{Timestamp: 1000, Payload: []byte("late")})
		_ = w.Close()
	}()
	events, err = c.Poll(ctx, 10, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	requirePayloads(t, payloads(events), "late")
	if err := txc.Finish(ctx); err != nil {
		t.Fatal(err)
	}
}

type failingParticipant struct{}

func (failingParticipant) StartTx(*tx.Transaction)          {}
func (failingParticipant) TxChanges() [][]byte              { return nil }
func (failingParticipant) CommitTx(context.Context) error   { return errors.New("disk full") }
func (failingParticipant) PostTxCommit()                    {}
func (failingParticipant) RollbackTx(context.Context) error { return nil }
func (failingParticipant) TxName() string                   { return "failing" }

func TestPersistedProgressRevertedWhenTransactionFails(t *testing.T) {
	forEachBackend(t, func(t *testing.T, h *harness) {
		ctx := context.Background()
		h.createStream(t, streamfile.StreamConfig{Name: "s"})
		h.write(t, "s", 0, payloadEvents(1000, "a", "b")...)
		c := h.consumer(t, "s", Config{Group: "g", Instances: 1})

		txc := tx.NewContext(h.mgr, c, failingParticipant{})
		_ = txc.Start(ctx)
		if _, err := c.Poll(ctx, 1, 0); err != nil {
			t.Fatal(err)
		}
		if err := txc.Finish(ctx); err == nil {
			t.Fatalf("expected failure")
		}
		requirePayloads(t, h.dequeue(t, c, 5, true), "a", "b")

		// A fresh consumer sees the same durable state.
		again := h.consumer(t, "s", Config{Group: "g"})
		requirePayloads(t, h.dequeue(t, again, 5, true))
	})
}
