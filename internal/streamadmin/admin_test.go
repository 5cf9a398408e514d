package streamadmin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/streamfile"
)

type recordingMetrics struct{ calls []string }

func (m *recordingMetrics) ObserveReconfigure(stream, group string, instances int) {
	m.calls = append(m.calls, stream+"/"+group)
}

func newAdmin(t *testing.T) (*Admin, *streamfile.Store, state.Store, *recordingMetrics) {
	t.Helper()
	files, err := streamfile.Open(streamfile.Options{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("open files: %v", err)
	}
	st := state.NewMemory()
	m := &recordingMetrics{}
	return New(Options{Files: files, State: st, Metrics: m}), files, st, m
}

func TestCreateAndGetConfig(t *testing.T) {
	ctx := context.Background()
	a, files, _, _ := newAdmin(t)
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "orders", TTL: time.Hour}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "orders"}); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("want ErrStreamExists, got %v", err)
	}
	cfg, err := a.GetConfig(ctx, "orders")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cfg.TTL != time.Hour || cfg.PartitionDuration != streamfile.DefaultPartitionDuration || cfg.FilePrefix != streamfile.DefaultFilePrefix {
		t.Fatalf("unexpected config %+v", cfg)
	}

	// A fresh admin reads config.json back.
	b := New(Options{Files: files, State: state.NewMemory()})
	got, err := b.GetConfig(ctx, "orders")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Fatalf("reloaded %+v, want %+v", got, cfg)
	}
	if _, err := a.GetConfig(ctx, "missing"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("want ErrStreamNotFound, got %v", err)
	}
}

func TestCreateRejectsBadNames(t *testing.T) {
	a, _, _, _ := newAdmin(t)
	for _, name := range []string{"", "..", "a/b"} {
		if err := a.Create(context.Background(), streamfile.StreamConfig{Name: name}); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("name %q: want ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestUpdateConfig(t *testing.T) {
	ctx := context.Background()
	a, _, _, _ := newAdmin(t)
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "s", TTL: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateConfig(ctx, streamfile.StreamConfig{Name: "s", TTL: time.Minute, PartitionDuration: 10 * time.Minute}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cfg, _ := a.GetConfig(ctx, "s")
	if cfg.TTL != time.Minute || cfg.PartitionDuration != 10*time.Minute {
		t.Fatalf("update not applied: %+v", cfg)
	}
	if err := a.UpdateConfig(ctx, streamfile.StreamConfig{Name: "s", FilePrefix: "other"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("want ErrInvalidConfig, got %v", err)
	}
	if err := a.UpdateConfig(ctx, streamfile.StreamConfig{Name: "nope"}); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("want ErrStreamNotFound, got %v", err)
	}
}

func TestConfigureInstancesKeepsStrategy(t *testing.T) {
	ctx := context.Background()
	a, _, st, m := newAdmin(t)
	if _, err := a.ConfigureInstances(ctx, "missing", "g", 2); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("want ErrStreamNotFound, got %v", err)
	}
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "s"}); err != nil {
		t.Fatal(err)
	}
	gs, err := a.ConfigureGroup(ctx, "s", "g", state.GroupConfig{Instances: 2, Strategy: state.Hash, HashKey: "user"})
	if err != nil {
		t.Fatalf("configure group: %v", err)
	}
	if gs.Generation != 1 {
		t.Fatalf("generation %d", gs.Generation)
	}
	gs, err = a.ConfigureInstances(ctx, "s", "g", 5)
	if err != nil {
		t.Fatalf("configure instances: %v", err)
	}
	if gs.Instances != 5 || gs.Strategy != state.Hash || gs.HashKey != "user" || gs.Generation != 2 {
		t.Fatalf("unexpected group state %+v", gs)
	}
	stored, _ := st.GroupState(ctx, "s", "g")
	if !reflect.DeepEqual(stored, gs) {
		t.Fatalf("stored %+v, want %+v", stored, gs)
	}
	if len(m.calls) != 2 {
		t.Fatalf("metrics calls %v", m.calls)
	}
	if _, err := a.ConfigureInstances(ctx, "s", "g", 0); err == nil {
		t.Fatalf("zero instances should be rejected")
	}
}

func TestConfigureGroupsDropsUnlisted(t *testing.T) {
	ctx := context.Background()
	a, _, st, m := newAdmin(t)
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "s"}); err != nil {
		t.Fatal(err)
	}
	if err := a.ConfigureGroups(ctx, "s", map[string]int{"a": 1, "b": 2, "c": 3}); err != nil {
		t.Fatalf("configure groups: %v", err)
	}
	if err := a.ConfigureGroups(ctx, "s", map[string]int{"a": 1, "b": 4}); err != nil {
		t.Fatalf("configure groups: %v", err)
	}
	groups, err := a.Groups(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for g := range groups {
		names = append(names, g)
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"a", "b"}) {
		t.Fatalf("groups %v", names)
	}
	if groups["a"].Generation != 1 {
		t.Fatalf("unchanged group was reconfigured: %+v", groups["a"])
	}
	if groups["b"].Instances != 4 || groups["b"].Generation != 2 {
		t.Fatalf("group b %+v", groups["b"])
	}
	if _, err := st.GroupState(ctx, "s", "c"); !errors.Is(err, state.ErrGroupNotFound) {
		t.Fatalf("group c should be gone, got %v", err)
	}
	if len(m.calls) != 4 {
		t.Fatalf("metrics calls %v", m.calls)
	}
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	a, files, st, _ := newAdmin(t)
	var hooked string
	a.onDrop = func(_ context.Context, stream string) error {
		hooked = stream
		return nil
	}
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "s"}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ConfigureInstances(ctx, "s", "g", 2); err != nil {
		t.Fatal(err)
	}
	if err := a.Drop(ctx, "s"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if hooked != "s" {
		t.Fatalf("drop hook not called")
	}
	if _, err := os.Stat(filepath.Join(files.Root(), "s")); !os.IsNotExist(err) {
		t.Fatalf("stream directory still present: %v", err)
	}
	if _, err := st.GroupState(ctx, "s", "g"); !errors.Is(err, state.ErrGroupNotFound) {
		t.Fatalf("group should be cleared, got %v", err)
	}
	if _, err := a.GetConfig(ctx, "s"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("want ErrStreamNotFound, got %v", err)
	}
	if err := a.Drop(ctx, "s"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("second drop: %v", err)
	}
	// The name can be reused.
	if err := a.Create(ctx, streamfile.StreamConfig{Name: "s"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	streams, err := a.Streams()
	if err != nil || !reflect.DeepEqual(streams, []string{"s"}) {
		t.Fatalf("streams %v %v", streams, err)
	}
}

func TestDropAll(t *testing.T) {
	ctx := context.Background()
	a, _, st, _ := newAdmin(t)
	var hooked []string
	a.onDrop = func(_ context.Context, stream string) error {
		hooked = append(hooked, stream)
		if stream == "b" {
			return errors.New("legacy log busy")
		}
		return nil
	}
	for _, name := range []string{"a", "b", "c"} {
		if err := a.Create(ctx, streamfile.StreamConfig{Name: name}); err != nil {
			t.Fatal(err)
		}
		if _, err := a.ConfigureInstances(ctx, name, "g", 1); err != nil {
			t.Fatal(err)
		}
	}

	err := a.DropAll(ctx)
	if err == nil {
		t.Fatal("expected the failed drop to be reported")
	}
	sort.Strings(hooked)
	if !reflect.DeepEqual(hooked, []string{"a", "b", "c"}) {
		t.Fatalf("drop hook ran for %v", hooked)
	}
	streams, err := a.Streams()
	if err != nil || !reflect.DeepEqual(streams, []string{"b"}) {
		t.Fatalf("streams after DropAll %v %v", streams, err)
	}
	if _, err := st.GroupState(ctx, "a", "g"); !errors.Is(err, state.ErrGroupNotFound) {
		t.Fatalf("group of a should be cleared, got %v", err)
	}

	a.onDrop = nil
	if err := a.DropAll(ctx); err != nil {
		t.Fatalf("second DropAll: %v", err)
	}
	if streams, _ := a.Streams(); len(streams) != 0 {
		t.Fatalf("streams left: %v", streams)
	}
}
