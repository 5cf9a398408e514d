package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	cfgpkg "github.com/rzbill/flowstream/internal/config"
	"github.com/rzbill/flowstream/internal/runtime"
)

func openAt(dir string) RuntimeFunc {
	return func(*cobra.Command) (*runtime.Runtime, error) {
		cfg := cfgpkg.Default()
		cfg.DataDir = dir
		return runtime.Open(runtime.Options{Config: cfg})
	}
}

// run executes one CLI invocation on a fresh command tree.
func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	root := NewRoot(openAt(dir))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func runErr(t *testing.T, dir string, args ...string) error {
	t.Helper()
	root := NewRoot(openAt(dir))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func payloads(t *testing.T, out string) []string {
	t.Helper()
	var got []string
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var ev map[string]any
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		text, _ := ev["payload_text"].(string)
		got = append(got, text)
	}
	return got
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestConsumeCommitsEachBatch(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	run(t, dir, "stream", "write", "--stream", "orders", "--header", "user=alice", "a", "b", "c")

	first := payloads(t, run(t, dir, "consume", "--stream", "orders", "--group", "billing", "--max", "2"))
	if !equal(first, []string{"a", "b"}) {
		t.Fatalf("first batch = %v", first)
	}
	second := payloads(t, run(t, dir, "consume", "--stream", "orders", "--group", "billing", "--max", "2"))
	if !equal(second, []string{"c"}) {
		t.Fatalf("second batch = %v", second)
	}
	if rest := payloads(t, run(t, dir, "consume", "--stream", "orders", "--group", "billing")); len(rest) != 0 {
		t.Fatalf("expected nothing left, got %v", rest)
	}
}

func TestConsumeNoCommitRedelivers(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	run(t, dir, "stream", "write", "--stream", "orders", "x", "y")

	for i := 0; i < 2; i++ {
		got := payloads(t, run(t, dir, "consume", "--stream", "orders", "--group", "audit", "--no-commit"))
		if !equal(got, []string{"x", "y"}) {
			t.Fatalf("attempt %d: got %v", i, got)
		}
	}
}

func TestConsumeFilter(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	run(t, dir, "stream", "write", "--stream", "orders", "--header", "user=alice", "from-alice")
	run(t, dir, "stream", "write", "--stream", "orders", "--header", "user=bob", "from-bob")

	got := payloads(t, run(t, dir, "consume", "--stream", "orders", "--group", "alice-only",
		"--filter", `headers["user"] == "alice"`))
	if !equal(got, []string{"from-alice"}) {
		t.Fatalf("got %v", got)
	}
}

func TestGroupConfigureAndInfo(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	out := run(t, dir, "group", "configure", "--stream", "orders", "--group", "billing",
		"--instances", "3", "--strategy", "hash", "--hash-key", "user")
	var gs struct {
		Instances  int    `json:"instances"`
		Generation uint64 `json:"generation"`
	}
	if err := json.Unmarshal([]byte(out), &gs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if gs.Instances != 3 || gs.Generation != 1 {
		t.Fatalf("group = %+v", gs)
	}
	run(t, dir, "group", "sync", "--stream", "orders", "audit=2")
	info := run(t, dir, "stream", "info", "--stream", "orders")
	if !strings.Contains(info, "audit") || strings.Contains(info, "billing") {
		t.Fatalf("info after sync: %s", info)
	}
}

func TestGroupSyncRejectsBadArgs(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	if err := runErr(t, dir, "group", "sync", "--stream", "orders", "audit"); err == nil {
		t.Fatal("expected an error for a group without an instance count")
	}
}

func TestLegacyDrainsBeforeFiles(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	run(t, dir, "legacy", "write", "--stream", "orders", "old-1", "old-2")
	run(t, dir, "stream", "write", "--stream", "orders", "new-1")

	got := payloads(t, run(t, dir, "consume", "--stream", "orders", "--group", "billing",
		"--follow", "--limit", "3", "--timeout", "50ms"))
	if !equal(got, []string{"old-1", "old-2", "new-1"}) {
		t.Fatalf("got %v", got)
	}
}

func TestDropRequiresConfirm(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	if err := runErr(t, dir, "stream", "drop", "--stream", "orders"); err == nil {
		t.Fatal("expected drop without --confirm to fail")
	}
	run(t, dir, "stream", "drop", "--stream", "orders", "--confirm")
	if err := runErr(t, dir, "stream", "info", "--stream", "orders"); err == nil {
		t.Fatal("expected info on a dropped stream to fail")
	}
}

func TestDropAll(t *testing.T) {
	dir := t.TempDir()
	run(t, dir, "stream", "create", "--stream", "orders")
	run(t, dir, "stream", "create", "--stream", "payments")
	if err := runErr(t, dir, "stream", "drop", "--all", "--stream", "orders", "--confirm"); err == nil {
		t.Fatal("expected --all with --stream to fail")
	}
	run(t, dir, "stream", "drop", "--all", "--confirm")
	for _, name := range []string{"orders", "payments"} {
		if err := runErr(t, dir, "stream", "info", "--stream", name); err == nil {
			t.Fatalf("expected info on dropped stream %s to fail", name)
		}
	}
}
