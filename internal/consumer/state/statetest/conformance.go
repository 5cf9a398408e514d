// Package statetest holds the behaviour every consumer state backend must
// share. Backend packages run Run from their tests.
package statetest

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/streamfile"
)

// Factory returns a fresh, empty store. Stores are closed by the suite.
type Factory func(t *testing.T) state.Store

var (
	fileA = streamfile.FileID{PartitionStart: 0, PartitionDuration: 1000, Writer: 0}
	fileB = streamfile.FileID{PartitionStart: 1000, PartitionDuration: 1000, Writer: 0}
)

func pos(f streamfile.FileID, seq uint64) streamfile.Position {
	return streamfile.Position{File: f, Seq: seq}
}

// consumed builds records for positions of f whose events are 10 bytes each.
func consumed(f streamfile.FileID, seqs ...uint64) []state.Consumed {
	out := make([]state.Consumed, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, state.Consumed{Position: pos(f, s), Next: int64(s+1) * 10})
	}
	return out
}

func cursor(seq uint64) state.Cursor { return state.Cursor{Pos: int64(seq) * 10, Seq: seq} }

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s state.Store)
	}{
		{"UnknownGroup", testUnknownGroup},
		{"CreateAndList", testCreateAndList},
		{"CommitAdvancesCursorsAndRecord", testCommit},
		{"CursorNeverMovesBackwards", testCursorMonotonic},
		{"DuplicateConsumptionRejected", testDuplicate},
		{"StaleGenerationRejected", testStaleGeneration},
		{"InstanceOutOfRange", testInstanceRange},
		{"ReconfigureComputesFloor", testReconfigureFloor},
		{"ReconfigureMissingCursorUsesFileStart", testReconfigureMissingCursor},
		{"ClearGroup", testClearGroup},
		{"EnsureGroupKeepsExisting", testEnsureGroup},
		{"RevertUndoesCommit", testRevert},
		{"RevertKeepsOtherFiles", testRevertKeepsOtherFiles},
		{"InvalidNames", testInvalidNames},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testUnknownGroup(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.GroupState(ctx, "s", "g")
	require.ErrorIs(t, err, state.ErrGroupNotFound)
	err = s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1})
	require.ErrorIs(t, err, state.ErrGroupNotFound)
	ok, err := s.IsConsumed(ctx, "s", "g", pos(fileA, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func testCreateAndList(t *testing.T, s state.Store) {
	ctx := context.Background()
	gs, err := s.Reconfigure(ctx, "s", "g1", state.GroupConfig{Instances: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(1), gs.Generation)
	require.Equal(t, state.FIFO, gs.Strategy)

	_, err = s.Reconfigure(ctx, "s", "g0", state.GroupConfig{Instances: 1, Strategy: state.Hash, HashKey: "user"})
	require.NoError(t, err)
	_, err = s.Reconfigure(ctx, "other", "g9", state.GroupConfig{Instances: 1})
	require.NoError(t, err)

	got, err := s.GroupState(ctx, "s", "g0")
	require.NoError(t, err)
	require.Equal(t, state.GroupState{GroupConfig: state.GroupConfig{Instances: 1, Strategy: state.Hash, HashKey: "user"}, Generation: 1}, got)

	groups, err := s.Groups(ctx, "s")
	require.NoError(t, err)
	sort.Strings(groups)
	require.Equal(t, []string{"g0", "g1"}, groups)

	_, err = s.Reconfigure(ctx, "s", "bad", state.GroupConfig{Instances: 0})
	require.Error(t, err)
}

func testCommit(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 2})
	require.NoError(t, err)

	err = s.Commit(ctx, "s", "g", state.CommitRequest{
		Generation: 1,
		Instance:   1,
		Cursors:    state.Cursors{fileA: cursor(4)},
		Consumed:   consumed(fileA, 1, 3),
	})
	require.NoError(t, err)

	cur, err := s.InstanceState(ctx, "s", "g", 1, 1)
	require.NoError(t, err)
	require.Equal(t, state.Cursors{fileA: cursor(4)}, cur)

	other, err := s.InstanceState(ctx, "s", "g", 1, 0)
	require.NoError(t, err)
	require.Empty(t, other)

	for seq, want := range map[uint64]bool{0: false, 1: true, 2: false, 3: true} {
		ok, err := s.IsConsumed(ctx, "s", "g", pos(fileA, seq))
		require.NoError(t, err)
		require.Equal(t, want, ok, "seq %d", seq)
	}
}

func testCursorMonotonic(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileA: cursor(5)}}))
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileA: cursor(2), fileB: cursor(1)}}))

	cur, err := s.InstanceState(ctx, "s", "g", 1, 0)
	require.NoError(t, err)
	require.Equal(t, state.Cursors{fileA: cursor(5), fileB: cursor(1)}, cur)
}

func testDuplicate(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 2})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Consumed: consumed(fileA, 0)}))

	err = s.Commit(ctx, "s", "g", state.CommitRequest{
		Generation: 1,
		Instance:   1,
		Cursors:    state.Cursors{fileA: cursor(2)},
		Consumed:   consumed(fileA, 1, 0),
	})
	require.ErrorIs(t, err, state.ErrConsistency)

	// The failed commit wrote nothing.
	ok, err := s.IsConsumed(ctx, "s", "g", pos(fileA, 1))
	require.NoError(t, err)
	require.False(t, ok)
	cur, err := s.InstanceState(ctx, "s", "g", 1, 1)
	require.NoError(t, err)
	require.Empty(t, cur)

	err = s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Consumed: append(consumed(fileB, 0), consumed(fileB, 0)...)})
	require.ErrorIs(t, err, state.ErrConsistency)
}

func testStaleGeneration(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1})
	require.NoError(t, err)
	gs, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(2), gs.Generation)

	err = s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Consumed: consumed(fileA, 0)})
	require.ErrorIs(t, err, state.ErrStaleGeneration)
}

func testInstanceRange(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 2})
	require.NoError(t, err)
	err = s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Instance: 2})
	require.ErrorIs(t, err, state.ErrInstanceOutOfRange)
}

func testReconfigureFloor(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 3})
	require.NoError(t, err)
	// Instance 0 consumed 0 and 3, instance 1 consumed 1, instance 2 scanned
	// past 2 without delivering it.
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Instance: 0, Cursors: state.Cursors{fileA: cursor(4)}, Consumed: consumed(fileA, 0, 3)}))
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Instance: 1, Cursors: state.Cursors{fileA: cursor(2)}, Consumed: consumed(fileA, 1)}))
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Instance: 2, Cursors: state.Cursors{fileA: cursor(1)}}))

	gs, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), gs.Generation)
	require.Equal(t, 2, gs.Instances)

	// min cursor is seq 1; 1 is consumed so the floor moves to 2.
	for i := 0; i < 2; i++ {
		cur, err := s.InstanceState(ctx, "s", "g", 2, i)
		require.NoError(t, err)
		require.Equal(t, state.Cursors{fileA: cursor(2)}, cur)
	}
	old, err := s.InstanceState(ctx, "s", "g", 1, 0)
	require.NoError(t, err)
	require.Empty(t, old)

	// 3 is above the floor and stays recorded; 0 and 1 were pruned.
	ok, err := s.IsConsumed(ctx, "s", "g", pos(fileA, 3))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.IsConsumed(ctx, "s", "g", pos(fileA, 0))
	require.NoError(t, err)
	require.False(t, ok)
}

func testReconfigureMissingCursor(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 2})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Instance: 0, Cursors: state.Cursors{fileA: cursor(6), fileB: cursor(2)}, Consumed: consumed(fileA, 0, 2, 4)}))

	_, err = s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 3})
	require.NoError(t, err)
	cur, err := s.InstanceState(ctx, "s", "g", 2, 2)
	require.NoError(t, err)
	// Instance 1 never read, so fileA starts at 0 and moves past 0 only;
	// fileB has no consumed prefix and needs no cursor.
	require.Equal(t, state.Cursors{fileA: cursor(1)}, cur)
}

func testClearGroup(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileA: cursor(1)}, Consumed: consumed(fileA, 0)}))
	ok, err := s.IsConsumed(ctx, "s", "g", pos(fileA, 0))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ClearGroup(ctx, "s", "g"))
	_, err = s.GroupState(ctx, "s", "g")
	require.True(t, errors.Is(err, state.ErrGroupNotFound))
	ok, err = s.IsConsumed(ctx, "s", "g", pos(fileA, 0))
	require.NoError(t, err)
	require.False(t, ok)
	groups, err := s.Groups(ctx, "s")
	require.NoError(t, err)
	require.Empty(t, groups)
}

func testInvalidNames(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "a/b", "g", state.GroupConfig{Instances: 1})
	require.Error(t, err)
	_, err = s.Reconfigure(ctx, "s", "", state.GroupConfig{Instances: 1})
	require.Error(t, err)
}

func testEnsureGroup(t *testing.T, s state.Store) {
	ctx := context.Background()
	gs, err := s.EnsureGroup(ctx, "s", "g", state.GroupConfig{Instances: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(1), gs.Generation)
	_, err = s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 3})
	require.NoError(t, err)

	gs, err = s.EnsureGroup(ctx, "s", "g", state.GroupConfig{Instances: 5})
	require.NoError(t, err)
	require.Equal(t, uint64(2), gs.Generation)
	require.Equal(t, 3, gs.Instances)
}

func testRevert(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1})
	require.NoError(t, err)
	first := state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileA: cursor(1)}, Consumed: consumed(fileA, 0)}
	require.NoError(t, s.Commit(ctx, "s", "g", first))

	second := state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileA: cursor(3), fileB: cursor(1)}, Consumed: consumed(fileA, 1, 2)}
	require.NoError(t, s.Commit(ctx, "s", "g", second))
	require.NoError(t, s.Revert(ctx, "s", "g", second, state.Cursors{fileA: cursor(1)}))

	cur, err := s.InstanceState(ctx, "s", "g", 1, 0)
	require.NoError(t, err)
	require.Equal(t, state.Cursors{fileA: cursor(1)}, cur)
	for seq, want := range map[uint64]bool{0: true, 1: false, 2: false} {
		ok, err := s.IsConsumed(ctx, "s", "g", pos(fileA, seq))
		require.NoError(t, err)
		require.Equal(t, want, ok, "seq %d", seq)
	}

	// Reverting the first commit to no cursors at all removes the cursor.
	require.NoError(t, s.Revert(ctx, "s", "g", first, nil))
	cur, err = s.InstanceState(ctx, "s", "g", 1, 0)
	require.NoError(t, err)
	require.Empty(t, cur)
}

func testRevertKeepsOtherFiles(t *testing.T, s state.Store) {
	ctx := context.Background()
	_, err := s.Reconfigure(ctx, "s", "g", state.GroupConfig{Instances: 1})
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, "s", "g", state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileB: cursor(2)}}))

	req := state.CommitRequest{Generation: 1, Cursors: state.Cursors{fileA: cursor(1)}, Consumed: consumed(fileA, 0)}
	require.NoError(t, s.Commit(ctx, "s", "g", req))
	require.NoError(t, s.Revert(ctx, "s", "g", req, nil))

	cur, err := s.InstanceState(ctx, "s", "g", 1, 0)
	require.NoError(t, err)
	require.Equal(t, state.Cursors{fileB: cursor(2)}, cur)
}
