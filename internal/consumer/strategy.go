package consumer

import (
	"github.com/cespare/xxhash/v2"

	"github.com/rzbill/flowstream/internal/consumer/state"
	"github.com/rzbill/flowstream/internal/streamfile"
)

// OwnerFunc maps an event to the instance that owns its position.
type OwnerFunc func(ev streamfile.StreamEvent) int

// Owner returns the ownership function of a group generation.
//
// FIFO and ROUND_ROBIN assign position seq to instance seq mod N, so each
// instance reads its own stripe in append order. HASH assigns by the xxhash of
// the hash-key header; events without that header fall back to seq mod N.
func Owner(gs state.GroupState) OwnerFunc {
	n := uint64(gs.Instances)
	if n <= 1 {
		return func(streamfile.StreamEvent) int { return 0 }
	}
	bySeq := func(ev streamfile.StreamEvent) int { return int(ev.Offset.Seq % n) }
	if gs.Strategy != state.Hash || gs.HashKey == "" {
		return bySeq
	}
	key := gs.HashKey
	return func(ev streamfile.StreamEvent) int {
		v, ok := ev.Headers[key]
		if !ok {
			return bySeq(ev)
		}
		return int(xxhash.Sum64String(v) % n)
	}
}
