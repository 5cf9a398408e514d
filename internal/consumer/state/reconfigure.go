package state

import (
	"context"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rzbill/flowstream/internal/streamfile"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

// Reconfigure moves the group to a new generation.
//
// For every file any old instance has a cursor in, the floor is the smallest
// cursor among the old instances, an instance without a cursor counting as
// the file start. The floor then advances over positions already in the
// consumption record. Every new instance starts at the floors; records below
// them are pruned since no instance scans there again. Positions between the
// floor and an instance's old cursor that are already consumed stay in the
// record and are skipped while scanning.
func (s *KVStore) Reconfigure(ctx context.Context, stream, group string, cfg GroupConfig) (GroupState, error) {
	if err := validateNames(stream, group); err != nil {
		return GroupState{}, err
	}
	if cfg.Strategy == "" {
		cfg.Strategy = FIFO
	}
	if err := cfg.Validate(); err != nil {
		return GroupState{}, err
	}
	row := groupRow(stream, group)
	var next GroupState
	var floorFiles int
	err := s.b.Update(ctx, func(tx Txn) error {
		prev, exists, err := readGroupState(tx, row)
		if err != nil {
			return err
		}
		next = GroupState{GroupConfig: cfg, Generation: 1}
		floors := Cursors{}
		if exists {
			next.Generation = prev.Generation + 1
			floors, err = computeFloors(tx, row, prev)
			if err != nil {
				return err
			}
			floorFiles = len(floors)
			if err := tx.DeleteRange(row, colCursorPrefix, PrefixEnd(colCursorPrefix)); err != nil {
				return err
			}
		}
		if len(floors) > 0 {
			v, err := encodeCursors(floors)
			if err != nil {
				return err
			}
			for i := 0; i < cfg.Instances; i++ {
				if err := tx.Put(row, cursorCol(next.Generation, i), v); err != nil {
					return err
				}
			}
		}
		v, err := msgpack.Marshal(next)
		if err != nil {
			return err
		}
		if err := tx.Put(row, colState, v); err != nil {
			return err
		}
		return tx.Put(streamRow(stream), groupCol(group), nil)
	})
	if err != nil {
		return GroupState{}, err
	}
	if s.consumed != nil {
		s.consumed.Purge()
	}
	s.logger.Info("consumer group reconfigured",
		logpkg.Str("stream", stream),
		logpkg.Str("group", group),
		logpkg.Uint64("generation", next.Generation),
		logpkg.Int("instances", next.Instances),
		logpkg.Str("strategy", string(next.Strategy)),
		logpkg.Int("floor_files", floorFiles))
	return next, nil
}

// computeFloors derives the per-file starting cursors of the next generation
// and deletes the records below them.
func computeFloors(tx Txn, row []byte, prev GroupState) (Cursors, error) {
	old := make([]Cursors, prev.Instances)
	files := map[streamfile.FileID]struct{}{}
	for i := range old {
		c, err := readCursors(tx, row, prev.Generation, i)
		if err != nil {
			return nil, err
		}
		old[i] = c
		for f := range c {
			files[f] = struct{}{}
		}
	}

	floors := Cursors{}
	for f := range files {
		floor, first := Cursor{}, true
		for _, c := range old {
			cur, ok := c[f]
			if !ok {
				floor = Cursor{}
				break
			}
			if first || cur.Pos < floor.Pos {
				floor, first = cur, false
			}
		}
		for {
			v, ok, err := tx.Get(row, recCol(streamfile.Position{File: f, Seq: floor.Seq}))
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			next, err := decodeNext(v)
			if err != nil {
				return nil, err
			}
			floor = Cursor{Pos: next, Seq: floor.Seq + 1}
		}
		if floor.Seq == 0 {
			continue
		}
		floors[f] = floor
		// Records below the floor: positions [0, floor.Seq) of f.
		if err := tx.DeleteRange(row, recFilePrefix(f), recCol(streamfile.Position{File: f, Seq: floor.Seq})); err != nil {
			return nil, err
		}
	}
	return floors, nil
}
