package state

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rzbill/flowstream/internal/streamfile"
	logpkg "github.com/rzbill/flowstream/pkg/log"
)

// DefaultCacheSize bounds the number of consumed positions remembered in
// memory.
const DefaultCacheSize = 64 << 10

// Options configures a KVStore.
type Options struct {
	// CacheSize bounds the consumed-position cache. Zero uses DefaultCacheSize,
	// negative disables the cache.
	CacheSize int
	Logger    logpkg.Logger
}

// KVStore implements Store over a Backend.
type KVStore struct {
	b      Backend
	logger logpkg.Logger
	// consumed caches positive IsConsumed answers. Records are only removed
	// by ClearGroup and Reconfigure, which purge it.
	consumed *lru.Cache[string, struct{}]
}

var _ Store = (*KVStore)(nil)

// New returns a Store persisting into b. The store owns b and closes it.
func New(b Backend, opts Options) (*KVStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	s := &KVStore{b: b, logger: logger.WithComponent("consumer-state")}
	size := opts.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}
	if size > 0 {
		c, err := lru.New[string, struct{}](size)
		if err != nil {
			return nil, err
		}
		s.consumed = c
	}
	return s, nil
}

func (s *KVStore) Close() error { return s.b.Close() }

func readGroupState(tx Txn, row []byte) (GroupState, bool, error) {
	v, ok, err := tx.Get(row, colState)
	if err != nil || !ok {
		return GroupState{}, false, err
	}
	var gs GroupState
	if err := msgpack.Unmarshal(v, &gs); err != nil {
		return GroupState{}, false, fmt.Errorf("decode group state: %w", err)
	}
	return gs, true, nil
}

func readCursors(tx Txn, row []byte, gen uint64, instance int) (Cursors, error) {
	v, ok, err := tx.Get(row, cursorCol(gen, instance))
	if err != nil {
		return nil, err
	}
	if !ok {
		return Cursors{}, nil
	}
	return decodeCursors(v)
}

func (s *KVStore) GroupState(ctx context.Context, stream, group string) (GroupState, error) {
	if err := validateNames(stream, group); err != nil {
		return GroupState{}, err
	}
	var gs GroupState
	err := s.b.View(ctx, func(tx Txn) error {
		var ok bool
		var err error
		gs, ok, err = readGroupState(tx, groupRow(stream, group))
		if err == nil && !ok {
			err = fmt.Errorf("%w: %s/%s", ErrGroupNotFound, stream, group)
		}
		return err
	})
	return gs, err
}

func (s *KVStore) Groups(ctx context.Context, stream string) ([]string, error) {
	var out []string
	err := s.b.View(ctx, func(tx Txn) error {
		return tx.Scan(streamRow(stream), colGroupPrefix, func(col, _ []byte) error {
			out = append(out, string(col[len(colGroupPrefix):]))
			return nil
		})
	})
	return out, err
}

func (s *KVStore) InstanceState(ctx context.Context, stream, group string, generation uint64, instance int) (Cursors, error) {
	if err := validateNames(stream, group); err != nil {
		return nil, err
	}
	var cur Cursors
	err := s.b.View(ctx, func(tx Txn) error {
		var err error
		cur, err = readCursors(tx, groupRow(stream, group), generation, instance)
		return err
	})
	return cur, err
}

func (s *KVStore) Commit(ctx context.Context, stream, group string, req CommitRequest) error {
	if err := validateNames(stream, group); err != nil {
		return err
	}
	row := groupRow(stream, group)
	err := s.b.Update(ctx, func(tx Txn) error {
		gs, ok, err := readGroupState(tx, row)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s/%s", ErrGroupNotFound, stream, group)
		}
		if gs.Generation != req.Generation {
			return fmt.Errorf("%w: commit for generation %d, group is at %d", ErrStaleGeneration, req.Generation, gs.Generation)
		}
		if req.Instance < 0 || req.Instance >= gs.Instances {
			return fmt.Errorf("%w: instance %d of %d", ErrInstanceOutOfRange, req.Instance, gs.Instances)
		}

		seen := make(map[streamfile.Position]struct{}, len(req.Consumed))
		for _, c := range req.Consumed {
			if _, dup := seen[c.Position]; dup {
				return fmt.Errorf("%w: %s delivered twice", ErrConsistency, c.Position)
			}
			seen[c.Position] = struct{}{}
			_, exists, err := tx.Get(row, recCol(c.Position))
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrConsistency, c.Position)
			}
			v, err := encodeNext(c.Next)
			if err != nil {
				return err
			}
			if err := tx.Put(row, recCol(c.Position), v); err != nil {
				return err
			}
		}

		if len(req.Cursors) == 0 {
			return nil
		}
		cur, err := readCursors(tx, row, req.Generation, req.Instance)
		if err != nil {
			return err
		}
		for f, c := range req.Cursors {
			cur.Advance(f, c)
		}
		v, err := encodeCursors(cur)
		if err != nil {
			return err
		}
		return tx.Put(row, cursorCol(req.Generation, req.Instance), v)
	})
	if err != nil {
		return err
	}
	if s.consumed != nil {
		for _, c := range req.Consumed {
			s.consumed.Add(cacheKey(row, c.Position), struct{}{})
		}
	}
	return nil
}

func cacheKey(row []byte, p streamfile.Position) string {
	return string(p.AppendKey(append(append([]byte(nil), row...), 0)))
}

func (s *KVStore) IsConsumed(ctx context.Context, stream, group string, p streamfile.Position) (bool, error) {
	if err := validateNames(stream, group); err != nil {
		return false, err
	}
	row := groupRow(stream, group)
	key := cacheKey(row, p)
	if s.consumed != nil && s.consumed.Contains(key) {
		return true, nil
	}
	var found bool
	err := s.b.View(ctx, func(tx Txn) error {
		var err error
		_, found, err = tx.Get(row, recCol(p))
		return err
	})
	if err != nil {
		return false, err
	}
	if found && s.consumed != nil {
		s.consumed.Add(key, struct{}{})
	}
	return found, nil
}

func (s *KVStore) ClearGroup(ctx context.Context, stream, group string) error {
	if err := validateNames(stream, group); err != nil {
		return err
	}
	err := s.b.Update(ctx, func(tx Txn) error {
		if err := tx.DeleteRow(groupRow(stream, group)); err != nil {
			return err
		}
		return tx.Delete(streamRow(stream), groupCol(group))
	})
	if s.consumed != nil {
		s.consumed.Purge()
	}
	return err
}

func (s *KVStore) EnsureGroup(ctx context.Context, stream, group string, cfg GroupConfig) (GroupState, error) {
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
	var gs GroupState
	err := s.b.Update(ctx, func(tx Txn) error {
		cur, ok, err := readGroupState(tx, row)
		if err != nil || ok {
			gs = cur
			return err
		}
		gs = GroupState{GroupConfig: cfg, Generation: 1}
		v, err := msgpack.Marshal(gs)
		if err != nil {
			return err
		}
		if err := tx.Put(row, colState, v); err != nil {
			return err
		}
		return tx.Put(streamRow(stream), groupCol(group), nil)
	})
	return gs, err
}

func (s *KVStore) Revert(ctx context.Context, stream, group string, req CommitRequest, prev Cursors) error {
	if err := validateNames(stream, group); err != nil {
		return err
	}
	row := groupRow(stream, group)
	err := s.b.Update(ctx, func(tx Txn) error {
		gs, ok, err := readGroupState(tx, row)
		if err != nil {
			return err
		}
		if !ok || gs.Generation != req.Generation {
			// A reconfiguration or clear already replaced this generation.
			return nil
		}
		for _, c := range req.Consumed {
			if err := tx.Delete(row, recCol(c.Position)); err != nil {
				return err
			}
		}
		if len(req.Cursors) == 0 {
			return nil
		}
		// Only the files the commit touched are restored; other participants
		// of the same instance may keep their own files in this row.
		cur, err := readCursors(tx, row, req.Generation, req.Instance)
		if err != nil {
			return err
		}
		for f := range req.Cursors {
			if p, ok := prev[f]; ok {
				cur[f] = p
			} else {
				delete(cur, f)
			}
		}
		col := cursorCol(req.Generation, req.Instance)
		if len(cur) == 0 {
			return tx.Delete(row, col)
		}
		v, err := encodeCursors(cur)
		if err != nil {
			return err
		}
		return tx.Put(row, col, v)
	})
	if s.consumed != nil {
		s.consumed.Purge()
	}
	return err
}
