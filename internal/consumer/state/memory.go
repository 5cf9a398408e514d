package state

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps cells in process memory. It is meant for tests and
// ephemeral consumers.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[string]map[string][]byte
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: map[string]map[string][]byte{}}
}

// NewMemory returns a Store over a fresh MemoryBackend.
func NewMemory() *KVStore {
	s, _ := New(NewMemoryBackend(), Options{})
	return s
}

func (m *MemoryBackend) View(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{m: m, readOnly: true})
}

func (m *MemoryBackend) Update(ctx context.Context, fn func(Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTxn{m: m}
	if err := fn(tx); err != nil {
		return err
	}
	for _, op := range tx.ops {
		op()
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Snapshot returns a deep copy of every cell keyed by row and column.
func (m *MemoryBackend) Snapshot() map[string]map[string][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string][]byte, len(m.rows))
	for r, cols := range m.rows {
		c := make(map[string][]byte, len(cols))
		for k, v := range cols {
			c[k] = append([]byte(nil), v...)
		}
		out[r] = c
	}
	return out
}

// memTxn reads the committed maps and queues writes until Update returns.
type memTxn struct {
	m        *MemoryBackend
	readOnly bool
	ops      []func()
}

func (t *memTxn) Get(row, col []byte) ([]byte, bool, error) {
	v, ok := t.m.rows[string(row)][string(col)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *memTxn) Scan(row, prefix []byte, fn func(col, val []byte) error) error {
	cols := t.m.rows[string(row)]
	keys := make([]string, 0, len(cols))
	for k := range cols {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), cols[k]); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTxn) write(op func()) error {
	if t.readOnly {
		return errReadOnly
	}
	t.ops = append(t.ops, op)
	return nil
}

func (t *memTxn) Put(row, col, val []byte) error {
	r, c, v := string(row), string(col), append([]byte(nil), val...)
	return t.write(func() {
		cols, ok := t.m.rows[r]
		if !ok {
			cols = map[string][]byte{}
			t.m.rows[r] = cols
		}
		cols[c] = v
	})
}

func (t *memTxn) Delete(row, col []byte) error {
	r, c := string(row), string(col)
	return t.write(func() { delete(t.m.rows[r], c) })
}

func (t *memTxn) DeleteRange(row, start, end []byte) error {
	r, s, e := string(row), string(start), string(end)
	return t.write(func() {
		for k := range t.m.rows[r] {
			if k >= s && (end == nil || k < e) {
				delete(t.m.rows[r], k)
			}
		}
	})
}

func (t *memTxn) DeleteRow(row []byte) error {
	r := string(row)
	return t.write(func() { delete(t.m.rows, r) })
}
