package tx

import (
	"context"
	"sync"
	"time"
)

// Manager is an in-process System with optimistic conflict detection over
// participant change sets. It stands in for an external transaction service
// in single-node deployments and tests.
type Manager struct {
	mu         sync.Mutex
	ids        *idGenerator
	inProgress map[ID]*txState
	committed  []committedTx
	commitSeq  uint64
}

type txState struct {
	startSeq uint64
	changes  map[string]struct{}
}

type committedTx struct {
	seq     uint64
	changes map[string]struct{}
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{ids: newIDGenerator(), inProgress: make(map[ID]*txState)}
}

func (m *Manager) StartShort(ctx context.Context) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := &Transaction{ID: m.ids.next(), StartedAt: time.Now()}
	m.mu.Lock()
	m.inProgress[t.ID] = &txState{startSeq: m.commitSeq}
	m.mu.Unlock()
	return t, nil
}

// CanCommit fails with ErrConflict if a transaction committed after t started
// touched any of changes.
func (m *Manager) CanCommit(_ context.Context, t *Transaction, changes [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inProgress[t.ID]
	if !ok {
		return ErrNotInProgress
	}
	for _, c := range m.committed {
		if c.seq <= st.startSeq {
			continue
		}
		for _, k := range changes {
			if _, hit := c.changes[string(k)]; hit {
				return ErrConflict
			}
		}
	}
	st.changes = make(map[string]struct{}, len(changes))
	for _, k := range changes {
		st.changes[string(k)] = struct{}{}
	}
	return nil
}

// Commit makes t's change set visible to conflict detection of transactions
// that started before it.
func (m *Manager) Commit(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.inProgress[t.ID]
	if !ok {
		return ErrNotInProgress
	}
	delete(m.inProgress, t.ID)
	if len(st.changes) > 0 {
		m.commitSeq++
		m.committed = append(m.committed, committedTx{seq: m.commitSeq, changes: st.changes})
	}
	m.prune()
	return nil
}

func (m *Manager) Abort(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgress, t.ID)
	m.prune()
	return nil
}

// prune drops change sets no in-progress transaction can conflict with.
func (m *Manager) prune() {
	oldest := m.commitSeq
	for _, st := range m.inProgress {
		if st.startSeq < oldest {
			oldest = st.startSeq
		}
	}
	i := 0
	for i < len(m.committed) && m.committed[i].seq <= oldest {
		i++
	}
	m.committed = m.committed[i:]
}
