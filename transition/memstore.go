package transition

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/sale-transition/generic"
)

// MemoryStore is a Store for tests and development.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]Request
	conflicts map[string][]SaleConflict
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]Request),
		conflicts: make(map[string][]SaleConflict),
	}
}

func (m *MemoryStore) SaveRequest(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = r
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrTransitionNotFound, id)
	}
	return &r, nil
}

func (m *MemoryStore) OpenRequestForItem(_ context.Context, itemID generic.ItemID) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.requests {
		if r.ItemID == itemID && r.Status.IsOpen() {
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListOpenBefore(_ context.Context, cutoff time.Time) ([]Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Request
	for _, r := range m.requests {
		if r.Status.IsOpen() && r.CreatedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveConflicts(_ context.Context, rows []SaleConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.conflicts[row.TransitionID] = append(m.conflicts[row.TransitionID], row)
	}
	return nil
}

func (m *MemoryStore) ConflictsFor(_ context.Context, transitionID string) ([]SaleConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.conflicts[transitionID]
	out := make([]SaleConflict, len(rows))
	copy(out, rows)
	return out, nil
}
