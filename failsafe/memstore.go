package failsafe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/warp/sale-transition/generic"
)

// MemoryCheckpointStore is a CheckpointStore for tests and single-process use.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]Checkpoint)}
}

func (m *MemoryCheckpointStore) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ID] = cp
	return nil
}

func (m *MemoryCheckpointStore) Get(_ context.Context, id string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	return &cp, nil
}

func (m *MemoryCheckpointStore) Claim(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	if cp.Used {
		return generic.ErrCheckpointUsed
	}
	cp.Used = true
	cp.UsedAt = &at
	m.checkpoints[id] = cp
	return nil
}

func (m *MemoryCheckpointStore) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	cp.Used = false
	cp.UsedAt = nil
	m.checkpoints[id] = cp
	return nil
}

func (m *MemoryCheckpointStore) MarkCommitted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[id]
	if !ok {
		return fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	cp.CommittedAt = &at
	m.checkpoints[id] = cp
	return nil
}

func (m *MemoryCheckpointStore) ActiveForItem(_ context.Context, itemID generic.ItemID, now time.Time) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.checkpoints {
		if cp.ItemID == itemID && cp.InFlight(now) {
			cp := cp
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryCheckpointStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[id]; !ok {
		return fmt.Errorf("%w: %s", generic.ErrCheckpointNotFound, id)
	}
	delete(m.checkpoints, id)
	return nil
}

func (m *MemoryCheckpointStore) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, cp := range m.checkpoints {
		if !cp.Used && cp.ExpiresAt.Before(cutoff) {
			delete(m.checkpoints, id)
			n++
		}
	}
	return n, nil
}
