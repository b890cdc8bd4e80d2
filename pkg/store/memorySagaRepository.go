package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/saga"
)

// MemorySagaRepository keeps saga states in process memory.
type MemorySagaRepository struct {
	mu          sync.Mutex
	states      map[string]*saga.State
	byAggregate map[string]string
}

func NewMemorySagaRepository() *MemorySagaRepository {
	return &MemorySagaRepository{
		states:      map[string]*saga.State{},
		byAggregate: map[string]string{},
	}
}

func (m *MemorySagaRepository) Create(_ context.Context, state *saga.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byAggregate[state.AggregateID]; ok {
		return fmt.Errorf("saga for aggregate %s already exists: %w", state.AggregateID, errs.ErrStorageConflict)
	}
	if _, ok := m.states[state.ID]; ok {
		return fmt.Errorf("saga %s already exists: %w", state.ID, errs.ErrStorageConflict)
	}
	state.Version = 1
	m.states[state.ID] = state.Clone()
	m.byAggregate[state.AggregateID] = state.ID
	return nil
}

func (m *MemorySagaRepository) Get(_ context.Context, sagaID string) (*saga.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[sagaID]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, errs.ErrNotFound)
	}
	return state.Clone(), nil
}

func (m *MemorySagaRepository) FindByAggregateID(_ context.Context, aggregateID string) (*saga.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byAggregate[aggregateID]
	if !ok {
		return nil, fmt.Errorf("saga for aggregate %s: %w", aggregateID, errs.ErrNotFound)
	}
	return m.states[id].Clone(), nil
}

func (m *MemorySagaRepository) Update(_ context.Context, state *saga.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.states[state.ID]
	if !ok {
		return fmt.Errorf("saga %s: %w", state.ID, errs.ErrNotFound)
	}
	if stored.Version != state.Version {
		return fmt.Errorf("saga %s version %d is stale: %w", state.ID, state.Version, errs.ErrStorageConflict)
	}
	state.Version++
	m.states[state.ID] = state.Clone()
	return nil
}

func (m *MemorySagaRepository) ListCompensationRequired(_ context.Context, limit int) ([]*saga.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*saga.State
	for _, state := range m.states {
		if state.CompensationRequired && state.CompensatedAt == nil {
			out = append(out, state.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
