package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zoff-tech/order-saga/pkg/errs"
	"github.com/zoff-tech/order-saga/pkg/order"
)

// MemoryRepository keeps orders and outbox events in process memory. It is meant for local
// development and tests; it honors the same atomicity and version rules as the SQL backends.
type MemoryRepository struct {
	mu        sync.Mutex
	orders    map[string]order.Snapshot
	outbox    map[string]*OutboxEvent
	clock     clockwork.Clock
	retention time.Duration
}

func NewMemoryRepository(clock clockwork.Clock, retention time.Duration) *MemoryRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if retention <= 0 {
		retention = DefaultOutboxRetention
	}
	return &MemoryRepository{
		orders:    map[string]order.Snapshot{},
		outbox:    map[string]*OutboxEvent{},
		clock:     clock,
		retention: retention,
	}
}

func (m *MemoryRepository) SaveWithEvents(_ context.Context, o *order.Order) error {
	rows, err := outboxEvents(o.PendingEvents(), m.clock.Now(), m.retention)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.orders[o.ID()]
	switch {
	case o.IsNew() && exists:
		return fmt.Errorf("order %s already exists: %w", o.ID(), errs.ErrStorageConflict)
	case !o.IsNew() && !exists:
		return fmt.Errorf("order %s: %w", o.ID(), errs.ErrNotFound)
	case !o.IsNew() && stored.Version != o.Version():
		return fmt.Errorf("order %s version %d is stale: %w", o.ID(), o.Version(), errs.ErrStorageConflict)
	}
	for _, row := range rows {
		if _, dup := m.outbox[row.ID]; dup {
			return fmt.Errorf("outbox event %s already exists: %w", row.ID, errs.ErrStorageConflict)
		}
	}

	next := o.Version() + 1
	snap := o.Snapshot()
	snap.Version = next
	m.orders[o.ID()] = snap
	for i := range rows {
		row := rows[i]
		m.outbox[row.ID] = &row
	}
	o.Committed(next)
	return nil
}

func (m *MemoryRepository) Load(_ context.Context, orderID string) (order.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.orders[orderID]
	if !ok {
		return order.Snapshot{}, fmt.Errorf("order %s: %w", orderID, errs.ErrNotFound)
	}
	snap.Items = append([]order.LineItem(nil), snap.Items...)
	return snap, nil
}

func (m *MemoryRepository) ListUnpublished(_ context.Context, limit, maxRetries int) ([]OutboxEvent, error) {
	return m.list(func(e *OutboxEvent) bool {
		return !e.Published && e.RetryCount < maxRetries
	}, limit), nil
}

func (m *MemoryRepository) ListFailed(_ context.Context, maxRetries int) ([]OutboxEvent, error) {
	return m.list(func(e *OutboxEvent) bool {
		return !e.Published && e.RetryCount >= maxRetries
	}, 0), nil
}

func (m *MemoryRepository) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.outbox[eventID]; ok && !e.Published {
		at = at.UTC()
		e.Published = true
		e.PublishedAt = &at
	}
	return nil
}

func (m *MemoryRepository) IncrementRetry(_ context.Context, eventID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.outbox[eventID]; ok && !e.Published {
		e.RetryCount++
		e.LastError = lastErr
	}
	return nil
}

func (m *MemoryRepository) MarkEscalated(_ context.Context, eventIDs []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	at = at.UTC()
	for _, id := range eventIDs {
		if e, ok := m.outbox[id]; ok && e.EscalatedAt == nil {
			stamp := at
			e.EscalatedAt = &stamp
		}
	}
	return nil
}

func (m *MemoryRepository) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, e := range m.outbox {
		if e.ExpiresAt.Before(now) {
			delete(m.outbox, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) list(match func(*OutboxEvent) bool, limit int) []OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []OutboxEvent
	for _, e := range m.outbox {
		if match(e) {
			events = append(events, *e)
		}
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
