package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"secflow/internal/domain"
)

// Memory is an in-process store with the same contract as Repo. It backs
// tests and `sf serve --memory`.
type Memory struct {
	mu        sync.RWMutex
	timelines map[domain.Key]domain.Timeline
	events    []domain.Event
}

func NewMemory() *Memory {
	return &Memory{timelines: map[domain.Key]domain.Timeline{}}
}

func (m *Memory) Get(_ context.Context, key domain.Key) (domain.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.timelines[key]
	if !ok {
		return domain.Timeline{}, fmt.Errorf("timeline %s: %w", key, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *Memory) List(_ context.Context, f TimelineFilters) ([]domain.Timeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Timeline
	for _, t := range m.timelines {
		if f.ClientID != "" && t.ClientID != f.ClientID {
			continue
		}
		if f.ServiceID != "" && t.ServiceID != f.ServiceID {
			continue
		}
		if f.ServiceName != "" && t.ServiceName != f.ServiceName {
			continue
		}
		res = append(res, t.Clone())
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].ClientID != res[j].ClientID {
			return res[i].ClientID < res[j].ClientID
		}
		return res[i].ServiceID < res[j].ServiceID
	})
	return res, nil
}

func (m *Memory) Create(ctx context.Context, t domain.Timeline, evts []domain.Event) error {
	return m.CreateMany(ctx, []NewTimeline{{Timeline: t, Events: evts}})
}

func (m *Memory) CreateMany(_ context.Context, items []NewTimeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[domain.Key]bool, len(items))
	for _, item := range items {
		k := item.Timeline.Key()
		if _, ok := m.timelines[k]; ok || seen[k] {
			return fmt.Errorf("timeline %s: %w", k, ErrExists)
		}
		seen[k] = true
	}
	for _, item := range items {
		m.timelines[item.Timeline.Key()] = item.Timeline.Clone()
		m.appendLocked(item.Events)
	}
	return nil
}

func (m *Memory) Save(_ context.Context, t domain.Timeline, expected int, evts []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.timelines[t.Key()]
	if !ok {
		return fmt.Errorf("timeline %s: %w", t.Key(), ErrNotFound)
	}
	if cur.Version != expected {
		return fmt.Errorf("timeline %s at version %d: %w", t.Key(), expected, ErrConflict)
	}
	m.timelines[t.Key()] = t.Clone()
	m.appendLocked(evts)
	return nil
}

func (m *Memory) appendLocked(evts []domain.Event) {
	for _, e := range evts {
		e.ID = int64(len(m.events) + 1)
		m.events = append(m.events, e)
	}
}

func (m *Memory) LatestEvents(_ context.Context, limit int, f EventFilters) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Event
	for i := len(m.events) - 1; i >= 0 && len(res) < limit; i-- {
		e := m.events[i]
		if f.ClientID != "" && e.ClientID != f.ClientID {
			continue
		}
		if f.ServiceID != "" && e.ServiceID != f.ServiceID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.BeforeID > 0 && e.ID >= f.BeforeID {
			continue
		}
		res = append(res, e)
	}
	return res, nil
}

func (m *Memory) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Event
	for _, e := range m.events {
		if e.ID > cursor {
			res = append(res, e)
			if len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

func (m *Memory) LatestEventID(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events)), nil
}
