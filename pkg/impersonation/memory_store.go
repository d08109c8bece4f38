package impersonation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transition holds the write lock for the
// whole check-and-set.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session %s exists", ErrInvalidInput, s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &s, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, to Status, by string, at time.Time) (*Session, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != StatusActive || s.ExpiredAt(at) != (to == StatusExpired) {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, s.Status)
	}

	s.Status = to
	s.EndedBy = by
	s.EndedAt = &at
	m.sessions[id] = s
	return &s, nil
}

func (m *MemoryStore) List(_ context.Context, filter Filter, now time.Time) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Session
	for _, s := range m.sessions {
		if filter.ActorUserID != "" && s.ActorUserID != filter.ActorUserID {
			continue
		}
		if filter.TargetUserID != "" && s.TargetUserID != filter.TargetUserID {
			continue
		}
		if filter.OrgID != "" && s.OrgID != filter.OrgID {
			continue
		}
		if filter.ActiveOnly {
			if !s.UsableAt(now) {
				continue
			}
		} else if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.Status == StatusActive && s.ExpiredAt(now) {
			endedAt := s.ExpiresAt
			s.Status = StatusExpired
			s.EndedAt = &endedAt
			m.sessions[id] = s
			n++
		}
	}
	return n, nil
}
