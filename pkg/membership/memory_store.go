package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It does not know role scopes; the
// Service validates them before writing.
type MemoryStore struct {
	mu           sync.RWMutex
	orgs         map[string]Organization
	projects     map[string]Project
	memberships  map[string]Membership
	projectMembs map[string]ProjectMembership
	platform     map[string]PlatformMembership
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:         make(map[string]Organization),
		projects:     make(map[string]Project),
		memberships:  make(map[string]Membership),
		projectMembs: make(map[string]ProjectMembership),
		platform:     make(map[string]PlatformMembership),
	}
}

func (m *MemoryStore) CreateOrganization(_ context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.ID]; ok {
		return fmt.Errorf("%w: organization %s", ErrConflict, org.ID)
	}
	m.orgs[org.ID] = *org
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.orgs[id]
	if !ok {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, id)
	}
	return &org, nil
}

func (m *MemoryStore) CreateProject(_ context.Context, p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[p.OrgID]; !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, p.OrgID)
	}
	if _, ok := m.projects[p.ID]; ok {
		return fmt.Errorf("%w: project %s", ErrConflict, p.ID)
	}
	m.projects[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return &p, nil
}

func (m *MemoryStore) CreateMembership(_ context.Context, mb *Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[mb.OrgID]; !ok {
		return fmt.Errorf("%w: organization %s", ErrNotFound, mb.OrgID)
	}
	for _, existing := range m.memberships {
		if existing.OrgID == mb.OrgID && existing.UserID == mb.UserID {
			return fmt.Errorf("%w: membership", ErrConflict)
		}
	}
	m.memberships[mb.ID] = *mb
	return nil
}

func (m *MemoryStore) GetMembership(_ context.Context, orgID, userID string) (*Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mb := range m.memberships {
		if mb.OrgID == orgID && mb.UserID == userID {
			out := mb
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: membership of %s in %s", ErrNotFound, userID, orgID)
}

func (m *MemoryStore) SetMembershipRole(_ context.Context, id, roleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.memberships[id]
	if !ok {
		return fmt.Errorf("%w: membership %s", ErrNotFound, id)
	}
	existing.RoleID = roleID
	existing.UpdatedAt = at
	m.memberships[id] = existing
	return nil
}

func (m *MemoryStore) TransitionMembership(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.memberships[id]
	if !ok {
		return fmt.Errorf("%w: membership %s", ErrNotFound, id)
	}
	if existing.Status != from {
		return fmt.Errorf("%w: membership %s is no longer %s", ErrStatusChanged, id, from)
	}
	existing.Status = to
	existing.UpdatedAt = at
	m.memberships[id] = existing
	return nil
}

func (m *MemoryStore) ListMemberships(_ context.Context, orgID string) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Membership
	for _, mb := range m.memberships {
		if mb.OrgID == orgID {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateProjectMembership(_ context.Context, mb *ProjectMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[mb.ProjectID]
	if !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, mb.ProjectID)
	}
	if p.OrgID != mb.OrgID {
		return fmt.Errorf("%w: project %s", ErrOrgMismatch, mb.ProjectID)
	}
	for _, existing := range m.projectMembs {
		if existing.ProjectID == mb.ProjectID && existing.UserID == mb.UserID {
			return fmt.Errorf("%w: project membership", ErrConflict)
		}
	}
	m.projectMembs[mb.ID] = *mb
	return nil
}

func (m *MemoryStore) GetProjectMembership(_ context.Context, projectID, userID string) (*ProjectMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mb := range m.projectMembs {
		if mb.ProjectID == projectID && mb.UserID == userID {
			out := mb
			return &out, nil
		}
	}
	return nil, fmt.Errorf("%w: membership of %s in project %s", ErrNotFound, userID, projectID)
}

func (m *MemoryStore) SetProjectMembershipRole(_ context.Context, id, roleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.projectMembs[id]
	if !ok {
		return fmt.Errorf("%w: project membership %s", ErrNotFound, id)
	}
	existing.RoleID = roleID
	existing.UpdatedAt = at
	m.projectMembs[id] = existing
	return nil
}

func (m *MemoryStore) TransitionProjectMembership(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.projectMembs[id]
	if !ok {
		return fmt.Errorf("%w: project membership %s", ErrNotFound, id)
	}
	if existing.Status != from {
		return fmt.Errorf("%w: project membership %s is no longer %s", ErrStatusChanged, id, from)
	}
	existing.Status = to
	existing.UpdatedAt = at
	m.projectMembs[id] = existing
	return nil
}

func (m *MemoryStore) ListProjectMemberships(_ context.Context, projectID string) ([]ProjectMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ProjectMembership
	for _, mb := range m.projectMembs {
		if mb.ProjectID == projectID {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreatePlatformMembership(_ context.Context, mb *PlatformMembership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.platform[mb.ID]; ok {
		return fmt.Errorf("%w: platform membership %s", ErrConflict, mb.ID)
	}
	m.platform[mb.ID] = *mb
	return nil
}

func (m *MemoryStore) GetPlatformMembership(_ context.Context, id string) (*PlatformMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.platform[id]
	if !ok {
		return nil, fmt.Errorf("%w: platform membership %s", ErrNotFound, id)
	}
	return &mb, nil
}

func (m *MemoryStore) TransitionPlatformMembership(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.platform[id]
	if !ok {
		return fmt.Errorf("%w: platform membership %s", ErrNotFound, id)
	}
	if existing.Status != from {
		return fmt.Errorf("%w: platform membership %s is no longer %s", ErrStatusChanged, id, from)
	}
	existing.Status = to
	existing.UpdatedAt = at
	m.platform[id] = existing
	return nil
}

func (m *MemoryStore) ListPlatformMemberships(_ context.Context, userID string) ([]PlatformMembership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PlatformMembership
	for _, mb := range m.platform {
		if mb.UserID == userID {
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
