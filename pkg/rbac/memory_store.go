package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by the memory storage backend and tests
type MemoryStore struct {
	mu          sync.RWMutex
	permissions map[PermissionKey]Permission
	roles       map[string]RoleRecord
	edges       map[string]PermissionSet
	version     int64
}

// NewMemoryStore creates an empty catalog at policy version 1
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		permissions: make(map[PermissionKey]Permission),
		roles:       make(map[string]RoleRecord),
		edges:       make(map[string]PermissionSet),
		version:     1,
	}
}

func (m *MemoryStore) CreatePermission(_ context.Context, perm *Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.permissions[perm.Key]; ok {
		return fmt.Errorf("%w: permission %s", ErrConflict, perm.Key)
	}
	perm.CreatedAt = time.Now().UTC()
	m.permissions[perm.Key] = *perm
	m.version++
	return nil
}

func (m *MemoryStore) DeletePermission(_ context.Context, key PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.permissions[key]; !ok {
		return fmt.Errorf("%w: permission %s", ErrNotFound, key)
	}
	for _, set := range m.edges {
		if set.Has(key) {
			return fmt.Errorf("%w: %s", ErrPermissionInUse, key)
		}
	}
	delete(m.permissions, key)
	m.version++
	return nil
}

func (m *MemoryStore) ListPermissions(_ context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	perms := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Key < perms[j].Key })
	return perms, nil
}

func (m *MemoryStore) CreateRole(_ context.Context, rec *RoleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.roles {
		if r.Key == rec.Key {
			return fmt.Errorf("%w: role %s", ErrConflict, rec.Key)
		}
	}
	if _, ok := m.roles[rec.ID]; ok {
		return fmt.Errorf("%w: role id %s", ErrConflict, rec.ID)
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.roles[rec.ID] = *rec
	m.version++
	return nil
}

func (m *MemoryStore) UpdateRole(_ context.Context, rec *RoleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.roles[rec.ID]
	if !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, rec.ID)
	}
	if existing.Scope != rec.Scope {
		return fmt.Errorf("%w: role %s is %s", ErrImmutableScope, rec.ID, existing.Scope)
	}
	existing.Label = rec.Label
	existing.Description = rec.Description
	existing.UpdatedAt = time.Now().UTC()
	m.roles[rec.ID] = existing
	rec.UpdatedAt = existing.UpdatedAt
	m.version++
	return nil
}

func (m *MemoryStore) GetRole(_ context.Context, id string) (*RoleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.roles[id]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, id)
	}
	return &rec, nil
}

func (m *MemoryStore) GetRoleByKey(_ context.Context, key string) (*RoleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.roles {
		if rec.Key == key {
			r := rec
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: role %s", ErrNotFound, key)
}

func (m *MemoryStore) ListRoles(_ context.Context) ([]RoleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	roles := make([]RoleRecord, 0, len(m.roles))
	for _, r := range m.roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Key < roles[j].Key })
	return roles, nil
}

func (m *MemoryStore) checkEdge(roleID string, key PermissionKey) error {
	if _, ok := m.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	if _, ok := m.permissions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, key)
	}
	return nil
}

func (m *MemoryStore) AddRolePermission(_ context.Context, roleID string, key PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkEdge(roleID, key); err != nil {
		return err
	}
	set, ok := m.edges[roleID]
	if !ok {
		set = NewPermissionSet()
		m.edges[roleID] = set
	}
	if set.Has(key) {
		return nil
	}
	set.Add(key)
	m.version++
	return nil
}

func (m *MemoryStore) RemoveRolePermission(_ context.Context, roleID string, key PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.edges[roleID]
	if !set.Has(key) {
		return fmt.Errorf("%w: role %s has no permission %s", ErrNotFound, roleID, key)
	}
	delete(set, key)
	m.version++
	return nil
}

func (m *MemoryStore) SetRolePermissions(_ context.Context, roleID string, keys []PermissionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	set := NewPermissionSet()
	for _, key := range keys {
		if err := m.checkEdge(roleID, key); err != nil {
			return err
		}
		set.Add(key)
	}
	m.edges[roleID] = set
	m.version++
	return nil
}

func (m *MemoryStore) ListRolePermissions(_ context.Context) ([]RolePermission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var edges []RolePermission
	for roleID, set := range m.edges {
		for _, key := range set.Keys() {
			edges = append(edges, RolePermission{RoleID: roleID, PermissionKey: key})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].RoleID != edges[j].RoleID {
			return edges[i].RoleID < edges[j].RoleID
		}
		return edges[i].PermissionKey < edges[j].PermissionKey
	})
	return edges, nil
}

func (m *MemoryStore) PolicyVersion(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}
