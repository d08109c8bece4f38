package rbac

import (
	"fmt"
)

// Snapshot is an immutable view of the catalog at one policy version.
// Sets returned by its accessors must not be modified.
type Snapshot struct {
	Version int64

	permissions  map[PermissionKey]Permission
	roles        map[string]Role
	rolesByKey   map[string]Role
	edges        map[string]PermissionSet
	projectKeys  PermissionSet
	platformKeys PermissionSet
}

// BuildSnapshot indexes catalog rows loaded at version
func BuildSnapshot(version int64, perms []Permission, roles []RoleRecord, edges []RolePermission) (*Snapshot, error) {
	s := &Snapshot{
		Version:      version,
		permissions:  make(map[PermissionKey]Permission, len(perms)),
		roles:        make(map[string]Role, len(roles)),
		rolesByKey:   make(map[string]Role, len(roles)),
		edges:        make(map[string]PermissionSet, len(roles)),
		projectKeys:  NewPermissionSet(),
		platformKeys: NewPermissionSet(),
	}

	for _, p := range perms {
		s.permissions[p.Key] = p
	}
	for _, rec := range roles {
		role, err := rec.Role()
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", rec.ID, err)
		}
		s.roles[rec.ID] = role
		s.rolesByKey[rec.Key] = role
		s.edges[rec.ID] = NewPermissionSet()
	}
	for _, e := range edges {
		role, ok := s.roles[e.RoleID]
		if !ok {
			return nil, fmt.Errorf("edge references unknown role %s", e.RoleID)
		}
		s.edges[e.RoleID].Add(e.PermissionKey)

		switch role.(type) {
		case ProjectRole:
			s.projectKeys.Add(e.PermissionKey)
		case PlatformRole:
			s.platformKeys.Add(e.PermissionKey)
		case OrgRole:
		}
	}
	return s, nil
}

// Role returns the role with id
func (s *Snapshot) Role(id string) (Role, bool) {
	r, ok := s.roles[id]
	return r, ok
}

// RoleByKey returns the role with key
func (s *Snapshot) RoleByKey(key string) (Role, bool) {
	r, ok := s.rolesByKey[key]
	return r, ok
}

// Roles returns every role in the catalog
func (s *Snapshot) Roles() []Role {
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out
}

// PermissionsOf returns the keys linked to the role. Unknown roles have none.
func (s *Snapshot) PermissionsOf(roleID string) PermissionSet {
	return s.edges[roleID]
}

// HasPermission reports whether key is in the catalog
func (s *Snapshot) HasPermission(key PermissionKey) bool {
	_, ok := s.permissions[key]
	return ok
}

// Permission returns the catalog entry for key
func (s *Snapshot) Permission(key PermissionKey) (Permission, bool) {
	p, ok := s.permissions[key]
	return p, ok
}

// ProjectKeys is the union of the permissions of every project-scoped role.
// These are the keys the organization admin override grants.
func (s *Snapshot) ProjectKeys() PermissionSet {
	return s.projectKeys
}

// IsProjectScoped reports whether key is granted by at least one project role
func (s *Snapshot) IsProjectScoped(key PermissionKey) bool {
	return s.projectKeys.Has(key)
}

// PlatformKeys is the union of the permissions of every platform-scoped role
func (s *Snapshot) PlatformKeys() PermissionSet {
	return s.platformKeys
}

// PermissionKeys returns every catalog key in lexical order
func (s *Snapshot) PermissionKeys() []PermissionKey {
	set := make(PermissionSet, len(s.permissions))
	for k := range s.permissions {
		set.Add(k)
	}
	return set.Keys()
}
