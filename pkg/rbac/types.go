package rbac

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

var (
	// ErrInvalidPermissionKey is returned when a key does not match the segment(.segment)+ convention
	ErrInvalidPermissionKey = errors.New("invalid permission key")
	// ErrImmutableScope is returned when an update attempts to change a role's scope
	ErrImmutableScope = errors.New("role scope is immutable")
	// ErrInvalidScope is returned for a missing or unknown scope
	ErrInvalidScope = errors.New("invalid role scope")
	// ErrUnknownPermission is returned when a role is linked to a key absent from the catalog
	ErrUnknownPermission = errors.New("unknown permission")
	// ErrPermissionInUse is returned when deleting a permission still linked to a role
	ErrPermissionInUse = errors.New("permission is referenced by a role")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrInvalidInput    = errors.New("invalid input")
)

// Scope is the level of the hierarchy a role applies to
type Scope string

const (
	ScopePlatform Scope = "platform"
	ScopeOrg      Scope = "org"
	ScopeProject  Scope = "project"
)

// ParseScope converts a stored or user supplied scope string
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopePlatform, ScopeOrg, ScopeProject:
		return Scope(s), nil
	case "":
		return "", fmt.Errorf("%w: scope is required", ErrInvalidScope)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// PermissionKey is a dot-namespaced capability identifier such as "budget.lock"
type PermissionKey string

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// ValidatePermissionKey rejects keys that do not follow the namespace convention
func ValidatePermissionKey(key string) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: %q", ErrInvalidPermissionKey, key)
	}
	return nil
}

// Permission is an entry of the closed permission catalog
type Permission struct {
	Key         PermissionKey `json:"key" yaml:"key"`
	Description string        `json:"description" yaml:"description"`
	CreatedAt   time.Time     `json:"created_at" yaml:"-"`
}

// RolePermission links a role to a permission key
type RolePermission struct {
	RoleID        string        `json:"role_id"`
	PermissionKey PermissionKey `json:"permission_key"`
}

// RoleBase holds the attributes shared by every role variant
type RoleBase struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Role is a scope-tagged bundle of permissions. The set of implementations is
// closed: PlatformRole, OrgRole and ProjectRole.
type Role interface {
	Base() RoleBase
	Scope() Scope
	role()
}

// PlatformRole is held by operational and support staff through a platform membership
type PlatformRole struct{ RoleBase }

// OrgRole is referenced by organization memberships
type OrgRole struct{ RoleBase }

// ProjectRole is referenced by project memberships
type ProjectRole struct{ RoleBase }

func (r PlatformRole) Base() RoleBase { return r.RoleBase }
func (r PlatformRole) Scope() Scope   { return ScopePlatform }
func (PlatformRole) role()            {}

func (r OrgRole) Base() RoleBase { return r.RoleBase }
func (r OrgRole) Scope() Scope   { return ScopeOrg }
func (OrgRole) role()            {}

func (r ProjectRole) Base() RoleBase { return r.RoleBase }
func (r ProjectRole) Scope() Scope   { return ScopeProject }
func (ProjectRole) role()            {}

// NewRole builds the variant matching scope
func NewRole(scope Scope, base RoleBase) (Role, error) {
	switch scope {
	case ScopePlatform:
		return PlatformRole{base}, nil
	case ScopeOrg:
		return OrgRole{base}, nil
	case ScopeProject:
		return ProjectRole{base}, nil
	default:
		_, err := ParseScope(string(scope))
		return nil, err
	}
}

// RoleRecord is the flat storage and wire form of a role
type RoleRecord struct {
	RoleBase
	Scope Scope `json:"scope"`
}

// Role converts the record into its tagged variant
func (r RoleRecord) Role() (Role, error) {
	return NewRole(r.Scope, r.RoleBase)
}

// RecordOf flattens a role for storage or serialization
func RecordOf(role Role) RoleRecord {
	return RoleRecord{RoleBase: role.Base(), Scope: role.Scope()}
}

// PermissionSet is a set of permission keys
type PermissionSet map[PermissionKey]struct{}

// NewPermissionSet creates a set holding keys
func NewPermissionSet(keys ...PermissionKey) PermissionSet {
	s := make(PermissionSet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is in the set. A nil set is empty.
func (s PermissionSet) Has(key PermissionKey) bool {
	_, ok := s[key]
	return ok
}

// Add inserts key
func (s PermissionSet) Add(key PermissionKey) {
	s[key] = struct{}{}
}

// Union adds every key of other to s
func (s PermissionSet) Union(other PermissionSet) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Clone returns an independent copy
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	out.Union(s)
	return out
}

// Keys returns the keys in lexical order
func (s PermissionSet) Keys() []PermissionKey {
	keys := make([]PermissionKey, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Equal reports whether both sets contain the same keys
func (s PermissionSet) Equal(other PermissionSet) bool {
	if len(s) != len(other) {
		return false
	}
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}
