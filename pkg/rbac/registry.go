package rbac

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSnapshotCacheSize = 16
	DefaultSnapshotCacheTTL  = 5 * time.Minute
)

// Registry validates and applies catalog changes and serves catalog snapshots.
// The current policy version is read from the store on every Snapshot call;
// only the reference data for a given version is cached.
type Registry struct {
	store  Store
	cache  *lru.LRU[int64, *Snapshot]
	group  singleflight.Group
	logger logrus.FieldLogger
}

// RegistryOption configures a Registry
type RegistryOption func(*registryOptions)

type registryOptions struct {
	cacheSize int
	cacheTTL  time.Duration
	logger    logrus.FieldLogger
}

// WithSnapshotCache sets the size and TTL of the snapshot cache
func WithSnapshotCache(size int, ttl time.Duration) RegistryOption {
	return func(o *registryOptions) {
		o.cacheSize = size
		o.cacheTTL = ttl
	}
}

// WithLogger sets the logger for catalog changes
func WithLogger(logger logrus.FieldLogger) RegistryOption {
	return func(o *registryOptions) {
		o.logger = logger
	}
}

// NewRegistry creates a registry over store
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	o := registryOptions{
		cacheSize: DefaultSnapshotCacheSize,
		cacheTTL:  DefaultSnapshotCacheTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cacheSize <= 0 {
		o.cacheSize = DefaultSnapshotCacheSize
	}
	if o.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.logger = l
	}

	return &Registry{
		store:  store,
		cache:  lru.NewLRU[int64, *Snapshot](o.cacheSize, nil, o.cacheTTL),
		logger: o.logger.WithField("component", "rbac.registry"),
	}
}

// RegisterPermission adds a key to the catalog
func (r *Registry) RegisterPermission(ctx context.Context, key, description string) (*Permission, error) {
	if err := ValidatePermissionKey(key); err != nil {
		return nil, err
	}
	perm := &Permission{Key: PermissionKey(key), Description: strings.TrimSpace(description)}
	if err := r.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}
	r.logger.WithField("permission", key).Info("permission registered")
	return perm, nil
}

// DeletePermission removes a key that no role references
func (r *Registry) DeletePermission(ctx context.Context, key string) error {
	if err := ValidatePermissionKey(key); err != nil {
		return err
	}
	if err := r.store.DeletePermission(ctx, PermissionKey(key)); err != nil {
		return err
	}
	r.logger.WithField("permission", key).Info("permission deleted")
	return nil
}

// CreateRole registers a role at scope. Role keys follow the same namespace
// convention as permission keys.
func (r *Registry) CreateRole(ctx context.Context, scope Scope, key, label, description string) (Role, error) {
	if _, err := ParseScope(string(scope)); err != nil {
		return nil, err
	}
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("%w: role key %q", ErrInvalidInput, key)
	}
	if strings.TrimSpace(label) == "" {
		label = key
	}

	rec := &RoleRecord{
		RoleBase: RoleBase{
			ID:          uuid.New().String(),
			Key:         key,
			Label:       label,
			Description: description,
		},
		Scope: scope,
	}
	if err := r.store.CreateRole(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{"role": key, "scope": scope}).Info("role created")
	return rec.Role()
}

// RoleUpdate carries optional changes to a role. Scope may be supplied but
// must equal the role's current scope.
type RoleUpdate struct {
	Label       *string `json:"label,omitempty"`
	Description *string `json:"description,omitempty"`
	Scope       *Scope  `json:"scope,omitempty"`
}

// UpdateRole applies update to the role
func (r *Registry) UpdateRole(ctx context.Context, roleID string, update RoleUpdate) (Role, error) {
	rec, err := r.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if update.Scope != nil && *update.Scope != rec.Scope {
		return nil, fmt.Errorf("%w: role %s is %s", ErrImmutableScope, rec.Key, rec.Scope)
	}
	if update.Label != nil {
		rec.Label = *update.Label
	}
	if update.Description != nil {
		rec.Description = *update.Description
	}
	if err := r.store.UpdateRole(ctx, rec); err != nil {
		return nil, err
	}
	return rec.Role()
}

// Grant links a permission to a role
func (r *Registry) Grant(ctx context.Context, roleID, key string) error {
	if err := ValidatePermissionKey(key); err != nil {
		return err
	}
	if err := r.store.AddRolePermission(ctx, roleID, PermissionKey(key)); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"role_id": roleID, "permission": key}).Info("permission granted to role")
	return nil
}

// Revoke unlinks a permission from a role
func (r *Registry) Revoke(ctx context.Context, roleID, key string) error {
	if err := ValidatePermissionKey(key); err != nil {
		return err
	}
	if err := r.store.RemoveRolePermission(ctx, roleID, PermissionKey(key)); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"role_id": roleID, "permission": key}).Info("permission revoked from role")
	return nil
}

// SetRolePermissions replaces the role's permission set
func (r *Registry) SetRolePermissions(ctx context.Context, roleID string, keys []string) error {
	set := NewPermissionSet()
	for _, k := range keys {
		if err := ValidatePermissionKey(k); err != nil {
			return err
		}
		set.Add(PermissionKey(k))
	}
	if err := r.store.SetRolePermissions(ctx, roleID, set.Keys()); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"role_id": roleID, "permissions": len(set)}).Info("role permissions replaced")
	return nil
}

// ResolveRole returns the tagged role for id
func (r *Registry) ResolveRole(ctx context.Context, roleID string) (Role, error) {
	rec, err := r.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	return rec.Role()
}

// ResolveRoleByKey returns the tagged role for key
func (r *Registry) ResolveRoleByKey(ctx context.Context, key string) (Role, error) {
	rec, err := r.store.GetRoleByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	return rec.Role()
}

// PermissionsOf returns the permission keys linked to the role
func (r *Registry) PermissionsOf(ctx context.Context, roleID string) (PermissionSet, error) {
	snap, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.Role(roleID); !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	return snap.PermissionsOf(roleID).Clone(), nil
}

// ListRoles returns every role
func (r *Registry) ListRoles(ctx context.Context) ([]RoleRecord, error) {
	return r.store.ListRoles(ctx)
}

// ListPermissions returns the catalog
func (r *Registry) ListPermissions(ctx context.Context) ([]Permission, error) {
	return r.store.ListPermissions(ctx)
}

// PolicyVersion returns the current catalog version
func (r *Registry) PolicyVersion(ctx context.Context) (int64, error) {
	return r.store.PolicyVersion(ctx)
}

// Snapshot returns the catalog at the current policy version
func (r *Registry) Snapshot(ctx context.Context) (*Snapshot, error) {
	version, err := r.store.PolicyVersion(ctx)
	if err != nil {
		return nil, err
	}
	if snap, ok := r.cache.Get(version); ok {
		return snap, nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(version, 10), func() (interface{}, error) {
		return r.load(ctx, version)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// load reads the catalog and verifies the version did not move while reading.
// A concurrent change yields a newer snapshot, never a mix of two versions.
func (r *Registry) load(ctx context.Context, version int64) (*Snapshot, error) {
	for attempt := 0; attempt < 3; attempt++ {
		perms, err := r.store.ListPermissions(ctx)
		if err != nil {
			return nil, err
		}
		roles, err := r.store.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		edges, err := r.store.ListRolePermissions(ctx)
		if err != nil {
			return nil, err
		}
		after, err := r.store.PolicyVersion(ctx)
		if err != nil {
			return nil, err
		}
		if after != version {
			version = after
			continue
		}

		snap, err := BuildSnapshot(version, perms, roles, edges)
		if err != nil {
			return nil, err
		}
		r.cache.Add(version, snap)
		return snap, nil
	}
	return nil, fmt.Errorf("catalog changed during snapshot load")
}
