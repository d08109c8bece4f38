package authz

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

const tracerName = "github.com/platinummonkey/gatekeeper/pkg/authz"

// CatalogSource provides the catalog snapshot for the current policy version
type CatalogSource interface {
	Snapshot(ctx context.Context) (*rbac.Snapshot, error)
}

// MembershipReader is the read side of membership.Store used for resolution
type MembershipReader interface {
	GetOrganization(ctx context.Context, id string) (*membership.Organization, error)
	GetProject(ctx context.Context, id string) (*membership.Project, error)
	GetMembership(ctx context.Context, orgID, userID string) (*membership.Membership, error)
	GetProjectMembership(ctx context.Context, projectID, userID string) (*membership.ProjectMembership, error)
	ListPlatformMemberships(ctx context.Context, userID string) ([]membership.PlatformMembership, error)
}

// Resolver derives effective permissions from memberships. It never writes
// and never caches membership state between calls.
type Resolver struct {
	catalog CatalogSource
	members MembershipReader
	admins  *AdminRoleSet
	clock   clockwork.Clock
}

// NewResolver creates a resolver. A nil admin set falls back to
// rbac.DefaultAdminRoleKeys and a nil clock to the real clock.
func NewResolver(catalog CatalogSource, members MembershipReader, admins *AdminRoleSet, clock clockwork.Clock) *Resolver {
	if admins == nil {
		admins = NewAdminRoleSet(rbac.DefaultAdminRoleKeys...)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Resolver{catalog: catalog, members: members, admins: admins, clock: clock}
}

// ResolvedContext is the outcome of resolving one actor in one scope
type ResolvedContext struct {
	UserID        string
	OrgID         string
	ProjectID     string
	PolicyVersion int64

	OrgRole     *rbac.OrgRole
	ProjectRole *rbac.ProjectRole
	// Permissions is the tenant set: org role plus project role
	Permissions rbac.PermissionSet
	IsOrgAdmin  bool

	PlatformRoles []rbac.PlatformRole
	// PlatformPermissions is resolved independently and never merged into
	// Permissions
	PlatformPermissions rbac.PermissionSet

	snapshot *rbac.Snapshot
}

// Grants decides whether key is granted in this context and why. It is the
// only place the organization admin override is applied.
func (rc *ResolvedContext) Grants(key rbac.PermissionKey) (bool, ReasonCode) {
	switch {
	case rc.Permissions.Has(key):
		return true, ReasonRolePermission
	case rc.IsOrgAdmin && rc.snapshot != nil && rc.snapshot.IsProjectScoped(key):
		return true, ReasonOrgAdminOverride
	case rc.PlatformPermissions.Has(key):
		return true, ReasonPlatformPermission
	default:
		return false, ReasonNoMatchingPermission
	}
}

// withoutPlatform drops platform grants. Impersonated contexts carry tenant
// permissions only.
func (rc *ResolvedContext) withoutPlatform() {
	rc.PlatformRoles = nil
	rc.PlatformPermissions = rbac.NewPermissionSet()
}

// Grant is one entry of an effective permission listing
type Grant struct {
	Key    rbac.PermissionKey `json:"key"`
	Reason ReasonCode         `json:"reason_code"`
}

// Effective lists every catalog key granted in this context, in key order
func (rc *ResolvedContext) Effective() []Grant {
	if rc.snapshot == nil {
		return nil
	}
	var out []Grant
	for _, key := range rc.snapshot.PermissionKeys() {
		if ok, reason := rc.Grants(key); ok {
			out = append(out, Grant{Key: key, Reason: reason})
		}
	}
	return out
}

// Resolve loads the current catalog snapshot and resolves userID in the
// organization and optional project. An empty orgID resolves platform
// permissions only.
func (r *Resolver) Resolve(ctx context.Context, userID, orgID, projectID string) (*ResolvedContext, error) {
	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, resolutionErrorf("catalog snapshot: %v", err)
	}
	return r.resolve(ctx, snap, userID, orgID, projectID)
}

func (r *Resolver) resolve(ctx context.Context, snap *rbac.Snapshot, userID, orgID, projectID string) (rc *ResolvedContext, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "authz.Resolve")
	span.SetAttributes(
		attribute.String("authz.org_id", orgID),
		attribute.String("authz.project_id", projectID),
		attribute.Int64("authz.policy_version", snap.Version),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if userID == "" {
		return nil, resolutionErrorf("actor is required")
	}
	if projectID != "" && orgID == "" {
		return nil, resolutionErrorf("project %s requested without an organization", projectID)
	}

	rc = &ResolvedContext{
		UserID:              userID,
		OrgID:               orgID,
		ProjectID:           projectID,
		PolicyVersion:       snap.Version,
		Permissions:         rbac.NewPermissionSet(),
		PlatformPermissions: rbac.NewPermissionSet(),
		snapshot:            snap,
	}

	if orgID != "" {
		if err := r.resolveTenant(ctx, snap, rc); err != nil {
			return nil, err
		}
	}
	if err := r.resolvePlatform(ctx, snap, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

func (r *Resolver) resolveTenant(ctx context.Context, snap *rbac.Snapshot, rc *ResolvedContext) error {
	if _, err := r.members.GetOrganization(ctx, rc.OrgID); err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			return resolutionErrorf("unknown organization %s", rc.OrgID)
		}
		return resolutionErrorf("organization %s: %v", rc.OrgID, err)
	}

	m, err := r.members.GetMembership(ctx, rc.OrgID, rc.UserID)
	switch {
	case errors.Is(err, membership.ErrNotFound):
	case err != nil:
		return resolutionErrorf("membership of %s in %s: %v", rc.UserID, rc.OrgID, err)
	case m.Status == membership.StatusActive:
		role, ok := snap.Role(m.RoleID)
		if !ok {
			return resolutionErrorf("membership %s references unknown role %s", m.ID, m.RoleID)
		}
		orgRole, ok := role.(rbac.OrgRole)
		if !ok {
			return resolutionErrorf("membership %s references %s role %s", m.ID, role.Scope(), m.RoleID)
		}
		rc.OrgRole = &orgRole
		rc.Permissions.Union(snap.PermissionsOf(m.RoleID))
		rc.IsOrgAdmin = r.admins.Contains(orgRole.Key)
	}

	if rc.ProjectID == "" {
		return nil
	}
	p, err := r.members.GetProject(ctx, rc.ProjectID)
	if err != nil {
		if errors.Is(err, membership.ErrNotFound) {
			return resolutionErrorf("unknown project %s", rc.ProjectID)
		}
		return resolutionErrorf("project %s: %v", rc.ProjectID, err)
	}
	if p.OrgID != rc.OrgID {
		return resolutionErrorf("project %s does not belong to organization %s", rc.ProjectID, rc.OrgID)
	}

	pm, err := r.members.GetProjectMembership(ctx, rc.ProjectID, rc.UserID)
	switch {
	case errors.Is(err, membership.ErrNotFound):
	case err != nil:
		return resolutionErrorf("project membership of %s in %s: %v", rc.UserID, rc.ProjectID, err)
	case pm.Status == membership.StatusActive:
		role, ok := snap.Role(pm.RoleID)
		if !ok {
			return resolutionErrorf("project membership %s references unknown role %s", pm.ID, pm.RoleID)
		}
		projectRole, ok := role.(rbac.ProjectRole)
		if !ok {
			return resolutionErrorf("project membership %s references %s role %s", pm.ID, role.Scope(), pm.RoleID)
		}
		rc.ProjectRole = &projectRole
		rc.Permissions.Union(snap.PermissionsOf(pm.RoleID))
	}
	return nil
}

func (r *Resolver) resolvePlatform(ctx context.Context, snap *rbac.Snapshot, rc *ResolvedContext) error {
	memberships, err := r.members.ListPlatformMemberships(ctx, rc.UserID)
	if err != nil {
		return resolutionErrorf("platform memberships of %s: %v", rc.UserID, err)
	}
	now := r.clock.Now()
	for _, m := range memberships {
		if !m.ActiveAt(now) {
			continue
		}
		role, ok := snap.Role(m.RoleID)
		if !ok {
			return resolutionErrorf("platform membership %s references unknown role %s", m.ID, m.RoleID)
		}
		switch role := role.(type) {
		case rbac.PlatformRole:
			rc.PlatformRoles = append(rc.PlatformRoles, role)
			rc.PlatformPermissions.Union(snap.PermissionsOf(m.RoleID))
		case rbac.OrgRole, rbac.ProjectRole:
			return resolutionErrorf("platform membership %s references %s role %s", m.ID, role.Scope(), m.RoleID)
		}
	}
	return nil
}

// HasPlatformPermission reports whether userID holds key through an active
// platform membership. It lets the impersonation manager gate its
// operations on the same data the evaluator uses.
func (r *Resolver) HasPlatformPermission(ctx context.Context, userID, key string) (bool, error) {
	rc, err := r.Resolve(ctx, userID, "", "")
	if err != nil {
		return false, err
	}
	return rc.PlatformPermissions.Has(rbac.PermissionKey(key)), nil
}

// HasPlatformRole reports whether userID holds any active platform role
func (r *Resolver) HasPlatformRole(ctx context.Context, userID string) (bool, error) {
	rc, err := r.Resolve(ctx, userID, "", "")
	if err != nil {
		return false, err
	}
	return len(rc.PlatformRoles) > 0, nil
}
