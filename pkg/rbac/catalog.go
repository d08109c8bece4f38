package rbac

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is a declarative description of permissions and roles, loaded from
// YAML or taken from DefaultCatalog, and applied with Seed.
type Catalog struct {
	Permissions []CatalogPermission `yaml:"permissions"`
	Roles       []CatalogRole       `yaml:"roles"`
}

// CatalogPermission declares one permission key
type CatalogPermission struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// CatalogRole declares one role and its permission keys
type CatalogRole struct {
	Key         string   `yaml:"key"`
	Label       string   `yaml:"label"`
	Scope       string   `yaml:"scope"`
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// LoadCatalogFile reads a YAML catalog from path
func LoadCatalogFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate checks keys, scopes and that every role references declared permissions
func (c *Catalog) Validate() error {
	declared := NewPermissionSet()
	for _, p := range c.Permissions {
		if err := ValidatePermissionKey(p.Key); err != nil {
			return err
		}
		if declared.Has(PermissionKey(p.Key)) {
			return fmt.Errorf("%w: duplicate permission %s in catalog", ErrInvalidInput, p.Key)
		}
		declared.Add(PermissionKey(p.Key))
	}

	roles := make(map[string]bool, len(c.Roles))
	for _, r := range c.Roles {
		if !keyPattern.MatchString(r.Key) {
			return fmt.Errorf("%w: role key %q", ErrInvalidInput, r.Key)
		}
		if roles[r.Key] {
			return fmt.Errorf("%w: duplicate role %s in catalog", ErrInvalidInput, r.Key)
		}
		roles[r.Key] = true
		if _, err := ParseScope(r.Scope); err != nil {
			return fmt.Errorf("role %s: %w", r.Key, err)
		}
		for _, k := range r.Permissions {
			if !declared.Has(PermissionKey(k)) {
				return fmt.Errorf("role %s: %w: %s", r.Key, ErrUnknownPermission, k)
			}
		}
	}
	return nil
}

// SeedResult reports what Seed changed
type SeedResult struct {
	PermissionsCreated int
	RolesCreated       int
	RolesUpdated       int
}

// Seed applies the catalog idempotently. Missing permissions and roles are
// created and role permission sets are replaced when they differ. Nothing is
// deleted, and an unchanged catalog leaves the policy version untouched.
func Seed(ctx context.Context, reg *Registry, cat *Catalog) (*SeedResult, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}

	result := &SeedResult{}
	for _, p := range cat.Permissions {
		_, err := reg.RegisterPermission(ctx, p.Key, p.Description)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to seed permission %s: %w", p.Key, err)
		}
		result.PermissionsCreated++
	}

	for _, cr := range cat.Roles {
		scope, _ := ParseScope(cr.Scope)
		role, err := reg.ResolveRoleByKey(ctx, cr.Key)
		switch {
		case errors.Is(err, ErrNotFound):
			role, err = reg.CreateRole(ctx, scope, cr.Key, cr.Label, cr.Description)
			if err != nil {
				return nil, fmt.Errorf("failed to seed role %s: %w", cr.Key, err)
			}
			result.RolesCreated++
		case err != nil:
			return nil, fmt.Errorf("failed to look up role %s: %w", cr.Key, err)
		case role.Scope() != scope:
			return nil, fmt.Errorf("role %s: %w: stored as %s", cr.Key, ErrImmutableScope, role.Scope())
		}

		want := NewPermissionSet()
		for _, k := range cr.Permissions {
			want.Add(PermissionKey(k))
		}
		have, err := reg.PermissionsOf(ctx, role.Base().ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read permissions of %s: %w", cr.Key, err)
		}
		if have.Equal(want) {
			continue
		}
		if err := reg.SetRolePermissions(ctx, role.Base().ID, cr.Permissions); err != nil {
			return nil, fmt.Errorf("failed to seed permissions of %s: %w", cr.Key, err)
		}
		result.RolesUpdated++
	}
	return result, nil
}

// Permission keys of the built-in catalog referenced by the engine itself
const (
	PermPlatformOrgAccess     = "platform.org.access"
	PermPlatformOrgsManage    = "platform.orgs.manage"
	PermPlatformCatalogManage = "platform.catalog.manage"
	PermPlatformMembersManage = "platform.members.manage"
	PermImpersonationStart    = "impersonation.start"
	PermImpersonationEnd      = "impersonation.end"
	PermImpersonationRead     = "impersonation.read"
	PermAuditExport           = "audit.export"
	PermOrgMembersRead        = "org.members.read"
	PermOrgMembersManage      = "org.members.manage"
	PermProjectCreate         = "project.create"
	PermProjectMembersRead    = "project.members.read"
	PermProjectMembersManage  = "project.members.manage"
)

// DefaultAdminRoleKeys are the org roles treated as administrative when no
// policy file overrides them
var DefaultAdminRoleKeys = []string{"org.owner", "org.admin"}

// DefaultCatalog returns the canonical built-in catalog
func DefaultCatalog() *Catalog {
	orgKeys := []string{"org.read", "org.settings.manage", "org.members.read", PermOrgMembersManage,
		PermProjectCreate, "project.archive", "billing.read", "billing.manage", "vendor.manage"}
	projectRead := []string{"project.read", PermProjectMembersRead, "budget.read", "invoice.read",
		"drawing.read", "rfi.read", "bid.read", "schedule.read", "document.read"}
	projectAll := append(append([]string{}, projectRead...),
		"project.settings.manage", PermProjectMembersManage, "budget.edit", "budget.lock",
		"invoice.submit", "invoice.approve", "drawing.upload", "rfi.create", "rfi.respond",
		"bid.submit", "bid.award", "schedule.edit", "document.upload", "message.send")
	platformAll := []string{PermPlatformOrgAccess, PermPlatformOrgsManage, PermPlatformCatalogManage,
		PermPlatformMembersManage, PermImpersonationStart, PermImpersonationEnd, PermImpersonationRead,
		PermAuditExport}

	cat := &Catalog{}
	for _, group := range [][]string{orgKeys, projectAll, platformAll} {
		for _, k := range group {
			cat.Permissions = append(cat.Permissions, CatalogPermission{Key: k, Description: describe(k)})
		}
	}

	cat.Roles = []CatalogRole{
		{Key: "org.owner", Label: "Owner", Scope: string(ScopeOrg), Permissions: orgKeys},
		{Key: "org.admin", Label: "Administrator", Scope: string(ScopeOrg),
			Permissions: without(orgKeys, "billing.manage")},
		{Key: "org.member", Label: "Member", Scope: string(ScopeOrg),
			Permissions: []string{"org.read", "org.members.read"}},
		{Key: "org.billing", Label: "Billing", Scope: string(ScopeOrg),
			Permissions: []string{"org.read", "billing.read", "billing.manage"}},

		{Key: "project.manager", Label: "Project Manager", Scope: string(ScopeProject), Permissions: projectAll},
		{Key: "project.engineer", Label: "Engineer", Scope: string(ScopeProject),
			Permissions: append(append([]string{}, projectRead...),
				"drawing.upload", "rfi.create", "rfi.respond", "schedule.edit", "document.upload", "message.send")},
		{Key: "project.field", Label: "Field", Scope: string(ScopeProject),
			Permissions: []string{"project.read", "drawing.read", "rfi.read", "rfi.create", "schedule.read",
				"document.read", "document.upload", "message.send"}},
		{Key: "project.viewer", Label: "Viewer", Scope: string(ScopeProject), Permissions: projectRead},

		{Key: "platform.support", Label: "Support", Scope: string(ScopePlatform),
			Permissions: []string{PermPlatformOrgAccess, PermImpersonationStart, PermImpersonationRead}},
		{Key: "platform.security", Label: "Security", Scope: string(ScopePlatform),
			Permissions: []string{PermPlatformOrgAccess, PermImpersonationEnd, PermImpersonationRead, PermAuditExport}},
		{Key: "platform.breakglass", Label: "Break Glass", Scope: string(ScopePlatform), Permissions: platformAll},
	}
	return cat
}

func without(keys []string, drop string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != drop {
			out = append(out, k)
		}
	}
	return out
}

var descriptions = map[string]string{
	"org.read":                "View the organization profile",
	"org.settings.manage":     "Change organization settings",
	"org.members.read":        "List organization members and their roles",
	"org.members.manage":      "Invite, suspend and change roles of organization members",
	"project.create":          "Create projects in the organization",
	"project.archive":         "Archive projects of the organization",
	"billing.read":            "View subscription and invoices issued to the organization",
	"billing.manage":          "Change payment methods and subscription",
	"vendor.manage":           "Maintain the organization vendor directory",
	"project.read":            "View the project",
	"project.members.read":    "List project members",
	"budget.read":             "View project budgets",
	"invoice.read":            "View project invoices",
	"drawing.read":            "View drawings",
	"rfi.read":                "View requests for information",
	"bid.read":                "View bid packages and bids",
	"schedule.read":           "View the project schedule",
	"document.read":           "View project documents",
	"project.settings.manage": "Change project settings",
	"project.members.manage":  "Add, suspend and change roles of project members",
	"budget.edit":             "Edit budget lines",
	"budget.lock":             "Lock a budget against further edits",
	"invoice.submit":          "Submit invoices for approval",
	"invoice.approve":         "Approve submitted invoices",
	"drawing.upload":          "Upload drawing revisions",
	"rfi.create":              "Open requests for information",
	"rfi.respond":             "Answer requests for information",
	"bid.submit":              "Submit bids",
	"bid.award":               "Award bid packages",
	"schedule.edit":           "Edit the project schedule",
	"document.upload":         "Upload project documents",
	"message.send":            "Post in project conversations",
	"platform.org.access":     "Reach into any organization for support operations",
	"platform.orgs.manage":    "Create and maintain organizations",
	"platform.catalog.manage": "Change the permission and role catalog",
	"platform.members.manage": "Grant and revoke platform roles",
	"impersonation.start":     "Start impersonation sessions",
	"impersonation.end":       "End or revoke any impersonation session",
	"impersonation.read":      "List impersonation sessions",
	"audit.export":            "Export and archive authorization decisions",
}

func describe(key string) string {
	if d, ok := descriptions[key]; ok {
		return d
	}
	return key
}
