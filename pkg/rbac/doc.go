// Package rbac holds the permission catalog and the role registry.
//
// # Overview
//
// Permissions are dot-namespaced capability keys ("budget.lock",
// "org.members.manage"). The catalog is closed: a role can only reference keys
// registered in it, and keys must match segment(.segment)+ at write time.
//
// Roles bundle permissions and carry exactly one scope. The scope is expressed
// in the type of the role rather than a flag:
//
//	switch r := role.(type) {
//	case rbac.PlatformRole:
//		// platform memberships only
//	case rbac.OrgRole:
//		// organization memberships only
//	case rbac.ProjectRole:
//		// project memberships only
//	}
//
// A role's scope is fixed at creation. UpdateRole rejects a different scope
// with ErrImmutableScope and the PostgreSQL schema enforces the same rule with
// a trigger.
//
// # Policy Version
//
// Every catalog mutation increments the policy version in the same
// transaction. Registry.Snapshot reads the current version on every call and
// returns an immutable Snapshot for it; snapshots are cached by version in an
// expiring LRU, so a removed role-permission edge is never served after the
// write commits:
//
//	snap, err := registry.Snapshot(ctx)
//	keys := snap.PermissionsOf(roleID)
//	if snap.IsProjectScoped("budget.lock") { ... }
//
// # Seeding
//
// DefaultCatalog describes the canonical roles. Seed applies it, or a catalog
// loaded with LoadCatalogFile, without deleting anything and without bumping the
// version when nothing changed:
//
//	store := rbac.NewSQLStore(db)
//	registry := rbac.NewRegistry(store, rbac.WithLogger(logger))
//	result, err := rbac.Seed(ctx, registry, rbac.DefaultCatalog())
//
// # Database Schema
//
//   - permissions: catalog keys and descriptions
//   - roles: role definitions with immutable scope
//   - role_permissions: role to permission edges
//   - policy_versions: single row holding the current version
//
// Schema migrations are provided in migrations.go:
//
//	err := rbac.RunMigrations(ctx, db, logger)
package rbac
