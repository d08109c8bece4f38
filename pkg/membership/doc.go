// Package membership manages organizations, projects and the bindings of
// users to them.
//
// There are three kinds of membership, one per role scope:
//
//   - Membership binds a user to an organization with an org-scoped role
//   - ProjectMembership binds a user to a project with a project-scoped role
//   - PlatformMembership binds a staff user to a platform-scoped role, with
//     the granting actor, a reason and an optional expiry
//
// A membership is active, invited or suspended. Only active memberships
// contribute permissions. Invitations become active through AcceptInvitation
// and nothing ever returns to invited.
//
// Scope agreement between a membership and its role is checked twice: the
// Service resolves the role and type-switches on it, and the schema carries a
// composite foreign key from (role_id, role_scope) to roles(id, scope).
// Project memberships also reference projects(id, org_id), so the recorded
// organization always owns the project.
package membership
