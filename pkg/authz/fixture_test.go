package authz

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// fixture wires the evaluator to in-memory stores seeded with the built-in
// catalog. Organization O has projects P1 and P2; organization X has Q1.
type fixture struct {
	ctx       context.Context
	clock     *clockwork.FakeClock
	registry  *rbac.Registry
	members   *membership.MemoryStore
	admins    *AdminRoleSet
	sink      *audit.MemorySink
	spool     *audit.MemorySpool
	sessions  *impersonation.Manager
	resolver  *Resolver
	evaluator *Evaluator
	metrics   *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		ctx:      ctx,
		clock:    clockwork.NewFakeClockAt(t0),
		registry: rbac.NewRegistry(rbac.NewMemoryStore()),
		members:  membership.NewMemoryStore(),
		admins:   NewAdminRoleSet(rbac.DefaultAdminRoleKeys...),
		sink:     audit.NewMemorySink(),
		spool:    audit.NewMemorySpool(),
		metrics:  observability.NewMetrics(prometheus.NewRegistry()),
	}
	_, err := rbac.Seed(ctx, f.registry, rbac.DefaultCatalog())
	require.NoError(t, err)

	f.resolver = NewResolver(f.registry, f.members, f.admins, f.clock)
	f.sessions = impersonation.NewManager(impersonation.NewMemoryStore(), f.resolver,
		impersonation.WithClock(f.clock))
	recorder := audit.NewRecorder(f.sink, f.spool, audit.WithClock(f.clock))
	f.evaluator = NewEvaluator(f.resolver, recorder,
		WithSessions(f.sessions),
		WithMetrics(f.metrics),
	)

	f.addOrg(t, "O")
	f.addProject(t, "O", "P1")
	f.addProject(t, "O", "P2")
	f.addOrg(t, "X")
	f.addProject(t, "X", "Q1")
	return f
}

func (f *fixture) roleID(t *testing.T, key string) string {
	t.Helper()
	role, err := f.registry.ResolveRoleByKey(f.ctx, key)
	require.NoError(t, err)
	return role.Base().ID
}

func (f *fixture) addOrg(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.members.CreateOrganization(f.ctx, &membership.Organization{ID: id, Name: id, CreatedAt: t0}))
}

func (f *fixture) addProject(t *testing.T, orgID, id string) {
	t.Helper()
	require.NoError(t, f.members.CreateProject(f.ctx, &membership.Project{ID: id, OrgID: orgID, Name: id, CreatedAt: t0}))
}

func (f *fixture) joinOrg(t *testing.T, orgID, userID, roleKey string, status membership.Status) *membership.Membership {
	t.Helper()
	m := &membership.Membership{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		RoleID:    f.roleID(t, roleKey),
		Status:    status,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
	require.NoError(t, f.members.CreateMembership(f.ctx, m))
	return m
}

func (f *fixture) joinProject(t *testing.T, orgID, projectID, userID, roleKey string) {
	t.Helper()
	require.NoError(t, f.members.CreateProjectMembership(f.ctx, &membership.ProjectMembership{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		ProjectID: projectID,
		UserID:    userID,
		RoleID:    f.roleID(t, roleKey),
		Status:    membership.StatusActive,
		CreatedAt: t0,
		UpdatedAt: t0,
	}))
}

func (f *fixture) grantPlatform(t *testing.T, userID, roleKey string, expiresAt *time.Time) {
	t.Helper()
	require.NoError(t, f.members.CreatePlatformMembership(f.ctx, &membership.PlatformMembership{
		ID:        uuid.NewString(),
		UserID:    userID,
		RoleID:    f.roleID(t, roleKey),
		Status:    membership.StatusActive,
		GrantedBy: "root",
		Reason:    "on call rotation",
		ExpiresAt: expiresAt,
		CreatedAt: t0,
		UpdatedAt: t0,
	}))
}

func (f *fixture) authorize(actor, action, orgID, projectID string) Decision {
	return f.evaluator.Authorize(f.ctx, Request{
		ActorUserID:  actor,
		ActionKey:    action,
		ResourceType: "test",
		ResourceID:   "r1",
		OrgID:        orgID,
		ProjectID:    projectID,
	})
}

func (f *fixture) records(t *testing.T) []*audit.Record {
	t.Helper()
	recs, err := f.sink.Search(f.ctx, audit.Filter{})
	require.NoError(t, err)
	return recs
}
