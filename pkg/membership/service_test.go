package membership

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

type serviceFixture struct {
	svc      *Service
	reg      *rbac.Registry
	clock    *clockwork.FakeClock
	org      *Organization
	project  *Project
	orgAdmin rbac.Role
	manager  rbac.Role
	support  rbac.Role
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ctx := context.Background()

	reg := rbac.NewRegistry(rbac.NewMemoryStore())
	_, err := rbac.Seed(ctx, reg, rbac.DefaultCatalog())
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(NewMemoryStore(), reg, clock, nil)

	org, err := svc.CreateOrganization(ctx, "Acme Builders")
	require.NoError(t, err)
	project, err := svc.CreateProject(ctx, org.ID, "Tower A")
	require.NoError(t, err)

	f := &serviceFixture{svc: svc, reg: reg, clock: clock, org: org, project: project}
	f.orgAdmin, err = reg.ResolveRoleByKey(ctx, "org.admin")
	require.NoError(t, err)
	f.manager, err = reg.ResolveRoleByKey(ctx, "project.manager")
	require.NoError(t, err)
	f.support, err = reg.ResolveRoleByKey(ctx, "platform.support")
	require.NoError(t, err)
	return f
}

func TestService_GrantMembership(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	t.Run("org role", func(t *testing.T) {
		m, err := f.svc.GrantMembership(ctx, f.org.ID, "alice", f.orgAdmin.Base().ID, "")
		require.NoError(t, err)
		assert.Equal(t, StatusActive, m.Status)
		assert.Equal(t, f.clock.Now().UTC(), m.CreatedAt)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, f.org.ID, "alice", f.orgAdmin.Base().ID, StatusActive)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("project role is rejected", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, f.org.ID, "bob", f.manager.Base().ID, StatusActive)
		assert.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("platform role is rejected", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, f.org.ID, "bob", f.support.Base().ID, StatusActive)
		assert.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("unknown role", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, f.org.ID, "bob", "no-such-role", StatusActive)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown org", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, "no-such-org", "bob", f.orgAdmin.Base().ID, StatusActive)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing user", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, f.org.ID, " ", f.orgAdmin.Base().ID, StatusActive)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("bad status", func(t *testing.T) {
		_, err := f.svc.GrantMembership(ctx, f.org.ID, "bob", f.orgAdmin.Base().ID, Status("deleted"))
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestService_MembershipLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.GrantMembership(ctx, f.org.ID, "carol", f.orgAdmin.Base().ID, StatusInvited)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	m, err := f.svc.AcceptInvitation(ctx, f.org.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, f.clock.Now().UTC(), m.UpdatedAt)

	_, err = f.svc.AcceptInvitation(ctx, f.org.ID, "carol")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	m, err = f.svc.UpdateMembershipStatus(ctx, f.org.ID, "carol", StatusSuspended)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, m.Status)

	_, err = f.svc.UpdateMembershipStatus(ctx, f.org.ID, "carol", StatusInvited)
	assert.ErrorIs(t, err, ErrInvalidStatus)

	owner, err := f.reg.ResolveRoleByKey(ctx, "org.owner")
	require.NoError(t, err)
	m, err = f.svc.ChangeMembershipRole(ctx, f.org.ID, "carol", owner.Base().ID)
	require.NoError(t, err)
	assert.Equal(t, owner.Base().ID, m.RoleID)

	_, err = f.svc.ChangeMembershipRole(ctx, f.org.ID, "carol", f.manager.Base().ID)
	assert.ErrorIs(t, err, ErrScopeMismatch)

	list, err := f.svc.ListMemberships(ctx, f.org.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusSuspended, list[0].Status)
}

func TestService_GrantProjectMembership(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	other, err := f.svc.CreateOrganization(ctx, "Other Co")
	require.NoError(t, err)

	t.Run("project role", func(t *testing.T) {
		m, err := f.svc.GrantProjectMembership(ctx, f.org.ID, f.project.ID, "dave", f.manager.Base().ID, "")
		require.NoError(t, err)
		assert.Equal(t, f.project.ID, m.ProjectID)
		assert.Equal(t, StatusActive, m.Status)
	})

	t.Run("org role is rejected", func(t *testing.T) {
		_, err := f.svc.GrantProjectMembership(ctx, f.org.ID, f.project.ID, "erin", f.orgAdmin.Base().ID, "")
		assert.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("wrong org", func(t *testing.T) {
		_, err := f.svc.GrantProjectMembership(ctx, other.ID, f.project.ID, "erin", f.manager.Base().ID, "")
		assert.ErrorIs(t, err, ErrOrgMismatch)
	})

	t.Run("unknown project", func(t *testing.T) {
		_, err := f.svc.GrantProjectMembership(ctx, f.org.ID, "nope", "erin", f.manager.Base().ID, "")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status and role changes", func(t *testing.T) {
		m, err := f.svc.UpdateProjectMembershipStatus(ctx, f.project.ID, "dave", StatusSuspended)
		require.NoError(t, err)
		assert.Equal(t, StatusSuspended, m.Status)

		viewer, err := f.reg.ResolveRoleByKey(ctx, "project.viewer")
		require.NoError(t, err)
		m, err = f.svc.ChangeProjectMembershipRole(ctx, f.project.ID, "dave", viewer.Base().ID)
		require.NoError(t, err)
		assert.Equal(t, viewer.Base().ID, m.RoleID)

		list, err := f.svc.ListProjectMemberships(ctx, f.project.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestService_GrantPlatformMembership(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	t.Run("requires reason", func(t *testing.T) {
		_, err := f.svc.GrantPlatformMembership(ctx, PlatformGrant{
			UserID: "staff", RoleID: f.support.Base().ID, GrantedBy: "root",
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("requires platform role", func(t *testing.T) {
		_, err := f.svc.GrantPlatformMembership(ctx, PlatformGrant{
			UserID: "staff", RoleID: f.orgAdmin.Base().ID, GrantedBy: "root", Reason: "support rotation",
		})
		assert.ErrorIs(t, err, ErrScopeMismatch)
	})

	t.Run("expiry in the past", func(t *testing.T) {
		past := f.clock.Now().Add(-time.Minute)
		_, err := f.svc.GrantPlatformMembership(ctx, PlatformGrant{
			UserID: "staff", RoleID: f.support.Base().ID, GrantedBy: "root", Reason: "support rotation", ExpiresAt: &past,
		})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("grant and suspend", func(t *testing.T) {
		expires := f.clock.Now().Add(8 * time.Hour)
		m, err := f.svc.GrantPlatformMembership(ctx, PlatformGrant{
			UserID: "staff", RoleID: f.support.Base().ID, GrantedBy: "root", Reason: "support rotation", ExpiresAt: &expires,
		})
		require.NoError(t, err)
		assert.True(t, m.ActiveAt(f.clock.Now()))

		f.clock.Advance(9 * time.Hour)
		assert.False(t, m.ActiveAt(f.clock.Now()))

		m, err = f.svc.UpdatePlatformMembershipStatus(ctx, m.ID, StatusSuspended)
		require.NoError(t, err)
		assert.Equal(t, StatusSuspended, m.Status)

		_, err = f.svc.UpdatePlatformMembershipStatus(ctx, m.ID, StatusInvited)
		assert.ErrorIs(t, err, ErrInvalidStatus)

		list, err := f.svc.ListPlatformMemberships(ctx, "staff")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, StatusSuspended, list[0].Status)
	})
}

// interleavingStore runs afterGet once, right after the first successful
// membership read, so a test can land a competing write between the
// service's read and its write
type interleavingStore struct {
	Store
	once     sync.Once
	afterGet func()
}

func (s *interleavingStore) GetMembership(ctx context.Context, orgID, userID string) (*Membership, error) {
	m, err := s.Store.GetMembership(ctx, orgID, userID)
	if err == nil {
		s.once.Do(s.afterGet)
	}
	return m, err
}

func (s *interleavingStore) GetProjectMembership(ctx context.Context, projectID, userID string) (*ProjectMembership, error) {
	m, err := s.Store.GetProjectMembership(ctx, projectID, userID)
	if err == nil {
		s.once.Do(s.afterGet)
	}
	return m, err
}

func (f *serviceFixture) withInterleavedWrite(afterGet func()) *Service {
	return NewService(&interleavingStore{Store: f.svc.Store(), afterGet: afterGet}, f.reg, f.clock, nil)
}

func TestService_RoleChangeKeepsConcurrentSuspension(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	store := f.svc.Store()

	m, err := f.svc.GrantMembership(ctx, f.org.ID, "dave", f.orgAdmin.Base().ID, StatusActive)
	require.NoError(t, err)
	owner, err := f.reg.ResolveRoleByKey(ctx, "org.owner")
	require.NoError(t, err)

	svc := f.withInterleavedWrite(func() {
		require.NoError(t, store.TransitionMembership(ctx, m.ID, StatusActive, StatusSuspended, f.clock.Now()))
	})

	got, err := svc.ChangeMembershipRole(ctx, f.org.ID, "dave", owner.Base().ID)
	require.NoError(t, err)
	assert.Equal(t, owner.Base().ID, got.RoleID)
	assert.Equal(t, StatusSuspended, got.Status)

	stored, err := store.GetMembership(ctx, f.org.ID, "dave")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, stored.Status)
	assert.Equal(t, owner.Base().ID, stored.RoleID)
}

func TestService_AcceptInvitationSuspendedMeanwhile(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	store := f.svc.Store()

	m, err := f.svc.GrantMembership(ctx, f.org.ID, "erin", f.orgAdmin.Base().ID, StatusInvited)
	require.NoError(t, err)

	svc := f.withInterleavedWrite(func() {
		require.NoError(t, store.TransitionMembership(ctx, m.ID, StatusInvited, StatusSuspended, f.clock.Now()))
	})

	_, err = svc.AcceptInvitation(ctx, f.org.ID, "erin")
	assert.ErrorIs(t, err, ErrStatusChanged)

	stored, err := store.GetMembership(ctx, f.org.ID, "erin")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, stored.Status)

	t.Run("accepting a suspended invitation directly is refused", func(t *testing.T) {
		_, err := f.svc.AcceptInvitation(ctx, f.org.ID, "erin")
		assert.ErrorIs(t, err, ErrInvalidStatus)
	})
}

func TestService_StaleStatusWriteLoses(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	store := f.svc.Store()

	m, err := f.svc.GrantMembership(ctx, f.org.ID, "frank", f.orgAdmin.Base().ID, StatusActive)
	require.NoError(t, err)

	svc := f.withInterleavedWrite(func() {
		require.NoError(t, store.TransitionMembership(ctx, m.ID, StatusActive, StatusSuspended, f.clock.Now()))
	})

	// the caller saw active and re-asserts it; the suspension must win
	_, err = svc.UpdateMembershipStatus(ctx, f.org.ID, "frank", StatusActive)
	assert.ErrorIs(t, err, ErrStatusChanged)

	stored, err := store.GetMembership(ctx, f.org.ID, "frank")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, stored.Status)
}

func TestService_ProjectRoleChangeKeepsConcurrentSuspension(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	store := f.svc.Store()

	pm, err := f.svc.GrantProjectMembership(ctx, f.org.ID, f.project.ID, "gina", f.manager.Base().ID, StatusActive)
	require.NoError(t, err)
	viewer, err := f.reg.ResolveRoleByKey(ctx, "project.viewer")
	require.NoError(t, err)

	svc := f.withInterleavedWrite(func() {
		require.NoError(t, store.TransitionProjectMembership(ctx, pm.ID, StatusActive, StatusSuspended, f.clock.Now()))
	})

	got, err := svc.ChangeProjectMembershipRole(ctx, f.project.ID, "gina", viewer.Base().ID)
	require.NoError(t, err)
	assert.Equal(t, viewer.Base().ID, got.RoleID)
	assert.Equal(t, StatusSuspended, got.Status)
}

func TestService_ConcurrentRoleChangesAndSuspension(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.GrantMembership(ctx, f.org.ID, "hank", f.orgAdmin.Base().ID, StatusActive)
	require.NoError(t, err)
	owner, err := f.reg.ResolveRoleByKey(ctx, "org.owner")
	require.NoError(t, err)
	roles := []string{owner.Base().ID, f.orgAdmin.Base().ID}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ChangeMembershipRole(ctx, f.org.ID, "hank", roles[i%2])
			assert.NoError(t, err)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.svc.UpdateMembershipStatus(ctx, f.org.ID, "hank", StatusSuspended)
		assert.NoError(t, err)
	}()
	wg.Wait()

	stored, err := f.svc.Store().GetMembership(ctx, f.org.ID, "hank")
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, stored.Status)
}
