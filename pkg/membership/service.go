package membership

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// RoleResolver looks up roles by ID. *rbac.Registry implements it.
type RoleResolver interface {
	ResolveRole(ctx context.Context, roleID string) (rbac.Role, error)
}

// Service is the administrative interface for organizations, projects and
// memberships. Every write checks that the referenced role has the scope of
// the membership it is bound to.
type Service struct {
	store  Store
	roles  RoleResolver
	clock  clockwork.Clock
	logger logrus.FieldLogger
}

// NewService creates a membership service. A nil clock uses the real clock.
func NewService(store Store, roles RoleResolver, clock clockwork.Clock, logger logrus.FieldLogger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Service{
		store:  store,
		roles:  roles,
		clock:  clock,
		logger: logger.WithField("component", "membership"),
	}
}

// Store returns the underlying store
func (s *Service) Store() Store {
	return s.store
}

func required(fields map[string]string) error {
	for name, v := range fields {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
		}
	}
	return nil
}

func (s *Service) resolveRole(ctx context.Context, roleID string) (rbac.Role, error) {
	role, err := s.roles.ResolveRole(ctx, roleID)
	if errors.Is(err, rbac.ErrNotFound) {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, roleID)
	}
	if err != nil {
		return nil, err
	}
	return role, nil
}

func (s *Service) requireOrgRole(ctx context.Context, roleID string) error {
	role, err := s.resolveRole(ctx, roleID)
	if err != nil {
		return err
	}
	if _, ok := role.(rbac.OrgRole); !ok {
		return fmt.Errorf("%w: %s is a %s role", ErrScopeMismatch, role.Base().Key, role.Scope())
	}
	return nil
}

func (s *Service) requireProjectRole(ctx context.Context, roleID string) error {
	role, err := s.resolveRole(ctx, roleID)
	if err != nil {
		return err
	}
	if _, ok := role.(rbac.ProjectRole); !ok {
		return fmt.Errorf("%w: %s is a %s role", ErrScopeMismatch, role.Base().Key, role.Scope())
	}
	return nil
}

func (s *Service) requirePlatformRole(ctx context.Context, roleID string) error {
	role, err := s.resolveRole(ctx, roleID)
	if err != nil {
		return err
	}
	if _, ok := role.(rbac.PlatformRole); !ok {
		return fmt.Errorf("%w: %s is a %s role", ErrScopeMismatch, role.Base().Key, role.Scope())
	}
	return nil
}

// CreateOrganization registers a tenant
func (s *Service) CreateOrganization(ctx context.Context, name string) (*Organization, error) {
	if err := required(map[string]string{"name": name}); err != nil {
		return nil, err
	}
	org := &Organization{ID: uuid.New().String(), Name: name, CreatedAt: s.clock.Now().UTC()}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	s.logger.WithField("org_id", org.ID).Info("organization created")
	return org, nil
}

// CreateProject registers a project owned by orgID
func (s *Service) CreateProject(ctx context.Context, orgID, name string) (*Project, error) {
	if err := required(map[string]string{"org_id": orgID, "name": name}); err != nil {
		return nil, err
	}
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}
	p := &Project{ID: uuid.New().String(), OrgID: orgID, Name: name, CreatedAt: s.clock.Now().UTC()}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"org_id": orgID, "project_id": p.ID}).Info("project created")
	return p, nil
}

// GrantMembership binds userID to orgID with an org-scoped role. An empty
// status defaults to active; invited memberships grant nothing until accepted.
func (s *Service) GrantMembership(ctx context.Context, orgID, userID, roleID string, status Status) (*Membership, error) {
	if err := required(map[string]string{"org_id": orgID, "user_id": userID, "role_id": roleID}); err != nil {
		return nil, err
	}
	status, err := ParseStatus(string(status))
	if err != nil {
		return nil, err
	}
	if err := s.requireOrgRole(ctx, roleID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetOrganization(ctx, orgID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	m := &Membership{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		UserID:    userID,
		RoleID:    roleID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateMembership(ctx, m); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"org_id": orgID, "user_id": userID, "role_id": roleID, "status": status}).
		Info("membership granted")
	return m, nil
}

// UpdateMembershipStatus moves an org membership to status
func (s *Service) UpdateMembershipStatus(ctx context.Context, orgID, userID string, status Status) (*Membership, error) {
	if _, err := ParseStatus(string(status)); err != nil || status == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m, err := s.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(m.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, m.Status, status)
	}
	return s.transitionMembership(ctx, m, status)
}

// transitionMembership swaps m's status to status, failing if the stored
// status is no longer the one m was read with
func (s *Service) transitionMembership(ctx context.Context, m *Membership, status Status) (*Membership, error) {
	now := s.clock.Now().UTC()
	if err := s.store.TransitionMembership(ctx, m.ID, m.Status, status, now); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"org_id": m.OrgID, "user_id": m.UserID, "from": m.Status, "status": status}).
		Info("membership status changed")
	m.Status = status
	m.UpdatedAt = now
	return m, nil
}

// AcceptInvitation activates an invited org membership. Only a membership
// that is still invited at write time is activated; a suspended invitation
// stays suspended.
func (s *Service) AcceptInvitation(ctx context.Context, orgID, userID string) (*Membership, error) {
	m, err := s.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if m.Status != StatusInvited {
		return nil, fmt.Errorf("%w: membership is %s, not invited", ErrInvalidStatus, m.Status)
	}
	return s.transitionMembership(ctx, m, StatusActive)
}

// ChangeMembershipRole rebinds an org membership to another org-scoped role
func (s *Service) ChangeMembershipRole(ctx context.Context, orgID, userID, roleID string) (*Membership, error) {
	if err := s.requireOrgRole(ctx, roleID); err != nil {
		return nil, err
	}
	m, err := s.store.GetMembership(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMembershipRole(ctx, m.ID, roleID, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"org_id": orgID, "user_id": userID, "role_id": roleID}).
		Info("membership role changed")
	// status may have moved since the read above
	return s.store.GetMembership(ctx, orgID, userID)
}

// ListMemberships returns the memberships of an organization
func (s *Service) ListMemberships(ctx context.Context, orgID string) ([]Membership, error) {
	return s.store.ListMemberships(ctx, orgID)
}

// GrantProjectMembership binds userID to projectID with a project-scoped role.
// orgID must be the project's owning organization.
func (s *Service) GrantProjectMembership(ctx context.Context, orgID, projectID, userID, roleID string, status Status) (*ProjectMembership, error) {
	if err := required(map[string]string{"org_id": orgID, "project_id": projectID, "user_id": userID, "role_id": roleID}); err != nil {
		return nil, err
	}
	status, err := ParseStatus(string(status))
	if err != nil {
		return nil, err
	}
	if err := s.requireProjectRole(ctx, roleID); err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OrgID != orgID {
		return nil, fmt.Errorf("%w: project %s belongs to %s", ErrOrgMismatch, projectID, project.OrgID)
	}

	now := s.clock.Now().UTC()
	m := &ProjectMembership{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		ProjectID: projectID,
		UserID:    userID,
		RoleID:    roleID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProjectMembership(ctx, m); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID, "role_id": roleID, "status": status}).
		Info("project membership granted")
	return m, nil
}

// UpdateProjectMembershipStatus moves a project membership to status
func (s *Service) UpdateProjectMembershipStatus(ctx context.Context, projectID, userID string, status Status) (*ProjectMembership, error) {
	if _, err := ParseStatus(string(status)); err != nil || status == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m, err := s.store.GetProjectMembership(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(m.Status, status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidStatus, m.Status, status)
	}
	now := s.clock.Now().UTC()
	if err := s.store.TransitionProjectMembership(ctx, m.ID, m.Status, status, now); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID, "from": m.Status, "status": status}).
		Info("project membership status changed")
	m.Status = status
	m.UpdatedAt = now
	return m, nil
}

// ChangeProjectMembershipRole rebinds a project membership to another project-scoped role
func (s *Service) ChangeProjectMembershipRole(ctx context.Context, projectID, userID, roleID string) (*ProjectMembership, error) {
	if err := s.requireProjectRole(ctx, roleID); err != nil {
		return nil, err
	}
	m, err := s.store.GetProjectMembership(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetProjectMembershipRole(ctx, m.ID, roleID, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID, "role_id": roleID}).
		Info("project membership role changed")
	return s.store.GetProjectMembership(ctx, projectID, userID)
}

// ListProjectMemberships returns the memberships of a project
func (s *Service) ListProjectMemberships(ctx context.Context, projectID string) ([]ProjectMembership, error) {
	return s.store.ListProjectMemberships(ctx, projectID)
}

// PlatformGrant describes a new platform membership
type PlatformGrant struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	GrantedBy string     `json:"granted_by"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// GrantPlatformMembership binds a staff user to a platform-scoped role
func (s *Service) GrantPlatformMembership(ctx context.Context, grant PlatformGrant) (*PlatformMembership, error) {
	if err := required(map[string]string{
		"user_id":    grant.UserID,
		"role_id":    grant.RoleID,
		"granted_by": grant.GrantedBy,
		"reason":     grant.Reason,
	}); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if grant.ExpiresAt != nil && !grant.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", ErrInvalidInput)
	}
	if err := s.requirePlatformRole(ctx, grant.RoleID); err != nil {
		return nil, err
	}

	m := &PlatformMembership{
		ID:        uuid.New().String(),
		UserID:    grant.UserID,
		RoleID:    grant.RoleID,
		Status:    StatusActive,
		GrantedBy: grant.GrantedBy,
		Reason:    strings.TrimSpace(grant.Reason),
		ExpiresAt: grant.ExpiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePlatformMembership(ctx, m); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"user_id": grant.UserID, "role_id": grant.RoleID, "granted_by": grant.GrantedBy}).
		Info("platform membership granted")
	return m, nil
}

// UpdatePlatformMembershipStatus suspends or reactivates a platform membership
func (s *Service) UpdatePlatformMembershipStatus(ctx context.Context, id string, status Status) (*PlatformMembership, error) {
	if status != StatusActive && status != StatusSuspended {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m, err := s.store.GetPlatformMembership(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if err := s.store.TransitionPlatformMembership(ctx, id, m.Status, status, now); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"membership_id": id, "from": m.Status, "status": status}).
		Info("platform membership status changed")
	m.Status = status
	m.UpdatedAt = now
	return m, nil
}

// ListPlatformMemberships returns every platform membership of a user
func (s *Service) ListPlatformMemberships(ctx context.Context, userID string) ([]PlatformMembership, error) {
	return s.store.ListPlatformMemberships(ctx, userID)
}
