package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func (s *Server) registerDirectoryRoutes(r *mux.Router) {
	org := authz.PathTarget("organization", "")
	orgMember := authz.PathTarget("membership", "user_id")
	project := authz.PathTarget("project", "")
	projectMember := authz.PathTarget("project_membership", "user_id")
	platform := authz.PlatformTarget("platform_membership")

	s.guarded(r, http.MethodGet, "/users/{user_id}/permissions", rbac.PermOrgMembersRead,
		authz.QueryTarget("user", "user_id"), s.effectivePermissions)

	s.guarded(r, http.MethodPost, "/orgs", rbac.PermPlatformOrgsManage, authz.PlatformTarget("organization"), s.createOrganization)
	s.guarded(r, http.MethodPost, "/orgs/{org_id}/projects", rbac.PermProjectCreate, org, s.createProject)

	s.guarded(r, http.MethodGet, "/orgs/{org_id}/members", rbac.PermOrgMembersRead, org, s.listMembers)
	s.guarded(r, http.MethodPost, "/orgs/{org_id}/members", rbac.PermOrgMembersManage, org, s.grantMembership)
	s.guarded(r, http.MethodPatch, "/orgs/{org_id}/members/{user_id}", rbac.PermOrgMembersManage, orgMember, s.updateMembership)
	// accepting an invitation is a self-service action on one's own membership
	r.HandleFunc("/orgs/{org_id}/members/{user_id}/accept", s.acceptInvitation).Methods(http.MethodPost)

	s.guarded(r, http.MethodGet, "/orgs/{org_id}/projects/{project_id}/members", rbac.PermProjectMembersRead, project, s.listProjectMembers)
	s.guarded(r, http.MethodPost, "/orgs/{org_id}/projects/{project_id}/members", rbac.PermProjectMembersManage, project, s.grantProjectMembership)
	s.guarded(r, http.MethodPatch, "/orgs/{org_id}/projects/{project_id}/members/{user_id}", rbac.PermProjectMembersManage, projectMember, s.updateProjectMembership)

	s.guarded(r, http.MethodGet, "/platform/members", rbac.PermPlatformMembersManage, platform, s.listPlatformMembers)
	s.guarded(r, http.MethodPost, "/platform/members", rbac.PermPlatformMembersManage, platform, s.grantPlatformMembership)
	s.guarded(r, http.MethodPatch, "/platform/members/{membership_id}", rbac.PermPlatformMembersManage, platform, s.updatePlatformMembership)
}

// roleRef names a role by id or by key
type roleRef struct {
	RoleID  string `json:"role_id,omitempty"`
	RoleKey string `json:"role_key,omitempty"`
}

func (s *Server) resolveRoleRef(ctx context.Context, ref roleRef) (string, error) {
	if ref.RoleID != "" {
		return ref.RoleID, nil
	}
	if ref.RoleKey == "" {
		return "", fmt.Errorf("%w: role_id or role_key is required", membership.ErrInvalidInput)
	}
	role, err := s.svc.Registry.ResolveRoleByKey(ctx, ref.RoleKey)
	if err != nil {
		return "", err
	}
	return role.Base().ID, nil
}

type createOrganizationRequest struct {
	Name string `json:"name"`
}

func (s *Server) createOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	org, err := s.svc.Members.CreateOrganization(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, org)
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	p, err := s.svc.Members.CreateProject(r.Context(), mux.Vars(r)["org_id"], req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, p)
}

type grantMembershipRequest struct {
	UserID string `json:"user_id"`
	roleRef
	Status membership.Status `json:"status,omitempty"`
}

type updateMembershipRequest struct {
	roleRef
	Status membership.Status `json:"status,omitempty"`
}

func (u updateMembershipRequest) empty() bool {
	return u.RoleID == "" && u.RoleKey == "" && u.Status == ""
}

func (s *Server) listMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.Members.ListMemberships(r.Context(), mux.Vars(r)["org_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

func (s *Server) grantMembership(w http.ResponseWriter, r *http.Request) {
	var req grantMembershipRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	roleID, err := s.resolveRoleRef(ctx, req.roleRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.Members.GrantMembership(ctx, mux.Vars(r)["org_id"], strings.TrimSpace(req.UserID), roleID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

// updateMembership changes the role and/or the status of an org membership
func (s *Server) updateMembership(w http.ResponseWriter, r *http.Request) {
	var req updateMembershipRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.empty() {
		httputil.WriteBadRequest(w, "nothing to update")
		return
	}

	ctx := r.Context()
	vars := mux.Vars(r)
	var (
		m   *membership.Membership
		err error
	)
	if req.RoleID != "" || req.RoleKey != "" {
		roleID, err := s.resolveRoleRef(ctx, req.roleRef)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if m, err = s.svc.Members.ChangeMembershipRole(ctx, vars["org_id"], vars["user_id"], roleID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Status != "" {
		if m, err = s.svc.Members.UpdateMembershipStatus(ctx, vars["org_id"], vars["user_id"], req.Status); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, m)
}

func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if contextkeys.GetUserID(r.Context()) != vars["user_id"] {
		httputil.WriteForbidden(w)
		return
	}
	m, err := s.svc.Members.AcceptInvitation(r.Context(), vars["org_id"], vars["user_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}

func (s *Server) listProjectMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.svc.Members.ListProjectMemberships(r.Context(), mux.Vars(r)["project_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

func (s *Server) grantProjectMembership(w http.ResponseWriter, r *http.Request) {
	var req grantMembershipRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	roleID, err := s.resolveRoleRef(ctx, req.roleRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	m, err := s.svc.Members.GrantProjectMembership(ctx, vars["org_id"], vars["project_id"],
		strings.TrimSpace(req.UserID), roleID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

func (s *Server) updateProjectMembership(w http.ResponseWriter, r *http.Request) {
	var req updateMembershipRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.empty() {
		httputil.WriteBadRequest(w, "nothing to update")
		return
	}

	ctx := r.Context()
	vars := mux.Vars(r)
	var (
		m   *membership.ProjectMembership
		err error
	)
	if req.RoleID != "" || req.RoleKey != "" {
		roleID, err := s.resolveRoleRef(ctx, req.roleRef)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if m, err = s.svc.Members.ChangeProjectMembershipRole(ctx, vars["project_id"], vars["user_id"], roleID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if req.Status != "" {
		if m, err = s.svc.Members.UpdateProjectMembershipStatus(ctx, vars["project_id"], vars["user_id"], req.Status); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	httputil.WriteSuccess(w, m)
}

func (s *Server) listPlatformMembers(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		httputil.WriteBadRequest(w, "user_id query parameter is required")
		return
	}
	members, err := s.svc.Members.ListPlatformMemberships(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

type grantPlatformRequest struct {
	UserID string `json:"user_id"`
	roleRef
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// grantPlatformMembership records the calling actor as the grantor
func (s *Server) grantPlatformMembership(w http.ResponseWriter, r *http.Request) {
	var req grantPlatformRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	roleID, err := s.resolveRoleRef(ctx, req.roleRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.Members.GrantPlatformMembership(ctx, membership.PlatformGrant{
		UserID:    strings.TrimSpace(req.UserID),
		RoleID:    roleID,
		GrantedBy: contextkeys.GetUserID(ctx),
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, m)
}

type updateStatusRequest struct {
	Status membership.Status `json:"status"`
}

func (s *Server) updatePlatformMembership(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	m, err := s.svc.Members.UpdatePlatformMembershipStatus(r.Context(), mux.Vars(r)["membership_id"], req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, m)
}
