package api

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func (s *Server) registerCatalogRoutes(r *mux.Router) {
	catalog := authz.PlatformTarget("catalog")

	r.HandleFunc("/catalog/version", s.policyVersion).Methods(http.MethodGet)
	r.HandleFunc("/catalog/permissions", s.listPermissions).Methods(http.MethodGet)
	r.HandleFunc("/catalog/roles", s.listRoles).Methods(http.MethodGet)

	s.guarded(r, http.MethodPost, "/catalog/permissions", rbac.PermPlatformCatalogManage, catalog, s.registerPermission)
	s.guarded(r, http.MethodDelete, "/catalog/permissions/{key}", rbac.PermPlatformCatalogManage, catalog, s.deletePermission)
	s.guarded(r, http.MethodPost, "/catalog/roles", rbac.PermPlatformCatalogManage, catalog, s.createRole)
	s.guarded(r, http.MethodPatch, "/catalog/roles/{role_id}", rbac.PermPlatformCatalogManage, catalog, s.updateRole)
	s.guarded(r, http.MethodPut, "/catalog/roles/{role_id}/permissions", rbac.PermPlatformCatalogManage, catalog, s.setRolePermissions)
}

type roleView struct {
	rbac.RoleRecord
	Permissions []rbac.PermissionKey `json:"permissions"`
}

func newRoleView(role rbac.Role, perms rbac.PermissionSet) roleView {
	return roleView{RoleRecord: rbac.RecordOf(role), Permissions: perms.Keys()}
}

func (s *Server) policyVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Registry.PolicyVersion(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]int64{"policy_version": v})
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.svc.Registry.ListPermissions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, perms)
}

func (s *Server) listRoles(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Registry.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	roles := snap.Roles()
	sort.Slice(roles, func(i, j int) bool { return roles[i].Base().Key < roles[j].Base().Key })

	out := make([]roleView, 0, len(roles))
	for _, role := range roles {
		out = append(out, newRoleView(role, snap.PermissionsOf(role.Base().ID)))
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"policy_version": snap.Version,
		"roles":          out,
	})
}

type registerPermissionRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func (s *Server) registerPermission(w http.ResponseWriter, r *http.Request) {
	var req registerPermissionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	perm, err := s.svc.Registry.RegisterPermission(r.Context(), req.Key, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, perm)
}

func (s *Server) deletePermission(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Registry.DeletePermission(r.Context(), mux.Vars(r)["key"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

type createRoleRequest struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Scope       string   `json:"scope"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions,omitempty"`
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	scope, err := rbac.ParseScope(req.Scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	role, err := s.svc.Registry.CreateRole(ctx, scope, req.Key, req.Label, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Permissions) > 0 {
		if err := s.svc.Registry.SetRolePermissions(ctx, role.Base().ID, req.Permissions); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	perms, err := s.svc.Registry.PermissionsOf(ctx, role.Base().ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, newRoleView(role, perms))
}

func (s *Server) updateRole(w http.ResponseWriter, r *http.Request) {
	var update rbac.RoleUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}
	ctx := r.Context()
	role, err := s.svc.Registry.UpdateRole(ctx, mux.Vars(r)["role_id"], update)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	perms, err := s.svc.Registry.PermissionsOf(ctx, role.Base().ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newRoleView(role, perms))
}

type setRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

// setRolePermissions replaces the role's permission set. An empty list
// removes every edge.
func (s *Server) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req setRolePermissionsRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	ctx := r.Context()
	roleID := mux.Vars(r)["role_id"]
	role, err := s.svc.Registry.ResolveRole(ctx, roleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Registry.SetRolePermissions(ctx, roleID, req.Permissions); err != nil {
		s.writeError(w, r, err)
		return
	}
	perms, err := s.svc.Registry.PermissionsOf(ctx, roleID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newRoleView(role, perms))
}
