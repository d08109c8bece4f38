package api

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
)

// authorizeResponse is returned to the resource owner. The reason code is
// for the owner's logs; end users only ever see a generic denial.
type authorizeResponse struct {
	Allowed         bool             `json:"allowed"`
	Decision        audit.Decision   `json:"decision"`
	ReasonCode      authz.ReasonCode `json:"reason_code"`
	PolicyVersion   int64            `json:"policy_version"`
	EffectiveUserID string           `json:"effective_user_id"`
	RecordID        string           `json:"record_id,omitempty"`
}

// authorize answers one decision request from a resource owner
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	var req authz.Request
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.ActorUserID = strings.TrimSpace(req.ActorUserID)
	req.ActionKey = strings.TrimSpace(req.ActionKey)
	if req.ActorUserID == "" || req.ActionKey == "" {
		httputil.WriteBadRequest(w, "actor_user_id and action_key are required")
		return
	}

	d := s.svc.Evaluator.Authorize(r.Context(), req)
	httputil.WriteSuccess(w, authorizeResponse{
		Allowed:         d.Allowed,
		Decision:        d.Decision,
		ReasonCode:      d.ReasonCode,
		PolicyVersion:   d.PolicyVersion,
		EffectiveUserID: d.EffectiveUserID,
		RecordID:        d.RecordID,
	})
}

type effectivePermissionsResponse struct {
	UserID        string        `json:"user_id"`
	OrgID         string        `json:"org_id,omitempty"`
	ProjectID     string        `json:"project_id,omitempty"`
	PolicyVersion int64         `json:"policy_version"`
	OrgRole       string        `json:"org_role,omitempty"`
	ProjectRole   string        `json:"project_role,omitempty"`
	PlatformRoles []string      `json:"platform_roles,omitempty"`
	IsOrgAdmin    bool          `json:"is_org_admin"`
	Grants        []authz.Grant `json:"grants"`
}

// effectivePermissions lists what a user is granted in a scope, computed by
// the same function decisions use
func (s *Server) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := httputil.ParsePathString(r, "user_id")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	rc, err := s.svc.Evaluator.Resolver().Resolve(r.Context(), userID, q.Get("org_id"), q.Get("project_id"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	resp := effectivePermissionsResponse{
		UserID:        rc.UserID,
		OrgID:         rc.OrgID,
		ProjectID:     rc.ProjectID,
		PolicyVersion: rc.PolicyVersion,
		IsOrgAdmin:    rc.IsOrgAdmin,
		Grants:        rc.Effective(),
	}
	if rc.OrgRole != nil {
		resp.OrgRole = rc.OrgRole.Key
	}
	if rc.ProjectRole != nil {
		resp.ProjectRole = rc.ProjectRole.Key
	}
	for _, role := range rc.PlatformRoles {
		resp.PlatformRoles = append(resp.PlatformRoles, role.Key)
	}
	if resp.Grants == nil {
		resp.Grants = []authz.Grant{}
	}
	httputil.WriteSuccess(w, resp)
}
