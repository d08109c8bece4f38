package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func (s *Server) registerImpersonationRoutes(r *mux.Router) {
	sessions := authz.PlatformTarget("impersonation_session")
	session := authz.PathTarget("impersonation_session", "session_id")

	s.guarded(r, http.MethodPost, "/impersonations", rbac.PermImpersonationStart, sessions, s.startImpersonation)
	s.guarded(r, http.MethodGet, "/impersonations", rbac.PermImpersonationRead, sessions, s.listImpersonations)
	s.guarded(r, http.MethodGet, "/impersonations/{session_id}", rbac.PermImpersonationRead, session, s.getImpersonation)

	// the manager applies the finer rules on who may end a session
	s.guarded(r, http.MethodPost, "/impersonations/{session_id}/end", rbac.PermImpersonationRead, session, s.endImpersonation)
	s.guarded(r, http.MethodPost, "/impersonations/{session_id}/revoke", rbac.PermImpersonationEnd, session, s.revokeImpersonation)
}

type startImpersonationRequest struct {
	TargetUserID string `json:"target_user_id"`
	OrgID        string `json:"org_id,omitempty"`
	Reason       string `json:"reason"`
	ApprovedBy   string `json:"approved_by,omitempty"`
	TTLSeconds   int    `json:"ttl_seconds,omitempty"`
}

// startImpersonation opens a session for the calling actor
func (s *Server) startImpersonation(w http.ResponseWriter, r *http.Request) {
	var req startImpersonationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TTLSeconds < 0 {
		httputil.WriteBadRequest(w, "ttl_seconds must not be negative")
		return
	}
	sess, err := s.svc.Sessions.Start(r.Context(), impersonation.StartRequest{
		ActorUserID:  contextkeys.GetUserID(r.Context()),
		TargetUserID: req.TargetUserID,
		OrgID:        req.OrgID,
		Reason:       req.Reason,
		ApprovedBy:   req.ApprovedBy,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteCreated(w, sess)
}

func (s *Server) listImpersonations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly, err := httputil.ParseQueryBool(r, "active", false)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		httputil.WriteBadRequest(w, "limit must be a positive integer")
		return
	}

	sessions, err := s.svc.Sessions.List(r.Context(), impersonation.Filter{
		ActorUserID:  q.Get("actor_user_id"),
		TargetUserID: q.Get("target_user_id"),
		OrgID:        q.Get("org_id"),
		Status:       impersonation.Status(q.Get("status")),
		ActiveOnly:   activeOnly,
		Limit:        limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []impersonation.Session{}
	}
	httputil.WriteSuccess(w, sessions)
}

func (s *Server) getImpersonation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Sessions.Get(r.Context(), mux.Vars(r)["session_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sess)
}

func (s *Server) endImpersonation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Sessions.End(r.Context(), mux.Vars(r)["session_id"], contextkeys.GetUserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sess)
}

func (s *Server) revokeImpersonation(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Sessions.Revoke(r.Context(), mux.Vars(r)["session_id"], contextkeys.GetUserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sess)
}
