package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/authz"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func (s *Server) registerAuditRoutes(r *mux.Router) {
	target := authz.PlatformTarget("decision_log")
	s.guarded(r, http.MethodGet, "/audit/decisions", rbac.PermAuditExport, target, s.exportDecisions)
	s.guarded(r, http.MethodPost, "/audit/archives", rbac.PermAuditExport, target, s.archiveDecisions)
}

// parseDecisionFilter reads export filters from the query string. action and
// reason_code may repeat.
func parseDecisionFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorUserID:            q.Get("actor_user_id"),
		EffectiveUserID:        q.Get("effective_user_id"),
		OrgID:                  q.Get("org_id"),
		ProjectID:              q.Get("project_id"),
		ActionKeys:             q["action"],
		ReasonCodes:            q["reason_code"],
		ImpersonationSessionID: q.Get("session_id"),
		AfterID:                q.Get("after"),
		Decision:               audit.Decision(q.Get("decision")),
	}
	if f.Decision != "" && !f.Decision.Valid() {
		return f, fmt.Errorf("decision must be allow or deny")
	}

	var err error
	if f.Since, err = httputil.ParseQueryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = httputil.ParseQueryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = httputil.ParseQueryInt(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Limit < 0 {
		return f, fmt.Errorf("limit must not be negative")
	}
	return f, nil
}

// exportDecisions streams matching records. Once the first byte is written
// a failure can only be logged; the truncated body is the signal.
func (s *Server) exportDecisions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseDecisionFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if format == audit.ExportFormatCSV {
		w.Header().Set("Content-Disposition", `attachment; filename="decisions.csv"`)
	}
	n, err := audit.Export(r.Context(), s.svc.Decisions, filter, format, w)
	if err != nil {
		s.log(r).WithError(err).WithField("records", n).Error("decision export interrupted")
		return
	}
	s.log(r).WithField("records", n).Info("decision export complete")
}

type archiveRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type archiveResponse struct {
	Objects []audit.ArchiveObject `json:"objects"`
	Error   string                `json:"error,omitempty"`
}

// archiveDecisions copies whole UTC days (YYYY-MM-DD, inclusive) to object
// storage. Partial success returns 207 with the objects that were written.
func (s *Server) archiveDecisions(w http.ResponseWriter, r *http.Request) {
	if s.svc.Archiver == nil {
		httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "archive storage is not configured")
		return
	}
	var req archiveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	from, err := time.Parse(time.DateOnly, req.From)
	if err != nil {
		httputil.WriteBadRequest(w, "from must be a date (YYYY-MM-DD)")
		return
	}
	to, err := time.Parse(time.DateOnly, req.To)
	if err != nil {
		httputil.WriteBadRequest(w, "to must be a date (YYYY-MM-DD)")
		return
	}

	objects, err := s.svc.Archiver.ArchiveRange(r.Context(), from, to)
	if objects == nil {
		objects = []audit.ArchiveObject{}
	}
	switch {
	case err == nil:
		httputil.WriteSuccess(w, archiveResponse{Objects: objects})
	case len(objects) > 0:
		s.log(r).WithError(err).Warn("decision archive partially failed")
		httputil.WriteJSON(w, http.StatusMultiStatus, archiveResponse{Objects: objects, Error: "some days failed to archive"})
	default:
		s.writeError(w, r, err)
	}
}
