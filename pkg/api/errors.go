package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/httputil"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/membership"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// writeError maps service errors onto status codes. Anything unrecognised
// is logged and reported as a 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isAny(err, impersonation.ErrNotPermitted):
		httputil.WriteForbidden(w)
	case isAny(err, membership.ErrStatusChanged):
		httputil.WriteConflict(w, err.Error())
	case isAny(err,
		rbac.ErrInvalidPermissionKey, rbac.ErrInvalidScope, rbac.ErrImmutableScope,
		rbac.ErrUnknownPermission, rbac.ErrInvalidInput,
		membership.ErrInvalidInput, membership.ErrInvalidStatus, membership.ErrScopeMismatch,
		membership.ErrOrgMismatch,
		impersonation.ErrSelfImpersonationForbidden, impersonation.ErrReasonRequired,
		impersonation.ErrInvalidTTL, impersonation.ErrInvalidInput,
		audit.ErrInvalidRange):
		httputil.WriteBadRequest(w, err.Error())
	case isAny(err, rbac.ErrNotFound, membership.ErrNotFound, impersonation.ErrNotFound):
		httputil.WriteNotFound(w, err.Error())
	case isAny(err, rbac.ErrConflict, rbac.ErrPermissionInUse, membership.ErrConflict,
		impersonation.ErrInvalidTransition):
		httputil.WriteConflict(w, err.Error())
	default:
		s.log(r).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		httputil.WriteInternalError(w)
	}
}

func httpNotFound(w http.ResponseWriter) {
	httputil.WriteNotFound(w, "route not found")
}
