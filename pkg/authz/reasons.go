package authz

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
)

// ErrResolution wraps every failure on the decision path. Callers never see
// it directly: the evaluator turns it into a resolution_error denial.
var ErrResolution = errors.New("resolution error")

// ReasonCode explains a decision to operators. It is never shown to end users.
type ReasonCode string

const (
	ReasonRolePermission       ReasonCode = "role_permission"
	ReasonOrgAdminOverride     ReasonCode = "org_admin_override"
	ReasonPlatformPermission   ReasonCode = "platform_permission"
	ReasonNoMatchingPermission ReasonCode = "no_matching_permission"
	ReasonResolutionError      ReasonCode = "resolution_error"
	ReasonSessionInvalid       ReasonCode = "session_invalid"
	ReasonSessionExpired       ReasonCode = "session_expired"
	ReasonSessionRevoked       ReasonCode = "session_revoked"
)

// Allows reports whether the reason code belongs to an allow decision
func (c ReasonCode) Allows() bool {
	switch c {
	case ReasonRolePermission, ReasonOrgAdminOverride, ReasonPlatformPermission:
		return true
	default:
		return false
	}
}

func resolutionErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResolution, fmt.Sprintf(format, args...))
}

// sessionReason maps a session validation error to its denial reason. Store
// failures are not session problems and fall through to resolution_error.
func sessionReason(err error) ReasonCode {
	switch {
	case errors.Is(err, impersonation.ErrSessionExpired):
		return ReasonSessionExpired
	case errors.Is(err, impersonation.ErrSessionRevoked):
		return ReasonSessionRevoked
	case errors.Is(err, impersonation.ErrSessionInvalid):
		return ReasonSessionInvalid
	default:
		return ReasonResolutionError
	}
}
