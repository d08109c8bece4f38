package impersonation

import (
	"errors"
	"time"
)

var (
	ErrSelfImpersonationForbidden = errors.New("self impersonation is forbidden")
	ErrReasonRequired             = errors.New("impersonation reason is required")
	ErrInvalidTTL                 = errors.New("invalid impersonation ttl")
	// ErrInvalidTransition is returned when a session is not active anymore
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionRevoked    = errors.New("session revoked")
	// ErrSessionInvalid covers unknown sessions, ended sessions and sessions
	// presented by someone other than their actor
	ErrSessionInvalid = errors.New("session invalid")
	ErrNotPermitted   = errors.New("not permitted")
	ErrNotFound       = errors.New("session not found")
	ErrInvalidInput   = errors.New("invalid input")
)

const (
	// DefaultTTL is the session lifetime when the caller does not ask for one
	DefaultTTL = time.Hour
	// DefaultMaxTTL caps requested lifetimes when no limit is configured
	DefaultMaxTTL = 8 * time.Hour
)

// Status is the state of an impersonation session
type Status string

const (
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transition is allowed from s
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRevoked || s == StatusExpired
}

// Session is a time-bounded delegation letting ActorUserID act as TargetUserID
type Session struct {
	ID           string     `json:"id"`
	ActorUserID  string     `json:"actor_user_id"`
	TargetUserID string     `json:"target_user_id"`
	OrgID        string     `json:"org_id,omitempty"`
	Status       Status     `json:"status"`
	Reason       string     `json:"reason"`
	ApprovedBy   string     `json:"approved_by,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	EndedBy      string     `json:"ended_by,omitempty"`
}

// ExpiredAt reports whether the session lifetime has elapsed at now,
// regardless of the stored status
func (s *Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// UsableAt reports whether the session may be used at now
func (s *Session) UsableAt(now time.Time) bool {
	return s.Status == StatusActive && !s.ExpiredAt(now)
}

// StartRequest describes a new session
type StartRequest struct {
	ActorUserID  string        `json:"actor_user_id"`
	TargetUserID string        `json:"target_user_id"`
	OrgID        string        `json:"org_id,omitempty"`
	Reason       string        `json:"reason"`
	ApprovedBy   string        `json:"approved_by,omitempty"`
	TTL          time.Duration `json:"ttl,omitempty"`
}

// Filter selects sessions for listing
type Filter struct {
	ActorUserID  string
	TargetUserID string
	OrgID        string
	Status       Status
	// ActiveOnly returns sessions that are active and not past expiry
	ActiveOnly bool
	Limit      int
}
