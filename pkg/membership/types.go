package membership

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrInvalidInput = errors.New("invalid input")
	// ErrScopeMismatch is returned when a membership references a role of another scope
	ErrScopeMismatch = errors.New("role scope does not match membership scope")
	// ErrOrgMismatch is returned when a project membership names an organization
	// other than the project's owner
	ErrOrgMismatch = errors.New("project does not belong to organization")
	// ErrInvalidStatus is returned for unknown statuses and disallowed transitions
	ErrInvalidStatus = errors.New("invalid membership status")
	// ErrStatusChanged is returned when a status write lost to a concurrent one
	ErrStatusChanged = fmt.Errorf("%w: changed concurrently", ErrInvalidStatus)
)

// Status is the lifecycle state of a membership
type Status string

const (
	StatusActive    Status = "active"
	StatusInvited   Status = "invited"
	StatusSuspended Status = "suspended"
)

// ParseStatus validates a status string. Empty defaults to active.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "":
		return StatusActive, nil
	case StatusActive, StatusInvited, StatusSuspended:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// CanTransition reports whether a membership may move from one status to
// another. Nothing returns to invited, and memberships are suspended rather
// than deleted.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusActive:
		return from == StatusInvited || from == StatusSuspended
	case StatusSuspended:
		return from == StatusActive || from == StatusInvited
	default:
		return false
	}
}

// Organization is a tenant
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Project is a unit of work owned by exactly one organization
type Project struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership binds a user to an organization with an org-scoped role
type Membership struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectMembership binds a user to a project with a project-scoped role
type ProjectMembership struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlatformMembership binds a staff user to a platform-scoped role
type PlatformMembership struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	Status    Status     `json:"status"`
	GrantedBy string     `json:"granted_by"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ActiveAt reports whether the grant is usable at now
func (p PlatformMembership) ActiveAt(now time.Time) bool {
	if p.Status != StatusActive {
		return false
	}
	return p.ExpiresAt == nil || now.Before(*p.ExpiresAt)
}
