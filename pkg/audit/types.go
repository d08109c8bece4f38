package audit

import (
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrUnavailable is returned when neither the sink nor the spool accepted
	// a record
	ErrUnavailable = errors.New("audit log unavailable")

	// ErrInvalidRecord is returned for records missing required fields
	ErrInvalidRecord = errors.New("invalid decision record")
)

// Decision is the outcome of one authorization evaluation
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Valid reports whether d is allow or deny
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionDeny
}

// Record is one immutable decision record. Every authorization decision
// produces exactly one.
type Record struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`

	// ActorUserID is the caller. EffectiveUserID differs only under
	// impersonation, where it is the impersonated user.
	ActorUserID     string `json:"actor_user_id"`
	EffectiveUserID string `json:"effective_user_id,omitempty"`

	OrgID        string `json:"org_id,omitempty"`
	ProjectID    string `json:"project_id,omitempty"`
	ActionKey    string `json:"action_key"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	Decision      Decision `json:"decision"`
	ReasonCode    string   `json:"reason_code"`
	PolicyVersion int64    `json:"policy_version"`

	ImpersonationSessionID string `json:"impersonation_session_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Context map[string]string `json:"context,omitempty"`
}

// Validate checks the fields every record must carry
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case r.OccurredAt.IsZero():
		return fmt.Errorf("%w: occurred_at is required", ErrInvalidRecord)
	case r.ActorUserID == "":
		return fmt.Errorf("%w: actor_user_id is required", ErrInvalidRecord)
	case r.ActionKey == "":
		return fmt.Errorf("%w: action_key is required", ErrInvalidRecord)
	case !r.Decision.Valid():
		return fmt.Errorf("%w: decision must be allow or deny", ErrInvalidRecord)
	case r.ReasonCode == "":
		return fmt.Errorf("%w: reason_code is required", ErrInvalidRecord)
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a ULID for t. IDs sort by time, so the storage order of
// records follows decision order.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Filter selects records for search and export
type Filter struct {
	Since *time.Time
	Until *time.Time

	ActorUserID            string
	EffectiveUserID        string
	OrgID                  string
	ProjectID              string
	ActionKeys             []string
	Decision               Decision
	ReasonCodes            []string
	ImpersonationSessionID string

	// AfterID continues a previous page (keyset pagination on id)
	AfterID string
	Limit   int
}

// Matches reports whether rec passes every set field of f. It is the
// in-memory counterpart of the SQL filter.
func (f Filter) Matches(rec *Record) bool {
	if f.Since != nil && rec.OccurredAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !rec.OccurredAt.Before(*f.Until) {
		return false
	}
	if f.ActorUserID != "" && rec.ActorUserID != f.ActorUserID {
		return false
	}
	if f.EffectiveUserID != "" && rec.EffectiveUserID != f.EffectiveUserID {
		return false
	}
	if f.OrgID != "" && rec.OrgID != f.OrgID {
		return false
	}
	if f.ProjectID != "" && rec.ProjectID != f.ProjectID {
		return false
	}
	if len(f.ActionKeys) > 0 && !contains(f.ActionKeys, rec.ActionKey) {
		return false
	}
	if f.Decision != "" && rec.Decision != f.Decision {
		return false
	}
	if len(f.ReasonCodes) > 0 && !contains(f.ReasonCodes, rec.ReasonCode) {
		return false
	}
	if f.ImpersonationSessionID != "" && rec.ImpersonationSessionID != f.ImpersonationSessionID {
		return false
	}
	if f.AfterID != "" && rec.ID <= f.AfterID {
		return false
	}
	return true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// ExportFormat represents the format for exporting decision records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// ParseExportFormat maps a query value to a format, defaulting to NDJSON
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case "", ExportFormatNDJSON:
		return ExportFormatNDJSON, nil
	case ExportFormatJSON, ExportFormatCSV:
		return ExportFormat(s), nil
	}
	return "", fmt.Errorf("unsupported export format: %q", s)
}

// ContentType returns the HTTP content type for the format
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatJSON:
		return "application/json"
	case ExportFormatCSV:
		return "text/csv"
	default:
		return "application/x-ndjson"
	}
}
