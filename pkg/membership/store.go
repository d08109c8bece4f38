package membership

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Store persists organizations, projects and the three membership kinds.
// Reads go to the primary: a status change must be visible to the very next
// authorization decision.
//
// Writes touch one column each. Status changes are compare-and-swap on the
// status the caller read, and fail with ErrStatusChanged when another writer
// got there first; role changes never write the status.
type Store interface {
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)

	CreateMembership(ctx context.Context, m *Membership) error
	GetMembership(ctx context.Context, orgID, userID string) (*Membership, error)
	SetMembershipRole(ctx context.Context, id, roleID string, at time.Time) error
	TransitionMembership(ctx context.Context, id string, from, to Status, at time.Time) error
	ListMemberships(ctx context.Context, orgID string) ([]Membership, error)

	CreateProjectMembership(ctx context.Context, m *ProjectMembership) error
	GetProjectMembership(ctx context.Context, projectID, userID string) (*ProjectMembership, error)
	SetProjectMembershipRole(ctx context.Context, id, roleID string, at time.Time) error
	TransitionProjectMembership(ctx context.Context, id string, from, to Status, at time.Time) error
	ListProjectMemberships(ctx context.Context, projectID string) ([]ProjectMembership, error)

	CreatePlatformMembership(ctx context.Context, m *PlatformMembership) error
	GetPlatformMembership(ctx context.Context, id string) (*PlatformMembership, error)
	TransitionPlatformMembership(ctx context.Context, id string, from, to Status, at time.Time) error
	ListPlatformMemberships(ctx context.Context, userID string) ([]PlatformMembership, error)
}

// SQLStore is the PostgreSQL implementation of Store. Each membership table
// carries a fixed role_scope column in a composite foreign key to
// roles(id, scope), so no row can reference a role of the wrong scope.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new membership store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func mapWriteError(err error, what string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, what)
		case "23503":
			switch {
			case strings.Contains(pqErr.Constraint, "role_scope"):
				return fmt.Errorf("%w: %s", ErrScopeMismatch, what)
			case strings.Contains(pqErr.Constraint, "project_org"):
				return fmt.Errorf("%w: %s", ErrOrgMismatch, what)
			}
			return fmt.Errorf("%w: %s references a missing row", ErrNotFound, what)
		}
	}
	return fmt.Errorf("failed to write %s: %w", what, err)
}

func (s *SQLStore) CreateOrganization(ctx context.Context, org *Organization) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, name, created_at) VALUES ($1, $2, $3)",
		org.ID, org.Name, org.CreatedAt,
	)
	if err != nil {
		return mapWriteError(err, "organization")
	}
	return nil
}

func (s *SQLStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM organizations WHERE id = $1", id,
	).Scan(&org.ID, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: organization %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &org, nil
}

func (s *SQLStore) CreateProject(ctx context.Context, p *Project) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO projects (id, org_id, name, created_at) VALUES ($1, $2, $3, $4)",
		p.ID, p.OrgID, p.Name, p.CreatedAt,
	)
	if err != nil {
		return mapWriteError(err, "project")
	}
	return nil
}

func (s *SQLStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx,
		"SELECT id, org_id, name, created_at FROM projects WHERE id = $1", id,
	).Scan(&p.ID, &p.OrgID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) CreateMembership(ctx context.Context, m *Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (id, org_id, user_id, role_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.OrgID, m.UserID, m.RoleID, string(m.Status), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "membership")
	}
	return nil
}

const membershipColumns = "id, org_id, user_id, role_id, status, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMembership(row rowScanner) (*Membership, error) {
	var m Membership
	var status string
	if err := row.Scan(&m.ID, &m.OrgID, &m.UserID, &m.RoleID, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	return &m, nil
}

func (s *SQLStore) GetMembership(ctx context.Context, orgID, userID string) (*Membership, error) {
	m, err := scanMembership(s.db.QueryRowContext(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE org_id = $1 AND user_id = $2",
		orgID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: membership of %s in %s", ErrNotFound, userID, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// setRole rebinds a row of table to roleID, leaving its status alone
func (s *SQLStore) setRole(ctx context.Context, table, what, id, roleID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+table+" SET role_id = $1, updated_at = $2 WHERE id = $3",
		roleID, at, id,
	)
	if err != nil {
		return mapWriteError(err, what)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return nil
}

// transition moves a row of table from one status to another only if it
// still has the status the caller read
func (s *SQLStore) transition(ctx context.Context, table, what, id string, from, to Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE "+table+" SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4",
		string(to), at, id, string(from),
	)
	if err != nil {
		return mapWriteError(err, what)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s is no longer %s", ErrStatusChanged, what, id, from)
	}
	return nil
}

func (s *SQLStore) SetMembershipRole(ctx context.Context, id, roleID string, at time.Time) error {
	return s.setRole(ctx, "memberships", "membership", id, roleID, at)
}

func (s *SQLStore) TransitionMembership(ctx context.Context, id string, from, to Status, at time.Time) error {
	return s.transition(ctx, "memberships", "membership", id, from, to, at)
}

func (s *SQLStore) ListMemberships(ctx context.Context, orgID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+membershipColumns+" FROM memberships WHERE org_id = $1 ORDER BY created_at, id", orgID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreateProjectMembership(ctx context.Context, m *ProjectMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_memberships (id, org_id, project_id, user_id, role_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.OrgID, m.ProjectID, m.UserID, m.RoleID, string(m.Status), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "project membership")
	}
	return nil
}

const projectMembershipColumns = "id, org_id, project_id, user_id, role_id, status, created_at, updated_at"

func scanProjectMembership(row rowScanner) (*ProjectMembership, error) {
	var m ProjectMembership
	var status string
	if err := row.Scan(&m.ID, &m.OrgID, &m.ProjectID, &m.UserID, &m.RoleID, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	return &m, nil
}

func (s *SQLStore) GetProjectMembership(ctx context.Context, projectID, userID string) (*ProjectMembership, error) {
	m, err := scanProjectMembership(s.db.QueryRowContext(ctx,
		"SELECT "+projectMembershipColumns+" FROM project_memberships WHERE project_id = $1 AND user_id = $2",
		projectID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: membership of %s in project %s", ErrNotFound, userID, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project membership: %w", err)
	}
	return m, nil
}

func (s *SQLStore) SetProjectMembershipRole(ctx context.Context, id, roleID string, at time.Time) error {
	return s.setRole(ctx, "project_memberships", "project membership", id, roleID, at)
}

func (s *SQLStore) TransitionProjectMembership(ctx context.Context, id string, from, to Status, at time.Time) error {
	return s.transition(ctx, "project_memberships", "project membership", id, from, to, at)
}

func (s *SQLStore) ListProjectMemberships(ctx context.Context, projectID string) ([]ProjectMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+projectMembershipColumns+" FROM project_memberships WHERE project_id = $1 ORDER BY created_at, id",
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list project memberships: %w", err)
	}
	defer rows.Close()

	var out []ProjectMembership
	for rows.Next() {
		m, err := scanProjectMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project membership: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLStore) CreatePlatformMembership(ctx context.Context, m *PlatformMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_memberships (id, user_id, role_id, status, granted_by, reason, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.UserID, m.RoleID, string(m.Status), m.GrantedBy, m.Reason, m.ExpiresAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapWriteError(err, "platform membership")
	}
	return nil
}

const platformMembershipColumns = "id, user_id, role_id, status, granted_by, reason, expires_at, created_at, updated_at"

func scanPlatformMembership(row rowScanner) (*PlatformMembership, error) {
	var m PlatformMembership
	var status string
	var expiresAt sql.NullTime
	if err := row.Scan(&m.ID, &m.UserID, &m.RoleID, &status, &m.GrantedBy, &m.Reason, &expiresAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time
		m.ExpiresAt = &t
	}
	return &m, nil
}

func (s *SQLStore) GetPlatformMembership(ctx context.Context, id string) (*PlatformMembership, error) {
	m, err := scanPlatformMembership(s.db.QueryRowContext(ctx,
		"SELECT "+platformMembershipColumns+" FROM platform_memberships WHERE id = $1", id,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: platform membership %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform membership: %w", err)
	}
	return m, nil
}

func (s *SQLStore) TransitionPlatformMembership(ctx context.Context, id string, from, to Status, at time.Time) error {
	return s.transition(ctx, "platform_memberships", "platform membership", id, from, to, at)
}

func (s *SQLStore) ListPlatformMemberships(ctx context.Context, userID string) ([]PlatformMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+platformMembershipColumns+" FROM platform_memberships WHERE user_id = $1 ORDER BY created_at, id",
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list platform memberships: %w", err)
	}
	defer rows.Close()

	var out []PlatformMembership
	for rows.Next() {
		m, err := scanPlatformMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan platform membership: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
