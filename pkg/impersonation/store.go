package impersonation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store persists sessions. Transition must be a compare-and-swap on
// (id, status = active): of any number of concurrent callers, at most one
// observes success.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Transition moves an active session to a terminal status. Moving to
	// expired only succeeds once the session is past expiry; any other target
	// only succeeds before it.
	Transition(ctx context.Context, id string, to Status, by string, at time.Time) (*Session, error)
	List(ctx context.Context, filter Filter, now time.Time) ([]Session, error)
	// ExpireDue marks every active session past expiry as expired
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// SQLStore is the PostgreSQL implementation of Store
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new session store
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sessionColumns = `id, actor_user_id, target_user_id, org_id, status, reason, approved_by,
	started_at, expires_at, ended_at, ended_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var status string
	var orgID, approvedBy, endedBy sql.NullString
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.ActorUserID, &s.TargetUserID, &orgID, &status, &s.Reason, &approvedBy,
		&s.StartedAt, &s.ExpiresAt, &endedAt, &endedBy)
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.OrgID = orgID.String
	s.ApprovedBy = approvedBy.String
	s.EndedBy = endedBy.String
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *SQLStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO impersonation_sessions (
			id, actor_user_id, target_user_id, org_id, status, reason, approved_by, started_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, sess.ActorUserID, sess.TargetUserID, nullString(sess.OrgID), string(sess.Status),
		sess.Reason, nullString(sess.ApprovedBy), sess.StartedAt, sess.ExpiresAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return fmt.Errorf("%w: %s", ErrInvalidInput, pqErr.Constraint)
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM impersonation_sessions WHERE id = $1", id,
	))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) Transition(ctx context.Context, id string, to Status, by string, at time.Time) (*Session, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("%w: cannot move to %s", ErrInvalidTransition, to)
	}
	expiry := "expires_at > $3"
	if to == StatusExpired {
		expiry = "expires_at <= $3"
	}
	query := `
		UPDATE impersonation_sessions
		SET status = $1, ended_by = $2, ended_at = $3
		WHERE id = $4 AND status = 'active' AND ` + expiry + `
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, string(to), nullString(by), at, id))
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}

	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, id, current.Status)
}

func (s *SQLStore) List(ctx context.Context, filter Filter, now time.Time) ([]Session, error) {
	query := "SELECT " + sessionColumns + " FROM impersonation_sessions WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if filter.ActorUserID != "" {
		query += fmt.Sprintf(" AND actor_user_id = $%d", argCount)
		args = append(args, filter.ActorUserID)
		argCount++
	}
	if filter.TargetUserID != "" {
		query += fmt.Sprintf(" AND target_user_id = $%d", argCount)
		args = append(args, filter.TargetUserID)
		argCount++
	}
	if filter.OrgID != "" {
		query += fmt.Sprintf(" AND org_id = $%d", argCount)
		args = append(args, filter.OrgID)
		argCount++
	}
	if filter.ActiveOnly {
		query += fmt.Sprintf(" AND status = 'active' AND expires_at > $%d", argCount)
		args = append(args, now)
		argCount++
	} else if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, string(filter.Status))
		argCount++
	}

	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE impersonation_sessions
		SET status = 'expired', ended_at = expires_at
		WHERE status = 'active' AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired sessions: %w", err)
	}
	return n, nil
}
