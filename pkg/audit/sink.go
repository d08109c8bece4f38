package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Sink persists decision records. Writes must be idempotent on Record.ID so a
// record replayed from the spool is stored once.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// Source reads decision records back in id order
type Source interface {
	Search(ctx context.Context, filter Filter) ([]*Record, error)
	Stream(ctx context.Context, filter Filter, fn func(*Record) error) error
}

// DefaultPageSize is the page size Stream reads with
const DefaultPageSize = 500

// MaxSearchLimit caps a single Search page
const MaxSearchLimit = 5000

// SQLSink stores decision records in PostgreSQL. Reads go to the reader
// connection, normally a replica.
type SQLSink struct {
	db       *sql.DB
	reader   *sql.DB
	pageSize int
}

// NewSQLSink creates a sink writing to db and reading from reader. A nil
// reader reads from db.
func NewSQLSink(db, reader *sql.DB) *SQLSink {
	if reader == nil {
		reader = db
	}
	return &SQLSink{db: db, reader: reader, pageSize: DefaultPageSize}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Write inserts rec. A record whose id already exists is left untouched.
func (s *SQLSink) Write(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	var contextJSON []byte
	if len(rec.Context) > 0 {
		var err error
		contextJSON, err = json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal context: %w", err)
		}
	}

	query := `
		INSERT INTO decision_records (
			id, occurred_at, actor_user_id, effective_user_id,
			org_id, project_id, action_key, resource_type, resource_id,
			decision, reason_code, policy_version, impersonation_session_id,
			request_id, client_ip, user_agent, context
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.OccurredAt.UTC(), rec.ActorUserID, nullString(rec.EffectiveUserID),
		nullString(rec.OrgID), nullString(rec.ProjectID), rec.ActionKey, nullString(rec.ResourceType), nullString(rec.ResourceID),
		string(rec.Decision), rec.ReasonCode, rec.PolicyVersion, nullString(rec.ImpersonationSessionID),
		nullString(rec.RequestID), nullString(rec.ClientIP), nullString(rec.UserAgent), contextJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision record: %w", err)
	}
	return nil
}

const selectColumns = `
	id, occurred_at, actor_user_id, COALESCE(effective_user_id, ''),
	COALESCE(org_id, ''), COALESCE(project_id, ''), action_key,
	COALESCE(resource_type, ''), COALESCE(resource_id, ''),
	decision, reason_code, policy_version, COALESCE(impersonation_session_id, ''),
	COALESCE(request_id, ''), COALESCE(client_ip, ''), COALESCE(user_agent, ''), context
`

// buildSearch renders the filter as a parameterized query
func buildSearch(filter Filter) (string, []interface{}) {
	query := "SELECT " + selectColumns + " FROM decision_records WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	add := func(clause string, arg interface{}) {
		query += fmt.Sprintf(clause, argCount)
		args = append(args, arg)
		argCount++
	}

	if filter.Since != nil {
		add(" AND occurred_at >= $%d", filter.Since.UTC())
	}
	if filter.Until != nil {
		add(" AND occurred_at < $%d", filter.Until.UTC())
	}
	if filter.ActorUserID != "" {
		add(" AND actor_user_id = $%d", filter.ActorUserID)
	}
	if filter.EffectiveUserID != "" {
		add(" AND effective_user_id = $%d", filter.EffectiveUserID)
	}
	if filter.OrgID != "" {
		add(" AND org_id = $%d", filter.OrgID)
	}
	if filter.ProjectID != "" {
		add(" AND project_id = $%d", filter.ProjectID)
	}
	if len(filter.ActionKeys) > 0 {
		add(" AND action_key = ANY($%d)", pq.Array(filter.ActionKeys))
	}
	if filter.Decision != "" {
		add(" AND decision = $%d", string(filter.Decision))
	}
	if len(filter.ReasonCodes) > 0 {
		add(" AND reason_code = ANY($%d)", pq.Array(filter.ReasonCodes))
	}
	if filter.ImpersonationSessionID != "" {
		add(" AND impersonation_session_id = $%d", filter.ImpersonationSessionID)
	}
	if filter.AfterID != "" {
		add(" AND id > $%d", filter.AfterID)
	}

	query += " ORDER BY id ASC"

	limit := filter.Limit
	if limit <= 0 || limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	add(" LIMIT $%d", limit)

	return query, args
}

// Search returns one page of records matching filter, oldest first
func (s *SQLSink) Search(ctx context.Context, filter Filter) ([]*Record, error) {
	query, args := buildSearch(filter)

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search decision records: %w", err)
	}
	defer rows.Close()

	records := make([]*Record, 0)
	for rows.Next() {
		rec := &Record{}
		var decision string
		var contextJSON []byte

		err := rows.Scan(
			&rec.ID, &rec.OccurredAt, &rec.ActorUserID, &rec.EffectiveUserID,
			&rec.OrgID, &rec.ProjectID, &rec.ActionKey,
			&rec.ResourceType, &rec.ResourceID,
			&decision, &rec.ReasonCode, &rec.PolicyVersion, &rec.ImpersonationSessionID,
			&rec.RequestID, &rec.ClientIP, &rec.UserAgent, &contextJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision record: %w", err)
		}
		rec.Decision = Decision(decision)

		if len(contextJSON) > 0 {
			if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal context: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating decision records: %w", err)
	}
	return records, nil
}

// Stream calls fn for every matching record in id order, reading page by
// page. filter.Limit, when set, bounds the total.
func (s *SQLSink) Stream(ctx context.Context, filter Filter, fn func(*Record) error) error {
	return streamPages(ctx, s.Search, s.pageSize, filter, fn)
}

func streamPages(ctx context.Context, search func(context.Context, Filter) ([]*Record, error), pageSize int, filter Filter, fn func(*Record) error) error {
	remaining := filter.Limit
	page := filter

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page.Limit = pageSize
		if remaining > 0 && remaining < pageSize {
			page.Limit = remaining
		}

		records, err := search(ctx, page)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
		}

		if remaining > 0 {
			remaining -= len(records)
			if remaining <= 0 {
				return nil
			}
		}
		if len(records) < page.Limit {
			return nil
		}
		page.AfterID = records[len(records)-1].ID
	}
}
