package audit

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var recordColumns = []string{
	"id", "occurred_at", "actor_user_id", "effective_user_id",
	"org_id", "project_id", "action_key", "resource_type", "resource_id",
	"decision", "reason_code", "policy_version", "impersonation_session_id",
	"request_id", "client_ip", "user_agent", "context",
}

func addRecordRow(rows *sqlmock.Rows, rec *Record, contextJSON []byte) *sqlmock.Rows {
	return rows.AddRow(
		rec.ID, rec.OccurredAt, rec.ActorUserID, rec.EffectiveUserID,
		rec.OrgID, rec.ProjectID, rec.ActionKey, rec.ResourceType, rec.ResourceID,
		string(rec.Decision), rec.ReasonCode, rec.PolicyVersion, rec.ImpersonationSessionID,
		rec.RequestID, rec.ClientIP, rec.UserAgent, contextJSON,
	)
}

func TestSQLSink_Write(t *testing.T) {
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	t.Run("inserts idempotently", func(t *testing.T) {
		db, mock := setupMockDB(t)
		sink := NewSQLSink(db, nil)

		rec := testRecord("u1", "project.drawings.read", base)
		rec.Context = map[string]string{"route": "/v1/authorize"}

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO decision_records")).
			WithArgs(
				rec.ID, base, "u1", sql.NullString{},
				sql.NullString{String: "org-1", Valid: true}, sql.NullString{}, "project.drawings.read",
				sql.NullString{String: "drawing", Valid: true}, sql.NullString{String: "d-1", Valid: true},
				"allow", "role_permission", int64(3), sql.NullString{},
				sql.NullString{}, sql.NullString{}, sql.NullString{}, []byte(`{"route":"/v1/authorize"}`),
			).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, sink.Write(context.Background(), rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects invalid record", func(t *testing.T) {
		db, _ := setupMockDB(t)
		err := NewSQLSink(db, nil).Write(context.Background(), &Record{})
		assert.True(t, errors.Is(err, ErrInvalidRecord))
	})

	t.Run("wraps database error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		mock.ExpectExec("INSERT INTO decision_records").WillReturnError(errors.New("connection refused"))

		err := NewSQLSink(db, nil).Write(context.Background(), testRecord("u1", "a.b", base))
		assert.ErrorContains(t, err, "failed to insert decision record")
	})
}

func TestBuildSearch(t *testing.T) {
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildSearch(Filter{
		Since:       &since,
		OrgID:       "org-1",
		ActionKeys:  []string{"a.b", "c.d"},
		Decision:    DecisionDeny,
		ReasonCodes: []string{"no_matching_permission"},
		AfterID:     "01J0",
		Limit:       50,
	})

	assert.Contains(t, query, "occurred_at >= $1")
	assert.Contains(t, query, "org_id = $2")
	assert.Contains(t, query, "action_key = ANY($3)")
	assert.Contains(t, query, "decision = $4")
	assert.Contains(t, query, "reason_code = ANY($5)")
	assert.Contains(t, query, "id > $6")
	assert.Contains(t, query, "ORDER BY id ASC LIMIT $7")
	require.Len(t, args, 7)
	assert.Equal(t, pq.Array([]string{"a.b", "c.d"}), args[2])
	assert.Equal(t, 50, args[6])

	_, args = buildSearch(Filter{Limit: 1_000_000})
	assert.Equal(t, MaxSearchLimit, args[0])
}

func TestSQLSink_SearchUsesReader(t *testing.T) {
	primary, primaryMock := setupMockDB(t)
	replica, replicaMock := setupMockDB(t)
	sink := NewSQLSink(primary, replica)

	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	rec := testRecord("u1", "a.b", base)
	rows := addRecordRow(sqlmock.NewRows(recordColumns), rec, []byte(`{"k":"v"}`))
	replicaMock.ExpectQuery("SELECT .* FROM decision_records WHERE 1=1 AND actor_user_id = \\$1").
		WithArgs("u1", MaxSearchLimit).
		WillReturnRows(rows)

	got, err := sink.Search(context.Background(), Filter{ActorUserID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, DecisionAllow, got[0].Decision)
	assert.Equal(t, "v", got[0].Context["k"])

	assert.NoError(t, replicaMock.ExpectationsWereMet())
	assert.NoError(t, primaryMock.ExpectationsWereMet())
}

func TestSQLSink_StreamPages(t *testing.T) {
	db, mock := setupMockDB(t)
	sink := NewSQLSink(db, nil)
	sink.pageSize = 2

	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	recs := []*Record{
		testRecord("u1", "a.b", base),
		testRecord("u1", "a.b", base.Add(time.Second)),
		testRecord("u1", "a.b", base.Add(2*time.Second)),
	}

	mock.ExpectQuery("SELECT .* FROM decision_records").
		WithArgs(2).
		WillReturnRows(addRecordRow(addRecordRow(sqlmock.NewRows(recordColumns), recs[0], nil), recs[1], nil))
	mock.ExpectQuery("SELECT .* FROM decision_records WHERE 1=1 AND id > \\$1").
		WithArgs(recs[1].ID, 2).
		WillReturnRows(addRecordRow(sqlmock.NewRows(recordColumns), recs[2], nil))

	var ids []string
	err := sink.Stream(context.Background(), Filter{}, func(r *Record) error {
		ids = append(ids, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{recs[0].ID, recs[1].ID, recs[2].ID}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemorySink_StreamLimit(t *testing.T) {
	sink := NewMemorySink()
	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write(context.Background(), testRecord("u1", "a.b", base.Add(time.Duration(i)*time.Second))))
	}

	var n int
	require.NoError(t, sink.Stream(context.Background(), Filter{Limit: 3}, func(*Record) error {
		n++
		return nil
	}))
	assert.Equal(t, 3, n)
}
