package impersonation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionRowColumns = []string{
	"id", "actor_user_id", "target_user_id", "org_id", "status", "reason", "approved_by",
	"started_at", "expires_at", "ended_at", "ended_by",
}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewSQLStore(db), mock, db
}

func TestSQLStore_Create(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()
	ctx := context.Background()

	sess := &Session{
		ID: "s1", ActorUserID: "a", TargetUserID: "b", Status: StatusActive,
		Reason: "r", StartedAt: t0, ExpiresAt: t0.Add(time.Hour),
	}

	t.Run("optional columns stored as null", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO impersonation_sessions`).
			WithArgs("s1", "a", "b", sql.NullString{}, "active", "r", sql.NullString{}, t0, t0.Add(time.Hour)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Create(ctx, sess))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("check violation", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO impersonation_sessions`).
			WillReturnError(&pq.Error{Code: "23514", Constraint: "chk_impersonation_not_self"})

		err := store.Create(ctx, sess)
		assert.ErrorIs(t, err, ErrInvalidInput)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSQLStore_Transition(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()
	ctx := context.Background()
	at := t0.Add(10 * time.Minute)

	t.Run("compare and swap wins", func(t *testing.T) {
		rows := sqlmock.NewRows(sessionRowColumns).
			AddRow("s1", "a", "b", "o1", "ended", "r", nil, t0, t0.Add(time.Hour), at, "a")
		mock.ExpectQuery(`UPDATE impersonation_sessions\s+SET status = \$1, ended_by = \$2, ended_at = \$3\s+WHERE id = \$4 AND status = 'active' AND expires_at > \$3`).
			WithArgs("ended", sql.NullString{String: "a", Valid: true}, at, "s1").
			WillReturnRows(rows)

		sess, err := store.Transition(ctx, "s1", StatusEnded, "a", at)
		require.NoError(t, err)
		assert.Equal(t, StatusEnded, sess.Status)
		assert.Equal(t, "o1", sess.OrgID)
		assert.Equal(t, "a", sess.EndedBy)
		require.NotNil(t, sess.EndedAt)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("compare and swap loses", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE impersonation_sessions`).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT .* FROM impersonation_sessions WHERE id = \$1`).
			WithArgs("s1").
			WillReturnRows(sqlmock.NewRows(sessionRowColumns).
				AddRow("s1", "a", "b", nil, "ended", "r", nil, t0, t0.Add(time.Hour), at, "a"))

		_, err := store.Transition(ctx, "s1", StatusEnded, "a", at)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expire only past expiry", func(t *testing.T) {
		mock.ExpectQuery(`WHERE id = \$4 AND status = 'active' AND expires_at <= \$3`).
			WithArgs("expired", sql.NullString{}, at, "s2").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT .* FROM impersonation_sessions WHERE id = \$1`).
			WithArgs("s2").
			WillReturnRows(sqlmock.NewRows(sessionRowColumns).
				AddRow("s2", "a", "b", nil, "active", "r", nil, t0, t0.Add(time.Hour), nil, nil))

		_, err := store.Transition(ctx, "s2", StatusExpired, "", at)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing session", func(t *testing.T) {
		mock.ExpectQuery(`UPDATE impersonation_sessions`).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT .* FROM impersonation_sessions`).
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Transition(ctx, "nope", StatusRevoked, "sec", at)
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non terminal target", func(t *testing.T) {
		_, err := store.Transition(ctx, "s1", StatusActive, "a", at)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestSQLStore_List(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()
	now := t0.Add(time.Minute)

	mock.ExpectQuery(`FROM impersonation_sessions WHERE 1=1 AND actor_user_id = \$1 AND status = 'active' AND expires_at > \$2 ORDER BY started_at DESC, id LIMIT \$3`).
		WithArgs("a", now, 10).
		WillReturnRows(sqlmock.NewRows(sessionRowColumns).
			AddRow("s1", "a", "b", nil, "active", "r", "lead", t0, t0.Add(time.Hour), nil, nil))

	list, err := store.List(context.Background(), Filter{ActorUserID: "a", ActiveOnly: true, Limit: 10}, now)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "lead", list[0].ApprovedBy)
	assert.Nil(t, list[0].EndedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ExpireDue(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE impersonation_sessions\s+SET status = 'expired', ended_at = expires_at\s+WHERE status = 'active' AND expires_at <= \$1`).
		WithArgs(t0).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ExpireDue(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
