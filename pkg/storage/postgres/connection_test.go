package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty string", input: "", expected: nil},
		{name: "single URL", input: "postgres://localhost:5432/db", expected: []string{"postgres://localhost:5432/db"}},
		{
			name:     "URLs with whitespace and empty entries",
			input:    " postgres://host1:5432/db ,, postgres://host2:5432/db ,",
			expected: []string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{name: "only commas and whitespace", input: " , , ", expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestNewConnectionManager_UnreachablePrimary(t *testing.T) {
	cm, err := NewConnectionManager(context.Background(), ConnectionConfig{
		PrimaryURL: "postgres://nonexistent:9999/testdb?connect_timeout=1",
		MaxConns:   4,
		Timeout:    2 * time.Second,
	}, nil)
	assert.Error(t, err)
	assert.Nil(t, cm)
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestConnectionManager_Replica(t *testing.T) {
	t.Run("falls back to primary", func(t *testing.T) {
		primary, _ := newMockDB(t)
		defer primary.Close()
		cm := &ConnectionManager{primary: primary}
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		primary, _ := newMockDB(t)
		r1, _ := newMockDB(t)
		r2, _ := newMockDB(t)
		defer primary.Close()
		defer r1.Close()
		defer r2.Close()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		first := cm.Replica()
		second := cm.Replica()
		assert.NotSame(t, first, second)
		assert.Same(t, first, cm.Replica())
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy primary", func(t *testing.T) {
		primary, mock := newMockDB(t)
		defer primary.Close()
		mock.ExpectPing()

		cm := &ConnectionManager{primary: primary}
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		primary, mock := newMockDB(t)
		defer primary.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primary}
		err := cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})
}

func TestConnectionManager_ReplicaHealthCheck(t *testing.T) {
	t.Run("no replicas", func(t *testing.T) {
		primary, _ := newMockDB(t)
		defer primary.Close()
		cm := &ConnectionManager{primary: primary}
		assert.NoError(t, cm.ReplicaHealthCheck(context.Background()))
	})

	t.Run("one of two down", func(t *testing.T) {
		primary, _ := newMockDB(t)
		r1, m1 := newMockDB(t)
		r2, m2 := newMockDB(t)
		defer primary.Close()
		defer r1.Close()
		defer r2.Close()
		m1.ExpectPing().WillReturnError(errors.New("timeout"))
		m2.ExpectPing()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		assert.NoError(t, cm.ReplicaHealthCheck(context.Background()))
	})

	t.Run("all replicas unhealthy", func(t *testing.T) {
		primary, _ := newMockDB(t)
		replica, rmock := newMockDB(t)
		defer primary.Close()
		defer replica.Close()
		rmock.ExpectPing().WillReturnError(errors.New("timeout"))

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{replica}}
		err := cm.ReplicaHealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replica-0")
	})
}

func TestConnectionManager_Close(t *testing.T) {
	primary, pmock := newMockDB(t)
	replica, rmock := newMockDB(t)
	pmock.ExpectClose()
	rmock.ExpectClose().WillReturnError(errors.New("busy"))

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{replica}}
	err := cm.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica-0: busy")
	assert.NoError(t, pmock.ExpectationsWereMet())
}
