//go:build integration

package impersonation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/storage/postgres"
)

func TestSQLStore_ConcurrentTransitionPostgres(t *testing.T) {
	db := postgres.RequireDatabase(t)
	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db, nil))

	store := NewSQLStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)
	sess := &Session{
		ID:           uuid.New().String(),
		ActorUserID:  "admin-c",
		TargetUserID: "user-d",
		Status:       StatusActive,
		Reason:       "integration",
		StartedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, store.Create(ctx, sess))

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := StatusEnded
			if i%2 == 1 {
				to = StatusRevoked
			}
			_, errs[i] = store.Transition(ctx, sess.ID, to, "racer", time.Now().UTC())
		}(i)
	}
	wg.Wait()

	var wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	n, err := store.ExpireDue(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSQLStore_RejectsSelfImpersonationPostgres(t *testing.T) {
	db := postgres.RequireDatabase(t)
	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db, nil))

	now := time.Now().UTC()
	err := NewSQLStore(db).Create(ctx, &Session{
		ID: uuid.New().String(), ActorUserID: "same", TargetUserID: "same", Status: StatusActive,
		Reason: "r", StartedAt: now, ExpiresAt: now.Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
