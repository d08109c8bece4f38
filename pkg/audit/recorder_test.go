package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T) (*Recorder, *MemorySink, *MemorySpool, *observability.Metrics) {
	t.Helper()
	sink := NewMemorySink()
	spool := NewMemorySpool()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	rec := NewRecorder(sink, spool,
		WithClock(clockwork.NewFakeClockAt(t0)),
		WithMetrics(metrics),
	)
	return rec, sink, spool, metrics
}

func decision(actor, action string) *Record {
	return &Record{
		ActorUserID:   actor,
		ActionKey:     action,
		OrgID:         "org-1",
		Decision:      DecisionDeny,
		ReasonCode:    "no_matching_permission",
		PolicyVersion: 1,
	}
}

func TestRecorder_Persists(t *testing.T) {
	recorder, sink, spool, metrics := newTestRecorder(t)

	rec := decision("u1", "project.drawings.read")
	require.NoError(t, recorder.Record(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, t0, rec.OccurredAt)
	assert.Equal(t, 1, sink.Len())
	n, _ := spool.Len(context.Background())
	assert.Zero(t, n)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditRecordsTotal.WithLabelValues("persisted")))
}

func TestRecorder_SpoolsDuringOutageAndPreservesOrder(t *testing.T) {
	recorder, sink, spool, metrics := newTestRecorder(t)
	ctx := context.Background()

	sink.FailWith(errors.New("connection refused"))
	first := decision("u1", "a.one")
	require.NoError(t, recorder.Record(ctx, first))
	assert.True(t, recorder.Backlogged())

	// sink is back, but the backlog must drain first
	sink.FailWith(nil)
	second := decision("u1", "a.two")
	require.NoError(t, recorder.Record(ctx, second))
	assert.Equal(t, 0, sink.Len())

	n, _ := spool.Len(ctx)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.AuditRecordsTotal.WithLabelValues("spooled")))

	drained, err := recorder.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, drained)
	assert.False(t, recorder.Backlogged())
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.AuditSpoolDepth))

	stored, err := sink.Search(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, first.ID, stored[0].ID)
	assert.Equal(t, second.ID, stored[1].ID)

	// next record goes straight to the sink again
	require.NoError(t, recorder.Record(ctx, decision("u1", "a.three")))
	assert.Equal(t, 3, sink.Len())
}

func TestRecorder_DrainStopsWhileSinkDown(t *testing.T) {
	recorder, sink, spool, _ := newTestRecorder(t)
	ctx := context.Background()

	sink.FailWith(errors.New("down"))
	require.NoError(t, recorder.Record(ctx, decision("u1", "a.b")))

	drained, err := recorder.DrainOnce(ctx)
	assert.Error(t, err)
	assert.Zero(t, drained)
	n, _ := spool.Len(ctx)
	assert.Equal(t, int64(1), n)
	assert.True(t, recorder.Backlogged())
}

func TestRecorder_DrainIsIdempotent(t *testing.T) {
	recorder, sink, spool, _ := newTestRecorder(t)
	ctx := context.Background()

	rec := decision("u1", "a.b")
	require.NoError(t, recorder.Record(ctx, rec))
	// same record spooled after it already reached the sink
	require.NoError(t, spool.Push(ctx, rec))

	_, err := recorder.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.Len())
}

func TestRecorder_BothDown(t *testing.T) {
	recorder, sink, spool, metrics := newTestRecorder(t)

	sink.FailWith(errors.New("db down"))
	spool.FailWith(errors.New("redis down"))

	err := recorder.Record(context.Background(), decision("u1", "a.b"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.AuditRecordsTotal.WithLabelValues("failed")))
}

func TestRecorder_NoSpool(t *testing.T) {
	sink := NewMemorySink()
	recorder := NewRecorder(sink, nil)

	sink.FailWith(errors.New("db down"))
	assert.ErrorIs(t, recorder.Record(context.Background(), decision("u1", "a.b")), ErrUnavailable)

	n, err := recorder.DrainOnce(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecorder_SurvivesCancelledRequest(t *testing.T) {
	recorder, sink, _, _ := newTestRecorder(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, recorder.Record(ctx, decision("u1", "a.b")))
	assert.Equal(t, 1, sink.Len())
}

func TestRecorder_SyncBacklogAndRunDrainer(t *testing.T) {
	sink := NewMemorySink()
	spool := NewMemorySpool()
	ctx := context.Background()

	leftover := decision("u1", "a.b")
	leftover.OccurredAt = t0
	leftover.ID = NewID(t0)
	require.NoError(t, spool.Push(ctx, leftover))

	recorder := NewRecorder(sink, spool)
	require.NoError(t, recorder.SyncBacklog(ctx))
	assert.True(t, recorder.Backlogged())

	runCtx, cancel := context.WithCancel(ctx)
	done := recorder.RunDrainer(runCtx, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.False(t, recorder.Backlogged())
}
