package audit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/async"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

const (
	// DefaultWriteTimeout bounds one sink or spool write
	DefaultWriteTimeout = 2 * time.Second
	// DefaultDrainInterval is how often the drainer replays the spool
	DefaultDrainInterval = 5 * time.Second
	// DefaultDrainBatch is how many spooled entries one read returns
	DefaultDrainBatch = 100
)

// Recorder writes decision records to the sink, falling back to the durable
// spool while the sink is unavailable. Once anything is spooled, new records
// queue behind it until the drainer has caught up, so records reach the sink
// in decision order.
type Recorder struct {
	sink         Sink
	spool        Spool
	clock        clockwork.Clock
	logger       logrus.FieldLogger
	metrics      *observability.Metrics
	writeTimeout time.Duration
	drainBatch   int
	backlog      atomic.Bool
}

// RecorderOption configures a Recorder
type RecorderOption func(*Recorder)

// WithClock sets the clock used to stamp records
func WithClock(clock clockwork.Clock) RecorderOption {
	return func(r *Recorder) { r.clock = clock }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *observability.Metrics) RecorderOption {
	return func(r *Recorder) { r.metrics = metrics }
}

// WithWriteTimeout bounds each sink and spool write
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.writeTimeout = d }
}

// WithDrainBatch sets how many entries the drainer reads at once
func WithDrainBatch(n int) RecorderOption {
	return func(r *Recorder) { r.drainBatch = n }
}

// NewRecorder creates a recorder. spool may be nil, in which case a sink
// failure is returned to the caller.
func NewRecorder(sink Sink, spool Spool, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:         sink,
		spool:        spool,
		clock:        clockwork.NewRealClock(),
		logger:       observability.NopLogger(),
		writeTimeout: DefaultWriteTimeout,
		drainBatch:   DefaultDrainBatch,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) count(outcome string, n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.AuditRecordsTotal.WithLabelValues(outcome).Add(float64(n))
	}
}

// Record stores rec, stamping ID and OccurredAt when unset. It returns nil
// once the record is either persisted or durably spooled, and an error
// wrapping ErrUnavailable when neither worked.
func (r *Recorder) Record(ctx context.Context, rec *Record) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = r.clock.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = NewID(rec.OccurredAt)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	log := observability.LoggerFromContext(ctx, r.logger).WithField("record_id", rec.ID)

	// the record outlives a cancelled request
	ctx = context.WithoutCancel(ctx)

	if !r.backlog.Load() || r.spool == nil {
		err := r.write(ctx, rec)
		if err == nil {
			r.count("persisted", 1)
			return nil
		}
		log.WithError(err).Error("decision record sink write failed")
		if r.spool == nil {
			r.count("failed", 1)
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	pushCtx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	if err := r.spool.Push(pushCtx, rec); err != nil {
		r.count("failed", 1)
		log.WithError(err).Error("decision record spool write failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	r.backlog.Store(true)
	r.count("spooled", 1)
	log.Warn("decision record spooled")
	return nil
}

func (r *Recorder) write(ctx context.Context, rec *Record) error {
	ctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
	defer cancel()
	return r.sink.Write(ctx, rec)
}

// Backlogged reports whether records are waiting in the spool
func (r *Recorder) Backlogged() bool {
	return r.backlog.Load()
}

// SyncBacklog marks the recorder backlogged when the spool already holds
// records, e.g. left over from a previous process
func (r *Recorder) SyncBacklog(ctx context.Context) error {
	if r.spool == nil {
		return nil
	}
	n, err := r.spool.Len(ctx)
	if err != nil {
		return err
	}
	r.backlog.Store(n > 0)
	r.setDepth(n)
	return nil
}

// DrainOnce replays spooled records into the sink in order until the spool
// is empty or the sink fails. It returns the number of records moved.
func (r *Recorder) DrainOnce(ctx context.Context) (int, error) {
	if r.spool == nil {
		return 0, nil
	}

	drained := 0
	defer func() { r.count("drained", drained) }()

	for {
		entries, err := r.spool.Peek(ctx, r.drainBatch)
		if err != nil {
			return drained, err
		}
		if len(entries) == 0 {
			r.backlog.Store(false)
			r.setDepth(0)
			return drained, nil
		}

		for _, entry := range entries {
			if err := r.replay(ctx, entry); err != nil {
				r.updateDepth(ctx)
				return drained, err
			}
			drained++
		}
	}
}

func (r *Recorder) replay(ctx context.Context, entry SpoolEntry) error {
	rec, err := entry.Record()
	if err == nil {
		err = r.write(ctx, rec)
	}
	if errors.Is(err, ErrInvalidRecord) || (err != nil && rec == nil) {
		r.logger.WithError(err).Error("moving undeliverable decision record to dead letter list")
		return r.spool.DeadLetter(ctx, entry)
	}
	if err != nil {
		return fmt.Errorf("sink still unavailable: %w", err)
	}
	return r.spool.Ack(ctx, entry)
}

func (r *Recorder) setDepth(n int64) {
	if r.metrics != nil {
		r.metrics.AuditSpoolDepth.Set(float64(n))
	}
}

func (r *Recorder) updateDepth(ctx context.Context) {
	if n, err := r.spool.Len(ctx); err == nil {
		r.setDepth(n)
	}
}

// RunDrainer drains the spool every interval until ctx is cancelled. The
// returned channel closes when the drainer has stopped.
func (r *Recorder) RunDrainer(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return async.Loop(ctx, r.logger, interval, "audit drainer", func(ctx context.Context) error {
		n, err := r.DrainOnce(ctx)
		if n > 0 {
			r.logger.WithField("records", n).Info("drained spooled decision records")
		}
		return err
	})
}
