package impersonation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// PermissionChecker answers platform role questions for the manager
type PermissionChecker interface {
	HasPlatformPermission(ctx context.Context, userID, key string) (bool, error)
	HasPlatformRole(ctx context.Context, userID string) (bool, error)
}

// Manager runs the session state machine
type Manager struct {
	store      Store
	checker    PermissionChecker
	clock      clockwork.Clock
	defaultTTL time.Duration
	maxTTL     time.Duration
	logger     logrus.FieldLogger
	metrics    *observability.Metrics
}

// Option configures a Manager
type Option func(*Manager)

// WithClock sets the clock used for start and expiry
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithTTL sets the default session lifetime and the upper bound callers may
// request. Non-positive values keep the defaults.
func WithTTL(defaultTTL, maxTTL time.Duration) Option {
	return func(m *Manager) {
		if defaultTTL > 0 {
			m.defaultTTL = defaultTTL
		}
		if maxTTL > 0 {
			m.maxTTL = maxTTL
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics enables session counters
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a session manager. A nil checker denies every
// permission-gated operation.
func NewManager(store Store, checker PermissionChecker, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		checker:    checker,
		clock:      clockwork.NewRealClock(),
		defaultTTL: DefaultTTL,
		maxTTL:     DefaultMaxTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		m.logger = l
	}
	m.logger = m.logger.WithField("component", "impersonation")
	if m.defaultTTL > m.maxTTL {
		m.defaultTTL = m.maxTTL
	}
	return m
}

// MaxTTL returns the longest lifetime a session may be started with
func (m *Manager) MaxTTL() time.Duration {
	return m.maxTTL
}

func (m *Manager) count(event string, n int64) {
	if m.metrics == nil || n == 0 {
		return
	}
	m.metrics.ImpersonationEventsTotal.WithLabelValues(event).Add(float64(n))
}

func (m *Manager) hasPlatformPermission(ctx context.Context, userID, key string) (bool, error) {
	if m.checker == nil {
		return false, nil
	}
	ok, err := m.checker.HasPlatformPermission(ctx, userID, key)
	if err != nil {
		return false, fmt.Errorf("failed to check %s for %s: %w", key, userID, err)
	}
	return ok, nil
}

func (m *Manager) hasPlatformRole(ctx context.Context, userID string) (bool, error) {
	if m.checker == nil {
		return false, nil
	}
	ok, err := m.checker.HasPlatformRole(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check platform roles of %s: %w", userID, err)
	}
	return ok, nil
}

// Start opens a session letting req.ActorUserID act as req.TargetUserID.
// The actor must hold impersonation.start. Users with platform roles cannot
// be impersonated. An approver must be a third party who also holds
// impersonation.start.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	actor := strings.TrimSpace(req.ActorUserID)
	target := strings.TrimSpace(req.TargetUserID)
	if actor == "" || target == "" {
		return nil, fmt.Errorf("%w: actor and target are required", ErrInvalidInput)
	}
	if actor == target {
		return nil, ErrSelfImpersonationForbidden
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	if ttl < 0 || ttl > m.maxTTL {
		return nil, fmt.Errorf("%w: %s exceeds limit of %s", ErrInvalidTTL, ttl, m.maxTTL)
	}

	ok, err := m.hasPlatformPermission(ctx, actor, rbac.PermImpersonationStart)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s may not start impersonation", ErrNotPermitted, actor)
	}

	privileged, err := m.hasPlatformRole(ctx, target)
	if err != nil {
		return nil, err
	}
	if privileged {
		return nil, fmt.Errorf("%w: %s holds platform roles and cannot be impersonated", ErrNotPermitted, target)
	}

	approver := strings.TrimSpace(req.ApprovedBy)
	if approver != "" {
		if approver == actor || approver == target {
			return nil, fmt.Errorf("%w: approver must be neither actor nor target", ErrNotPermitted)
		}
		ok, err = m.hasPlatformPermission(ctx, approver, rbac.PermImpersonationStart)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s may not approve impersonation", ErrNotPermitted, approver)
		}
	}

	now := m.clock.Now().UTC()
	sess := &Session{
		ID:           uuid.New().String(),
		ActorUserID:  actor,
		TargetUserID: target,
		OrgID:        req.OrgID,
		Status:       StatusActive,
		Reason:       reason,
		ApprovedBy:   approver,
		StartedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	m.count("started", 1)
	m.logger.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"actor":      actor,
		"target":     target,
		"org_id":     req.OrgID,
		"expires_at": sess.ExpiresAt,
	}).Info("impersonation started")
	return sess, nil
}

// End moves an active session to ended. Only the actor, the approver or a
// holder of impersonation.end may end a session.
func (m *Manager) End(ctx context.Context, sessionID, by string) (*Session, error) {
	sess, err := m.terminable(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	allowed := by != "" && (by == sess.ActorUserID || by == sess.ApprovedBy)
	if !allowed {
		allowed, err = m.hasPlatformPermission(ctx, by, rbac.PermImpersonationEnd)
		if err != nil {
			return nil, err
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s may not end session %s", ErrNotPermitted, by, sessionID)
	}

	return m.transition(ctx, sessionID, StatusEnded, by, "ended")
}

// Revoke moves an active session to revoked. The caller must hold
// impersonation.end.
func (m *Manager) Revoke(ctx context.Context, sessionID, by string) (*Session, error) {
	if _, err := m.terminable(ctx, sessionID); err != nil {
		return nil, err
	}

	ok, err := m.hasPlatformPermission(ctx, by, rbac.PermImpersonationEnd)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s may not revoke session %s", ErrNotPermitted, by, sessionID)
	}

	return m.transition(ctx, sessionID, StatusRevoked, by, "revoked")
}

// terminable loads a session that can still be ended or revoked. An active
// session past expiry is marked expired on the way.
func (m *Manager) terminable(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, sessionID, sess.Status)
	}
	if sess.ExpiredAt(m.clock.Now()) {
		m.expire(ctx, sess)
		return nil, fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, sessionID, StatusExpired)
	}
	return sess, nil
}

func (m *Manager) transition(ctx context.Context, sessionID string, to Status, by, event string) (*Session, error) {
	sess, err := m.store.Transition(ctx, sessionID, to, by, m.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	m.count(event, 1)
	m.logger.WithFields(logrus.Fields{"session_id": sessionID, "by": by}).Infof("impersonation %s", event)
	return sess, nil
}

func (m *Manager) expire(ctx context.Context, sess *Session) {
	_, err := m.store.Transition(ctx, sess.ID, StatusExpired, "", m.clock.Now().UTC())
	switch {
	case err == nil:
		m.count("expired", 1)
	case errors.Is(err, ErrInvalidTransition):
	default:
		m.logger.WithError(err).WithField("session_id", sess.ID).Warn("failed to mark session expired")
	}
}

// Validate checks that sessionID is usable by actorUserID right now and
// returns it. Expiry is judged against the clock, not the stored status.
func (m *Manager) Validate(ctx context.Context, sessionID, actorUserID string) (*Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown session %s", ErrSessionInvalid, sessionID)
	}
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case StatusRevoked:
		return nil, ErrSessionRevoked
	case StatusExpired:
		return nil, ErrSessionExpired
	case StatusEnded:
		return nil, fmt.Errorf("%w: session %s ended", ErrSessionInvalid, sessionID)
	}
	if sess.ExpiredAt(m.clock.Now()) {
		m.expire(ctx, sess)
		return nil, ErrSessionExpired
	}
	if sess.ActorUserID != actorUserID {
		return nil, fmt.Errorf("%w: session %s does not belong to %s", ErrSessionInvalid, sessionID, actorUserID)
	}
	return sess, nil
}

// Get returns a session by id
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// List returns sessions matching filter
func (m *Manager) List(ctx context.Context, filter Filter) ([]Session, error) {
	return m.store.List(ctx, filter, m.clock.Now().UTC())
}

// Sweep marks every active session past expiry as expired. It is idempotent
// and safe to run from several workers at once.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.ExpireDue(ctx, m.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	m.count("expired", n)
	if n > 0 {
		m.logger.WithField("count", n).Info("expired impersonation sessions")
	}
	return n, nil
}
