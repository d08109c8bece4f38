package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/gatekeeper/pkg/audit"
	"github.com/platinummonkey/gatekeeper/pkg/contextkeys"
	"github.com/platinummonkey/gatekeeper/pkg/impersonation"
	"github.com/platinummonkey/gatekeeper/pkg/observability"
	"github.com/platinummonkey/gatekeeper/pkg/rbac"
)

// Recorder persists decision records
type Recorder interface {
	Record(ctx context.Context, rec *audit.Record) error
}

// SessionValidator checks an impersonation session presented by an actor
type SessionValidator interface {
	Validate(ctx context.Context, sessionID, actorUserID string) (*impersonation.Session, error)
}

// Request is one authorization question
type Request struct {
	ActorUserID            string            `json:"actor_user_id"`
	ActionKey              string            `json:"action_key"`
	ResourceType           string            `json:"resource_type"`
	ResourceID             string            `json:"resource_id"`
	OrgID                  string            `json:"org_id"`
	ProjectID              string            `json:"project_id,omitempty"`
	ImpersonationSessionID string            `json:"impersonation_session_id,omitempty"`
	Context                map[string]string `json:"context,omitempty"`
}

// Decision is the answer to a Request. A deny is final.
type Decision struct {
	Allowed         bool           `json:"allowed"`
	Decision        audit.Decision `json:"decision"`
	ReasonCode      ReasonCode     `json:"reason_code"`
	PolicyVersion   int64          `json:"policy_version"`
	EffectiveUserID string         `json:"effective_user_id"`
	RecordID        string         `json:"record_id,omitempty"`
}

// Evaluator combines session validation, resolution and auditing
type Evaluator struct {
	catalog  CatalogSource
	resolver *Resolver
	sessions SessionValidator
	recorder Recorder
	logger   logrus.FieldLogger
	metrics  *observability.Metrics
}

// EvaluatorOption configures an Evaluator
type EvaluatorOption func(*Evaluator)

// WithSessions enables impersonation. Without it every request carrying a
// session id is denied as session_invalid.
func WithSessions(sessions SessionValidator) EvaluatorOption {
	return func(e *Evaluator) { e.sessions = sessions }
}

// WithLogger sets the logger
func WithLogger(logger logrus.FieldLogger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = logger }
}

// WithMetrics enables decision metrics
func WithMetrics(metrics *observability.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = metrics }
}

// NewEvaluator creates an evaluator reading the catalog through resolver
func NewEvaluator(resolver *Resolver, recorder Recorder, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		catalog:  resolver.catalog,
		resolver: resolver,
		recorder: recorder,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = observability.NopLogger()
	}
	e.logger = e.logger.WithField("component", "authz")
	return e
}

// Resolver returns the resolver the evaluator decides with
func (e *Evaluator) Resolver() *Resolver {
	return e.resolver
}

type outcome struct {
	reason          ReasonCode
	policyVersion   int64
	effectiveUserID string
	err             error
}

// Authorize answers req. It never returns an error: every failure becomes a
// deny with reason resolution_error. Exactly one decision record is written
// per call; if it cannot be written the decision is a deny.
func (e *Evaluator) Authorize(ctx context.Context, req Request) Decision {
	start := time.Now()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("authz.action", req.ActionKey),
		attribute.String("authz.org_id", req.OrgID),
		attribute.String("authz.project_id", req.ProjectID),
		attribute.Bool("authz.impersonated", req.ImpersonationSessionID != ""),
	))
	defer span.End()

	out := e.evaluate(ctx, req)
	d := Decision{
		Allowed:         out.reason.Allows(),
		ReasonCode:      out.reason,
		PolicyVersion:   out.policyVersion,
		EffectiveUserID: out.effectiveUserID,
	}
	d.Decision = audit.DecisionDeny
	if d.Allowed {
		d.Decision = audit.DecisionAllow
	}

	logger := observability.LoggerFromContext(ctx, e.logger).WithFields(logrus.Fields{
		"actor_user_id":     req.ActorUserID,
		"effective_user_id": out.effectiveUserID,
		"action":            req.ActionKey,
		"org_id":            req.OrgID,
		"project_id":        req.ProjectID,
		"reason_code":       out.reason,
		"policy_version":    out.policyVersion,
	})
	switch {
	case out.err != nil:
		logger.WithError(out.err).Warn("authorization failed closed")
	case !d.Allowed:
		logger.Debug("authorization denied")
	}

	recordID, err := e.record(ctx, req, d)
	if err != nil {
		logger.WithError(err).Error("failed to record decision, denying")
		d = Decision{
			Decision:        audit.DecisionDeny,
			ReasonCode:      ReasonResolutionError,
			PolicyVersion:   d.PolicyVersion,
			EffectiveUserID: d.EffectiveUserID,
		}
		span.RecordError(err)
	}
	d.RecordID = recordID

	span.SetAttributes(
		attribute.String("authz.decision", string(d.Decision)),
		attribute.String("authz.reason_code", string(d.ReasonCode)),
		attribute.Int64("authz.policy_version", d.PolicyVersion),
	)
	if d.ReasonCode == ReasonResolutionError {
		span.SetStatus(codes.Error, string(d.ReasonCode))
	}
	e.observe(d, time.Since(start))
	return d
}

func (e *Evaluator) evaluate(ctx context.Context, req Request) (out outcome) {
	out = outcome{reason: ReasonResolutionError, effectiveUserID: req.ActorUserID}
	defer func() {
		if perr := observability.MustRecover(recover()); perr != nil {
			out.reason = ReasonResolutionError
			out.err = fmt.Errorf("%w: %v", ErrResolution, perr)
		}
	}()

	if req.ActorUserID == "" || req.ActionKey == "" {
		out.err = resolutionErrorf("actor and action are required")
		return out
	}

	// The snapshot is loaded up front so session denials still carry the
	// policy version, but its error only matters once the session is valid.
	snap, snapErr := e.catalog.Snapshot(ctx)
	if snap != nil {
		out.policyVersion = snap.Version
	}

	if req.ImpersonationSessionID != "" {
		sess, err := e.validateSession(ctx, req)
		if err != nil {
			out.reason = sessionReason(err)
			if out.reason == ReasonResolutionError {
				out.err = resolutionErrorf("session %s: %v", req.ImpersonationSessionID, err)
			}
			return out
		}
		out.effectiveUserID = sess.TargetUserID
	}

	if snapErr != nil {
		out.err = resolutionErrorf("catalog snapshot: %v", snapErr)
		return out
	}
	key := rbac.PermissionKey(req.ActionKey)
	if !snap.HasPermission(key) {
		out.err = resolutionErrorf("unknown action %s", req.ActionKey)
		return out
	}

	rc, err := e.resolver.resolve(ctx, snap, out.effectiveUserID, req.OrgID, req.ProjectID)
	if err != nil {
		out.err = err
		return out
	}
	if req.ImpersonationSessionID != "" {
		rc.withoutPlatform()
	}
	_, out.reason = rc.Grants(key)
	return out
}

func (e *Evaluator) validateSession(ctx context.Context, req Request) (*impersonation.Session, error) {
	if e.sessions == nil {
		return nil, fmt.Errorf("%w: impersonation is not enabled", impersonation.ErrSessionInvalid)
	}
	sess, err := e.sessions.Validate(ctx, req.ImpersonationSessionID, req.ActorUserID)
	if err != nil {
		return nil, err
	}
	if sess.OrgID != "" && sess.OrgID != req.OrgID {
		return nil, fmt.Errorf("%w: session %s is limited to organization %s", impersonation.ErrSessionInvalid, sess.ID, sess.OrgID)
	}
	return sess, nil
}

func (e *Evaluator) record(ctx context.Context, req Request, d Decision) (string, error) {
	if e.recorder == nil {
		return "", fmt.Errorf("%w: no recorder configured", audit.ErrUnavailable)
	}
	clientIP, userAgent := contextkeys.GetClient(ctx)
	rec := &audit.Record{
		ActorUserID:            req.ActorUserID,
		EffectiveUserID:        d.EffectiveUserID,
		OrgID:                  req.OrgID,
		ProjectID:              req.ProjectID,
		ActionKey:              req.ActionKey,
		ResourceType:           req.ResourceType,
		ResourceID:             req.ResourceID,
		Decision:               d.Decision,
		ReasonCode:             string(d.ReasonCode),
		PolicyVersion:          d.PolicyVersion,
		ImpersonationSessionID: req.ImpersonationSessionID,
		RequestID:              contextkeys.GetRequestID(ctx),
		ClientIP:               clientIP,
		UserAgent:              userAgent,
		Context:                req.Context,
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (e *Evaluator) observe(d Decision, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.DecisionsTotal.WithLabelValues(string(d.Decision), string(d.ReasonCode)).Inc()
	e.metrics.DecisionDuration.WithLabelValues(string(d.Decision)).Observe(elapsed.Seconds())
	if d.PolicyVersion > 0 {
		e.metrics.PolicyVersion.Set(float64(d.PolicyVersion))
	}
}
