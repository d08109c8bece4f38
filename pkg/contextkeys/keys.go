// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/gatekeeper/pkg/contextkeys"
//	ctx = contextkeys.WithUserID(ctx, actorID)
//	actor := contextkeys.GetUserID(ctx)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string
	// Set by: middleware.RequestID (pkg/middleware/request.go)
	// Used by: Logger, decision records, tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated actor's user ID
	// Set by: middleware.Actor from the gateway identity header
	// Used by: authz.Guard, administrative handlers, logger
	// Type: string
	UserIDKey Key = "user_id"

	// ClientIPKey contains the caller's IP address
	// Set by: middleware.RequestID
	// Used by: decision records
	// Type: string
	ClientIPKey Key = "client_ip"

	// UserAgentKey contains the caller's User-Agent header
	// Set by: middleware.RequestID
	// Used by: decision records
	// Type: string
	UserAgentKey Key = "user_agent"

	// LoggerKey contains logrus.FieldLogger
	// Set by: middleware.RequestID
	// Used by: observability.LoggerFromContext
	// Type: logrus.FieldLogger
	LoggerKey Key = "logger"

	// DecisionKey contains the authorization decision for the request
	// Set by: authz.Guard
	// Used by: handlers that act on behalf of the effective user
	// Type: authz.Decision
	DecisionKey Key = "authz_decision"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithClient adds the caller's IP address and user agent to the context
func WithClient(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, ClientIPKey, clientIP)
	return context.WithValue(ctx, UserAgentKey, userAgent)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetClient retrieves the caller's IP address and user agent from context
func GetClient(ctx context.Context) (clientIP, userAgent string) {
	clientIP, _ = ctx.Value(ClientIPKey).(string)
	userAgent, _ = ctx.Value(UserAgentKey).(string)
	return clientIP, userAgent
}
