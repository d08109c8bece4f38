// Package middleware provides HTTP middleware for request identity and rate limiting.
//
// # Middleware Components
//
// RequestID: request id, client address and a request-scoped logger
//
//	router.Use(middleware.RequestID(logger))
//
// Actor: the authenticated user id from the gateway header
//
//	router.Use(middleware.Actor(cfg.ActorHeader))
//	actor := middleware.ActorFromRequest(r)
//
// RateLimit: per-actor limits, in memory or shared through Redis
//
//	limiter := middleware.NewRedisRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "")
//	router.Use(middleware.RateLimit(limiter, true, logger))
//
// # Related Packages
//
//   - pkg/authz: Guard middleware that authorizes the actor
//   - pkg/contextkeys: Context keys set here
package middleware
