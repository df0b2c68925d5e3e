// Package middleware provides HTTP middleware components for the
// recommendation server.
//
// Available middleware:
//   - RateLimiter: Per-client rate limiting using token bucket algorithm
//   - RequestID: X-Request-ID propagation into the request context
//   - Logging: one structured log line per request
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = rl.Middleware(handler)
package middleware
