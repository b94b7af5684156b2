package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"jsonrpc-ws/message"
)

// RateLimit admits r requests per second with bursts of burst, token bucket style. Requests
// over the limit get -32603 "rate limit exceeded" without reaching the handler.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return internalError(req, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
