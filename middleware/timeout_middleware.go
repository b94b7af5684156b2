package middleware

import (
	"context"
	"time"

	"jsonrpc-ws/message"
)

// Timeout answers -32603 "request timed out" when the handler runs longer than timeout. The
// handler's context is cancelled at the deadline; its late response is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return internalError(req, "request timed out")
			}
		}
	}
}
