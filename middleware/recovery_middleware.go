package middleware

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"jsonrpc-ws/message"
)

// Recovery turns a handler panic into a -32603 response carrying the panic value.
func Recovery(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = internalError(req, fmt.Sprint(r))
				}
			}()
			return next(ctx, req)
		}
	}
}
