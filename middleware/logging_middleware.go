package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"jsonrpc-ws/message"
)

// Logging logs every request with its duration; failures are logged at warn level.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.ByteString("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != nil {
				fields = append(fields, zap.Int("code", resp.Error.Code), zap.String("error", resp.Error.Message))
				logger.Warn("request failed", fields...)
				return resp
			}
			logger.Debug("request served", fields...)
			return resp
		}
	}
}
