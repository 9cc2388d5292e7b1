package middleware

import (
	"context"
	"platform-channel/message"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)

			fields := []zap.Field{
				zap.String("channel", req.Channel),
				zap.String("method", req.Method),
				zap.Stringer("status", resp.Status),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("method call failed", append(fields, zap.String("code", resp.Code), zap.String("error", resp.Error))...)
				return resp
			}
			logger.Debug("method call", fields...)
			return resp
		}
	}
}
