package middleware

import (
	"context"
	"fmt"
	"platform-channel/message"

	"go.uber.org/zap"
)

// RecoveryMiddleware turns a panicking handler into an internal error reply,
// so one bad call never takes the connection down.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("channel", req.Channel),
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.Stack("stack"))
					resp = message.ErrorReply(req, message.CodeInternal, fmt.Sprintf("handler panic: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
