package middleware

import (
	"context"
	"platform-channel/message"
	"time"

	"go.uber.org/zap"
)

// Retryable reports whether a failed reply may succeed when sent again.
func Retryable(resp *message.Message) bool {
	return resp.Failed() && (resp.Code == message.CodeTimeout || resp.Code == message.CodeUnavailable)
}

// RetryMiddleware re-runs calls that failed with a retryable code, backing off
// exponentially from baseDelay. Not-implemented replies are final. It stops
// once ctx is done, so a Timeout wrapped around it caps the whole sequence.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			for i := 0; i < maxRetries && Retryable(resp); i++ {
				logger.Info("retrying method call",
					zap.String("channel", req.Channel),
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.String("code", resp.Code))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				if ctx.Err() != nil {
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
