package middleware

import (
	"context"
	"platform-channel/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects calls beyond r per second (token bucket, burst size burst).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.ErrorReply(req, message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
