package middleware

import (
	"context"
	"platform-channel/message"
	"time"
)

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Message, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.ErrorReply(req, message.CodeTimeout, "request timed out")
			}
		}
	}
}
