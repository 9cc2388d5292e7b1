package middleware

import (
	"context"
	"platform-channel/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
