// Package platform implements the platform query responder: a channel that
// tells callers which operating system the host runs on.
package platform

import (
	"context"

	"platform-channel/channel"
	"platform-channel/platform/osversion"
)

const (
	// ChannelName is the channel the responder is registered under.
	ChannelName = "highlight_mentions"

	// MethodGetPlatformVersion answers with "<OS name> <version>".
	MethodGetPlatformVersion = "getPlatformVersion"
)

// Responder answers getPlatformVersion and reports every other method as not implemented.
type Responder struct {
	version func() string
}

// Option configures a Responder.
type Option func(*Responder)

// WithVersionSource replaces the OS lookup, e.g. to pin the answer in tests.
func WithVersionSource(fn func() string) Option {
	return func(r *Responder) {
		r.version = fn
	}
}

// NewResponder returns a Responder that reads the host OS version unless an option overrides it.
func NewResponder(opts ...Option) *Responder {
	r := &Responder{version: osversion.String}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleMethodCall answers getPlatformVersion and returns not implemented for any other method.
func (r *Responder) HandleMethodCall(ctx context.Context, call *channel.MethodCall) channel.Result {
	switch call.Method {
	case MethodGetPlatformVersion:
		return channel.Success(r.version())
	default:
		return channel.NotImplemented()
	}
}
