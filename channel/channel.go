// Package channel defines what a channel host sees of a method call and what
// it hands back.
//
// A Handler never fails structurally: every call produces exactly one Result,
// which is a success value, an error, or the "not implemented" marker.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"platform-channel/message"
)

// ErrNoArguments is returned by DecodeArguments when the call carried none.
var ErrNoArguments = errors.New("channel: call has no arguments")

// MethodCall is one inbound call on a channel.
type MethodCall struct {
	Method    string
	Arguments []byte // JSON, empty when the caller passed none
}

// DecodeArguments unmarshals the call's JSON arguments into v.
func (c *MethodCall) DecodeArguments(v any) error {
	if len(c.Arguments) == 0 {
		return ErrNoArguments
	}
	if err := json.Unmarshal(c.Arguments, v); err != nil {
		return fmt.Errorf("channel: decode arguments of %s: %w", c.Method, err)
	}
	return nil
}

// Result is a handler's answer to a MethodCall.
type Result struct {
	status  message.Status
	value   any
	code    string
	message string
}

// Success returns a result carrying v, which is JSON-encoded on the wire.
func Success(v any) Result {
	return Result{status: message.StatusSuccess, value: v}
}

// Failure returns an error result with a machine-readable code.
func Failure(code, msg string) Result {
	return Result{status: message.StatusError, code: code, message: msg}
}

// NotImplemented returns the marker for a method the handler does not know.
func NotImplemented() Result {
	return Result{status: message.StatusNotImplemented}
}

func (r Result) Status() message.Status { return r.status }
func (r Result) Value() any { return r.value }
func (r Result) Code() string { return r.code }
func (r Result) Message() string { return r.message }

// IsNotImplemented reports whether r is the "not implemented" marker.
func (r Result) IsNotImplemented() bool {
	return r.status == message.StatusNotImplemented
}

// Handler answers method calls for one channel.
type Handler interface {
	HandleMethodCall(ctx context.Context, call *MethodCall) Result
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, call *MethodCall) Result

func (f HandlerFunc) HandleMethodCall(ctx context.Context, call *MethodCall) Result {
	return f(ctx, call)
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_./-]*$`)

// ValidName reports whether name can be used as a channel name.
// Names end up in registry keys, so they are restricted to a safe alphabet.
func ValidName(name string) bool {
	return len(name) <= 255 && namePattern.MatchString(name)
}
