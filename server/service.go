package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"platform-channel/channel"
	"platform-channel/message"
)

// hostedChannel is a channel registered on the server together with its call counters.
type hostedChannel struct {
	name    string
	handler channel.Handler

	calls          atomic.Uint64
	notImplemented atomic.Uint64
}

func newHostedChannel(name string, h channel.Handler) (*hostedChannel, error) {
	if !channel.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler for %q", ErrInvalidChannel, name)
	}
	return &hostedChannel{name: name, handler: h}, nil
}

// call runs the handler and turns its Result into a reply message.
func (c *hostedChannel) call(ctx context.Context, req *message.Message) *message.Message {
	c.calls.Add(1)

	res := c.handler.HandleMethodCall(ctx, &channel.MethodCall{
		Method:    req.Method,
		Arguments: req.Payload,
	})

	switch res.Status() {
	case message.StatusSuccess:
		payload, err := json.Marshal(res.Value())
		if err != nil {
			return message.ErrorReply(req, message.CodeInternal, fmt.Sprintf("encode result: %v", err))
		}
		reply := message.Reply(req)
		reply.Payload = payload
		return reply
	case message.StatusError:
		return message.ErrorReply(req, res.Code(), res.Message())
	default:
		c.notImplemented.Add(1)
		return message.NotImplementedReply(req)
	}
}

// ChannelStats is a snapshot of a channel's call counters.
type ChannelStats struct {
	Calls          uint64
	NotImplemented uint64
}

func (c *hostedChannel) stats() ChannelStats {
	return ChannelStats{
		Calls:          c.calls.Load(),
		NotImplemented: c.notImplemented.Load(),
	}
}
