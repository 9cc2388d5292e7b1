// Package client invokes methods on named channels hosted by remote servers.
//
// A call resolves the channel through the registry, filters hosts by version,
// lets the balancer pick one and sends the call over a pooled, multiplexed
// transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.uber.org/zap"

	"platform-channel/codec"
	"platform-channel/loadbalance"
	"platform-channel/message"
	"platform-channel/registry"
	"platform-channel/transport"
)

// ErrNotImplemented is returned by InvokeMethod when the host does not handle the method.
var ErrNotImplemented = errors.New("client: method not implemented")

// MethodError is an error reply from the host.
type MethodError struct {
	Channel string
	Method  string
	Code    string
	Message string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("%s.%s failed (%s): %s", e.Channel, e.Method, e.Code, e.Message)
}

// Result is the reply to one call. A not-implemented or error reply is a
// Result, not a Go error; Invoke only errors when the call could not be made.
type Result struct {
	Channel string
	Method  string
	Status  message.Status
	Code    string
	Message string
	Payload []byte
}

// NotImplemented reports whether the host does not handle the method.
func (r *Result) NotImplemented() bool {
	return r.Status == message.StatusNotImplemented
}

// Err converts a non-success result to ErrNotImplemented or *MethodError.
func (r *Result) Err() error {
	switch r.Status {
	case message.StatusSuccess:
		return nil
	case message.StatusNotImplemented:
		return fmt.Errorf("%s.%s: %w", r.Channel, r.Method, ErrNotImplemented)
	default:
		return &MethodError{Channel: r.Channel, Method: r.Method, Code: r.Code, Message: r.Message}
	}
}

// Decode unmarshals a success payload into v.
func (r *Result) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	return json.Unmarshal(r.Payload, v)
}

type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	pool       *transport.Pool
	codecType  codec.CodecType
	poolSize   int
	minVersion *semver.Version
	timeout    time.Duration
	logger     *zap.Logger
}

type Option func(*Client)

func WithCodec(ct codec.CodecType) Option {
	return func(c *Client) { c.codecType = ct }
}

// WithPoolSize sets how many connections are kept per host.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

// WithMinVersion skips hosts whose published version is older than v
// or not semver at all.
func WithMinVersion(v *semver.Version) Option {
	return func(c *Client) { c.minVersion = v }
}

// WithTimeout bounds calls whose context has no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry:  reg,
		balancer:  bal,
		codecType: codec.CodecTypeJSON,
		poolSize:  4,
		timeout:   5 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.pool = transport.NewPool(c.poolSize, c.codecType, c.timeout, transport.DefaultHeartbeatInterval)
	return c
}

// eligible drops hosts older than the configured minimum version.
func (c *Client) eligible(instances []registry.ServiceInstance) []registry.ServiceInstance {
	if c.minVersion == nil {
		return instances
	}
	out := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		v, err := semver.NewVersion(inst.Version)
		if err != nil {
			c.logger.Debug("skipping instance without semver", zap.String("addr", inst.Addr), zap.String("version", inst.Version))
			continue
		}
		if v.LessThan(*c.minVersion) {
			continue
		}
		out = append(out, inst)
	}
	return out
}

// Invoke calls method on channelName with args (nil for none).
func (c *Client) Invoke(ctx context.Context, channelName, method string, args any) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	instances, err := c.registry.Discover(ctx, channelName)
	if err != nil {
		return nil, fmt.Errorf("client: discover %s: %w", channelName, err)
	}

	instance, err := c.balancer.Pick(c.eligible(instances), channelName+"/"+method)
	if err != nil {
		return nil, fmt.Errorf("client: pick host for %s: %w", channelName, err)
	}

	t, err := c.pool.Get(ctx, instance.Addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect %s: %w", instance.Addr, err)
	}

	resp, err := t.Call(ctx, channelName, method, args)
	if err != nil {
		return nil, fmt.Errorf("client: call %s.%s on %s: %w", channelName, method, instance.Addr, err)
	}

	c.logger.Debug("method call",
		zap.String("channel", channelName),
		zap.String("method", method),
		zap.String("addr", instance.Addr),
		zap.Stringer("status", resp.Status))

	return &Result{
		Channel: channelName,
		Method:  method,
		Status:  resp.Status,
		Code:    resp.Code,
		Message: resp.Error,
		Payload: resp.Payload,
	}, nil
}

// InvokeMethod calls method and decodes a success value into reply (which may be nil).
// Non-success replies come back as ErrNotImplemented or *MethodError.
func (c *Client) InvokeMethod(ctx context.Context, channelName, method string, args, reply any) error {
	res, err := c.Invoke(ctx, channelName, method, args)
	if err != nil {
		return err
	}
	if reply == nil {
		return res.Err()
	}
	return res.Decode(reply)
}

// Close closes all pooled connections.
func (c *Client) Close() error {
	return c.pool.Close()
}
