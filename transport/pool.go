package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"platform-channel/codec"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pool keeps up to size multiplexed transports per address and hands them out
// round-robin. Transports are dialled lazily and replaced once they close.
type Pool struct {
	size      int
	codec     codec.CodecType
	heartbeat time.Duration
	dialer    net.Dialer

	mu     sync.Mutex
	addrs  map[string]*addrPool
	closed bool
}

type addrPool struct {
	mu    sync.Mutex
	slots []*ClientTransport
	next  atomic.Uint64
}

// NewPool creates a pool holding at most size transports per address.
func NewPool(size int, ct codec.CodecType, dialTimeout, heartbeat time.Duration) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		size:      size,
		codec:     ct,
		heartbeat: heartbeat,
		dialer:    net.Dialer{Timeout: dialTimeout},
		addrs:     make(map[string]*addrPool),
	}
}

// Get returns a live transport to addr, dialling one if its slot is empty or dead.
func (p *Pool) Get(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	ap, ok := p.addrs[addr]
	if !ok {
		ap = &addrPool{slots: make([]*ClientTransport, p.size)}
		p.addrs[addr] = ap
	}
	p.mu.Unlock()

	i := int(ap.next.Add(1) % uint64(p.size))

	ap.mu.Lock()
	defer ap.mu.Unlock()
	if t := ap.slots[i]; t != nil && !t.Closed() {
		return t, nil
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	t := NewClientTransport(conn, p.codec, p.heartbeat)
	ap.slots[i] = t
	return t, nil
}

// Close closes every transport and rejects further Gets.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	addrs := p.addrs
	p.addrs = make(map[string]*addrPool)
	p.mu.Unlock()

	var errs error
	for _, ap := range addrs {
		ap.mu.Lock()
		for _, t := range ap.slots {
			if t != nil {
				if err := t.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
					errs = multierr.Append(errs, err)
				}
			}
		}
		ap.mu.Unlock()
	}
	return errs
}
