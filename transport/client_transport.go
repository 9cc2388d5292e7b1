// Package transport implements the caller side of a connection: multiplexing,
// heartbeats and a per-address pool.
//
// ClientTransport lets many concurrent calls share one TCP connection. Each
// request gets a unique sequence ID, and a background goroutine (recvLoop)
// reads replies and routes them to the waiting caller.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── reply(seq=2) → pending[2] chan → goroutine-2 wakes up
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"platform-channel/codec"
	"platform-channel/message"
	"platform-channel/protocol"
)

// ErrTransportClosed is reported to callers whose connection went away.
var ErrTransportClosed = errors.New("transport: closed")

// DefaultHeartbeatInterval is how often an idle connection is probed.
const DefaultHeartbeatInterval = 30 * time.Second

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // Protected by sending
	pending sync.Map   // map[uint32]chan *message.Message
	sending sync.Mutex // Serializes whole frames so requests never interleave

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClientTransport wraps conn and starts the receive and heartbeat loops.
func NewClientTransport(conn net.Conn, ct codec.CodecType, heartbeat time.Duration) *ClientTransport {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	t := &ClientTransport{
		conn:  conn,
		codec: ct,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	go t.heartbeatLoop(heartbeat)
	return t
}

// Send writes a call to channelName.method. args are JSON-encoded; nil sends no arguments.
// It returns the sequence number and a channel that receives exactly one reply,
// or is closed without one if the connection goes away first.
func (t *ClientTransport) Send(channelName, method string, args any) (uint32, <-chan *message.Message, error) {
	if t.closed.Load() {
		return 0, nil, ErrTransportClosed
	}

	var payload []byte
	if args != nil {
		var err error
		payload, err = json.Marshal(args)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: encode arguments: %w", err)
		}
	}

	body, err := codec.GetCodec(t.codec).Encode(&message.Message{
		Channel: channelName,
		Method:  method,
		Payload: payload,
	})
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	seq := t.seq

	// Register the reply channel before writing so recvLoop cannot miss it
	respChan := make(chan *message.Message, 1)
	t.pending.Store(seq, respChan)
	if t.closed.Load() {
		// Close may already have swept pending before the Store above
		t.pending.Delete(seq)
		return 0, nil, ErrTransportClosed
	}

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		t.Close()
		return 0, nil, err
	}

	return seq, respChan, nil
}

// Call sends a request and waits for its reply or for ctx to end.
func (t *ClientTransport) Call(ctx context.Context, channelName, method string, args any) (*message.Message, error) {
	seq, ch, err := t.Send(channelName, method, args)
	if err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, ErrTransportClosed
		}
		return resp, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, ctx.Err()
	}
}

// recvLoop is the only reader of the connection; frame boundaries can only be
// parsed sequentially.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.Close()
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &message.Message{}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp); err != nil {
			resp = &message.Message{Status: message.StatusError, Code: message.CodeInternal, Error: fmt.Sprintf("decode reply: %v", err)}
		}

		if ch, ok := t.pending.LoadAndDelete(header.Seq); ok {
			ch.(chan *message.Message) <- resp
		}
	}
}

// Close closes the connection and fails every pending call.
func (t *ClientTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.done)
		err = t.conn.Close()
		// A closed reply channel yields nil: the call never got an answer.
		t.pending.Range(func(key, value any) bool {
			if _, ok := t.pending.LoadAndDelete(key); ok {
				close(value.(chan *message.Message))
			}
			return true
		})
	})
	return err
}

// Closed reports whether the transport can no longer send.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// heartbeatLoop sends body-less heartbeat frames so idle connections stay open
// and dead ones are noticed.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.Close()
			return
		}
	}
}
