package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"platform-channel/channel"
	"platform-channel/codec"
	"platform-channel/message"
	"platform-channel/protocol"
	"platform-channel/server"
)

type echoArgs struct {
	N int `json:"n"`
}

// echoHandler doubles n, or sleeps when asked to.
func echoHandler(ctx context.Context, call *channel.MethodCall) channel.Result {
	switch call.Method {
	case "double":
		var args echoArgs
		if err := call.DecodeArguments(&args); err != nil {
			return channel.Failure(message.CodeBadRequest, err.Error())
		}
		return channel.Success(args.N * 2)
	case "sleep":
		time.Sleep(300 * time.Millisecond)
		return channel.Success(nil)
	}
	return channel.NotImplemented()
}

func startServer(t *testing.T) string {
	t.Helper()
	svr := server.NewServer()
	if err := svr.RegisterChannel("echo", channel.HandlerFunc(echoHandler)); err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return ln.Addr().String()
}

func dial(t *testing.T, addr string, ct codec.CodecType) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewClientTransport(conn, ct, 0)
	t.Cleanup(func() { tr.Close() })
	return tr
}

// Several requests sent one after another on a single connection
func TestClientTransportSerial(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeJSON)

	for _, n := range []int{1, 10, 100} {
		_, ch, err := ct.Send("echo", "double", &echoArgs{N: n})
		if err != nil {
			t.Fatal(err)
		}

		resp := <-ch
		if resp.Failed() {
			t.Fatalf("server error: %s", resp.Error)
		}

		var got int
		if err := json.Unmarshal(resp.Payload, &got); err != nil {
			t.Fatal(err)
		}
		if got != n*2 {
			t.Fatalf("expect %d, got %d", n*2, got)
		}
	}
}

// Many concurrent requests on one connection, replies matched by seq
func TestClientTransportConcurrent(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeBinary)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			resp, err := ct.Call(context.Background(), "echo", "double", &echoArgs{N: n})
			if err != nil {
				t.Errorf("call failed: %v", err)
				return
			}
			var got int
			if err := json.Unmarshal(resp.Payload, &got); err != nil {
				t.Errorf("unmarshal failed: %v", err)
				return
			}
			if got != n*2 {
				t.Errorf("expect %d, got %d", n*2, got)
			}
		}(i)
	}
	wg.Wait()
}

func TestClientTransportNoArguments(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeJSON)

	resp, err := ct.Call(context.Background(), "echo", "double", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Code != message.CodeBadRequest {
		t.Fatalf("expect bad_request without arguments, got %+v", resp)
	}

	resp, err = ct.Call(context.Background(), "echo", "missing", nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != message.StatusNotImplemented {
		t.Fatalf("expect not implemented, got %v", resp.Status)
	}
}

func TestClientTransportCallContext(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := ct.Call(ctx, "echo", "sleep", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expect deadline exceeded, got %v", err)
	}
}

func TestClientTransportClose(t *testing.T) {
	ct := dial(t, startServer(t), codec.CodecTypeJSON)

	_, ch, err := ct.Send("echo", "sleep", nil)
	if err != nil {
		t.Fatal(err)
	}
	ct.Close()

	select {
	case resp, ok := <-ch:
		if ok || resp != nil {
			t.Fatalf("expect pending call released without a reply, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call not released on Close")
	}

	if _, _, err := ct.Send("echo", "double", &echoArgs{N: 1}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expect ErrTransportClosed, got %v", err)
	}
}

func TestClientTransportCallAfterPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		protocol.Decode(conn)
		conn.Close()
	}()

	ct := dial(t, ln.Addr().String(), codec.CodecTypeJSON)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := ct.Call(ctx, "echo", "double", &echoArgs{N: 1})
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expect ErrTransportClosed, got resp=%+v err=%v", resp, err)
	}
}

func TestPool(t *testing.T) {
	addr := startServer(t)
	p := NewPool(2, codec.CodecTypeJSON, time.Second, 0)

	ctx := context.Background()
	a, err := p.Get(ctx, addr)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := p.Get(ctx, addr)
	c, _ := p.Get(ctx, addr)
	if a == b {
		t.Fatal("expect two distinct transports in a pool of 2")
	}
	if c != a {
		t.Fatal("expect third Get to reuse the first transport")
	}

	// A dead transport is replaced on the next Get of its slot
	a.Close()
	p.Get(ctx, addr)
	d, _ := p.Get(ctx, addr)
	if d == a || d.Closed() {
		t.Fatal("expect closed transport to be replaced")
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(ctx, addr); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
}
