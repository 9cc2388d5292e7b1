package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"platform-channel/channel"
	"platform-channel/codec"
	"platform-channel/message"
	"platform-channel/platform"
	"platform-channel/protocol"
	"platform-channel/registry"
)

func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	svr := NewServer(opts...)
	if err := svr.RegisterChannel(platform.ChannelName, platform.NewResponder(
		platform.WithVersionSource(func() string { return "Linux 6.1.0" }),
	)); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(ln)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr, ln.Addr().String()
}

// roundTrip writes one request frame and reads the reply.
func roundTrip(t *testing.T, conn net.Conn, ct codec.CodecType, seq uint32, req *message.Message) *message.Message {
	t.Helper()
	cdc := codec.GetCodec(ct)
	body, err := cdc.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{CodecType: byte(ct), MsgType: protocol.MsgTypeRequest, Seq: seq}
	if err := protocol.Encode(conn, &header, body); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	replyHeader, replyBody, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	if replyHeader.Seq != seq {
		t.Fatalf("Expect reply with seq %v, got %v", seq, replyHeader.Seq)
	}
	if replyHeader.CodecType != byte(ct) {
		t.Fatalf("Expect reply with CodecType %v, got %v", ct, replyHeader.CodecType)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("Expect response MsgType, got %v", replyHeader.MsgType)
	}

	reply := &message.Message{}
	if err := cdc.Decode(replyBody, reply); err != nil {
		t.Fatal(err)
	}
	return reply
}

func TestServerAnswersPlatformVersion(t *testing.T) {
	_, addr := startServer(t)

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()

		reply := roundTrip(t, conn, ct, 123, &message.Message{
			Channel: platform.ChannelName,
			Method:  platform.MethodGetPlatformVersion,
		})
		if reply.Status != message.StatusSuccess {
			t.Fatalf("codec %d: expect success, got %v (%s)", ct, reply.Status, reply.Error)
		}

		var version string
		if err := json.Unmarshal(reply.Payload, &version); err != nil {
			t.Fatal(err)
		}
		if version != "Linux 6.1.0" {
			t.Fatalf("codec %d: expect Linux 6.1.0, got %q", ct, version)
		}
	}
}

func TestServerNotImplemented(t *testing.T) {
	svr, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	cases := []*message.Message{
		{Channel: platform.ChannelName, Method: "unknownMethod"},
		{Channel: "no_such_channel", Method: platform.MethodGetPlatformVersion},
	}
	for i, req := range cases {
		reply := roundTrip(t, conn, codec.CodecTypeJSON, uint32(i+1), req)
		if reply.Status != message.StatusNotImplemented {
			t.Fatalf("%s.%s: expect not implemented, got %v", req.Channel, req.Method, reply.Status)
		}
		if reply.Error != "" || len(reply.Payload) != 0 {
			t.Fatalf("not implemented reply must be empty, got %+v", reply)
		}
	}

	stats, ok := svr.Stats(platform.ChannelName)
	if !ok || stats.Calls != 1 || stats.NotImplemented != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServerBadRequestBody(t *testing.T) {
	_, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	header := protocol.Header{CodecType: protocol.CodecTypeBinary, MsgType: protocol.MsgTypeRequest, Seq: 9}
	if err := protocol.Encode(conn, &header, []byte{0xFF}); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	replyHeader, body, err := protocol.Decode(conn)
	if err != nil {
		t.Fatal(err)
	}
	var reply message.Message
	if err := codec.GetCodec(codec.CodecTypeBinary).Decode(body, &reply); err != nil {
		t.Fatal(err)
	}
	if replyHeader.Seq != 9 || reply.Code != message.CodeBadRequest {
		t.Fatalf("expect bad_request reply for seq 9, got seq %d %+v", replyHeader.Seq, reply)
	}
}

func TestServerHandlerFailureAndUnencodableResult(t *testing.T) {
	svr, addr := startServer(t)
	svr.RegisterChannel("edge", channel.HandlerFunc(func(ctx context.Context, call *channel.MethodCall) channel.Result {
		switch call.Method {
		case "fail":
			return channel.Failure(message.CodeBadRequest, "missing text")
		default:
			return channel.Success(make(chan int))
		}
	}))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	reply := roundTrip(t, conn, codec.CodecTypeJSON, 1, &message.Message{Channel: "edge", Method: "fail"})
	if reply.Code != message.CodeBadRequest || reply.Error != "missing text" {
		t.Fatalf("expect handler failure to pass through, got %+v", reply)
	}

	reply = roundTrip(t, conn, codec.CodecTypeJSON, 2, &message.Message{Channel: "edge", Method: "chan"})
	if reply.Code != message.CodeInternal {
		t.Fatalf("expect internal error for unencodable value, got %+v", reply)
	}
}

func TestRegisterChannelErrors(t *testing.T) {
	svr := NewServer()
	h := platform.NewResponder()

	if err := svr.RegisterChannel(platform.ChannelName, h); err != nil {
		t.Fatal(err)
	}
	if err := svr.RegisterChannel(platform.ChannelName, h); !errors.Is(err, ErrChannelExists) {
		t.Fatalf("expect ErrChannelExists, got %v", err)
	}
	if err := svr.RegisterChannel("bad name", h); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expect ErrInvalidChannel, got %v", err)
	}
	if err := svr.RegisterChannel("nil_handler", nil); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("expect ErrInvalidChannel for nil handler, got %v", err)
	}
	if got := svr.Channels(); len(got) != 1 || got[0] != platform.ChannelName {
		t.Fatalf("unexpected channels %v", got)
	}
}

func TestServerPublishesToRegistry(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithRegistry(reg, "10.0.0.5:7000", 10), WithInstance(3, "1.2.0"))
	svr.RegisterChannel(platform.ChannelName, platform.NewResponder())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(ln) }()

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	var insts []registry.ServiceInstance
	for time.Now().Before(deadline) {
		insts, _ = reg.Discover(ctx, platform.ChannelName)
		if len(insts) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(insts) != 1 || insts[0].Addr != "10.0.0.5:7000" || insts[0].Weight != 3 || insts[0].Version != "1.2.0" {
		t.Fatalf("unexpected published instances %+v", insts)
	}

	// Channels added while serving are published right away
	svr.RegisterChannel("late", platform.NewResponder())
	if late, _ := reg.Discover(ctx, "late"); len(late) != 1 {
		t.Fatalf("expect late channel published, got %+v", late)
	}

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := <-served; err != nil {
		t.Fatalf("expect nil from Serve after Shutdown, got %v", err)
	}
	if insts, _ := reg.Discover(ctx, platform.ChannelName); len(insts) != 0 {
		t.Fatalf("expect deregistered, got %+v", insts)
	}
}

func TestShutdownWhileCallsArrive(t *testing.T) {
	svr, addr := startServer(t)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&message.Message{
		Channel: platform.ChannelName,
		Method:  platform.MethodGetPlatformVersion,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Keep writing calls until the server hangs up.
	sent := make(chan int, 1)
	go func() {
		n := 0
		for seq := uint32(1); ; seq++ {
			header := protocol.Header{CodecType: byte(codec.CodecTypeJSON), MsgType: protocol.MsgTypeRequest, Seq: seq}
			if err := protocol.Encode(conn, &header, body); err != nil {
				sent <- n
				return
			}
			n++
		}
	}()

	replies := make(chan int, 1)
	go func() {
		n := 0
		for {
			_, replyBody, err := protocol.Decode(conn)
			if err != nil {
				replies <- n
				return
			}
			reply := &message.Message{}
			if err := codec.GetCodec(codec.CodecTypeJSON).Decode(replyBody, reply); err != nil || reply.Status != message.StatusSuccess {
				t.Errorf("unexpected reply during shutdown: %+v (%v)", reply, err)
			}
			n++
		}
	}()

	time.Sleep(50 * time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- svr.Shutdown(2 * time.Second) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	var nSent, nReplies int
	select {
	case nReplies = <-replies:
	case <-time.After(3 * time.Second):
		t.Fatal("connection not closed after Shutdown")
	}
	select {
	case nSent = <-sent:
	case <-time.After(3 * time.Second):
		t.Fatal("writer never saw the connection close")
	}
	if nReplies > nSent {
		t.Fatalf("got %d replies for %d calls", nReplies, nSent)
	}
}
