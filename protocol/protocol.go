// Package protocol implements the binary frame protocol spoken between channel
// hosts and callers.
//
// A fixed-size 14-byte header is followed by a variable-length body. The receiver
// reads the header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ pch  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "pch" (platform channel) let the server drop connections that
// are not speaking this protocol, e.g. an HTTP client on the wrong port.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x63 // 'c'
	MagicByte3  byte = 0x68 // 'h'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a single frame can cause.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Caller → host method call
	MsgTypeResponse  MsgType = 1 // Host → caller result
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, or Heartbeat
	Seq       uint32  // Matches a response to its request on a multiplexed connection
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w in a single Write.
// The caller must still hold a write lock if several goroutines share w.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("frame body of %d bytes exceeds limit %d", len(body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	buf = append(buf, body...)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := headerBuf[5]
	if msgType != byte(MsgTypeRequest) && msgType != byte(MsgTypeResponse) && msgType != byte(MsgTypeHeartbeat) {
		return nil, nil, fmt.Errorf("unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("frame body of %d bytes exceeds limit %d", bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   MsgType(msgType),
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
