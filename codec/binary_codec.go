package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"platform-channel/message"
)

var errNotMessage = errors.New("BinaryCodec: v must be *message.Message")

// ErrTruncated is returned when a binary body ends before all fields are read.
var ErrTruncated = errors.New("BinaryCodec: truncated message")

// BinaryCodec lays a Message out as length-prefixed fields, big-endian:
//
//	channel(2+n) method(2+n) status(1) code(2+n) error(2+n) payload(4+n)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errNotMessage
	}
	for _, s := range []string{msg.Channel, msg.Method, msg.Code, msg.Error} {
		if len(s) > math.MaxUint16 {
			return nil, fmt.Errorf("BinaryCodec: field of %d bytes exceeds limit", len(s))
		}
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("BinaryCodec: payload of %d bytes exceeds limit", len(msg.Payload))
	}

	total := 2 + len(msg.Channel) + 2 + len(msg.Method) + 1 +
		2 + len(msg.Code) + 2 + len(msg.Error) + 4 + len(msg.Payload)
	buf := make([]byte, 0, total)

	buf = appendString16(buf, msg.Channel)
	buf = appendString16(buf, msg.Method)
	buf = append(buf, byte(msg.Status))
	buf = appendString16(buf, msg.Code)
	buf = appendString16(buf, msg.Error)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Message)
	if !ok {
		return errNotMessage
	}

	r := reader{data: data}
	msg.Channel = r.string16()
	msg.Method = r.string16()
	msg.Status = message.Status(r.byte())
	msg.Code = r.string16()
	msg.Error = r.string16()
	msg.Payload = r.bytes32()
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func appendString16(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// reader walks a binary body and latches the first error.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = ErrTruncated
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) byte() byte {
	b := r.next(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) string16() string {
	l := r.next(2)
	if l == nil {
		return ""
	}
	return string(r.next(int(binary.BigEndian.Uint16(l))))
}

func (r *reader) bytes32() []byte {
	l := r.next(4)
	if l == nil {
		return nil
	}
	n := binary.BigEndian.Uint32(l)
	if n == 0 {
		return nil
	}
	b := r.next(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
