// Package message defines the envelope exchanged between callers and channel hosts.
//
// Message is the "envelope" for every method call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP.
package message

// Status tells the caller how to read a reply.
type Status byte

const (
	StatusSuccess        Status = 0 // Payload holds the JSON-encoded result value
	StatusError          Status = 1 // Code and Error describe the failure
	StatusNotImplemented Status = 2 // The channel does not handle this method
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusNotImplemented:
		return "not_implemented"
	default:
		return "unknown"
	}
}

// Error codes carried in Message.Code.
const (
	CodeBadRequest  = "bad_request"
	CodeTimeout     = "timeout"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
	CodeUnavailable = "unavailable"
)

// Message carries the data for a single method call or its reply.
//
//   - On request:  Channel and Method are set, Payload contains the JSON arguments (may be empty).
//   - On response: Status says how to read it. Payload holds the result on success,
//     Code/Error are set on failure, and nothing else is set when not implemented.
type Message struct {
	Channel string // Channel name, e.g. "highlight_mentions"
	Method  string // Method name, e.g. "getPlatformVersion"
	Status  Status
	Code    string // Machine-readable error code, only with StatusError
	Error   string // Human-readable error text, only with StatusError
	Payload []byte
}

// Reply builds a response skeleton addressed like req.
func Reply(req *Message) *Message {
	return &Message{Channel: req.Channel, Method: req.Method}
}

// ErrorReply builds an error response for req.
func ErrorReply(req *Message, code, text string) *Message {
	m := Reply(req)
	m.Status = StatusError
	m.Code = code
	m.Error = text
	return m
}

// NotImplementedReply builds the "not implemented" response for req.
func NotImplementedReply(req *Message) *Message {
	m := Reply(req)
	m.Status = StatusNotImplemented
	return m
}

// Failed reports whether m is an error reply.
func (m *Message) Failed() bool {
	return m.Status == StatusError
}
