package codec

import (
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Human-readable and easy to debug, but slower and larger than BinaryCodec.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
