package session

import (
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Packer serializes the four message parts (header, parent header, metadata,
// content). Alternative packers must round-trip to structurally equal values,
// though their encodings need not be byte-identical to each other.
type Packer interface {
	Name() string
	Pack(v interface{}) ([]byte, error)
	Unpack(data []byte, v interface{}) error
}

type jsonPacker struct{}

// NewJSONPacker returns the default JSON packer.
func NewJSONPacker() Packer { return jsonPacker{} }

func (jsonPacker) Name() string { return "json" }

func (jsonPacker) Pack(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonPacker) Unpack(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

type canonicalJSONPacker struct{}

// NewCanonicalJSONPacker returns a packer that emits RFC 8785 canonical JSON.
// Useful when two parties must produce byte-identical encodings of the same
// message parts, e.g. for signature comparison across implementations.
func NewCanonicalJSONPacker() Packer { return canonicalJSONPacker{} }

func (canonicalJSONPacker) Name() string { return "canonical-json" }

func (canonicalJSONPacker) Pack(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(b)
}

func (canonicalJSONPacker) Unpack(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
