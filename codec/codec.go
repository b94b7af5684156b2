// Package codec encodes and decodes JSON-RPC 2.0 envelopes.
//
// All functions are pure. Decode never panics on hostile input: it either reports ErrParse
// or returns a Frame whose members can be inspected for presence and type.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// ErrParse is returned by Decode when the frame is not valid JSON.
const ErrParse = errors.ConstError("frame is not valid JSON")

// Frame is a decoded frame. Only JSON objects carry members; any other valid JSON value
// decodes to a Frame with IsObject() == false.
type Frame struct {
	object  bool
	members map[string]json.RawMessage
}

// IsObject reports whether the frame was a JSON object.
func (f *Frame) IsObject() bool {
	return f.object
}

// Has reports whether the member is present, whatever its value (null included).
func (f *Frame) Has(name string) bool {
	_, ok := f.members[name]
	return ok
}

// Get returns the raw member value, or nil when absent.
func (f *Frame) Get(name string) json.RawMessage {
	return f.members[name]
}

// String returns the member as a Go string. ok is false when the member is absent or is
// not a JSON string.
func (f *Frame) String(name string) (string, bool) {
	raw, present := f.members[name]
	if !present {
		return "", false
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// Decode parses one frame.
func Decode(data []byte) (*Frame, error) {
	if !json.Valid(data) {
		return nil, ErrParse
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &Frame{}, nil
	}
	members := make(map[string]json.RawMessage)
	if err := json.Unmarshal(trimmed, &members); err != nil {
		return nil, errors.Annotate(ErrParse, err.Error())
	}
	return &Frame{object: true, members: members}, nil
}
