// Package message defines the JSON-RPC 2.0 envelopes exchanged between client and server.
//
// Every WebSocket text frame carries exactly one envelope:
//
//	Request:  {"jsonrpc":"2.0","method":<string>,"params":<any>,"id":<number>}
//	Success:  {"jsonrpc":"2.0","result":<any>,"id":<echoed id>}
//	Error:    {"jsonrpc":"2.0","error":{"code":<int>,"message":<string>},"id":<echoed id or null>}
//
// Params, result and id are kept as raw JSON so the server can echo an id of any type back
// byte for byte, and so "member absent" can be told apart from "member is null".
package message

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Version is the only accepted value of the "jsonrpc" member.
const Version = "2.0"

// NullID is the id used when the request id could not be extracted.
var NullID = json.RawMessage("null")

// Request is a client call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// Response is either a success (Result set) or a failure (Error set), never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// NewErrorResponse builds a failure response echoing id (null when id is empty).
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	if len(id) == 0 {
		id = NullID
	}
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// HasID reports whether raw holds an id value that can be correlated. A missing member and
// an explicit null are both "no id"; 0, "" and false are ids.
func HasID(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, NullID)
}

// NumericID parses a JSON number id into the client's call-id space.
func NumericID(raw json.RawMessage) (uint64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] < '0' || trimmed[0] > '9' {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return 0, false
	}
	id, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
