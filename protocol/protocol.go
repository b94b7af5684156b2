// Package protocol validates decoded frames against the JSON-RPC 2.0 envelope rules.
//
// The server side turns a raw frame into either a request ready for dispatch or the exact
// error response the peer must receive:
//
//	frame ──Decode──> not JSON?            ──> -32700 Parse error,     id null
//	              ──> jsonrpc != "2.0"?     ──> -32600 Invalid Request, id echoed if present
//	              ──> method not a string?  ──> -32600
//	              ──> no "id" member?       ──> -32600
//	              ──> *message.Request
//
// The client side only needs to know which pending call a frame answers.
package protocol

import (
	"bytes"
	"encoding/json"

	"jsonrpc-ws/codec"
	"jsonrpc-ws/message"
)

var emptyParams = json.RawMessage("{}")

// ParseRequest validates one frame. Exactly one of the results is non-nil.
func ParseRequest(data []byte) (*message.Request, *message.Response) {
	// Step 1: must be JSON at all
	frame, err := codec.Decode(data)
	if err != nil {
		return nil, message.NewErrorResponse(nil, message.ErrParse())
	}

	// The id is echoed on every later failure, so extract it first.
	id := message.NullID
	if frame.Has("id") {
		id = frame.Get("id")
	}

	// Step 2: structural validation
	if !frame.IsObject() {
		return nil, message.NewErrorResponse(nil, message.ErrInvalidRequest())
	}
	if version, ok := frame.String("jsonrpc"); !ok || version != message.Version {
		return nil, message.NewErrorResponse(id, message.ErrInvalidRequest())
	}
	method, ok := frame.String("method")
	if !ok {
		return nil, message.NewErrorResponse(id, message.ErrInvalidRequest())
	}
	// A request without an id member would be a notification, which is not supported.
	if !frame.Has("id") {
		return nil, message.NewErrorResponse(nil, message.ErrInvalidRequest())
	}

	params := frame.Get("params")
	if !frame.Has("params") || isNull(params) {
		params = emptyParams
	}

	return &message.Request{
		JSONRPC: message.Version,
		Method:  method,
		Params:  params,
		ID:      id,
	}, nil
}

// ParseResponse extracts the call id and outcome of a frame received by the client.
// ok is false for anything that cannot answer a pending call: invalid JSON, a non-object,
// a missing or null id, or a non-numeric id.
func ParseResponse(data []byte) (uint64, *message.Response, bool) {
	frame, err := codec.Decode(data)
	if err != nil || !frame.IsObject() {
		return 0, nil, false
	}
	raw := frame.Get("id")
	if !message.HasID(raw) {
		return 0, nil, false
	}
	id, ok := message.NumericID(raw)
	if !ok {
		return 0, nil, false
	}

	resp := &message.Response{
		JSONRPC: message.Version,
		ID:      raw,
		Result:  frame.Get("result"),
	}
	// A non-null error member is a failure; its content is handed over verbatim.
	if errRaw := frame.Get("error"); !isNull(errRaw) {
		rpcErr := &message.Error{}
		if err := json.Unmarshal(errRaw, rpcErr); err != nil {
			rpcErr = &message.Error{Code: message.CodeInternalError, Message: "malformed error object", Data: errRaw}
		}
		resp.Error = rpcErr
		resp.Result = nil
	}
	return id, resp, true
}

// isNull is true for an absent member and for an explicit null.
func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, message.NullID)
}
