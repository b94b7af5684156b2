package message

import (
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// Error is the "error" member of a failure response. On the client it is handed to the
// caller verbatim.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

func NewError(code int, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func ErrParse() *Error {
	return NewError(CodeParseError, "Parse error")
}

func ErrInvalidRequest() *Error {
	return NewError(CodeInvalidRequest, "Invalid Request")
}

func ErrMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, fmt.Sprintf("Method not found: '%s'", method))
}

// ErrInternal maps a handler failure. An empty description falls back to "Internal error".
func ErrInternal(msg string) *Error {
	if msg == "" {
		msg = "Internal error"
	}
	return NewError(CodeInternalError, msg)
}
