// Package middleware wraps the server's request handling. A HandlerFunc turns one validated
// request into exactly one response; middlewares are layered around it like an onion:
//
//	Chain(A, B)(h)  ==  A(B(h))   A sees the request first and the response last
package middleware

import (
	"context"

	"jsonrpc-ws/message"
)

// HandlerFunc never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// internalError answers req with -32603 and msg.
func internalError(req *message.Request, msg string) *message.Response {
	return message.NewErrorResponse(req.ID, message.ErrInternal(msg))
}

// errorCode is 0 for a success response.
func errorCode(resp *message.Response) int {
	if resp == nil || resp.Error == nil {
		return 0
	}
	return resp.Error.Code
}
