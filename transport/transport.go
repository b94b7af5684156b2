// Package transport is the boundary between the JSON-RPC core and the WebSocket wire.
//
// The client never touches a socket directly. It asks a Dialer for a Conn and learns about
// the connection's life only through Events:
//
//	Dial ──> (connecting) ──OnOpen──> (open) ──OnMessage*──> ──OnClose──> (closed)
//	                 └──OnError──OnClose──> (closed)          dial failure
//
// OnError and OnClose are separate notifications; OnClose fires exactly once per Conn, so a
// consumer that reacts only to OnClose can never react twice to the same loss.
package transport

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrNotOpen is returned by Send when the connection is not in the open state.
const ErrNotOpen = errors.ConstError("connection is not open")

// Events receives the connection's notifications. Nil callbacks are skipped.
// OnOpen, OnMessage and OnError come from the connection's own goroutine; OnClose may also
// be delivered on the goroutine that called Terminate.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(reason CloseReason)
	OnError   func(err error)
}

func (e Events) open() {
	if e.OnOpen != nil {
		e.OnOpen()
	}
}

func (e Events) message(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

func (e Events) close(reason CloseReason) {
	if e.OnClose != nil {
		e.OnClose(reason)
	}
}

func (e Events) error(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}

// CloseReason describes why a connection ended. Code is a WebSocket close code; dial
// failures and drops without a close frame report 1006.
type CloseReason struct {
	Code int
	Text string
	Err  error
}

func (r CloseReason) String() string {
	if r.Text == "" {
		return fmt.Sprintf("code %d", r.Code)
	}
	return fmt.Sprintf("code %d: %s", r.Code, r.Text)
}

// Conn is a single transport handle.
type Conn interface {
	// Send writes one text frame. It fails with ErrNotOpen unless the connection is open.
	Send(data []byte) error
	// Close starts the close handshake.
	Close() error
	// Terminate drops the connection immediately, aborting a dial in progress.
	Terminate() error
}

// Dialer opens connections. Dial must not block, and must not invoke any of ev's callbacks
// before it returns: the returned Conn reports its progress through ev asynchronously.
type Dialer interface {
	Dial(endpoint string, ev Events) Conn
}
