package client

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"

	"jsonrpc-ws/message"
	"jsonrpc-ws/protocol"
	"jsonrpc-ws/transport"
)

// fakeDialer hands every dialled connection to the test instead of opening a socket.
type fakeDialer struct {
	dials chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dials: make(chan *fakeConn, 32)}
}

func (d *fakeDialer) Dial(endpoint string, ev transport.Events) transport.Conn {
	conn := &fakeConn{endpoint: endpoint, ev: ev, sent: make(chan []byte, 256)}
	d.dials <- conn
	return conn
}

func (d *fakeDialer) next(t *testing.T) *fakeConn {
	t.Helper()
	return waitFor(t, d.dials, "dial")
}

func (d *fakeDialer) expectNoDial(t *testing.T) {
	t.Helper()
	select {
	case conn := <-d.dials:
		t.Fatalf("unexpected dial to %s", conn.endpoint)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeConn struct {
	endpoint string
	ev       transport.Events
	sent     chan []byte

	mu       sync.Mutex
	open     bool
	closed   bool
	failSend int
}

func (c *fakeConn) Open() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.ev.OnOpen()
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open || c.closed {
		return transport.ErrNotOpen
	}
	if c.failSend > 0 {
		c.failSend--
		return transport.ErrNotOpen
	}
	c.sent <- append([]byte(nil), data...)
	return nil
}

func (c *fakeConn) Close() error {
	c.fireClose(transport.CloseReason{Code: 1000, Text: "normal closure"})
	return nil
}

func (c *fakeConn) Terminate() error {
	c.fireClose(transport.CloseReason{Code: 1006, Text: "terminated"})
	return nil
}

// Drop simulates the peer going away without a close frame.
func (c *fakeConn) Drop() {
	c.fireClose(transport.CloseReason{Code: 1006, Text: "connection lost"})
}

// Fail reports a transport error followed by the close, like a failed dial.
func (c *fakeConn) Fail(err error) {
	c.ev.OnError(err)
	c.fireClose(transport.CloseReason{Code: 1006, Err: err})
}

func (c *fakeConn) Reply(frame string) {
	c.ev.OnMessage([]byte(frame))
}

// fireClose delivers OnClose once. The client terminates the old connection from inside
// its close callback, so a second close must return without blocking.
func (c *fakeConn) fireClose(reason transport.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.closed = true
	c.mu.Unlock()
	c.ev.OnClose(reason)
}

// nextRequest returns the next frame written to the connection, parsed.
func (c *fakeConn) nextRequest(t *testing.T) (uint64, *message.Request) {
	t.Helper()
	frame := waitFor(t, c.sent, "sent frame")
	req, errResp := protocol.ParseRequest(frame)
	if errResp != nil {
		t.Fatalf("client wrote an invalid request %s: %+v", frame, errResp.Error)
	}
	id, ok := message.NumericID(req.ID)
	if !ok {
		t.Fatalf("client wrote a non-numeric id %s", req.ID)
	}
	return id, req
}

func (c *fakeConn) expectNothingSent(t *testing.T) {
	t.Helper()
	select {
	case frame := <-c.sent:
		t.Fatalf("unexpected frame %s", frame)
	default:
	}
}

// recordingClock reports every timer the client starts.
type recordingClock struct {
	*testclock.Clock
	delays chan time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{
		Clock:  testclock.NewClock(time.Now()),
		delays: make(chan time.Duration, 64),
	}
}

func (c *recordingClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.delays <- d
	return c.Clock.AfterFunc(d, f)
}

func (c *recordingClock) nextDelay(t *testing.T) time.Duration {
	t.Helper()
	return waitFor(t, c.delays, "timer")
}

func (c *recordingClock) expectNoTimer(t *testing.T) {
	t.Helper()
	select {
	case d := <-c.delays:
		t.Fatalf("unexpected timer of %s", d)
	default:
	}
}

// eventLog records observer callbacks.
type eventLog struct {
	opened       chan string
	closed       chan transport.CloseReason
	reconnecting chan int
	failed       chan struct{}
	errs         chan error
}

func newEventLog() *eventLog {
	return &eventLog{
		opened:       make(chan string, 32),
		closed:       make(chan transport.CloseReason, 32),
		reconnecting: make(chan int, 32),
		failed:       make(chan struct{}, 4),
		errs:         make(chan error, 32),
	}
}

func (l *eventLog) observer() Observer {
	return ObserverFuncs{
		OnOpen:            func(endpoint string) { l.opened <- endpoint },
		OnClose:           func(reason transport.CloseReason) { l.closed <- reason },
		OnReconnecting:    func(attempt int, _ string) { l.reconnecting <- attempt },
		OnReconnectFailed: func() { l.failed <- struct{}{} },
		OnError:           func(err error) { l.errs <- err },
	}
}

type harness struct {
	client *Client
	dialer *fakeDialer
	clock  *recordingClock
	events *eventLog
}

func newHarness(t *testing.T, endpoints []string, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dialer: newFakeDialer(),
		clock:  newRecordingClock(),
		events: newEventLog(),
	}
	cfg.Dialer = h.dialer
	cfg.Clock = h.clock
	c, err := New(endpoints, cfg, h.events.observer())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	h.client = c
	return h
}

// connect opens the first dialled connection.
func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	conn := h.dialer.next(t)
	conn.Open()
	return conn
}

// dropAndRedial drops conn, fires the backoff timer and returns the delay and the new dial.
func (h *harness) dropAndRedial(t *testing.T, conn *fakeConn) (time.Duration, *fakeConn) {
	t.Helper()
	conn.Drop()
	delay := h.clock.nextDelay(t)
	h.clock.Advance(delay)
	return delay, h.dialer.next(t)
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func waitCall(t *testing.T, call *Call) *Call {
	t.Helper()
	return waitFor(t, call.Done, "call "+call.Method)
}

func expectPending(t *testing.T, call *Call) {
	t.Helper()
	select {
	case <-call.Done:
		t.Fatalf("call %d completed unexpectedly: %v", call.ID, call.Error)
	default:
	}
}

func resultOf(t *testing.T, call *Call, v any) {
	t.Helper()
	if call.Error != nil {
		t.Fatalf("call %s failed: %v", call.Method, call.Error)
	}
	if err := json.Unmarshal(call.Result, v); err != nil {
		t.Fatalf("decoding result %s: %v", call.Result, err)
	}
}
