package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"jsonrpc-ws/message"
)

func TestClientCall(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	done := make(chan error, 1)
	var sum int
	go func() {
		done <- h.client.Call(context.Background(), "add", []int{2, 3}, &sum)
	}()

	id, req := conn.nextRequest(t)
	if req.Method != "add" || string(req.Params) != "[2,3]" {
		t.Fatalf("unexpected request %+v", req)
	}
	conn.Reply(fmt.Sprintf(`{"jsonrpc":"2.0","result":5,"id":%d}`, id))

	if err := waitFor(t, done, "Call"); err != nil {
		t.Fatal(err)
	}
	if sum != 5 {
		t.Fatalf("expect 5, got %d", sum)
	}
	if h.client.Pending() != 0 {
		t.Fatalf("expect empty pending table, got %d", h.client.Pending())
	}
}

func TestClientDefaultParams(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	h.client.Go("ping", nil)
	_, req := conn.nextRequest(t)
	if string(req.Params) != "{}" {
		t.Fatalf("expect params {}, got %s", req.Params)
	}
}

func TestClientUniqueIDsAndOutOfOrderResponses(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	calls := make([]*Call, 5)
	for i := range calls {
		calls[i] = h.client.Go("echo", i)
	}

	seen := make(map[uint64]bool)
	for range calls {
		id, _ := conn.nextRequest(t)
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}

	// Answer in reverse order; each call must get its own result.
	for i := len(calls) - 1; i >= 0; i-- {
		conn.Reply(fmt.Sprintf(`{"jsonrpc":"2.0","result":%d,"id":%d}`, i*10, calls[i].ID))
	}
	for i, call := range calls {
		var got int
		resultOf(t, waitCall(t, call), &got)
		if got != i*10 {
			t.Fatalf("call %d: expect %d, got %d", call.ID, i*10, got)
		}
	}
}

func TestClientDropsUncorrelatedResponses(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	call := h.client.Go("echo", "x")
	conn.nextRequest(t)

	for _, frame := range []string{
		`{"jsonrpc":"2.0","result":1,"id":999}`,
		`{"jsonrpc":"2.0","result":1}`,
		`{"jsonrpc":"2.0","result":1,"id":null}`,
		`{"jsonrpc":"2.0","result":1,"id":"1"}`,
		`not json`,
		`[1,2]`,
	} {
		conn.Reply(frame)
	}

	expectPending(t, call)
	if h.client.Pending() != 1 {
		t.Fatalf("expect 1 pending call, got %d", h.client.Pending())
	}
}

func TestClientIDZeroCorrelates(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	call := &Call{ID: 0, Method: "zero", Done: make(chan *Call, 1)}
	h.client.mu.Lock()
	h.client.pending[0] = call
	h.client.mu.Unlock()

	conn.Reply(`{"jsonrpc":"2.0","result":"zero","id":0}`)
	var got string
	resultOf(t, waitCall(t, call), &got)
	if got != "zero" {
		t.Fatalf("expect zero, got %q", got)
	}
}

func TestClientErrorResponse(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	call := h.client.Go("missing", nil)
	id, _ := conn.nextRequest(t)
	conn.Reply(fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found: 'missing'","data":[1]},"id":%d}`, id))

	waitCall(t, call)
	var rpcErr *message.Error
	if !errors.As(call.Error, &rpcErr) {
		t.Fatalf("expect *message.Error, got %T %v", call.Error, call.Error)
	}
	if rpcErr.Code != message.CodeMethodNotFound || rpcErr.Message != "Method not found: 'missing'" || string(rpcErr.Data) != "[1]" {
		t.Fatalf("error not passed through verbatim: %+v", rpcErr)
	}
}

func TestClientDefersSendsUntilOpen(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.dialer.next(t)

	a := h.client.Go("a", nil)
	b := h.client.Go("b", nil)
	c := h.client.Go("c", nil)
	conn.expectNothingSent(t)
	if h.client.Pending() != 3 {
		t.Fatalf("queued calls are pending, got %d", h.client.Pending())
	}

	conn.Open()
	d := h.client.Go("d", nil)

	for _, want := range []*Call{a, b, c, d} {
		id, req := conn.nextRequest(t)
		if id != want.ID || req.Method != want.Method {
			t.Fatalf("expect %s (id %d), got %s (id %d)", want.Method, want.ID, req.Method, id)
		}
	}
}

func TestClientRequeuesFailedSend(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc", "ws://b/rpc"}, Config{})
	conn := h.connect(t)

	conn.mu.Lock()
	conn.failSend = 1
	conn.mu.Unlock()

	call := h.client.Go("retry-me", nil)
	conn.expectNothingSent(t)

	_, next := h.dropAndRedial(t, conn)
	next.Open()

	id, req := next.nextRequest(t)
	if id != call.ID || req.Method != "retry-me" {
		t.Fatalf("expect the failed send on the new connection, got %s (id %d)", req.Method, id)
	}
	next.Reply(fmt.Sprintf(`{"jsonrpc":"2.0","result":true,"id":%d}`, id))
	if waitCall(t, call).Error != nil {
		t.Fatal(call.Error)
	}
}

func TestClientCallTimeout(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{CallTimeout: 5 * time.Second})
	conn := h.connect(t)

	call := h.client.Go("slow", nil)
	id, _ := conn.nextRequest(t)
	if d := h.clock.nextDelay(t); d != 5*time.Second {
		t.Fatalf("expect a 5s deadline, got %s", d)
	}
	h.clock.Advance(5 * time.Second)

	waitCall(t, call)
	if !errors.Is(call.Error, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", call.Error)
	}
	if h.client.Pending() != 0 {
		t.Fatalf("timed out call must leave the pending table")
	}

	// A late response is dropped.
	conn.Reply(fmt.Sprintf(`{"jsonrpc":"2.0","result":1,"id":%d}`, id))
}

func TestClientTimeoutRemovesQueuedSend(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{CallTimeout: time.Second})
	conn := h.dialer.next(t)

	call := h.client.Go("never-sent", nil)
	h.clock.Advance(h.clock.nextDelay(t))
	waitCall(t, call)
	if !errors.Is(call.Error, ErrTimeout) {
		t.Fatalf("expect ErrTimeout, got %v", call.Error)
	}

	conn.Open()
	conn.expectNothingSent(t)
}

func TestClientBackpressure(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{MaxPending: 2})
	h.connect(t)

	first := h.client.Go("a", nil)
	h.client.Go("b", nil)
	third := h.client.Go("c", nil)

	waitCall(t, third)
	if !errors.Is(third.Error, ErrBackpressure) {
		t.Fatalf("expect ErrBackpressure, got %v", third.Error)
	}
	expectPending(t, first)
}

func TestClientCallContextCanceled(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.client.Call(ctx, "hang", nil, nil)
	}()

	id, _ := conn.nextRequest(t)
	cancel()

	if err := waitFor(t, done, "Call"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
	if h.client.Pending() != 0 {
		t.Fatalf("canceled call must leave the pending table")
	}
	conn.Reply(fmt.Sprintf(`{"jsonrpc":"2.0","result":1,"id":%d}`, id))
}

func TestClientCloseRejectsOutstandingCalls(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	conn := h.connect(t)

	sent := h.client.Go("a", nil)
	conn.nextRequest(t)

	if err := h.client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !errors.Is(waitCall(t, sent).Error, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", sent.Error)
	}
	if reason := waitFor(t, h.events.closed, "close event"); reason.Code != 1000 {
		t.Fatalf("expect a normal closure, got %s", reason)
	}
	if h.client.State() != StateClosed {
		t.Fatalf("expect closed state, got %s", h.client.State())
	}

	if err := h.client.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	late := h.client.Go("b", nil)
	if !errors.Is(waitCall(t, late).Error, ErrClosed) {
		t.Fatalf("expect ErrClosed after close, got %v", late.Error)
	}
	h.clock.expectNoTimer(t)
	h.dialer.expectNoDial(t)
}

func TestClientCloseWhileConnecting(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	h.dialer.next(t)

	queued := h.client.Go("a", nil)
	h.client.Close()

	if !errors.Is(waitCall(t, queued).Error, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", queued.Error)
	}
	if h.client.State() != StateClosed {
		t.Fatalf("expect closed state, got %s", h.client.State())
	}
	h.clock.expectNoTimer(t)
}

func TestClientObserveCancel(t *testing.T) {
	h := newHarness(t, []string{"ws://a/rpc"}, Config{})
	extra := newEventLog()
	cancel := h.client.Observe(extra.observer())
	cancel()

	h.connect(t)
	if endpoint := waitFor(t, h.events.opened, "open event"); endpoint != "ws://a/rpc" {
		t.Fatalf("unexpected endpoint %s", endpoint)
	}
	select {
	case <-extra.opened:
		t.Fatal("removed observer was notified")
	default:
	}
}

func TestNewInvalidConfig(t *testing.T) {
	if _, err := New(nil, Config{Dialer: newFakeDialer()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expect ErrInvalidConfig for no endpoints, got %v", err)
	}
	if _, err := New([]string{"ws://a"}, Config{MaxRetries: -1, Dialer: newFakeDialer()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expect ErrInvalidConfig for negative MaxRetries, got %v", err)
	}
}
