// Package client implements the calling side: a JSON-RPC client that keeps one WebSocket
// open to one of several endpoints and survives drops.
//
// Every call gets a fresh id and a pending entry before anything is written, so a response
// can never arrive for an id that is not yet registered:
//
//	Go(method, params)
//	  └─ lock ─ id++ ─ pending[id] = call ─ send now, or queue until next open ─ unlock
//
//	transport OnMessage ─ ParseResponse ─ lock ─ pending[id]? ─ delete ─ unlock ─ call.Done
//
//	transport OnClose ─ budget left? ─ Advance endpoint ─ AfterFunc(backoff) ─ Dial
//	transport OnOpen  ─ retryCount = 0 ─ flush queued sends in issue order
//
// All mutable state (pending table, send queue, rotator, connection state) sits behind one
// mutex.
package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"jsonrpc-ws/codec"
	"jsonrpc-ws/loadbalance"
	"jsonrpc-ws/protocol"
	"jsonrpc-ws/transport"
)

const (
	DefaultReconnectInterval = time.Second
	DefaultMaxBackoff        = 30 * time.Second
	DefaultMaxPending        = 1024

	// UnlimitedRetries as MaxRetries keeps reconnecting forever.
	UnlimitedRetries = 0
	// NoPendingLimit as MaxPending disables the pending-call ceiling.
	NoPendingLimit = -1
)

const (
	ErrClosed          = errors.ConstError("client is closed")
	ErrReconnectFailed = errors.ConstError("reconnect attempts exhausted")
	ErrTimeout         = errors.ConstError("call timed out")
	ErrBackpressure    = errors.ConstError("too many pending calls")
	ErrInvalidConfig   = errors.ConstError("invalid client config")
)

// Config tunes a Client. The zero value is usable.
type Config struct {
	// ReconnectInterval is the backoff unit: attempt n waits ReconnectInterval * 2^n.
	ReconnectInterval time.Duration
	// MaxBackoff caps a single reconnect delay.
	MaxBackoff time.Duration
	// MaxRetries is the number of consecutive failed reconnects tolerated before giving up.
	// UnlimitedRetries (0) retries forever.
	MaxRetries int
	// CallTimeout rejects a call with ErrTimeout if no response arrives in time. 0 disables.
	CallTimeout time.Duration
	// MaxPending bounds outstanding calls, queued ones included. NoPendingLimit disables.
	MaxPending int

	// Transport is handed to the default dialer untouched.
	Transport transport.Options
	Dialer    transport.Dialer
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *Metrics
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxRetries < 0 {
		return c, errors.Annotatef(ErrInvalidConfig, "negative MaxRetries %d", c.MaxRetries)
	}
	if c.ReconnectInterval < 0 || c.MaxBackoff < 0 || c.CallTimeout < 0 {
		return c, errors.Annotate(ErrInvalidConfig, "negative duration")
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxPending == 0 {
		c.MaxPending = DefaultMaxPending
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Dialer == nil {
		c.Dialer = transport.NewWSDialer(c.Transport, c.Logger)
	}
	return c, nil
}

// State is the reconnection state machine's position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Call is one outstanding request. Done receives the call exactly once, after Result or
// Error has been set. A JSON-RPC error response sets Error to the *message.Error verbatim.
type Call struct {
	ID     uint64
	Method string
	Params any
	Result json.RawMessage
	Error  error
	Done   chan *Call

	frame  []byte
	timer  clock.Timer
	queued bool
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done has capacity one and a call completes once.
	}
}

// Client is safe for concurrent use.
type Client struct {
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics
	observers observerSet

	mu             sync.Mutex
	state          State
	conn           transport.Conn
	gen            uint64 // bumped per transport; events from older ones are ignored
	rotator        *loadbalance.Rotator
	retryCount     int
	reconnectTimer clock.Timer
	seq            uint64
	pending        map[uint64]*Call
	queue          []*Call // deferred sends, issue order
	closed         bool
	failed         bool
}

// New creates a client and starts connecting to endpoints[0] right away.
func New(endpoints []string, cfg Config, observers ...Observer) (*Client, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	rotator, err := loadbalance.NewRotator(endpoints)
	if err != nil {
		return nil, errors.Annotate(ErrInvalidConfig, err.Error())
	}

	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		rotator: rotator,
		pending: make(map[uint64]*Call),
	}
	for _, o := range observers {
		c.observers.add(o)
	}

	c.mu.Lock()
	c.connectLocked()
	c.mu.Unlock()
	return c, nil
}

// Observe registers o for connection events and returns a function that removes it.
func (c *Client) Observe(o Observer) (cancel func()) {
	return c.observers.add(o)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Endpoint returns the endpoint currently in use or being dialled.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rotator.Current()
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Go issues a call without waiting for it. The returned Call's Done channel fires when the
// response arrives or the call fails.
func (c *Client) Go(method string, params any) *Call {
	call := &Call{
		Method: method,
		Params: params,
		Done:   make(chan *Call, 1),
	}

	c.mu.Lock()
	if err := c.admitLocked(); err != nil {
		c.mu.Unlock()
		c.complete(call, nil, err)
		return call
	}

	c.seq++
	call.ID = c.seq
	frame, err := codec.EncodeRequest(call.ID, method, params)
	if err != nil {
		c.mu.Unlock()
		c.complete(call, nil, errors.Annotatef(err, "encoding %s request", method))
		return call
	}
	call.frame = frame

	// Register before sending: the response may arrive before Send returns.
	c.pending[call.ID] = call
	if c.cfg.CallTimeout > 0 {
		id := call.ID
		call.timer = c.cfg.Clock.AfterFunc(c.cfg.CallTimeout, func() { c.expire(id) })
	}
	c.sendOrDeferLocked(call)
	c.metrics.setPending(len(c.pending))
	c.mu.Unlock()
	return call
}

// Call issues a call and waits for it. When result is non-nil the response's result is
// unmarshalled into it. Cancelling ctx abandons the call; a late response is dropped.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	call := c.Go(method, params)
	select {
	case <-call.Done:
	case <-ctx.Done():
		if c.abandon(call) {
			return errors.Annotatef(ctx.Err(), "call %s (id %d)", method, call.ID)
		}
		// Completed concurrently; the result is on its way.
		<-call.Done
	}
	if call.Error != nil {
		return call.Error
	}
	if result != nil && len(call.Result) > 0 {
		if err := json.Unmarshal(call.Result, result); err != nil {
			return errors.Annotatef(err, "decoding %s result", method)
		}
	}
	return nil
}

// Close stops the client for good: no further reconnects, every outstanding call is
// rejected with ErrClosed, and the transport is closed. Closing twice is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	// With a live or dialling transport the state turns Closed when its close arrives.
	if conn == nil || (c.state != StateConnected && c.state != StateConnecting) {
		c.state = StateClosed
	}
	calls := c.drainLocked()
	c.mu.Unlock()

	c.logger.Debug("client closed", zap.Int("rejected", len(calls)))
	for _, call := range calls {
		c.complete(call, nil, ErrClosed)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) admitLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.failed:
		return ErrReconnectFailed
	case c.cfg.MaxPending > 0 && len(c.pending) >= c.cfg.MaxPending:
		return errors.Annotatef(ErrBackpressure, "%d calls outstanding", len(c.pending))
	}
	return nil
}

// sendOrDeferLocked writes the call now when connected and nothing is queued ahead of it;
// otherwise it waits for the next open. A frame whose write fails is queued, not dropped.
func (c *Client) sendOrDeferLocked(call *Call) {
	if c.state == StateConnected && len(c.queue) == 0 {
		err := c.conn.Send(call.frame)
		if err == nil {
			return
		}
		c.logger.Debug("send failed, deferring", zap.Uint64("id", call.ID), zap.Error(err))
	}
	call.queued = true
	c.queue = append(c.queue, call)
}

// flushLocked sends queued calls in issue order. It stops at the first failure and keeps the
// rest queued for the next open.
func (c *Client) flushLocked() {
	for i, call := range c.queue {
		if err := c.conn.Send(call.frame); err != nil {
			c.logger.Debug("flush interrupted", zap.Int("remaining", len(c.queue)-i), zap.Error(err))
			c.queue = append([]*Call(nil), c.queue[i:]...)
			return
		}
		call.queued = false
	}
	c.queue = nil
}

func (c *Client) handleMessage(data []byte) {
	id, resp, ok := protocol.ParseResponse(data)
	if !ok {
		return
	}

	c.mu.Lock()
	call, found := c.pending[id]
	if !found {
		c.mu.Unlock()
		return
	}
	c.removeLocked(call)
	c.mu.Unlock()

	if resp.Error != nil {
		c.complete(call, nil, resp.Error)
		return
	}
	c.complete(call, resp.Result, nil)
}

func (c *Client) expire(id uint64) {
	c.mu.Lock()
	call, found := c.pending[id]
	if !found {
		c.mu.Unlock()
		return
	}
	c.removeLocked(call)
	c.mu.Unlock()

	c.complete(call, nil, errors.Annotatef(ErrTimeout, "%s (id %d) after %s", call.Method, id, c.cfg.CallTimeout))
}

// abandon drops a call whose caller stopped waiting; its Done channel never fires. It
// reports false when the call had already been completed.
func (c *Client) abandon(call *Call) bool {
	c.mu.Lock()
	if _, found := c.pending[call.ID]; !found {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(call)
	c.mu.Unlock()
	c.metrics.observeCall(outcomeCanceled)
	return true
}

func (c *Client) removeLocked(call *Call) {
	delete(c.pending, call.ID)
	if call.timer != nil {
		call.timer.Stop()
	}
	if call.queued {
		for i, queued := range c.queue {
			if queued == call {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
		call.queued = false
	}
	c.metrics.setPending(len(c.pending))
}

// drainLocked empties the pending table and the send queue, returning the calls by id.
func (c *Client) drainLocked() []*Call {
	calls := make([]*Call, 0, len(c.pending))
	for _, call := range c.pending {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.queued = false
		calls = append(calls, call)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].ID < calls[j].ID })
	c.pending = make(map[uint64]*Call)
	c.queue = nil
	c.metrics.setPending(0)
	return calls
}

func (c *Client) complete(call *Call, result json.RawMessage, err error) {
	call.Result = result
	call.Error = err
	c.metrics.observeCall(outcomeOf(err))
	call.done()
}
