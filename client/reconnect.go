package client

import (
	"time"

	"go.uber.org/zap"

	"jsonrpc-ws/transport"
)

// Backoff returns the delay before reconnect attempt retry+1: base * 2^retry, capped at max.
func Backoff(base, max time.Duration, retry int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retry; i++ {
		if d >= max-d {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// connectLocked dials the rotator's current endpoint. Events from the new transport carry
// its generation so that late notifications from a replaced transport are ignored.
func (c *Client) connectLocked() {
	c.gen++
	gen := c.gen
	endpoint := c.rotator.Current()
	c.state = StateConnecting
	c.metrics.setState(StateConnecting)
	c.conn = c.cfg.Dialer.Dial(endpoint, transport.Events{
		OnOpen:    func() { c.handleOpen(gen, endpoint) },
		OnMessage: c.handleMessage,
		OnClose:   func(reason transport.CloseReason) { c.handleClose(gen, endpoint, reason) },
		OnError:   func(err error) { c.handleError(gen, endpoint, err) },
	})
}

func (c *Client) handleOpen(gen uint64, endpoint string) {
	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.retryCount = 0
	queued := len(c.queue)
	// Flushed before the lock is released, so deferred calls go out ahead of any new one.
	c.flushLocked()
	c.metrics.setState(StateConnected)
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("endpoint", endpoint), zap.Int("flushed", queued))
	c.observers.opened(endpoint)
}

// handleClose is the only path into reconnection; transport errors never reach it directly.
func (c *Client) handleClose(gen uint64, endpoint string, reason transport.CloseReason) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	// Retire this transport: anything it reports from now on is stale.
	c.gen++
	old := c.conn
	c.conn = nil

	if c.closed {
		c.state = StateClosed
		c.metrics.setState(StateClosed)
		c.mu.Unlock()
		c.logger.Debug("connection closed", zap.String("endpoint", endpoint), zap.Stringer("reason", reason))
		c.observers.closed(reason)
		return
	}

	if c.cfg.MaxRetries != UnlimitedRetries && c.retryCount >= c.cfg.MaxRetries {
		c.state = StateFailed
		c.failed = true
		c.metrics.setState(StateFailed)
		calls := c.drainLocked()
		attempts := c.retryCount
		c.mu.Unlock()

		c.observers.closed(reason)
		c.logger.Error("giving up reconnecting", zap.Int("attempts", attempts), zap.Stringer("reason", reason))
		for _, call := range calls {
			c.complete(call, nil, ErrReconnectFailed)
		}
		c.metrics.reconnectExhausted()
		c.observers.reconnectFailed()
		return
	}

	c.state = StateDisconnected
	c.metrics.setState(StateDisconnected)
	next := c.rotator.Advance()
	delay := Backoff(c.cfg.ReconnectInterval, c.cfg.MaxBackoff, c.retryCount)
	c.retryCount++
	attempt := c.retryCount
	c.reconnectTimer = c.cfg.Clock.AfterFunc(delay, func() { c.reconnect(attempt) })
	c.mu.Unlock()

	// Make sure the old socket is really gone before a new one can open.
	if old != nil {
		old.Terminate()
	}
	c.logger.Warn("connection lost",
		zap.String("endpoint", endpoint),
		zap.Stringer("reason", reason),
		zap.String("next", next),
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt))
	c.observers.closed(reason)
}

func (c *Client) reconnect(attempt int) {
	c.mu.Lock()
	if c.closed || c.failed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	endpoint := c.rotator.Current()
	c.mu.Unlock()

	c.metrics.reconnectAttempt()
	c.logger.Info("reconnecting", zap.String("endpoint", endpoint), zap.Int("attempt", attempt))
	c.observers.reconnecting(attempt, endpoint)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failed {
		return
	}
	c.connectLocked()
}

func (c *Client) handleError(gen uint64, endpoint string, err error) {
	c.mu.Lock()
	stale := gen != c.gen
	c.mu.Unlock()
	if stale {
		return
	}
	c.logger.Warn("transport error", zap.String("endpoint", endpoint), zap.Error(err))
	c.observers.transportError(err)
}
