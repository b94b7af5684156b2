package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
	closeGracePeriod        = time.Second
)

// Options are the transport-level dial options. The client passes them through without
// looking at them.
type Options struct {
	HandshakeTimeout time.Duration
	Header           http.Header
	TLSClientConfig  *tls.Config
	Subprotocols     []string
	Proxy            func(*http.Request) (*url.URL, error)
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// PingInterval is the heartbeat period; a negative value disables heartbeats.
	PingInterval time.Duration
	// ReadLimit caps the size of an incoming frame; 0 means no limit.
	ReadLimit int64
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval == 0 {
		o.PingInterval = defaultPingInterval
	}
	return o
}

// WSDialer dials gorilla/websocket connections.
type WSDialer struct {
	opts   Options
	dialer *websocket.Dialer
	logger *zap.Logger
}

func NewWSDialer(opts Options, logger *zap.Logger) *WSDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &WSDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            opts.Proxy,
			HandshakeTimeout: opts.HandshakeTimeout,
			TLSClientConfig:  opts.TLSClientConfig,
			Subprotocols:     opts.Subprotocols,
		},
		logger: logger,
	}
}

// Dial starts connecting in the background and returns immediately.
func (d *WSDialer) Dial(endpoint string, ev Events) Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		endpoint:   endpoint,
		events:     ev,
		opts:       d.opts,
		logger:     d.logger.With(zap.String("endpoint", endpoint)),
		cancelDial: cancel,
		done:       make(chan struct{}),
	}
	go c.run(ctx, d.dialer)
	return c
}

type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

// wsConn is one client connection attempt and, once open, the live socket.
type wsConn struct {
	endpoint string
	events   Events
	opts     Options
	logger   *zap.Logger

	mu         sync.Mutex // guards state and conn
	state      connState
	conn       *websocket.Conn
	cancelDial context.CancelFunc

	writeMu   sync.Mutex // frames from concurrent senders must not interleave
	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) run(ctx context.Context, dialer *websocket.Dialer) {
	ws, _, err := dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if err != nil {
		c.mu.Lock()
		aborted := c.state == stateClosed
		c.mu.Unlock()
		if !aborted {
			c.events.error(err)
		}
		c.fireClose(CloseReason{Code: websocket.CloseAbnormalClosure, Text: err.Error(), Err: err})
		return
	}

	c.mu.Lock()
	if c.state != stateConnecting {
		// Closed or terminated while the handshake was in flight.
		c.mu.Unlock()
		ws.Close()
		c.fireClose(CloseReason{Code: websocket.CloseNormalClosure, Text: "closed before open"})
		return
	}
	c.conn = ws
	c.state = stateOpen
	c.mu.Unlock()

	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline(ws)
		return nil
	})

	c.logger.Debug("websocket open")
	c.events.open()

	if c.opts.PingInterval > 0 {
		go c.heartbeatLoop(ws)
	}
	c.readLoop(ws)
}

// readLoop delivers text frames until the socket fails, then reports the close.
func (c *wsConn) readLoop(ws *websocket.Conn) {
	defer ws.Close()
	for {
		c.extendReadDeadline(ws)
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			reason := reasonFromError(err)
			c.mu.Lock()
			wanted := c.state == stateClosing || c.state == stateClosed
			c.mu.Unlock()
			if !wanted && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.events.error(err)
			}
			c.fireClose(reason)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.events.message(data)
	}
}

// heartbeatLoop pings the peer so that a dead connection is noticed by the read deadline.
func (c *wsConn) heartbeatLoop(ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) extendReadDeadline(ws *websocket.Conn) {
	if c.opts.PingInterval <= 0 {
		return
	}
	ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return ErrNotOpen
	}
	ws := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Annotatef(err, "writing to %s", c.endpoint)
	}
	return nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	switch c.state {
	case stateConnecting:
		c.state = stateClosed
		c.mu.Unlock()
		c.cancelDial()
		return nil
	case stateOpen:
		c.state = stateClosing
		ws := c.conn
		c.mu.Unlock()

		c.writeMu.Lock()
		err := ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()
		// The peer echoes the close frame; don't wait on it forever.
		ws.SetReadDeadline(time.Now().Add(closeGracePeriod))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			ws.Close()
			return errors.Annotate(err, "sending close frame")
		}
		return nil
	default:
		c.mu.Unlock()
		return nil
	}
}

func (c *wsConn) Terminate() error {
	c.mu.Lock()
	prev := c.state
	c.state = stateClosed
	ws := c.conn
	c.mu.Unlock()

	c.cancelDial()
	if prev == stateClosed {
		return nil
	}
	var err error
	if ws != nil {
		err = ws.Close()
	}
	c.fireClose(CloseReason{Code: websocket.CloseAbnormalClosure, Text: "terminated"})
	return err
}

func (c *wsConn) fireClose(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		c.mu.Unlock()
		c.cancelDial()
		close(c.done)
		c.logger.Debug("websocket closed", zap.Int("code", reason.Code), zap.String("reason", reason.Text))
		c.events.close(reason)
	})
}

func reasonFromError(err error) CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseReason{Code: ce.Code, Text: ce.Text, Err: err}
	}
	return CloseReason{Code: websocket.CloseAbnormalClosure, Text: err.Error(), Err: err}
}
