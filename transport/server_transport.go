package transport

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// ServerOptions configure the accepting side.
type ServerOptions struct {
	// CheckOrigin overrides gorilla's same-origin check when non-nil.
	CheckOrigin       func(r *http.Request) bool
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	WriteTimeout      time.Duration
	// PingInterval is the heartbeat period; a negative value disables heartbeats.
	PingInterval time.Duration
	ReadLimit    int64
}

// Upgrader turns HTTP requests into ServerConns.
type Upgrader struct {
	upgrader websocket.Upgrader
	opts     ServerOptions
}

func NewUpgrader(opts ServerOptions) *Upgrader {
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = defaultPingInterval
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			CheckOrigin:       opts.CheckOrigin,
			EnableCompression: opts.EnableCompression,
		},
		opts: opts,
	}
}

// Upgrade completes the WebSocket handshake. On failure gorilla has already written an
// HTTP error response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*ServerConn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Annotate(err, "websocket upgrade")
	}
	c := &ServerConn{
		conn: ws,
		opts: u.opts,
		done: make(chan struct{}),
	}
	if u.opts.ReadLimit > 0 {
		ws.SetReadLimit(u.opts.ReadLimit)
	}
	ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	if u.opts.PingInterval > 0 {
		go c.heartbeatLoop()
	}
	return c, nil
}

// ServerConn is one accepted connection. ReadFrame must be called from a single goroutine;
// WriteFrame is safe for concurrent use.
type ServerConn struct {
	conn      *websocket.Conn
	opts      ServerOptions
	writeMu   sync.Mutex // per-connection write lock shared by all in-flight requests
	closeOnce sync.Once
	done      chan struct{}
}

// ReadFrame returns the next text frame. Binary frames are skipped.
func (c *ServerConn) ReadFrame() ([]byte, error) {
	for {
		c.extendReadDeadline()
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *ServerConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with the given code and releases the socket.
func (c *ServerConn) Close(code int, text string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(c.opts.WriteTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Terminate drops the socket without a close frame.
func (c *ServerConn) Terminate() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *ServerConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// IsExpectedClose reports whether a ReadFrame error is an ordinary disconnect rather than a
// failure worth reporting.
func IsExpectedClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func (c *ServerConn) heartbeatLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *ServerConn) extendReadDeadline() {
	if c.opts.PingInterval <= 0 {
		return
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
}
