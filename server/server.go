// Package server implements the answering side: a method registry and a dispatcher that
// serves JSON-RPC 2.0 over WebSocket connections.
//
// Request processing pipeline:
//
//	ServeHTTP → Upgrade → serveConn (one goroutine reads frames)
//	  → for each frame: go Dispatch (parallel processing)
//	    → ParseRequest (-32700 / -32600) → Middleware Chain → invoke (-32601 / handler) → WriteFrame
//
// Every frame gets exactly one response frame. Handler failures never close the connection.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"jsonrpc-ws/codec"
	"jsonrpc-ws/message"
	"jsonrpc-ws/middleware"
	"jsonrpc-ws/protocol"
	"jsonrpc-ws/registry"
	"jsonrpc-ws/transport"
)

const (
	ErrInvalidOptions = errors.ConstError("invalid server options")
	ErrServerClosed   = errors.ConstError("server closed")
)

// AnyPort as Options.Port lets the operating system pick a free port.
const AnyPort = -1

const (
	defaultHost = "0.0.0.0"
	defaultPath = "/"
)

// Handler serves one method. params is the request's params member, {} when absent. The
// returned value is marshalled as the result. Any error, a *message.Error included, is
// answered with -32603 and the error's text as message.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Typed adapts a function over concrete parameter and result types. Params that do not
// unmarshal into P fail the call like any other handler error.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, errors.Trace(err)
		}
		return fn(ctx, params)
	}
}

// Mounter is anything the server can attach its WebSocket endpoint to. *http.ServeMux and
// chi.Router both qualify.
type Mounter interface {
	Handle(pattern string, handler http.Handler)
}

// Options select how the server is reached: mounted at Path (default "/") on an existing
// Mux, or on its own listener at Host:Port. Exactly one of the two must be set.
type Options struct {
	Mux  Mounter
	Path string

	Port int
	// Host defaults to 0.0.0.0.
	Host string

	Transport transport.ServerOptions
	Logger    *zap.Logger
	Observer  Observer
}

func (o Options) validate() (Options, error) {
	mounted := o.Mux != nil || o.Path != ""
	standalone := o.Port != 0
	switch {
	case mounted && standalone:
		return o, errors.Annotate(ErrInvalidOptions, "both a mux and a port given")
	case !mounted && !standalone:
		return o, errors.Annotate(ErrInvalidOptions, "neither a mux nor a port given")
	case mounted && o.Mux == nil:
		return o, errors.Annotate(ErrInvalidOptions, "a path needs a mux")
	case standalone && (o.Port < AnyPort || o.Port > 65535):
		return o, errors.Annotatef(ErrInvalidOptions, "port %d out of range", o.Port)
	}
	if mounted && o.Path == "" {
		o.Path = defaultPath
	}
	if standalone && o.Host == "" {
		o.Host = defaultHost
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Observer == nil {
		o.Observer = ObserverFuncs{}
	}
	return o, nil
}

// Observer receives failures the dispatch path never returns to a caller.
type Observer interface {
	// SocketError reports a handler failure or a broken connection.
	SocketError(err error)
	// Error reports listener and upgrade failures.
	Error(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are ignored.
type ObserverFuncs struct {
	OnSocketError func(err error)
	OnError       func(err error)
}

func (f ObserverFuncs) SocketError(err error) {
	if f.OnSocketError != nil {
		f.OnSocketError(err)
	}
}

func (f ObserverFuncs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

type advertisement struct {
	reg     registry.Registry
	service string
	addr    string
}

// Server is safe for concurrent use. Methods may be registered while serving.
type Server struct {
	opts     Options
	logger   *zap.Logger
	observer Observer
	upgrader *transport.Upgrader

	mu          sync.RWMutex
	methods     map[string]Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	connMu   sync.Mutex
	conns    map[*transport.ServerConn]struct{}
	closed   bool
	listener net.Listener
	http     *http.Server
	adverts  []advertisement
	inflight sync.WaitGroup // requests being handled; Add only under connMu while open
	loops    sync.WaitGroup // connection read loops
}

func New(opts Options) (*Server, error) {
	opts, err := opts.validate()
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		logger:   opts.Logger,
		observer: opts.Observer,
		upgrader: transport.NewUpgrader(opts.Transport),
		methods:  make(map[string]Handler),
		conns:    make(map[*transport.ServerConn]struct{}),
	}
	s.buildChain()
	if opts.Mux != nil {
		opts.Mux.Handle(opts.Path, s)
	}
	return s, nil
}

// Register adds or replaces the handler for method.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = h
}

// RegisterService registers every exported method of rcvr with the signature
// func(*Args, *Reply) error as "Type.Method".
func (s *Server) RegisterService(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, mt := range svc.methods {
		s.methods[svc.name+"."+name] = svc.handler(mt)
	}
	s.logger.Debug("service registered", zap.String("service", svc.name), zap.Int("methods", len(svc.methods)))
	return nil
}

// Use appends a middleware. Middlewares run in the order added, around method lookup and
// the handler.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
	s.buildChainLocked()
}

func (s *Server) buildChain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildChainLocked()
}

// buildChainLocked wraps invoke in the user middlewares, with panic recovery outermost so a
// misbehaving middleware still yields a response.
func (s *Server) buildChainLocked() {
	chain := middleware.Chain(s.middlewares...)(s.invoke)
	s.handler = middleware.Recovery(s.logger)(chain)
}

// Dispatch runs one frame through the full pipeline and returns the encoded response.
func (s *Server) Dispatch(ctx context.Context, frame []byte) []byte {
	req, resp := protocol.ParseRequest(frame)
	if resp == nil {
		s.mu.RLock()
		handler := s.handler
		s.mu.RUnlock()
		resp = handler(ctx, req)
	}

	data, err := codec.EncodeResponse(resp)
	if err != nil {
		s.observer.SocketError(errors.Annotate(err, "encoding response"))
		data, _ = codec.EncodeError(resp.ID, message.ErrInternal(err.Error()))
	}
	return data
}

// invoke is the innermost handler: lookup, call, result encoding.
func (s *Server) invoke(ctx context.Context, req *message.Request) *message.Response {
	s.mu.RLock()
	h, ok := s.methods[req.Method]
	s.mu.RUnlock()
	if !ok {
		return message.NewErrorResponse(req.ID, message.ErrMethodNotFound(req.Method))
	}

	result, err := callHandler(ctx, h, req.Params)
	if err != nil {
		s.observer.SocketError(errors.Annotatef(err, "method %s", req.Method))
		return message.NewErrorResponse(req.ID, toRPCError(err))
	}

	raw, err := marshalResult(result)
	if err != nil {
		err = errors.Annotatef(err, "encoding %s result", req.Method)
		s.observer.SocketError(err)
		return message.NewErrorResponse(req.ID, message.ErrInternal(err.Error()))
	}
	return &message.Response{JSONRPC: message.Version, Result: raw, ID: req.ID}
}

func callHandler(ctx context.Context, h Handler, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}

// toRPCError reduces every handler failure to -32603 carrying only its description.
func toRPCError(err error) *message.Error {
	return message.ErrInternal(err.Error())
}

func marshalResult(result any) (json.RawMessage, error) {
	switch v := result.(type) {
	case nil:
		return message.NullID, nil
	case json.RawMessage:
		if len(v) == 0 {
			return message.NullID, nil
		}
		return v, nil
	}
	return json.Marshal(result)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.observer.Error(err)
		return
	}
	s.serveConn(conn)
}

// serveConn reads frames sequentially but handles each one on its own goroutine, so a slow
// handler never holds up the requests behind it. WriteFrame serializes the responses.
func (s *Server) serveConn(conn *transport.ServerConn) {
	if !s.track(conn) {
		conn.Close(1001, "server shutting down")
		return
	}
	defer s.untrack(conn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("connection opened", zap.String("remote", remote))
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if !transport.IsExpectedClose(err) && !s.isClosed() {
				s.observer.SocketError(errors.Annotatef(err, "reading from %s", remote))
			}
			s.logger.Debug("connection closed", zap.String("remote", remote), zap.Error(err))
			return
		}

		if !s.acquire() {
			s.reply(conn, rejectShutdown(frame))
			continue
		}
		go func() {
			defer s.inflight.Done()
			s.reply(conn, s.Dispatch(ctx, frame))
		}()
	}
}

func (s *Server) reply(conn *transport.ServerConn, data []byte) {
	if err := conn.WriteFrame(data); err != nil {
		s.observer.SocketError(errors.Annotatef(err, "writing to %s", conn.RemoteAddr()))
	}
}

// rejectShutdown answers a frame that arrived after Shutdown started.
func rejectShutdown(frame []byte) []byte {
	req, resp := protocol.ParseRequest(frame)
	if resp == nil {
		resp = message.NewErrorResponse(req.ID, message.ErrInternal("server is shutting down"))
	}
	data, _ := codec.EncodeResponse(resp)
	return data
}

func (s *Server) track(conn *transport.ServerConn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.loops.Add(1)
	return true
}

func (s *Server) untrack(conn *transport.ServerConn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	conn.Terminate()
	s.loops.Done()
}

func (s *Server) acquire() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) isClosed() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.closed
}

// Listen binds Host:Port. It is only valid for a server created with a port.
func (s *Server) Listen() (net.Addr, error) {
	if s.opts.Mux != nil {
		return nil, errors.Annotate(ErrInvalidOptions, "mounted servers do not listen")
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	port := s.opts.Port
	if port == AnyPort {
		port = 0
	}
	l, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(port)))
	if err != nil {
		s.observer.Error(err)
		return nil, errors.Annotatef(err, "listening on %s:%d", s.opts.Host, port)
	}
	s.listener = l
	s.http = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	return l.Addr(), nil
}

// Serve accepts connections until Shutdown, listening first if needed. It returns nil after
// Shutdown.
func (s *Server) Serve() error {
	if _, err := s.Listen(); err != nil {
		return err
	}
	s.connMu.Lock()
	srv, l := s.http, s.listener
	s.connMu.Unlock()

	s.logger.Info("serving", zap.Stringer("addr", l.Addr()))
	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	s.observer.Error(err)
	return errors.Trace(err)
}

// Advertise registers url under service in reg; Shutdown deregisters it.
func (s *Server) Advertise(ctx context.Context, reg registry.Registry, service, url string, ttl int64) error {
	if err := reg.Register(ctx, service, registry.ServiceInstance{Addr: url}, ttl); err != nil {
		return errors.Annotatef(err, "advertising %s", service)
	}
	s.connMu.Lock()
	s.adverts = append(s.adverts, advertisement{reg: reg, service: service, addr: url})
	s.connMu.Unlock()
	return nil
}

// Shutdown stops the server gracefully:
//  1. deregister advertisements, so clients stop discovering this server
//  2. stop accepting connections; frames still arriving are answered with -32603
//  3. wait for in-flight requests, bounded by ctx
//  4. close every connection with 1001 (going away)
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	if s.closed {
		s.connMu.Unlock()
		return nil
	}
	s.closed = true
	adverts := s.adverts
	s.adverts = nil
	srv, l := s.http, s.listener
	s.connMu.Unlock()

	var errs []error
	for _, ad := range adverts {
		if err := ad.reg.Deregister(ctx, ad.service, ad.addr); err != nil {
			errs = append(errs, err)
		}
	}
	if srv != nil {
		// Hijacked WebSocket connections are not tracked by http.Server; this only stops the
		// listener and idle HTTP connections.
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		// Serve may never have run; the listener is ours to release either way.
		l.Close()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, errors.Annotate(ctx.Err(), "waiting for in-flight requests"))
	}

	s.connMu.Lock()
	conns := make([]*transport.ServerConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connMu.Unlock()
	for _, conn := range conns {
		conn.Close(1001, "server shutting down")
	}
	s.loops.Wait()

	s.logger.Info("server stopped", zap.Int("connections", len(conns)))
	if len(errs) > 0 {
		return errors.Annotatef(errs[0], "shutdown (%d errors)", len(errs))
	}
	return nil
}
