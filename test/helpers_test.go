package test

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"jsonrpc-ws/client"
	"jsonrpc-ws/server"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

// startServer serves Arith and "add" on a free loopback port and returns its URL.
func startServer(tb testing.TB, name string) (*server.Server, string) {
	return serveOn(tb, name, server.AnyPort)
}

// startServerAt serves on a fixed loopback address such as one returned by unusedURL.
func startServerAt(tb testing.TB, addr string) *server.Server {
	tb.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		tb.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		tb.Fatal(err)
	}
	svr, _ := serveOn(tb, addr, port)
	return svr
}

func serveOn(tb testing.TB, name string, port int) (*server.Server, string) {
	tb.Helper()
	svr, err := server.New(server.Options{Port: port, Host: "127.0.0.1"})
	if err != nil {
		tb.Fatal(err)
	}
	if err := svr.RegisterService(&Arith{}); err != nil {
		tb.Fatal(err)
	}
	svr.Register("add", server.Typed(func(_ context.Context, p addParams) (int, error) {
		return p.A + p.B, nil
	}))
	svr.Register("whoami", func(context.Context, json.RawMessage) (any, error) {
		return name, nil
	})

	addr, err := svr.Listen()
	if err != nil {
		tb.Fatal(err)
	}
	go svr.Serve()
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return svr, "ws://" + addr.String() + "/rpc"
}

func newClient(tb testing.TB, endpoints []string, cfg client.Config, observers ...client.Observer) *client.Client {
	tb.Helper()
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	cli, err := client.New(endpoints, cfg, observers...)
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() { cli.Close() })
	return cli
}

// unusedAddr returns a loopback address nothing listens on.
func unusedAddr(tb testing.TB) string {
	tb.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
