package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"jsonrpc-ws/config"
	"jsonrpc-ws/middleware"
	"jsonrpc-ws/registry"
	"jsonrpc-ws/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a JSON-RPC server with the built-in methods",
		Long: `Run a JSON-RPC server. Built-in methods:

  ping          returns "pong"
  echo          returns its params
  add           {"a":x,"b":y} returns x+y
  Arith.Add     {"A":x,"B":y} returns {"Result":x+y}
  Arith.Mul     {"A":x,"B":y} returns {"Result":x*y}

The Prometheus metrics endpoint is served next to the WebSocket path.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flags.StringVar(&cfg.Path, "path", cfg.Path, "WebSocket path")
	flags.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "Prometheus path; empty disables")
	flags.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "requests per second; 0 disables")
	flags.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "rate limit burst")
	flags.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "per-request handler timeout; 0 disables")
	flags.StringVar(&cfg.AdvertiseURL, "advertise", cfg.AdvertiseURL, "URL registered in etcd (default ws://<host>:<port><path>)")
	flags.Int64Var(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "registry lease TTL in seconds")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	r := chi.NewRouter()
	r.Use(chimw.RealIP, chimw.Recoverer)
	if cfg.MetricsPath != "" {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	svr, err := server.New(server.Options{
		Mux:    r,
		Path:   cfg.Path,
		Logger: logger,
		Observer: server.ObserverFuncs{
			OnSocketError: func(err error) { logger.Warn("socket error", zap.Error(err)) },
			OnError:       func(err error) { logger.Error("server error", zap.Error(err)) },
		},
	})
	if err != nil {
		return err
	}
	svr.Use(middleware.Tracing())
	svr.Use(middleware.Metrics())
	svr.Use(middleware.Logging(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.RequestTimeout > 0 {
		svr.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if err := registerBuiltins(svr); err != nil {
		return err
	}

	l, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return errors.Annotate(err, "listen")
	}
	httpSrv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan error, 1)
	go func() { served <- httpSrv.Serve(l) }()
	logger.Info("listening", zap.Stringer("addr", l.Addr()), zap.String("path", cfg.Path))

	var reg *registry.EtcdRegistry
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err = registry.NewEtcdRegistry(registry.EtcdConfig{Endpoints: cfg.EtcdEndpoints, Logger: logger})
		if err != nil {
			return err
		}
		defer reg.Close()
		url := cfg.AdvertiseURL
		if url == "" {
			url = fmt.Sprintf("ws://%s%s", advertiseHost(cfg.Host, l.Addr()), cfg.Path)
		}
		if err := svr.Advertise(ctx, reg, cfg.Service, url, cfg.LeaseTTL); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
	case err := <-served:
		return errors.Annotate(err, "http server")
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown", zap.Error(err))
	}
	return httpSrv.Shutdown(shutdownCtx)
}

// advertiseHost replaces a wildcard listen host with a loopback address.
func advertiseHost(host string, addr net.Addr) string {
	_, port, _ := net.SplitHostPort(addr.String())
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

type addParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

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

func (a *Arith) Mul(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

func registerBuiltins(svr *server.Server) error {
	svr.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	svr.Register("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		return params, nil
	})
	svr.Register("add", server.Typed(func(_ context.Context, p addParams) (float64, error) {
		return p.A + p.B, nil
	}))
	return svr.RegisterService(&Arith{})
}
