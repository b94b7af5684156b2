package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"jsonrpc-ws/client"
	"jsonrpc-ws/config"
	"jsonrpc-ws/registry"
)

func callCmd(cfg *config.Config) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a method and print its result",
		Example: `  jsonrpc-ws call add '{"a":2,"b":3}' --endpoint ws://127.0.0.1:8080/rpc
  jsonrpc-ws call ping --etcd 127.0.0.1:2379 --wait 30s`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			var params any
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return errors.NotValidf("params %q", args[1])
				}
				params = json.RawMessage(args[1])
			}

			result, err := runCall(cmd.Context(), *cfg, args[0], params, wait)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringSliceVar(&cfg.Endpoints, "endpoint", cfg.Endpoints, "server URLs, tried in order")
	flags.DurationVar(&cfg.CallTimeout, "timeout", cfg.CallTimeout, "call timeout")
	flags.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "reconnect attempts before giving up; 0 retries forever")
	flags.DurationVar(&cfg.ReconnectInterval, "reconnect-interval", cfg.ReconnectInterval, "base reconnect backoff")
	flags.DurationVar(&wait, "wait", 0, "with --etcd, wait this long for the service to be advertised")
	return cmd
}

func runCall(ctx context.Context, cfg config.Config, method string, params any, wait time.Duration) (json.RawMessage, error) {
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}
	defer logger.Sync()

	endpoints := cfg.Endpoints
	if len(endpoints) == 0 {
		if len(cfg.EtcdEndpoints) == 0 {
			return nil, errors.New("no endpoints: pass --endpoint or --etcd")
		}
		reg, err := registry.NewEtcdRegistry(registry.EtcdConfig{Endpoints: cfg.EtcdEndpoints, Logger: logger})
		if err != nil {
			return nil, err
		}
		defer reg.Close()
		endpoints, err = discover(ctx, reg, cfg.Service, wait)
		if err != nil {
			return nil, err
		}
	}

	c, err := client.New(endpoints, client.Config{
		ReconnectInterval: cfg.ReconnectInterval,
		MaxBackoff:        cfg.MaxBackoff,
		MaxRetries:        cfg.MaxRetries,
		CallTimeout:       cfg.CallTimeout,
		MaxPending:        cfg.MaxPending,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var result json.RawMessage
	if err := c.Call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// discover lists the service once, or keeps watching for up to wait when wait is set.
func discover(ctx context.Context, reg registry.Registry, service string, wait time.Duration) ([]string, error) {
	if wait <= 0 {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return client.DiscoverEndpoints(ctx, reg, service)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return client.WaitForEndpoints(ctx, reg, service)
}
