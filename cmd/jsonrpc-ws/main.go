package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"jsonrpc-ws/config"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	rootCmd := newRootCmd(&cfg)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jsonrpc-ws",
		Short: "JSON-RPC 2.0 over WebSocket",
		Long: `jsonrpc-ws serves and calls JSON-RPC 2.0 methods over WebSocket.

Settings come from .env, then JSONRPCWS_* environment variables, then flags.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flags.BoolVar(&cfg.LogDevelopment, "log-dev", cfg.LogDevelopment, "human-readable console logs")
	flags.StringSliceVar(&cfg.EtcdEndpoints, "etcd", cfg.EtcdEndpoints, "etcd endpoints for discovery")
	flags.StringVar(&cfg.Service, "service", cfg.Service, "service name in the registry")

	rootCmd.AddCommand(
		serveCmd(cfg),
		callCmd(cfg),
	)
	return rootCmd
}
