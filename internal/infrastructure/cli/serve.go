package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opmcp/opmcp/internal/infrastructure/config"
	"github.com/opmcp/opmcp/internal/infrastructure/wiring"
)

var (
	serveTransport string
	serveAddr      string
	serveConfig    string
	serveDebug     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OpenProject MCP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(serveConfig)
		if err != nil {
			return err
		}
		// Flags set on the command line win over env and file.
		if cmd.Flags().Changed("transport") {
			cfg.Transport = serveTransport
		}
		if cmd.Flags().Changed("addr") {
			cfg.Addr = serveAddr
		}
		if cmd.Flags().Changed("debug") {
			cfg.Debug = serveDebug
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := wiring.NewLogger(cfg.Debug)
		server, err := wiring.BuildServer(cfg, Version, logger)
		if err != nil {
			return err
		}
		defer server.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "Transport to use (stdio, http, sse, ws)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Address for http/sse/ws transports")
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "Path to a YAML config file")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	RootCmd.AddCommand(serveCmd)
}
