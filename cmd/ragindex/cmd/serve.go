package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/ragindex/internal/logging"
	"github.com/Aman-CERP/ragindex/internal/mcp"
	"github.com/Aman-CERP/ragindex/internal/server"
	"github.com/Aman-CERP/ragindex/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		transport string
		addr      string
		sources   []string
		exclude   []string
		replace   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index over MCP (stdio) or HTTP",
		Long: `Start a long-running server.

stdio speaks the Model Context Protocol on stdin/stdout; logs go to
~/.ragindex/logs/ only. http serves a JSON API under /api/v1, including
query statistics at /api/v1/metrics.

With --source, collections that are new or empty when opened are
populated from those directories.`,
		Example: `  ragindex serve
  ragindex serve --transport http --addr :8765 --source ./docs`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), transport, addr, sources, exclude, replace)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "stdio or http (default from config)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (default from config)")
	cmd.Flags().StringSliceVar(&sources, "source", nil, "Directories used to populate new or empty collections")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Glob patterns to skip in --source")
	cmd.Flags().BoolVar(&replace, "replace", true, "Delete a document's previous chunks when it is ingested again")

	return cmd
}

func runServe(ctx context.Context, transport, addr string, sources, exclude []string, replace bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if transport == "" {
		transport = cfg.Server.Transport
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}
	transport = strings.ToLower(transport)
	if transport != "stdio" && transport != "http" {
		return fmt.Errorf("unknown transport %q (supported: stdio, http)", transport)
	}

	// stdout belongs to JSON-RPC from here on.
	if transport == "stdio" {
		cleanup, err := logging.SetupMCPMode(cfg.Server.LogLevel, "")
		if err != nil {
			return fmt.Errorf("failed to setup logging: %w", err)
		}
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	so := sessionOptions{replace: replace, metrics: telemetry.NewQueryMetrics(telemetry.DefaultConfig())}
	if len(sources) > 0 {
		so.replay = directorySources(sources, exclude, "")
	}
	s, err := openSession(ctx, cfg, so)
	if err != nil {
		return err
	}
	defer s.Close()

	if transport == "stdio" {
		srv, err := mcp.NewServer(s.indexer)
		if err != nil {
			return err
		}
		if err := srv.Serve(ctx, "stdio"); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	srv := server.New(s.indexer, addr, server.WithLogger(slog.Default()))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "ragindex listening on %s (backend %s, collection %q)\n",
		addr, s.indexer.Backend().Type(), cfg.Index.Collection)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("http_shutdown_failed", slog.String("error", err.Error()))
	}
	return <-errCh
}
