package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"edbridge/pkg/bridge"
	"edbridge/pkg/config"
	"edbridge/pkg/control"
	"edbridge/pkg/eventlog"
	"edbridge/pkg/logging"
	"edbridge/pkg/toolcall"
)

// shutdownTimeout bounds host shutdown after a signal.
const shutdownTimeout = 10 * time.Second

// untilShutdown waits on the worker with no deadline of its own.
const untilShutdown = time.Duration(math.MaxInt64)

// newServeCmd creates the "edbridge serve" subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var noEvents bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host bridge",
		Long: `Starts the host: a websocket endpoint (and optional unix socket) that the
worker connects to, and a control socket that tool calls arrive on.

Runs until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if noEvents {
				cfg.EventDB = ""
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			out := cmd.OutOrStdout()
			return runServe(ctx, newStartupLog(out, isTerminal(out)), cfg, logger)
		},
	}

	cmd.Flags().BoolVar(&noEvents, "no-events", false, "do not record lifecycle events")

	return cmd
}

// runServe runs the host until ctx is done.
func runServe(ctx context.Context, progress *startupLog, cfg config.Config, logger *zap.Logger) error {
	var rec bridge.Recorder
	if cfg.EventDB != "" {
		events, err := eventlog.Open(cfg.EventDB)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer func() { _ = events.Close() }()
		rec = events
		progress.Step("Event log %s", cfg.EventDB)
	}

	b := bridge.New(cfg.BridgeSettings(), logger, rec)
	srv := bridge.NewServer(b, cfg.ServerSettings(), logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	if url := srv.URL(); url != "" {
		progress.Step("Worker endpoint %s", url)
	}
	if cfg.WorkerSocket != "" {
		progress.Step("Worker socket %s", cfg.WorkerSocket)
	}

	ctl, err := startControl(cfg.ControlSocket, toolcall.New(b, logger), logger)
	if err != nil {
		_ = closeHost(srv, nil)
		return err
	}
	progress.Step("Control socket %s", cfg.ControlSocket)

	done := progress.Wait("Waiting for worker")
	go func() {
		done(b.State().WaitUntilWorkerReady(ctx, untilShutdown))
	}()

	<-ctx.Done()
	done(false)
	logger.Info("shutting down")
	return closeHost(srv, ctl)
}

func startControl(path string, caller control.Caller, logger *zap.Logger) (*control.Server, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create control socket dir: %w", err)
	}
	ctl := control.NewServer(path, caller, logger)
	if err := ctl.Start(); err != nil {
		return nil, err
	}
	return ctl, nil
}

// closeHost stops the control socket first so no new calls arrive while the
// bridge fails pending work.
func closeHost(srv *bridge.Server, ctl *control.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ctl != nil {
		if err := ctl.Close(); err != nil {
			return err
		}
	}
	if err := srv.Close(ctx); err != nil {
		return fmt.Errorf("close host: %w", err)
	}
	return nil
}
