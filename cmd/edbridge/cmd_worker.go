package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"edbridge/pkg/config"
	"edbridge/pkg/jobs"
	"edbridge/pkg/logging"
	"edbridge/pkg/protocol"
	"edbridge/pkg/worker"
)

// newWorkerCmd creates the "edbridge worker" subcommand.
func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var instanceID string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a demo worker agent",
		Long: `Connects to the host and keeps reconnecting with backoff. Serves the echo and
sleep tools and a canned test suite for submit_job.

Editing "port" in the config file moves the worker to the new port; if the
host is not reachable there, the previous port is restored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runWorker(ctx, cfg, opts.configPath, instanceID, logger)
		},
	}

	cmd.Flags().StringVar(&instanceID, "id", "", "worker instance id (default: random)")

	return cmd
}

// runWorker serves the demo agent until ctx is done.
func runWorker(ctx context.Context, cfg config.Config, configPath, instanceID string, logger *zap.Logger) error {
	exec := jobs.NewExecutor(demoRunner(), cfg.JobSettings(), logger)
	defer exec.Close()

	agent := worker.NewAgent(worker.AgentConfig{InstanceID: instanceID, Port: cfg.Port}, exec, logger)
	if err := registerDemoTools(agent); err != nil {
		return err
	}

	var dial worker.Dialer
	if cfg.WorkerSocket != "" {
		dial = worker.UnixDialer(cfg.WorkerSocket)
	} else {
		dial = worker.WSDialer(cfg.Host, cfg.Path)
	}
	mgr := worker.NewManager(cfg.ManagerSettings(), dial, agent.Serve, logger)

	if err := agent.SetState(ctx, protocol.WorkerReady); err != nil {
		return fmt.Errorf("set worker state: %w", err)
	}

	if configPath != "" && cfg.WorkerSocket == "" {
		go watchPort(ctx, configPath, agent, mgr, logger)
	}

	logger.Info("worker starting", zap.String("instance", agent.InstanceID()), zap.Int("port", cfg.Port))
	err := mgr.Run(ctx)
	agent.Wait()
	return err
}

// watchPort applies port edits from the config file to the reconnect loop.
func watchPort(ctx context.Context, path string, agent *worker.Agent, mgr *worker.Manager, logger *zap.Logger) {
	if _, err := os.Stat(path); err != nil {
		logger.Debug("config file not watched", zap.String("path", path), zap.Error(err))
		return
	}
	changes := make(chan int, 1)
	go func() {
		err := config.Watch(ctx, path, logger, func(next config.Config) {
			select {
			case <-changes:
			default:
			}
			changes <- next.Port
		})
		if err != nil {
			logger.Warn("config watch stopped", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case port := <-changes:
			if port == mgr.DesiredPort() {
				continue
			}
			agent.SetPort(port)
			res, err := mgr.ApplyPortChange(ctx, port)
			if err != nil {
				logger.Warn("port change rejected", zap.Int("port", port), zap.Error(err))
				agent.SetPort(mgr.DesiredPort())
				continue
			}
			agent.SetPort(res.Port)
			logger.Info("port change finished", zap.String("outcome", string(res.Outcome)),
				zap.Int("port", res.Port), zap.String("message", res.Message))
		}
	}
}

// registerDemoTools adds the tools the demo worker serves.
func registerDemoTools(agent *worker.Agent) error {
	echo := func(_ context.Context, params json.RawMessage) (any, error) {
		if len(params) == 0 {
			return map[string]any{}, nil
		}
		return params, nil
	}
	sleep := func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			MS int `json:"ms"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, protocol.Errorf(protocol.CodeInvalidParams, "sleep params: %v", err)
			}
		}
		if p.MS < 0 {
			return nil, protocol.Errorf(protocol.CodeInvalidParams, "ms must not be negative")
		}
		timer := time.NewTimer(time.Duration(p.MS) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
			return map[string]int{"slept_ms": p.MS}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return errors.Join(agent.Handle("echo", echo), agent.Handle("sleep", sleep))
}

// demoRunner is a canned suite: edit mode passes, play mode has one failure.
func demoRunner() *jobs.StaticRunner {
	return &jobs.StaticRunner{
		Delay: 200 * time.Millisecond,
		Results: map[string]jobs.Summary{
			"edit": {Total: 4, Passed: 4},
			"play": {
				Total: 3, Passed: 2, Failed: 1,
				FailedTests: []jobs.FailedTest{{
					Name:    "PlayerSpawn_RespawnsAfterDeath",
					Suite:   "Gameplay",
					Message: "expected respawn within 3s",
				}},
			},
		},
	}
}
