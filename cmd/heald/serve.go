package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/heald/internal/agent"
	"github.com/fyrsmithlabs/heald/internal/bus"
	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/deploy"
	"github.com/fyrsmithlabs/heald/internal/detector"
	"github.com/fyrsmithlabs/heald/internal/fixer"
	healdhttp "github.com/fyrsmithlabs/heald/internal/http"
	"github.com/fyrsmithlabs/heald/internal/logging"
	"github.com/fyrsmithlabs/heald/internal/store"
)

// heartbeatInterval is how often the daemon publishes a liveness event.
const heartbeatInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remediation daemon",
	Long: `Start the full daemon: log monitor, fix orchestrator, event bus and
the operational HTTP API. Runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting heald",
		zap.String("version", version),
		zap.String("log_file", cfg.Monitor.LogFile),
		zap.String("store", cfg.Store.Path),
	)

	st, err := store.Open(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	b := bus.New(logger.Named("bus"), bus.WithHistorySize(cfg.Bus.HistorySize))

	if cfg.Bus.NATSURL != "" {
		forwarder, err := bus.NewForwarder(b, cfg.Bus.NATSURL, cfg.Bus.NATSSubjectPrefix, logger.Named("forwarder"))
		if err != nil {
			return fmt.Errorf("failed to start event forwarder: %w", err)
		}
		defer forwarder.Close()
	}

	det, err := detector.New(cfg.Monitor, st, b, logger.Named("detector"))
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	var watcher *detector.PatternWatcher
	if cfg.Monitor.PatternsFile != "" {
		watcher, err = detector.WatchPatterns(det, cfg.Monitor.PatternsFile, logger.Named("patterns"))
		if err != nil {
			return fmt.Errorf("failed to watch pattern table: %w", err)
		}
		defer watcher.Close()
	}

	invoker, err := agent.NewInvoker(cfg.Agent, logger.Named("agent"))
	if err != nil {
		return fmt.Errorf("failed to create agent invoker: %w", err)
	}

	controller, err := deploy.NewController(cfg.Service, logger.Named("deploy"))
	if err != nil {
		return fmt.Errorf("failed to create service controller: %w", err)
	}

	orch, err := fixer.New(cfg, st, invoker, controller, b, logger.Named("fixer"))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := healdhttp.NewServer(st, orch, det, b, logger.Named("http"), cfg.HTTP)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if err := det.Start(); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}
	defer det.Stop()

	if err := orch.Start(); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	defer orch.Stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	stopHeartbeat := startHeartbeat(b, det, orch)
	defer stopHeartbeat()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}

	logger.Info("heald shutdown complete")
	return nil
}

// startHeartbeat publishes a periodic liveness event with component states.
func startHeartbeat(b *bus.Bus, det *detector.Detector, orch *fixer.Orchestrator) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.Emit(bus.EventHeartbeat, map[string]interface{}{
					"monitor_running": det.Running(),
					"fixer_running":   orch.Running(),
					"current_fix":     orch.CurrentFix(),
				}, "heald")
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}
