package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rivetr/rivetr/pkg/alerts"
	"github.com/rivetr/rivetr/pkg/backup"
	"github.com/rivetr/rivetr/pkg/cleanup"
	"github.com/rivetr/rivetr/pkg/collector"
	"github.com/rivetr/rivetr/pkg/config"
	"github.com/rivetr/rivetr/pkg/costs"
	"github.com/rivetr/rivetr/pkg/disk"
	"github.com/rivetr/rivetr/pkg/log"
	"github.com/rivetr/rivetr/pkg/metrics"
	"github.com/rivetr/rivetr/pkg/monitor"
	"github.com/rivetr/rivetr/pkg/notify"
	"github.com/rivetr/rivetr/pkg/runtime"
	"github.com/rivetr/rivetr/pkg/secrets"
	"github.com/rivetr/rivetr/pkg/store"
)

// Startup delays stagger the loops so the container engine and the
// store settle before background work begins.
const (
	monitorStartDelay   = 10 * time.Second
	collectorStartDelay = 10 * time.Second
	backupStartDelay    = 30 * time.Second
	costStartDelay      = 30 * time.Second
	cleanupStartDelay   = 60 * time.Second
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Rivetr control plane",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().String("config", "rivetr.yml", "Path to the configuration file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %v", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("server")
	logger.Info().Str("version", Version).Msg("Starting Rivetr")

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %v", err)
	}

	st, err := store.Open(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	rt, err := runtime.Detect(ctx, cfg.Runtime.RuntimeType, cfg.Runtime.DockerSocket)
	if err != nil {
		return fmt.Errorf("failed to select container runtime: %v", err)
	}
	logger.Info().Str("runtime", rt.Name()).Msg("Container runtime selected")

	compose, err := runtime.NewCompose(cfg.Server.DataDir, rt)
	if err != nil {
		logger.Warn().Err(err).Msg("Compose unavailable, service stacks disabled")
		compose = nil
	}

	sealer := secrets.New(cfg.Auth.EncryptionKey)
	if sealer == nil {
		logger.Warn().Msg("No encryption key configured, secrets are stored in plaintext")
	}

	dispatcher := notify.NewDispatcher(st, cfg.Notifications.QueueCapacity)
	dispatcher.Start()

	mon := monitor.NewMonitor(st, rt, compose, dispatcher, cfg.ContainerMonitor)

	// Parity between the store and the engine is restored before any
	// loop starts and before the API would accept work.
	if err := mon.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation failed: %v", err)
	}

	var stoppers []func()
	startAfter := func(delay time.Duration, start, stop func()) {
		timer := time.AfterFunc(delay, start)
		stoppers = append(stoppers, func() {
			if timer.Stop() {
				return // never started
			}
			stop()
		})
	}

	if cfg.ContainerMonitor.Enabled {
		startAfter(monitorStartDelay, mon.Start, mon.Stop)
	}
	if cfg.MetricsCollector.Enabled {
		coll := collector.NewCollector(st, rt, cfg.MetricsCollector)
		startAfter(collectorStartDelay, coll.Start, coll.Stop)

		eval := alerts.NewEvaluator(st, dispatcher,
			time.Duration(cfg.MetricsCollector.IntervalSecs)*time.Second, cfg.Server.ExternalURL)
		startAfter(collectorStartDelay, eval.Start, eval.Stop)
	}
	if cfg.Cost.Enabled {
		calc := costs.NewCalculator(st, cfg.Cost)
		startAfter(costStartDelay, calc.Start, calc.Stop)
	}
	if cfg.Cleanup.Enabled {
		cl := cleanup.NewCleaner(st, rt, cfg.Cleanup)
		startAfter(cleanupStartDelay, cl.Start, cl.Stop)
	}
	if cfg.DatabaseBackup.Enabled {
		sched := backup.NewScheduler(st, rt, sealer, dispatcher, cfg.Server.DataDir, cfg.DatabaseBackup)
		startAfter(backupStartDelay, sched.Start, sched.Stop)
	}
	if cfg.DiskMonitor.Enabled {
		dm := disk.NewMonitor(cfg.Server.DataDir, cfg.DiskMonitor)
		startAfter(0, dm.Start, dm.Stop)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.APIPort)
	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	// Loops stop before the dispatcher so no producer hits a closed
	// queue.
	for i := len(stoppers) - 1; i >= 0; i-- {
		stoppers[i]()
	}
	dispatcher.Stop()

	logger.Info().Msg("Shutdown complete")
	return nil
}
