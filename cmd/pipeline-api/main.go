package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"merch-rank/internal/api"
	"merch-rank/internal/api/handler"
	"merch-rank/internal/config"
	"merch-rank/internal/logging"
	"merch-rank/internal/metrics"
	"merch-rank/internal/pipeline"
	"merch-rank/internal/store"
	"merch-rank/pkg/router"
	"merch-rank/pkg/utils"

	"github.com/robfig/cron/v3"
)

// @title merch-rank API
// @version 1.0
// @description Runs the merchandising rank pipeline and serves its outputs.
// @BasePath /api/v1
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config (default $MERCH_RANK_CONFIG or ./merch-rank.yaml if present)")
	addr := flag.String("addr", "", "listen address (overrides listen_addr)")
	schedule := flag.String("schedule", "", "cron spec for periodic runs, e.g. \"0 */6 * * *\" (overrides schedule)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *schedule != "" {
		cfg.Schedule = *schedule
	}
	logging.Init(os.Stderr, cfg.LogLevel)

	// Init DB
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer db.Close()

	outputs := utils.NewOutputManager(cfg.OutputDir)
	if err := outputs.EnsureOutputDirExists(); err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	runner := &pipeline.Runner{
		Collector: pipeline.NewCollector(cfg.APIToken,
			pipeline.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
			pipeline.WithTimeout(utils.ParseDuration(cfg.HTTPTimeout, 0)),
			pipeline.WithMetrics(reg),
		),
		Ledger:  db,
		Metrics: reg,
	}
	h := &handler.RunHandler{
		Store:   db,
		Run:     runner.Run,
		Job:     cfg.Job(),
		Outputs: outputs,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var scheduler *cron.Cron
	if cfg.Schedule != "" {
		scheduler, err = newScheduler(cfg.Schedule, h)
		if err != nil {
			return err
		}
		scheduler.Start()
		logging.Info("⏰ Scheduler enabled", "schedule", cfg.Schedule)
	}

	// Create router
	r := router.New(logging.WithPrefix("http"))

	// Register API routes
	api.RegisterRoutes(r, h, reg)

	// Start server
	err = r.Start(ctx, cfg.ListenAddr)
	drain(scheduler, h)
	return err
}

func newScheduler(spec string, h *handler.RunHandler) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, scheduledRun(h)); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return c, nil
}

func scheduledRun(h *handler.RunHandler) func() {
	return func() {
		runID, err := h.StartRun(context.Background())
		if err != nil {
			logging.Warn("⏰ Scheduled run skipped", "err", err)
			return
		}
		logging.Info("⏰ Scheduled run started", "run", runID)
	}
}

// drain stops the scheduler and waits for its in-flight jobs, then waits for
// the active run. No run can start once drain returns.
func drain(c *cron.Cron, h *handler.RunHandler) {
	if c != nil {
		<-c.Stop().Done()
	}
	h.Wait()
}
