package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"merch-rank/internal/config"
	"merch-rank/internal/logging"
	"merch-rank/internal/pipeline"
	"merch-rank/internal/store"
	"merch-rank/pkg/utils"

	"github.com/google/uuid"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to the YAML config (default $MERCH_RANK_CONFIG or ./merch-rank.yaml if present)")
	outDir := flag.String("out", "", "output directory (overrides output_dir)")
	useLedger := flag.Bool("ledger", true, "record the run in the SQLite ledger")
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
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	logging.Init(os.Stderr, cfg.LogLevel)

	job := cfg.Job()
	collector := pipeline.NewCollector(cfg.APIToken,
		pipeline.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
		pipeline.WithTimeout(utils.ParseDuration(cfg.HTTPTimeout, 0)),
	)
	runner := &pipeline.Runner{Collector: collector}

	runID := uuid.New().String()
	if *useLedger {
		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer db.Close()
		if err := db.SaveRun(context.Background(), runID, job); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		runner.Ledger = db
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runner.Run(ctx, runID, job, cfg.OutputDir)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Ranked %d products into %d records across %d files in %s\n",
		res.Visible, res.Records(), len(res.Exports), cfg.OutputDir)
	return nil
}
