package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"merch-rank/internal/logging"
	"merch-rank/internal/metrics"
	"merch-rank/internal/model"
	"merch-rank/pkg/utils"

	"golang.org/x/sync/errgroup"
)

// DefaultJobTimeout bounds a run when the job sets none.
const DefaultJobTimeout = 10 * time.Minute

// ------------------- Pipeline Runner -------------------

// Runner executes one batch pass: collect, accrue, derive, rank, export.
// Ledger and Metrics are optional.
type Runner struct {
	Collector *Collector
	Ledger    RunLedger
	Metrics   *metrics.Registry
}

// RunResult summarises a finished run.
type RunResult struct {
	RunID    string               `json:"run_id"`
	Products int                  `json:"products"`
	Visible  int                  `json:"visible"`
	Orders   int                  `json:"orders"`
	Stats    AccrualStats         `json:"accrual"`
	Rankings []*Ranking           `json:"-"`
	Exports  []model.ExportResult `json:"exports"`
	Duration time.Duration        `json:"duration"`
}

// Records is the number of ranked rows written across all rankings.
func (r *RunResult) Records() int {
	n := 0
	for _, rk := range r.Rankings {
		n += rk.Len()
	}
	return n
}

// Run executes the job and writes every ranking below outDir. Fatal errors
// before the export stage leave outDir untouched; the export stage renders all
// rankings before writing the first file.
func (rn *Runner) Run(ctx context.Context, runID string, job model.PipelineJobSpec, outDir string) (res *RunResult, err error) {
	tracker := NewRunTracker(runID, rn.Ledger)
	// ledger writes must outlive a cancelled or timed-out run
	auditCtx := context.WithoutCancel(ctx)
	logging.Info(fmt.Sprintf("🚀 Starting pipeline for run: %s", runID))
	tracker.SetStatus(auditCtx, model.RunStatusRunning)

	defer func() {
		status := model.RunStatusCompleted
		if err != nil {
			status = model.RunStatusFailed
		}
		tracker.SetStatus(auditCtx, status)
		rn.Metrics.RunFinished(status, tracker.Elapsed().Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, utils.ParseDuration(job.Concurrency.JobTimeout, DefaultJobTimeout))
	defer cancel()

	// --- INGESTION STAGE ---
	tracker.StartStage(auditCtx, model.StageIngestion)
	products, orders, ratings, err := rn.collect(ctx, job)
	if err != nil {
		tracker.FailStage(auditCtx, model.StageIngestion, err)
		return nil, err
	}
	tracker.SetCounts(auditCtx, len(products), len(orders))
	tracker.EndStage(auditCtx, model.StageIngestion, int64(len(products)+len(orders)))

	// --- ACCRUAL STAGE ---
	tracker.StartStage(auditCtx, model.StageAccrual)
	ix := NewKeyIndex(job.KeyMode, products)
	ledger, stats := AccrueSales(orders, ix)
	rn.Metrics.OrdersSkipped(stats.OrdersExcluded)
	rn.Metrics.LineItemsDropped("unresolved", stats.LineItemsUnresolved)
	rn.Metrics.LineItemsDropped("invalid", stats.LineItemsInvalid)
	tracker.EndStage(auditCtx, model.StageAccrual, int64(stats.LineItemsApplied))

	// --- SCORING STAGE ---
	tracker.StartStage(auditCtx, model.StageScoring)
	records := Derive(products, ledger, ix, ratings)
	tracker.EndStage(auditCtx, model.StageScoring, int64(len(records)))

	// --- RANKING STAGE ---
	tracker.StartStage(auditCtx, model.StageRanking)
	rankings := make([]*Ranking, 0, len(job.Rankings))
	var ranked int64
	for _, spec := range job.Rankings {
		rk, err := BuildRanking(records, spec)
		if err != nil {
			tracker.FailStage(auditCtx, model.StageRanking, err)
			return nil, err
		}
		ranked += int64(rk.Len())
		rankings = append(rankings, rk)
	}
	tracker.EndStage(auditCtx, model.StageRanking, ranked)

	if err := ctx.Err(); err != nil {
		tracker.FailStage(auditCtx, model.StageExport, err)
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	// --- EXPORT STAGE ---
	tracker.StartStage(auditCtx, model.StageExport)
	exporter := NewExporter(outDir)
	exports, err := exporter.ExportAll(rankings)
	if err != nil {
		tracker.FailStage(auditCtx, model.StageExport, err)
		return nil, err
	}
	for _, f := range exports {
		var size int64
		if info, statErr := os.Stat(filepath.Join(outDir, filepath.FromSlash(f.Path))); statErr == nil {
			size = info.Size()
		}
		tracker.RecordOutput(auditCtx, f, size)
	}
	tracker.EndStage(auditCtx, model.StageExport, int64(len(exports)))

	res = &RunResult{
		RunID:    runID,
		Products: len(products),
		Visible:  len(records),
		Orders:   len(orders),
		Stats:    stats,
		Rankings: rankings,
		Exports:  exports,
		Duration: tracker.Elapsed(),
	}
	logging.Info(fmt.Sprintf("🏁 Pipeline completed for run %s in %v", runID, res.Duration),
		"rankings", len(rankings), "files", len(exports), "records", res.Records())
	return res, nil
}

// collect fetches products and orders concurrently; the first failure cancels
// the other collection. Ratings are fetched afterwards and never fail the run.
func (rn *Runner) collect(ctx context.Context, job model.PipelineJobSpec) ([]model.Product, []model.Order, map[string]model.Rating, error) {
	var products []model.Product
	var orders []model.Order

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = rn.Collector.Products(gctx, job.Source)
		return err
	})
	if job.NeedsOrders() {
		g.Go(func() error {
			var err error
			orders, err = rn.Collector.Orders(gctx, job.Source)
			return err
		})
	} else {
		logging.Info("⏭️ No ranking uses sales; skipping orders")
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	ratings := map[string]model.Rating{}
	if job.Source.ReviewsURL != "" {
		handles := make([]string, 0, len(products))
		for _, p := range VisibleProducts(products) {
			if p.Handle != "" {
				handles = append(handles, p.Handle)
			}
		}
		fetched, err := rn.Collector.FetchRatings(ctx, job.Source.ReviewsURL, handles)
		if err != nil {
			logging.Warn("⚠️ Could not fetch product ratings", "err", err)
		} else {
			ratings = fetched
		}
	}
	return products, orders, ratings, nil
}
