package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"merch-rank/internal/logging"
	"merch-rank/internal/model"
)

// RunLedger persists the audit trail of a run. *store.Store implements it.
type RunLedger interface {
	UpdateRunStatus(ctx context.Context, runID, status string) error
	UpdateRunCounts(ctx context.Context, runID string, products, orders int) error
	SaveRunError(ctx context.Context, runID, stage string, err error) error
	SaveStageProgress(ctx context.Context, runID string, p model.StageProgress) error
	SaveOutputFile(ctx context.Context, runID string, f model.ExportResult, size int64) error
}

// RunTracker times the stages of one run and mirrors them to the ledger.
// Ledger failures are logged and never fail the run.
type RunTracker struct {
	runID  string
	ledger RunLedger
	start  time.Time

	mu     sync.Mutex
	stages map[string]*model.StageProgress
	order  []string
}

func NewRunTracker(runID string, ledger RunLedger) *RunTracker {
	return &RunTracker{
		runID:  runID,
		ledger: ledger,
		start:  time.Now(),
		stages: make(map[string]*model.StageProgress),
	}
}

// StartStage marks the start of a pipeline stage
func (rt *RunTracker) StartStage(ctx context.Context, stage string) {
	now := time.Now()
	p := &model.StageProgress{Stage: stage, Status: model.RunStatusRunning, StartedAt: &now}

	rt.mu.Lock()
	if _, ok := rt.stages[stage]; !ok {
		rt.order = append(rt.order, stage)
	}
	rt.stages[stage] = p
	snapshot := *p
	rt.mu.Unlock()

	logging.Info(fmt.Sprintf("▶️ Stage '%s' started", stage))
	rt.saveStage(ctx, snapshot)
}

// EndStage marks the end of a pipeline stage
func (rt *RunTracker) EndStage(ctx context.Context, stage string, records int64) {
	snapshot := rt.finish(stage, model.RunStatusCompleted, records)
	logging.Info(fmt.Sprintf("✅ Stage '%s' completed: %d records in %v", stage, records, snapshot.EndedAt.Sub(*snapshot.StartedAt)))
	rt.saveStage(ctx, snapshot)
}

// FailStage closes the stage as failed and records the error against the run.
func (rt *RunTracker) FailStage(ctx context.Context, stage string, err error) {
	snapshot := rt.finish(stage, model.RunStatusFailed, 0)
	logging.Error(fmt.Sprintf("❌ Stage '%s' failed", stage), "err", err)
	rt.saveStage(ctx, snapshot)
	if rt.ledger != nil {
		if lerr := rt.ledger.SaveRunError(ctx, rt.runID, stage, err); lerr != nil {
			logging.Warn("failed to record run error", "run", rt.runID, "err", lerr)
		}
	}
}

func (rt *RunTracker) finish(stage, status string, records int64) model.StageProgress {
	now := time.Now()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	p, ok := rt.stages[stage]
	if !ok {
		p = &model.StageProgress{Stage: stage, StartedAt: &now}
		rt.stages[stage] = p
		rt.order = append(rt.order, stage)
	}
	p.Status = status
	p.EndedAt = &now
	p.Records = records
	return *p
}

// Stages returns a copy of every stage seen so far, in start order.
func (rt *RunTracker) Stages() []model.StageProgress {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]model.StageProgress, 0, len(rt.order))
	for _, name := range rt.order {
		out = append(out, *rt.stages[name])
	}
	return out
}

func (rt *RunTracker) SetStatus(ctx context.Context, status string) {
	if rt.ledger == nil {
		return
	}
	if err := rt.ledger.UpdateRunStatus(ctx, rt.runID, status); err != nil {
		logging.Warn("failed to update run status", "run", rt.runID, "status", status, "err", err)
	}
}

func (rt *RunTracker) SetCounts(ctx context.Context, products, orders int) {
	if rt.ledger == nil {
		return
	}
	if err := rt.ledger.UpdateRunCounts(ctx, rt.runID, products, orders); err != nil {
		logging.Warn("failed to update run counts", "run", rt.runID, "err", err)
	}
}

func (rt *RunTracker) RecordOutput(ctx context.Context, f model.ExportResult, size int64) {
	if rt.ledger == nil {
		return
	}
	if err := rt.ledger.SaveOutputFile(ctx, rt.runID, f, size); err != nil {
		logging.Warn("failed to record output file", "run", rt.runID, "path", f.Path, "err", err)
	}
}

// Elapsed is the time since the tracker was created.
func (rt *RunTracker) Elapsed() time.Duration {
	return time.Since(rt.start)
}

func (rt *RunTracker) saveStage(ctx context.Context, p model.StageProgress) {
	if rt.ledger == nil {
		return
	}
	if err := rt.ledger.SaveStageProgress(ctx, rt.runID, p); err != nil {
		logging.Warn("failed to save stage progress", "run", rt.runID, "stage", p.Stage, "err", err)
	}
}
