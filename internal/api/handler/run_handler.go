package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"merch-rank/internal/logging"
	"merch-rank/internal/model"
	"merch-rank/internal/pipeline"
	"merch-rank/internal/store"
	"merch-rank/pkg/utils"

	"github.com/google/uuid"
)

// ErrRunInProgress is returned when a run is requested while one is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// RunFunc executes one pipeline run; (*pipeline.Runner).Run in production.
type RunFunc func(ctx context.Context, runID string, job model.PipelineJobSpec, outDir string) (*pipeline.RunResult, error)

// RunHandler serves the run API. At most one run executes at a time.
type RunHandler struct {
	Store   *store.Store
	Run     RunFunc
	Job     model.PipelineJobSpec
	Outputs *utils.OutputManager

	running atomic.Bool
	wg      sync.WaitGroup
}

// StartRun records a pending run and executes it in the background.
func (h *RunHandler) StartRun(ctx context.Context) (string, error) {
	if !h.running.CompareAndSwap(false, true) {
		return "", ErrRunInProgress
	}

	runID := uuid.New().String()
	if err := h.Store.SaveRun(ctx, runID, h.Job); err != nil {
		h.running.Store(false)
		return "", fmt.Errorf("save run: %w", err)
	}
	outDir, err := h.Outputs.CreateRunOutputDir(runID)
	if err != nil {
		h.running.Store(false)
		if statusErr := h.Store.UpdateRunStatus(ctx, runID, model.RunStatusFailed); statusErr != nil {
			logging.Warn("failed to update run status", "run", runID, "status", model.RunStatusFailed, "err", statusErr)
		}
		return "", err
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.running.Store(false)
		if _, err := h.Run(context.Background(), runID, h.Job, outDir); err != nil {
			logging.Error(fmt.Sprintf("❌ Run %s failed", runID), "err", err)
		}
	}()
	return runID, nil
}

// Wait blocks until the background run, if any, has finished.
func (h *RunHandler) Wait() {
	h.wg.Wait()
}

// CreateRun starts a new ranking run
// @Summary Start a run
// @Description Start an asynchronous ranking run with the server configuration
// @Tags runs
// @Produce json
// @Success 202 {object} map[string]interface{} "Run started"
// @Failure 409 {object} map[string]interface{} "A run is already in progress"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [post]
func (h *RunHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.StartRun(r.Context())
	if errors.Is(err, ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":    "Run started",
		"run_id":     runID,
		"status":     model.RunStatusPending,
		"created_at": time.Now().UTC(),
	})
}

// ListRuns retrieves all runs
// @Summary List runs
// @Description Get every run with its current status, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} model.RunSummary "List of runs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /runs [get]
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun retrieves a specific run
// @Summary Get run
// @Description Retrieve the status and configuration of a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.RunSummary "Run details"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id} [get]
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(r.URL.Path, "")
	if !ok {
		writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}
	run, err := h.Store.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunErrors retrieves errors for a run
// @Summary Get run errors
// @Description Retrieve the fatal errors recorded for a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run errors"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/errors [get]
func (h *RunHandler) GetRunErrors(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.knownRun(w, r, "/errors")
	if !ok {
		return
	}
	errs, err := h.Store.GetRunErrors(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"errors": errs,
		"count":  len(errs),
	})
}

// GetRunStages retrieves stage progress for a run
// @Summary Get run stages
// @Description Retrieve the timing and record counts of every stage of a run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run stages"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/stages [get]
func (h *RunHandler) GetRunStages(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.knownRun(w, r, "/stages")
	if !ok {
		return
	}
	stages, err := h.Store.GetRunStages(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve stages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"stages": stages,
		"count":  len(stages),
	})
}

type fileResponse struct {
	store.OutputFile
	DownloadURL string `json:"download_url"`
}

// GetRunFiles retrieves all output files for a run
// @Summary Get run files
// @Description List every artifact written by a run with its download URL
// @Tags files
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run files"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /runs/{id}/files [get]
func (h *RunHandler) GetRunFiles(w http.ResponseWriter, r *http.Request) {
	runID, ok := h.knownRun(w, r, "/files")
	if !ok {
		return
	}
	files, err := h.Store.GetOutputFiles(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve files")
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, fileResponse{OutputFile: f, DownloadURL: h.Outputs.GetDownloadURL(runID, f.Path)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": runID,
		"files":  out,
		"count":  len(out),
	})
}

// DownloadFile serves a file for download
// @Summary Download file
// @Description Download an output file of a run; tag files are addressed by their path inside the run
// @Tags files
// @Produce application/octet-stream
// @Param id path string true "Run ID"
// @Param file path string true "File path inside the run"
// @Success 200 {file} file "File download"
// @Failure 400 {object} map[string]interface{} "Invalid path"
// @Failure 404 {object} map[string]interface{} "File not found"
// @Router /download/{id}/{file} [get]
func (h *RunHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	// URL format: /api/v1/download/{runID}/{path...}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/download/")
	runID, rel, found := strings.Cut(rest, "/")
	if !found || runID == "" || rel == "" {
		writeError(w, http.StatusBadRequest, "Invalid URL format")
		return
	}

	filePath, err := h.Outputs.GetOutputFilePath(runID, rel)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(rel)))
	w.Header().Set("Content-Type", h.Outputs.GetContentType(rel))
	http.ServeFile(w, r, filePath)
}

// Health reports liveness and whether a run is active.
// @Summary Health check
// @Tags system
// @Produce json
// @Success 200 {object} map[string]interface{} "Service is up"
// @Router /health [get]
func (h *RunHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": h.running.Load(),
	})
}

// knownRun extracts the run id from /api/v1/runs/{id}{suffix} and answers
// 404 when the run does not exist.
func (h *RunHandler) knownRun(w http.ResponseWriter, r *http.Request, suffix string) (string, bool) {
	runID, ok := runIDFromPath(r.URL.Path, suffix)
	if !ok {
		writeError(w, http.StatusBadRequest, "Run ID is required")
		return "", false
	}
	if _, err := h.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
		} else {
			writeError(w, http.StatusInternalServerError, "Failed to fetch run")
		}
		return "", false
	}
	return runID, true
}

func runIDFromPath(p, suffix string) (string, bool) {
	const prefix = "/api/v1/runs/"
	if !strings.HasPrefix(p, prefix) || !strings.HasSuffix(p, suffix) {
		return "", false
	}
	runID := p[len(prefix) : len(p)-len(suffix)]
	if runID == "" || strings.Contains(runID, "/") {
		return "", false
	}
	return runID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
