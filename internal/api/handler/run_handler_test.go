package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"merch-rank/internal/model"
	"merch-rank/internal/pipeline"
	"merch-rank/internal/store"
	"merch-rank/pkg/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, run RunFunc) *RunHandler {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &RunHandler{
		Store:   db,
		Run:     run,
		Job:     model.PipelineJobSpec{KeyMode: model.KeyByHandle},
		Outputs: utils.NewOutputManager(t.TempDir()),
	}
}

// writeRun records a finished run with one tag file, the way the runner does.
func writeRun(h *RunHandler) RunFunc {
	return func(ctx context.Context, runID string, job model.PipelineJobSpec, outDir string) (*pipeline.RunResult, error) {
		if err := os.MkdirAll(filepath.Join(outDir, "tags"), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(outDir, "tags", "a-rankings.json"), []byte("[]\n"), 0644); err != nil {
			return nil, err
		}
		h.Store.SaveOutputFile(ctx, runID, model.ExportResult{
			Ranking: "tags", Partition: "a", Type: "json", Path: "tags/a-rankings.json",
		}, 3)
		h.Store.SaveStageProgress(ctx, runID, model.StageProgress{Stage: model.StageExport, Status: model.RunStatusCompleted})
		h.Store.UpdateRunStatus(ctx, runID, model.RunStatusCompleted)
		return &pipeline.RunResult{RunID: runID}, nil
	}
}

func do(handler http.HandlerFunc, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func startRun(t *testing.T, h *RunHandler) string {
	t.Helper()
	rec := do(h.CreateRun, http.MethodPost, "/api/v1/runs")
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, model.RunStatusPending, body["status"])
	runID, _ := body["run_id"].(string)
	require.NotEmpty(t, runID)
	h.Wait()
	return runID
}

func TestCreateRunAndInspect(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Run = writeRun(h)

	runID := startRun(t, h)

	rec := do(h.GetRun, http.MethodGet, "/api/v1/runs/"+runID)
	require.Equal(t, http.StatusOK, rec.Code)
	var run model.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	rec = do(h.ListRuns, http.MethodGet, "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rec = do(h.GetRunStages, http.MethodGet, "/api/v1/runs/"+runID+"/stages")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = do(h.GetRunErrors, http.MethodGet, "/api/v1/runs/"+runID+"/errors")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["count"])

	rec = do(h.GetRunFiles, http.MethodGet, "/api/v1/runs/"+runID+"/files")
	require.Equal(t, http.StatusOK, rec.Code)
	files := decode(t, rec)["files"].([]interface{})
	require.Len(t, files, 1)
	file := files[0].(map[string]interface{})
	assert.Equal(t, "a", file["partition"])
	assert.Equal(t, "/api/v1/download/"+runID+"/tags/a-rankings.json", file["download_url"])

	rec = do(h.DownloadFile, http.MethodGet, "/api/v1/download/"+runID+"/tags/a-rankings.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="a-rankings.json"`)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestCreateRunRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := newTestHandler(t, func(ctx context.Context, runID string, job model.PipelineJobSpec, outDir string) (*pipeline.RunResult, error) {
		close(started)
		<-release
		return nil, errors.New("stopped")
	})

	rec := do(h.CreateRun, http.MethodPost, "/api/v1/runs")
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-started

	rec = do(h.CreateRun, http.MethodPost, "/api/v1/runs")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, true, decode(t, do(h.Health, http.MethodGet, "/health"))["running"])

	close(release)
	h.Wait()
	assert.Equal(t, false, decode(t, do(h.Health, http.MethodGet, "/health"))["running"])
}

func TestCreateRunMarksRunFailedWhenOutputDirFails(t *testing.T) {
	h := newTestHandler(t, nil)
	blocker := filepath.Join(t.TempDir(), "outputs")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0644))
	h.Outputs = utils.NewOutputManager(blocker)

	rec := do(h.CreateRun, http.MethodPost, "/api/v1/runs")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	runs, err := h.Store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, false, decode(t, do(h.Health, http.MethodGet, "/health"))["running"])
}

func TestUnknownRunIsNotFound(t *testing.T) {
	h := newTestHandler(t, nil)

	for _, tc := range []struct {
		handler http.HandlerFunc
		path    string
	}{
		{h.GetRun, "/api/v1/runs/missing"},
		{h.GetRunErrors, "/api/v1/runs/missing/errors"},
		{h.GetRunStages, "/api/v1/runs/missing/stages"},
		{h.GetRunFiles, "/api/v1/runs/missing/files"},
	} {
		rec := do(tc.handler, http.MethodGet, tc.path)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "Run not found", decode(t, rec)["error"])
	}
}

func TestDownloadFileRejectsBadPaths(t *testing.T) {
	h := newTestHandler(t, nil)
	h.Run = writeRun(h)
	runID := startRun(t, h)

	assert.Equal(t, http.StatusBadRequest, do(h.DownloadFile, http.MethodGet, "/api/v1/download/"+runID).Code)
	assert.Equal(t, http.StatusBadRequest, do(h.DownloadFile, http.MethodGet, "/api/v1/download/"+runID+"/..%2f..%2fruns.db").Code)
	assert.Equal(t, http.StatusNotFound, do(h.DownloadFile, http.MethodGet, "/api/v1/download/"+runID+"/missing.json").Code)
	assert.Equal(t, http.StatusNotFound, do(h.DownloadFile, http.MethodGet, "/api/v1/download/"+runID+"/tags").Code)
}

func TestRunIDFromPath(t *testing.T) {
	id, ok := runIDFromPath("/api/v1/runs/abc/errors", "/errors")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = runIDFromPath("/api/v1/runs/", "")
	assert.False(t, ok)
	_, ok = runIDFromPath("/api/v1/runs/a/b", "")
	assert.False(t, ok)
	_, ok = runIDFromPath("/other/abc", "")
	assert.False(t, ok)
}
