package model

import "time"

// Run statuses recorded in the run ledger.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Pipeline stage names.
const (
	StageIngestion = "ingestion"
	StageAccrual   = "accrual"
	StageScoring   = "scoring"
	StageRanking   = "ranking"
	StageExport    = "export"
)

// RunSummary is a row of the run ledger.
type RunSummary struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Spec      PipelineJobSpec `json:"spec"`
	Products  int             `json:"products"`
	Orders    int             `json:"orders"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StageProgress records the timing of one stage of a run.
type StageProgress struct {
	Stage     string     `json:"stage"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Records   int64      `json:"records"`
}

// RunError is a fatal error recorded against a run.
type RunError struct {
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ExportResult describes one artifact written by a run.
type ExportResult struct {
	Ranking     string    `json:"ranking"`
	Partition   string    `json:"partition,omitempty"`
	Type        string    `json:"type"` // "json", "excel"
	Path        string    `json:"path"` // relative to the run output directory
	RecordCount int       `json:"record_count"`
	ExportedAt  time.Time `json:"exported_at"`
}
