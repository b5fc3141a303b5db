// Package store keeps the audit trail of pipeline runs in SQLite. Nothing in
// it feeds a later run.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"merch-rank/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("run not found")

type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		spec TEXT,
		status TEXT,
		products INTEGER DEFAULT 0,
		orders INTEGER DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS run_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		stage TEXT,
		error_message TEXT,
		created_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS stage_progress (
		run_id TEXT,
		stage TEXT,
		status TEXT,
		started_at DATETIME,
		ended_at DATETIME,
		records INTEGER DEFAULT 0,
		PRIMARY KEY (run_id, stage)
	);`,
	`CREATE TABLE IF NOT EXISTS output_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT,
		ranking TEXT,
		tag TEXT,
		file_type TEXT,
		path TEXT,
		record_count INTEGER,
		size_bytes INTEGER,
		created_at DATETIME
	);`,
}

// Open connects to the database at dbPath and creates missing tables.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// one writer at a time; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a new pending run.
func (s *Store) SaveRun(ctx context.Context, runID string, spec model.PipelineJobSpec) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(specJSON), model.RunStatusPending, now, now)
	return err
}

// UpdateRunStatus updates run status
func (s *Store) UpdateRunStatus(ctx context.Context, runID, status string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, status, now, runID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// UpdateRunCounts records how many products and orders a run collected.
func (s *Store) UpdateRunCounts(ctx context.Context, runID string, products, orders int) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET products = ?, orders = ?, updated_at = ? WHERE id = ?`,
		products, orders, now, runID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// SaveRunError records an error for a run
func (s *Store) SaveRunError(ctx context.Context, runID, stage string, runErr error) error {
	if runErr == nil {
		return nil
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_errors (run_id, stage, error_message, created_at) VALUES (?, ?, ?, ?)`,
		runID, stage, runErr.Error(), now)
	return err
}

// SaveStageProgress upserts the row of one stage.
func (s *Store) SaveStageProgress(ctx context.Context, runID string, p model.StageProgress) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stage_progress (run_id, stage, status, started_at, ended_at, records)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			status = excluded.status,
			started_at = COALESCE(excluded.started_at, stage_progress.started_at),
			ended_at = excluded.ended_at,
			records = excluded.records`,
		runID, p.Stage, p.Status, nullTime(p.StartedAt), nullTime(p.EndedAt), p.Records)
	return err
}

// SaveOutputFile records one artifact of a run.
func (s *Store) SaveOutputFile(ctx context.Context, runID string, f model.ExportResult, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO output_files (run_id, ranking, tag, file_type, path, record_count, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, f.Ranking, f.Partition, f.Type, f.Path, f.RecordCount, size, f.ExportedAt.UTC())
	return err
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]model.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, spec, status, products, orders, created_at, updated_at FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []model.RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun fetches full run spec and status
func (s *Store) GetRun(ctx context.Context, runID string) (*model.RunSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, spec, status, products, orders, created_at, updated_at FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

func (s *Store) GetRunErrors(ctx context.Context, runID string) ([]model.RunError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, error_message, created_at FROM run_errors WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.RunError{}
	for rows.Next() {
		var e model.RunError
		if err := rows.Scan(&e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetRunStages(ctx context.Context, runID string) ([]model.StageProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, started_at, ended_at, records FROM stage_progress
		WHERE run_id = ? ORDER BY started_at, rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.StageProgress{}
	for rows.Next() {
		var p model.StageProgress
		var started, ended sql.NullTime
		if err := rows.Scan(&p.Stage, &p.Status, &started, &ended, &p.Records); err != nil {
			return nil, err
		}
		if started.Valid {
			p.StartedAt = &started.Time
		}
		if ended.Valid {
			p.EndedAt = &ended.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OutputFile is a stored artifact row.
type OutputFile struct {
	ID          int64     `json:"id"`
	Ranking     string    `json:"ranking"`
	Partition   string    `json:"partition,omitempty"`
	Type        string    `json:"type"`
	Path        string    `json:"path"`
	RecordCount int       `json:"record_count"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Store) GetOutputFiles(ctx context.Context, runID string) ([]OutputFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ranking, tag, file_type, path, record_count, size_bytes, created_at
		FROM output_files WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []OutputFile{}
	for rows.Next() {
		var f OutputFile
		if err := rows.Scan(&f.ID, &f.Ranking, &f.Partition, &f.Type, &f.Path, &f.RecordCount, &f.SizeBytes, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.RunSummary, error) {
	var run model.RunSummary
	var specJSON string
	if err := row.Scan(&run.ID, &specJSON, &run.Status, &run.Products, &run.Orders, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(specJSON), &run.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of run %s: %w", run.ID, err)
	}
	return &run, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
