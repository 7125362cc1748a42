// Package model defines the shared data types for the import pipeline and
// the entity-resolution engine.
package model

import "time"

// RunStatus tracks a run through the pipeline lifecycle.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDeleted   RunStatus = "deleted"
)

// StageStatus tracks a single stage within a run.
type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Run is one execution of the stage pipeline against zero-or-one asset.
// AssetID is empty for matching-only runs.
type Run struct {
	ID         string     `json:"id"`
	AssetID    string     `json:"asset_id,omitempty"`
	Status     RunStatus  `json:"status"`
	DryRun     bool       `json:"dry_run"`
	FromStage  string     `json:"from_stage,omitempty"`
	ToStage    string     `json:"to_stage,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusDeleted:
		return true
	}
	return false
}

// StageResult is one row per (run, stage-name), written only by the executor.
type StageResult struct {
	ID         string      `json:"id"`
	RunID      string      `json:"run_id"`
	Stage      string      `json:"stage"`
	Status     StageStatus `json:"status"`
	Processed  int         `json:"processed"`
	Skipped    int         `json:"skipped"`
	Matched    int         `json:"matched"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// SkippedRow records one input record the import stage could not process.
// Write-once; kept for operator review.
type SkippedRow struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Stage     string    `json:"stage"`
	Position  int       `json:"position"`
	Raw       string    `json:"raw"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Skip reasons recorded on SkippedRow.
const (
	SkipReasonParseError   = "parse_error"
	SkipReasonMissingField = "missing_field"
	SkipReasonBadAmount    = "bad_amount"
	SkipReasonBadDate      = "bad_date"
)

// LogEntry is one structured log line attached to a run.
type LogEntry struct {
	ID        string         `json:"id,omitempty"`
	RunID     string         `json:"run_id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
