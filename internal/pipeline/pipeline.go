// Package pipeline runs the staged import: parse rows from an uploaded
// asset, resolve suppliers and buyers against the registries, then geocode
// matched buyers. Stage outcomes and logs go through the run ledger; live
// subscribers get the same lines through the broadcaster.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencivic/spendmatch/internal/matcher"
	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/runlog"
	"github.com/opencivic/spendmatch/internal/store"
	"github.com/opencivic/spendmatch/pkg/postcoder"
)

// Stage names, in execution order. Geocoding runs last: it backfills
// coordinates onto matched entities, which exist only after the match stages.
const (
	StageImportRows     = "import_rows"
	StageMatchSuppliers = "match_suppliers"
	StageMatchBuyers    = "match_buyers"
	StageGeocodeBuyers  = "geocode_buyers"
)

// DefaultStages is the full ordered stage plan.
var DefaultStages = []string{StageImportRows, StageMatchSuppliers, StageMatchBuyers, StageGeocodeBuyers}

// Resolver is the slice of the match engine the matching stages use.
type Resolver interface {
	Resolve(ctx context.Context, rec *model.RawCounterparty, hint model.EntityType, dryRun bool) (*matcher.Outcome, error)
}

// Geocoder is the slice of the postcode client the geocode stage uses.
type Geocoder interface {
	Lookup(ctx context.Context, postcodes []string) ([]postcoder.Result, error)
}

// AssetOpener reads an uploaded asset's content by storage key.
type AssetOpener interface {
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
}

// Executor orchestrates the stage plan for one run at a time per call.
type Executor struct {
	store       store.Store
	resolver    Resolver
	geocoder    Geocoder
	assets      AssetOpener
	broadcaster *runlog.Broadcaster
	stages      []string
}

// New creates an Executor with the default stage plan. Use WithStages to
// substitute a plan loaded from file.
func New(st store.Store, resolver Resolver, geocoder Geocoder, assets AssetOpener, b *runlog.Broadcaster) *Executor {
	return &Executor{
		store:       st,
		resolver:    resolver,
		geocoder:    geocoder,
		assets:      assets,
		broadcaster: b,
		stages:      DefaultStages,
	}
}

// WithStages replaces the stage plan. The plan must be an ordered subset of
// the known stages.
func (e *Executor) WithStages(stages []string) (*Executor, error) {
	if err := validatePlan(stages); err != nil {
		return nil, err
	}
	out := *e
	out.stages = stages
	return &out, nil
}

// CreateRun records a new pending run. Execution happens separately so the
// caller controls the goroutine and its context.
func (e *Executor) CreateRun(ctx context.Context, assetID string, dryRun bool, fromStage, toStage string) (*model.Run, error) {
	if fromStage != "" && !knownStage(fromStage) {
		return nil, eris.Errorf("pipeline: unknown from_stage %q", fromStage)
	}
	if toStage != "" && !knownStage(toStage) {
		return nil, eris.Errorf("pipeline: unknown to_stage %q", toStage)
	}
	if assetID != "" {
		if _, err := e.store.GetAsset(ctx, assetID); err != nil {
			return nil, eris.Wrapf(err, "pipeline: asset %s", assetID)
		}
	}
	return e.store.CreateRun(ctx, assetID, dryRun, fromStage, toStage)
}

// Execute runs the stage plan for a pending run. A stage error finalizes the
// in-progress stage result as failed and marks the run failed; cancellation
// is observed at stage and row boundaries and counts as failure.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load run %s", runID)
	}
	if run.Terminal() {
		return eris.Errorf("pipeline: run %s already %s", runID, run.Status)
	}

	log := zap.L().With(zap.String("run_id", runID))
	if err := e.store.UpdateRunStatus(ctx, runID, model.RunStatusRunning, ""); err != nil {
		return eris.Wrap(err, "pipeline: mark running")
	}
	e.emit(ctx, runID, "info", "run started", map[string]any{"dry_run": run.DryRun})

	stages, err := stageWindow(e.stages, run.FromStage, run.ToStage)
	if err != nil {
		e.finish(ctx, runID, model.RunStatusFailed, err.Error())
		return err
	}

	for _, stage := range stages {
		if ctx.Err() != nil {
			e.emit(context.WithoutCancel(ctx), runID, "error", "run cancelled", map[string]any{"stage": stage})
			e.finish(ctx, runID, model.RunStatusFailed, "cancelled")
			return eris.Wrap(ctx.Err(), "pipeline: cancelled")
		}
		if err := e.trackStage(ctx, run, stage); err != nil {
			e.finish(ctx, runID, model.RunStatusFailed, err.Error())
			return eris.Wrapf(err, "pipeline: stage %s", stage)
		}
	}

	e.finish(ctx, runID, model.RunStatusSucceeded, "")
	log.Info("run complete")
	return nil
}

// trackStage wraps a stage in its ledger row: created running, finalized
// succeeded or failed before any error propagates.
func (e *Executor) trackStage(ctx context.Context, run *model.Run, stage string) error {
	sr, err := e.store.CreateStageResult(ctx, run.ID, stage)
	if err != nil {
		return eris.Wrap(err, "create stage result")
	}
	e.emit(ctx, run.ID, "info", "stage started", map[string]any{"stage": stage})

	start := time.Now()
	stageErr := e.runStage(ctx, run, stage, sr)
	duration := time.Since(start).Milliseconds()

	// The stage result must be finalized even when ctx was cancelled
	// mid-stage, or the ledger row stays running forever.
	fctx := context.WithoutCancel(ctx)
	if stageErr != nil {
		sr.Status = model.StageStatusFailed
		sr.Error = stageErr.Error()
		e.emit(fctx, run.ID, "error", "stage failed", map[string]any{
			"stage": stage, "error": stageErr.Error(), "duration_ms": duration,
		})
	} else {
		if sr.Status == model.StageStatusRunning {
			sr.Status = model.StageStatusSucceeded
		}
		e.emit(fctx, run.ID, "info", "stage complete", map[string]any{
			"stage": stage, "processed": sr.Processed, "skipped": sr.Skipped,
			"matched": sr.Matched, "duration_ms": duration,
		})
	}
	if err := e.store.CompleteStageResult(fctx, sr); err != nil {
		zap.L().Warn("finalize stage result failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return stageErr
}

func (e *Executor) runStage(ctx context.Context, run *model.Run, stage string, sr *model.StageResult) error {
	switch stage {
	case StageImportRows:
		return e.importRows(ctx, run, sr)
	case StageGeocodeBuyers:
		return e.geocodeBuyers(ctx, run, sr)
	case StageMatchSuppliers:
		return e.matchCounterparties(ctx, run, sr, model.KindSupplier)
	case StageMatchBuyers:
		return e.matchCounterparties(ctx, run, sr, model.KindBuyer)
	default:
		return eris.Errorf("unknown stage %q", stage)
	}
}

// finish records the terminal run status and closes the live stream. The
// status write must land even on a cancelled context, or an aborted run
// stays running in the ledger.
func (e *Executor) finish(ctx context.Context, runID string, status model.RunStatus, msg string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.UpdateRunStatus(ctx, runID, status, msg); err != nil {
		zap.L().Warn("update run status failed", zap.String("run_id", runID), zap.Error(err))
	}
	level := "info"
	if status == model.RunStatusFailed {
		level = "error"
	}
	e.emit(ctx, runID, level, fmt.Sprintf("run %s", status), nil)
	if e.broadcaster != nil {
		e.broadcaster.Complete(runID, status)
	}
}

// emit writes one log line durably and to live subscribers.
func (e *Executor) emit(ctx context.Context, runID, level, message string, metadata map[string]any) {
	entry := model.LogEntry{
		RunID:     runID,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendLog(ctx, entry); err != nil {
		zap.L().Warn("append run log failed", zap.String("run_id", runID), zap.Error(err))
	}
	if e.broadcaster != nil {
		e.broadcaster.Publish(runID, entry)
	}
}

// stageWindow restricts the plan to [from, to]. Empty bounds mean the plan's
// ends. A bound naming a stage outside the plan is an error.
func stageWindow(plan []string, from, to string) ([]string, error) {
	start, end := 0, len(plan)-1
	if from != "" {
		start = indexOf(plan, from)
		if start < 0 {
			return nil, eris.Errorf("from_stage %q not in stage plan", from)
		}
	}
	if to != "" {
		end = indexOf(plan, to)
		if end < 0 {
			return nil, eris.Errorf("to_stage %q not in stage plan", to)
		}
	}
	if start > end {
		return nil, eris.Errorf("from_stage %q is after to_stage %q", from, to)
	}
	return plan[start : end+1], nil
}

func indexOf(plan []string, stage string) int {
	for i, s := range plan {
		if s == stage {
			return i
		}
	}
	return -1
}

func knownStage(stage string) bool {
	return indexOf(DefaultStages, stage) >= 0
}

func validatePlan(stages []string) error {
	if len(stages) == 0 {
		return eris.New("pipeline: empty stage plan")
	}
	last := -1
	for _, s := range stages {
		idx := indexOf(DefaultStages, s)
		if idx < 0 {
			return eris.Errorf("pipeline: unknown stage %q in plan", s)
		}
		if idx <= last {
			return eris.Errorf("pipeline: stage %q out of order in plan", s)
		}
		last = idx
	}
	return nil
}
