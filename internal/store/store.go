// Package store persists the import ledger: runs, stage results, skipped
// rows, durable run logs, uploaded assets, resolved entities, raw
// counterparties, and spend rows.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/opencivic/spendmatch/internal/model"
)

// ErrNotFound is returned when a lookup by id matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrEntityExists is returned by CreateEntity on a (type, registry_id)
// collision. The matcher turns it into a merge.
var ErrEntityExists = errors.New("store: entity already exists for registry id")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  model.RunStatus `json:"status,omitempty"`
	AssetID string          `json:"asset_id,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// CounterpartyFilter specifies criteria for listing raw counterparties.
type CounterpartyFilter struct {
	Kind   model.CounterpartyKind `json:"kind,omitempty"`
	Status model.MatchStatus      `json:"status,omitempty"`
	Query  string                 `json:"query,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// LogPage is a paginated slice of durable run log entries.
type LogPage struct {
	Entries []model.LogEntry `json:"entries"`
	Total   int              `json:"total"`
}

// DeleteRunResult reports what a run deletion removed.
type DeleteRunResult struct {
	SpendRowsDeleted   int64 `json:"spend_rows_deleted"`
	SkippedRowsDeleted int64 `json:"skipped_rows_deleted"`
}

// Store defines the persistence interface for the import pipeline and the
// matching engine.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, assetID string, dryRun bool, fromStage, toStage string) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, runErr string) error
	// DeleteRun removes the run's spend rows and skips in one transaction
	// and marks the run deleted. Idempotent on already-deleted runs.
	DeleteRun(ctx context.Context, runID string) (*DeleteRunResult, error)

	// Stage results
	CreateStageResult(ctx context.Context, runID, stage string) (*model.StageResult, error)
	CompleteStageResult(ctx context.Context, sr *model.StageResult) error
	ListStageResults(ctx context.Context, runID string) ([]model.StageResult, error)

	// Skipped rows
	RecordSkippedRow(ctx context.Context, sk *model.SkippedRow) error
	ListSkippedRows(ctx context.Context, runID string, limit, offset int) ([]model.SkippedRow, error)

	// Durable run logs
	AppendLog(ctx context.Context, entry model.LogEntry) error
	ListLogs(ctx context.Context, runID string, limit, offset int) (*LogPage, error)

	// Assets
	CreateAsset(ctx context.Context, a *model.Asset) error
	GetAsset(ctx context.Context, assetID string) (*model.Asset, error)
	// FindAssetByChecksum returns nil, nil when no asset has the checksum.
	FindAssetByChecksum(ctx context.Context, checksum string) (*model.Asset, error)

	// Entities
	GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error)
	CreateEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, entityID string) (*model.Entity, error)
	UpdateEntityLocation(ctx context.Context, entityID string, lat, lon float64) error

	// Counterparties
	EnsureCounterparty(ctx context.Context, kind model.CounterpartyKind, name, postcode string) (*model.RawCounterparty, error)
	GetCounterparty(ctx context.Context, id string) (*model.RawCounterparty, error)
	ListCounterparties(ctx context.Context, filter CounterpartyFilter) ([]model.RawCounterparty, error)
	// PendingCounterparties returns the oldest pending records, least
	// recently attempted first.
	PendingCounterparties(ctx context.Context, kind model.CounterpartyKind, limit int) ([]model.RawCounterparty, error)
	UpdateCounterpartyMatch(ctx context.Context, rec *model.RawCounterparty) error
	FindMatchedByEntity(ctx context.Context, entityID string, kind model.CounterpartyKind, excludeID string) (*model.RawCounterparty, error)
	// MergeCounterparty repoints the duplicate's spend rows at the survivor
	// and deletes the duplicate, atomically.
	MergeCounterparty(ctx context.Context, duplicate, survivor *model.RawCounterparty) error

	// Spend rows
	BulkInsertSpendRows(ctx context.Context, rows []model.SpendRow) (int64, error)
	CountSpendRows(ctx context.Context, assetID string) (int64, error)
	ListBuyersMissingLocation(ctx context.Context, assetID string, limit int) ([]model.RawCounterparty, error)
	CounterpartiesForAsset(ctx context.Context, assetID string, kind model.CounterpartyKind) ([]model.RawCounterparty, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// clampLimit applies the default page size used across list queries.
func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// nowUTC exists so timestamps are uniform across the package.
func nowUTC() time.Time { return time.Now().UTC() }
