package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/opencivic/spendmatch/internal/db"
	"github.com/opencivic/spendmatch/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests use this with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS assets (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	storage_key   TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	content_type  TEXT NOT NULL,
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	checksum      TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_assets_checksum ON assets(checksum);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	asset_id    TEXT REFERENCES assets(id),
	status      TEXT NOT NULL DEFAULT 'pending',
	dry_run     BOOLEAN NOT NULL DEFAULT false,
	from_stage  TEXT NOT NULL DEFAULT '',
	to_stage    TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at  TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_asset_id ON runs(asset_id);

CREATE TABLE IF NOT EXISTS stage_results (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	processed   INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	matched     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);

CREATE TABLE IF NOT EXISTS skipped_rows (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	stage      TEXT NOT NULL,
	position   INTEGER NOT NULL,
	raw        TEXT NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_skipped_rows_run_id ON skipped_rows(run_id);

CREATE TABLE IF NOT EXISTS run_logs (
	id        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id    TEXT NOT NULL REFERENCES runs(id),
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	metadata  JSONB,
	ts        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_logs_run_id_ts ON run_logs(run_id, ts);

CREATE TABLE IF NOT EXISTS entities (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name         TEXT NOT NULL,
	entity_type  TEXT NOT NULL,
	registry_id  TEXT NOT NULL,
	address_line TEXT NOT NULL DEFAULT '',
	postcode     TEXT NOT NULL DEFAULT '',
	latitude     DOUBLE PRECISION,
	longitude    DOUBLE PRECISION,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (entity_type, registry_id)
);

CREATE TABLE IF NOT EXISTS counterparties (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	kind               TEXT NOT NULL,
	name               TEXT NOT NULL,
	postcode           TEXT NOT NULL DEFAULT '',
	entity_id          TEXT REFERENCES entities(id),
	match_status       TEXT NOT NULL DEFAULT 'pending',
	match_confidence   DOUBLE PRECISION,
	match_reason       TEXT NOT NULL DEFAULT '',
	manually_verified  BOOLEAN NOT NULL DEFAULT false,
	match_attempted_at TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (kind, name)
);

CREATE INDEX IF NOT EXISTS idx_counterparties_status ON counterparties(kind, match_status);
CREATE INDEX IF NOT EXISTS idx_counterparties_entity ON counterparties(entity_id);

CREATE TABLE IF NOT EXISTS spend_rows (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	asset_id      TEXT NOT NULL REFERENCES assets(id),
	row_hash      TEXT NOT NULL,
	buyer_id      TEXT REFERENCES counterparties(id),
	supplier_id   TEXT REFERENCES counterparties(id),
	buyer_name    TEXT NOT NULL,
	supplier_name TEXT NOT NULL,
	amount_pence  BIGINT NOT NULL,
	tx_date       DATE NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (asset_id, row_hash)
);

CREATE INDEX IF NOT EXISTS idx_spend_rows_asset ON spend_rows(asset_id);
CREATE INDEX IF NOT EXISTS idx_spend_rows_buyer ON spend_rows(buyer_id);
CREATE INDEX IF NOT EXISTS idx_spend_rows_supplier ON spend_rows(supplier_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, assetID string, dryRun bool, fromStage, toStage string) (*model.Run, error) {
	id := uuid.New().String()
	now := nowUTC()

	var asset any
	if assetID != "" {
		asset = assetID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, asset_id, status, dry_run, from_stage, to_stage, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, asset, string(model.RunStatusPending), dryRun, fromStage, toStage, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		AssetID:   assetID,
		Status:    model.RunStatusPending,
		DryRun:    dryRun,
		FromStage: fromStage,
		ToStage:   toStage,
		CreatedAt: now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, COALESCE(asset_id, ''), status, dry_run, from_stage, to_stage, error, created_at, started_at, finished_at
		 FROM runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, COALESCE(asset_id, ''), status, dry_run, from_stage, to_stage, error, created_at, started_at, finished_at
	 FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.AssetID != "" {
		query += fmt.Sprintf(` AND asset_id = $%d`, argIdx)
		args = append(args, filter.AssetID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, runErr string) error {
	var sql string
	switch status {
	case model.RunStatusRunning:
		sql = `UPDATE runs SET status = $1, error = $2, started_at = now() WHERE id = $3`
	case model.RunStatusSucceeded, model.RunStatusFailed:
		sql = `UPDATE runs SET status = $1, error = $2, finished_at = now() WHERE id = $3`
	default:
		sql = `UPDATE runs SET status = $1, error = $2 WHERE id = $3`
	}
	tag, err := s.pool.Exec(ctx, sql, string(status), runErr, runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRun removes the run's imported spend rows and skipped rows in one
// transaction and marks the run deleted. Counterparties and entities are
// shared across runs and stay.
func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) (*DeleteRunResult, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == model.RunStatusDeleted {
		return &DeleteRunResult{}, nil
	}
	if run.Status == model.RunStatusRunning {
		return nil, eris.Errorf("postgres: run %s is still running", runID)
	}

	res := &DeleteRunResult{}
	err = db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if run.AssetID != "" {
			tag, err := tx.Exec(ctx, `DELETE FROM spend_rows WHERE asset_id = $1`, run.AssetID)
			if err != nil {
				return eris.Wrap(err, "delete spend rows")
			}
			res.SpendRowsDeleted = tag.RowsAffected()
		}
		tag, err := tx.Exec(ctx, `DELETE FROM skipped_rows WHERE run_id = $1`, runID)
		if err != nil {
			return eris.Wrap(err, "delete skipped rows")
		}
		res.SkippedRowsDeleted = tag.RowsAffected()

		if _, err := tx.Exec(ctx,
			`UPDATE runs SET status = $1, finished_at = now() WHERE id = $2`,
			string(model.RunStatusDeleted), runID,
		); err != nil {
			return eris.Wrap(err, "mark run deleted")
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: delete run %s", runID)
	}
	return res, nil
}

func (s *PostgresStore) CreateStageResult(ctx context.Context, runID, stage string) (*model.StageResult, error) {
	id := uuid.New().String()
	now := nowUTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_results (id, run_id, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, stage, string(model.StageStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert stage result %s/%s", runID, stage)
	}
	return &model.StageResult{
		ID:        id,
		RunID:     runID,
		Stage:     stage,
		Status:    model.StageStatusRunning,
		StartedAt: now,
	}, nil
}

func (s *PostgresStore) CompleteStageResult(ctx context.Context, sr *model.StageResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_results SET status = $1, processed = $2, skipped = $3, matched = $4, error = $5, finished_at = now()
		 WHERE id = $6`,
		string(sr.Status), sr.Processed, sr.Skipped, sr.Matched, sr.Error, sr.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage result %s", sr.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStageResults(ctx context.Context, runID string) ([]model.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, status, processed, skipped, matched, error, started_at, finished_at
		 FROM stage_results WHERE run_id = $1 ORDER BY started_at`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage results")
	}
	defer rows.Close()

	var out []model.StageResult
	for rows.Next() {
		var sr model.StageResult
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.Stage, &sr.Status, &sr.Processed, &sr.Skipped,
			&sr.Matched, &sr.Error, &sr.StartedAt, &sr.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage result")
		}
		out = append(out, sr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stage results iterate")
}

func (s *PostgresStore) RecordSkippedRow(ctx context.Context, sk *model.SkippedRow) error {
	if sk.ID == "" {
		sk.ID = uuid.New().String()
	}
	if sk.CreatedAt.IsZero() {
		sk.CreatedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO skipped_rows (id, run_id, stage, position, raw, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sk.ID, sk.RunID, sk.Stage, sk.Position, sk.Raw, sk.Reason, sk.CreatedAt,
	)
	return eris.Wrap(err, "postgres: record skipped row")
}

func (s *PostgresStore) ListSkippedRows(ctx context.Context, runID string, limit, offset int) ([]model.SkippedRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, position, raw, reason, created_at
		 FROM skipped_rows WHERE run_id = $1 ORDER BY position LIMIT $2 OFFSET $3`,
		runID, clampLimit(limit), offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list skipped rows")
	}
	defer rows.Close()

	var out []model.SkippedRow
	for rows.Next() {
		var sk model.SkippedRow
		if err := rows.Scan(&sk.ID, &sk.RunID, &sk.Stage, &sk.Position, &sk.Raw, &sk.Reason, &sk.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan skipped row")
		}
		out = append(out, sk)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list skipped rows iterate")
}

func (s *PostgresStore) AppendLog(ctx context.Context, entry model.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = nowUTC()
	}
	var meta []byte
	if entry.Metadata != nil {
		var err error
		meta, err = json.Marshal(entry.Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal log metadata")
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_logs (id, run_id, level, message, metadata, ts) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.RunID, entry.Level, entry.Message, meta, entry.Timestamp,
	)
	return eris.Wrap(err, "postgres: append log")
}

func (s *PostgresStore) ListLogs(ctx context.Context, runID string, limit, offset int) (*LogPage, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM run_logs WHERE run_id = $1`, runID).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "postgres: count logs")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, level, message, metadata, ts
		 FROM run_logs WHERE run_id = $1 ORDER BY ts LIMIT $2 OFFSET $3`,
		runID, clampLimit(limit), offset)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list logs")
	}
	defer rows.Close()

	page := &LogPage{Total: total}
	for rows.Next() {
		var e model.LogEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Level, &e.Message, &meta, &e.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal log metadata")
			}
		}
		page.Entries = append(page.Entries, e)
	}
	return page, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = nowUTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, storage_key, original_name, content_type, size_bytes, checksum, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.StorageKey, a.OriginalName, a.ContentType, a.SizeBytes, a.Checksum, a.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert asset")
}

func (s *PostgresStore) GetAsset(ctx context.Context, assetID string) (*model.Asset, error) {
	var a model.Asset
	err := s.pool.QueryRow(ctx,
		`SELECT id, storage_key, original_name, content_type, size_bytes, COALESCE(checksum, ''), created_at
		 FROM assets WHERE id = $1`, assetID,
	).Scan(&a.ID, &a.StorageKey, &a.OriginalName, &a.ContentType, &a.SizeBytes, &a.Checksum, &a.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get asset %s", assetID)
	}
	return &a, nil
}

func (s *PostgresStore) FindAssetByChecksum(ctx context.Context, checksum string) (*model.Asset, error) {
	if checksum == "" {
		return nil, nil
	}
	var a model.Asset
	err := s.pool.QueryRow(ctx,
		`SELECT id, storage_key, original_name, content_type, size_bytes, COALESCE(checksum, ''), created_at
		 FROM assets WHERE checksum = $1 ORDER BY created_at LIMIT 1`, checksum,
	).Scan(&a.ID, &a.StorageKey, &a.OriginalName, &a.ContentType, &a.SizeBytes, &a.Checksum, &a.CreatedAt)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find asset by checksum")
	}
	return &a, nil
}

// scanRun reads the canonical run column list shared by GetRun and ListRuns.
func scanRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	err := row.Scan(&r.ID, &r.AssetID, &r.Status, &r.DryRun, &r.FromStage, &r.ToStage,
		&r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
