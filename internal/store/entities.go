package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/opencivic/spendmatch/internal/db"
	"github.com/opencivic/spendmatch/internal/model"
)

const entityColumns = `id, name, entity_type, registry_id, address_line, postcode, latitude, longitude, created_at, updated_at`

func (s *PostgresStore) GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE entity_type = $1 AND registry_id = $2`,
		string(t), registryID)
	e, err := scanEntity(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s/%s", t, registryID)
	}
	return e, nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, entityID)
	e, err := scanEntity(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get entity %s", entityID)
	}
	return e, nil
}

// CreateEntity inserts a new entity. A collision on (entity_type,
// registry_id) surfaces as ErrEntityExists so callers can re-read the winner.
func (s *PostgresStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := nowUTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, name, entity_type, registry_id, address_line, postcode, latitude, longitude, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Name, string(e.Type), e.RegistryID, e.AddressLine, e.Postcode, e.Latitude, e.Longitude, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrEntityExists
		}
		return eris.Wrap(err, "postgres: insert entity")
	}
	return nil
}

func (s *PostgresStore) UpdateEntityLocation(ctx context.Context, entityID string, lat, lon float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET latitude = $1, longitude = $2, updated_at = now() WHERE id = $3`,
		lat, lon, entityID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update entity location %s", entityID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const counterpartyColumns = `id, kind, name, COALESCE(postcode, ''), COALESCE(entity_id, ''), match_status, match_confidence, match_reason, manually_verified, match_attempted_at, created_at`

// EnsureCounterparty finds or creates the record for an observed name.
// Import keeps one record per distinct (kind, name); a concurrent insert of
// the same name loses the race and reads the winner back.
func (s *PostgresStore) EnsureCounterparty(ctx context.Context, kind model.CounterpartyKind, name, postcode string) (*model.RawCounterparty, error) {
	existing, err := s.findCounterpartyByName(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	rec := &model.RawCounterparty{
		ID:          uuid.New().String(),
		Kind:        kind,
		Name:        name,
		Postcode:    postcode,
		MatchStatus: model.MatchStatusPending,
		CreatedAt:   nowUTC(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO counterparties (id, kind, name, postcode, match_status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, string(kind), name, postcode, string(model.MatchStatusPending), rec.CreatedAt,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return s.findCounterpartyByName(ctx, kind, name)
		}
		return nil, eris.Wrap(err, "postgres: insert counterparty")
	}
	return rec, nil
}

func (s *PostgresStore) findCounterpartyByName(ctx context.Context, kind model.CounterpartyKind, name string) (*model.RawCounterparty, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+counterpartyColumns+` FROM counterparties WHERE kind = $1 AND name = $2`,
		string(kind), name)
	rec, err := scanCounterparty(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find counterparty by name")
	}
	return rec, nil
}

func (s *PostgresStore) GetCounterparty(ctx context.Context, id string) (*model.RawCounterparty, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+counterpartyColumns+` FROM counterparties WHERE id = $1`, id)
	rec, err := scanCounterparty(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get counterparty %s", id)
	}
	return rec, nil
}

func (s *PostgresStore) ListCounterparties(ctx context.Context, filter CounterpartyFilter) ([]model.RawCounterparty, error) {
	query := `SELECT ` + counterpartyColumns + ` FROM counterparties WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, string(filter.Kind))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND match_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Query != "" {
		query += fmt.Sprintf(` AND name ILIKE $%d`, argIdx)
		args = append(args, "%"+filter.Query+"%")
		argIdx++
	}
	query += ` ORDER BY name`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, clampLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list counterparties")
	}
	defer rows.Close()
	return collectCounterparties(rows)
}

// PendingCounterparties returns the next batch for the reconciler: pending
// records never attempted first, then least recently attempted.
func (s *PostgresStore) PendingCounterparties(ctx context.Context, kind model.CounterpartyKind, limit int) ([]model.RawCounterparty, error) {
	query := `SELECT ` + counterpartyColumns + ` FROM counterparties WHERE match_status = $1`
	args := []any{string(model.MatchStatusPending)}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(` ORDER BY match_attempted_at NULLS FIRST, created_at LIMIT $%d`, len(args)+1)
	args = append(args, clampLimit(limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pending counterparties")
	}
	defer rows.Close()
	return collectCounterparties(rows)
}

func (s *PostgresStore) UpdateCounterpartyMatch(ctx context.Context, rec *model.RawCounterparty) error {
	var entity any
	if rec.EntityID != "" {
		entity = rec.EntityID
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE counterparties
		 SET entity_id = $1, match_status = $2, match_confidence = $3, match_reason = $4, manually_verified = $5, match_attempted_at = $6
		 WHERE id = $7`,
		entity, string(rec.MatchStatus), rec.MatchConfidence, rec.MatchReason, rec.ManuallyVerified, rec.MatchAttemptedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update counterparty match %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FindMatchedByEntity(ctx context.Context, entityID string, kind model.CounterpartyKind, excludeID string) (*model.RawCounterparty, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+counterpartyColumns+` FROM counterparties
		 WHERE entity_id = $1 AND kind = $2 AND id <> $3 AND match_status = $4
		 ORDER BY created_at LIMIT 1`,
		entityID, string(kind), excludeID, string(model.MatchStatusMatched))
	rec, err := scanCounterparty(row)
	if err != nil {
		if eris.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: find matched by entity")
	}
	return rec, nil
}

// MergeCounterparty repoints every spend row referencing the duplicate at the
// survivor, then deletes the duplicate. One transaction; a failure leaves
// both records intact.
func (s *PostgresStore) MergeCounterparty(ctx context.Context, duplicate, survivor *model.RawCounterparty) error {
	if duplicate.ID == survivor.ID {
		return eris.New("postgres: merge: duplicate and survivor are the same record")
	}
	if duplicate.Kind != survivor.Kind {
		return eris.New("postgres: merge: kind mismatch")
	}

	fk := "supplier_id"
	if duplicate.Kind == model.KindBuyer {
		fk = "buyer_id"
	}

	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE spend_rows SET `+fk+` = $1 WHERE `+fk+` = $2`,
			survivor.ID, duplicate.ID,
		); err != nil {
			return eris.Wrap(err, "repoint spend rows")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM counterparties WHERE id = $1`, duplicate.ID)
		if err != nil {
			return eris.Wrap(err, "delete duplicate")
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	return eris.Wrapf(err, "postgres: merge counterparty %s into %s", duplicate.ID, survivor.ID)
}

// BulkInsertSpendRows COPYs rows through a temp table keyed on
// (asset_id, row_hash). Returns the number of rows actually inserted, so an
// idempotent re-import reports zero.
func (s *PostgresStore) BulkInsertSpendRows(ctx context.Context, rows []model.SpendRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	spec := db.UpsertSpec{
		Table: "spend_rows",
		Columns: []string{
			"id", "asset_id", "row_hash", "buyer_id", "supplier_id",
			"buyer_name", "supplier_name", "amount_pence", "tx_date", "description", "created_at",
		},
		ConflictKeys: []string{"asset_id", "row_hash"},
	}
	values := make([][]any, 0, len(rows))
	for _, r := range rows {
		id := r.ID
		if id == "" {
			id = uuid.New().String()
		}
		created := r.CreatedAt
		if created.IsZero() {
			created = nowUTC()
		}
		values = append(values, []any{
			id, r.AssetID, r.RowHash, nullable(r.BuyerID), nullable(r.SupplierID),
			r.BuyerName, r.SupplierName, r.AmountPence, r.TxDate, r.Description, created,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, spec, values)
	return n, eris.Wrap(err, "postgres: bulk insert spend rows")
}

func (s *PostgresStore) CountSpendRows(ctx context.Context, assetID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM spend_rows WHERE asset_id = $1`, assetID).Scan(&n)
	return n, eris.Wrap(err, "postgres: count spend rows")
}

// ListBuyersMissingLocation returns matched buyer counterparties for an
// asset whose entities lack coordinates but have a postcode to geocode.
func (s *PostgresStore) ListBuyersMissingLocation(ctx context.Context, assetID string, limit int) ([]model.RawCounterparty, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT c.id, c.kind, c.name, COALESCE(c.postcode, ''), COALESCE(c.entity_id, ''), c.match_status,
		        c.match_confidence, c.match_reason, c.manually_verified, c.match_attempted_at, c.created_at
		 FROM counterparties c
		 JOIN spend_rows sr ON sr.buyer_id = c.id
		 WHERE sr.asset_id = $1 AND c.kind = $2 AND c.postcode <> ''
		   AND c.entity_id IS NOT NULL
		   AND EXISTS (SELECT 1 FROM entities e WHERE e.id = c.entity_id AND e.latitude IS NULL)
		 LIMIT $3`,
		assetID, string(model.KindBuyer), clampLimit(limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: buyers missing location")
	}
	defer rows.Close()
	return collectCounterparties(rows)
}

// CounterpartiesForAsset returns the distinct counterparties of one kind
// referenced by an asset's spend rows.
func (s *PostgresStore) CounterpartiesForAsset(ctx context.Context, assetID string, kind model.CounterpartyKind) ([]model.RawCounterparty, error) {
	fk := "supplier_id"
	if kind == model.KindBuyer {
		fk = "buyer_id"
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT c.id, c.kind, c.name, COALESCE(c.postcode, ''), COALESCE(c.entity_id, ''), c.match_status,
		        c.match_confidence, c.match_reason, c.manually_verified, c.match_attempted_at, c.created_at
		 FROM counterparties c
		 JOIN spend_rows sr ON sr.`+fk+` = c.id
		 WHERE sr.asset_id = $1`,
		assetID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: counterparties for asset")
	}
	defer rows.Close()
	return collectCounterparties(rows)
}

func scanEntity(row pgx.Row) (*model.Entity, error) {
	var e model.Entity
	err := row.Scan(&e.ID, &e.Name, &e.Type, &e.RegistryID, &e.AddressLine, &e.Postcode,
		&e.Latitude, &e.Longitude, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanCounterparty(row pgx.Row) (*model.RawCounterparty, error) {
	var rec model.RawCounterparty
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Name, &rec.Postcode, &rec.EntityID, &rec.MatchStatus,
		&rec.MatchConfidence, &rec.MatchReason, &rec.ManuallyVerified, &rec.MatchAttemptedAt, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectCounterparties(rows pgx.Rows) ([]model.RawCounterparty, error) {
	var out []model.RawCounterparty
	for rows.Next() {
		rec, err := scanCounterparty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan counterparty")
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate counterparties")
}

// nullable maps empty strings to SQL NULL for optional foreign keys.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
