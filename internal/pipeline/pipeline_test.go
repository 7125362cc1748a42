package pipeline

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/spendmatch/internal/matcher"
	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/runlog"
	"github.com/opencivic/spendmatch/internal/store"
	"github.com/opencivic/spendmatch/pkg/postcoder"
)

// memStore is an in-memory store.Store for executor tests.
type memStore struct {
	nextID int

	runs           map[string]*model.Run
	stageResults   []*model.StageResult
	skips          []model.SkippedRow
	logs           []model.LogEntry
	assets         map[string]*model.Asset
	entities       map[string]*model.Entity
	counterparties map[string]*model.RawCounterparty
	spendRows      map[string]model.SpendRow
}

func newMemStore() *memStore {
	return &memStore{
		runs:           map[string]*model.Run{},
		assets:         map[string]*model.Asset{},
		entities:       map[string]*model.Entity{},
		counterparties: map[string]*model.RawCounterparty{},
		spendRows:      map[string]model.SpendRow{},
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) CreateRun(ctx context.Context, assetID string, dryRun bool, fromStage, toStage string) (*model.Run, error) {
	run := &model.Run{
		ID: m.id("run"), AssetID: assetID, Status: model.RunStatusPending,
		DryRun: dryRun, FromStage: fromStage, ToStage: toStage,
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	var out []model.Run
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, runErr string) error {
	run, ok := m.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.Status = status
	run.Error = runErr
	return nil
}

func (m *memStore) DeleteRun(ctx context.Context, runID string) (*store.DeleteRunResult, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if run.Status == model.RunStatusDeleted {
		return &store.DeleteRunResult{}, nil
	}
	res := &store.DeleteRunResult{}
	for key, row := range m.spendRows {
		if row.AssetID == run.AssetID {
			delete(m.spendRows, key)
			res.SpendRowsDeleted++
		}
	}
	var kept []model.SkippedRow
	for _, sk := range m.skips {
		if sk.RunID == runID {
			res.SkippedRowsDeleted++
			continue
		}
		kept = append(kept, sk)
	}
	m.skips = kept
	run.Status = model.RunStatusDeleted
	return res, nil
}

func (m *memStore) CreateStageResult(ctx context.Context, runID, stage string) (*model.StageResult, error) {
	sr := &model.StageResult{ID: m.id("sr"), RunID: runID, Stage: stage, Status: model.StageStatusRunning}
	m.stageResults = append(m.stageResults, sr)
	return sr, nil
}

func (m *memStore) CompleteStageResult(ctx context.Context, sr *model.StageResult) error {
	for i, existing := range m.stageResults {
		if existing.ID == sr.ID {
			m.stageResults[i] = sr
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) ListStageResults(ctx context.Context, runID string) ([]model.StageResult, error) {
	var out []model.StageResult
	for _, sr := range m.stageResults {
		if sr.RunID == runID {
			out = append(out, *sr)
		}
	}
	return out, nil
}

func (m *memStore) RecordSkippedRow(ctx context.Context, sk *model.SkippedRow) error {
	sk.ID = m.id("skip")
	m.skips = append(m.skips, *sk)
	return nil
}

func (m *memStore) ListSkippedRows(ctx context.Context, runID string, limit, offset int) ([]model.SkippedRow, error) {
	var out []model.SkippedRow
	for _, sk := range m.skips {
		if sk.RunID == runID {
			out = append(out, sk)
		}
	}
	return out, nil
}

func (m *memStore) AppendLog(ctx context.Context, entry model.LogEntry) error {
	m.logs = append(m.logs, entry)
	return nil
}

func (m *memStore) ListLogs(ctx context.Context, runID string, limit, offset int) (*store.LogPage, error) {
	page := &store.LogPage{}
	for _, e := range m.logs {
		if e.RunID == runID {
			page.Entries = append(page.Entries, e)
		}
	}
	page.Total = len(page.Entries)
	return page, nil
}

func (m *memStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if a.ID == "" {
		a.ID = m.id("asset")
	}
	m.assets[a.ID] = a
	return nil
}

func (m *memStore) GetAsset(ctx context.Context, assetID string) (*model.Asset, error) {
	a, ok := m.assets[assetID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) FindAssetByChecksum(ctx context.Context, checksum string) (*model.Asset, error) {
	for _, a := range m.assets {
		if a.Checksum == checksum {
			return a, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error) {
	return m.entities[string(t)+"/"+registryID], nil
}

func (m *memStore) CreateEntity(ctx context.Context, e *model.Entity) error {
	key := string(e.Type) + "/" + e.RegistryID
	if _, ok := m.entities[key]; ok {
		return store.ErrEntityExists
	}
	e.ID = m.id("ent")
	m.entities[key] = e
	return nil
}

func (m *memStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	for _, e := range m.entities {
		if e.ID == entityID {
			return e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) UpdateEntityLocation(ctx context.Context, entityID string, lat, lon float64) error {
	for _, e := range m.entities {
		if e.ID == entityID {
			e.Latitude, e.Longitude = &lat, &lon
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStore) EnsureCounterparty(ctx context.Context, kind model.CounterpartyKind, name, postcode string) (*model.RawCounterparty, error) {
	for _, rec := range m.counterparties {
		if rec.Kind == kind && rec.Name == name {
			return rec, nil
		}
	}
	rec := &model.RawCounterparty{
		ID: m.id("cp"), Kind: kind, Name: name, Postcode: postcode,
		MatchStatus: model.MatchStatusPending,
	}
	m.counterparties[rec.ID] = rec
	return rec, nil
}

func (m *memStore) GetCounterparty(ctx context.Context, id string) (*model.RawCounterparty, error) {
	rec, ok := m.counterparties[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) ListCounterparties(ctx context.Context, filter store.CounterpartyFilter) ([]model.RawCounterparty, error) {
	var out []model.RawCounterparty
	for _, rec := range m.counterparties {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) PendingCounterparties(ctx context.Context, kind model.CounterpartyKind, limit int) ([]model.RawCounterparty, error) {
	var out []model.RawCounterparty
	for _, rec := range m.counterparties {
		if rec.MatchStatus != model.MatchStatusPending {
			continue
		}
		if kind != "" && rec.Kind != kind {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) UpdateCounterpartyMatch(ctx context.Context, rec *model.RawCounterparty) error {
	stored, ok := m.counterparties[rec.ID]
	if !ok {
		return store.ErrNotFound
	}
	*stored = *rec
	return nil
}

func (m *memStore) FindMatchedByEntity(ctx context.Context, entityID string, kind model.CounterpartyKind, excludeID string) (*model.RawCounterparty, error) {
	for _, rec := range m.counterparties {
		if rec.EntityID == entityID && rec.Kind == kind && rec.ID != excludeID && rec.MatchStatus == model.MatchStatusMatched {
			return rec, nil
		}
	}
	return nil, nil
}

func (m *memStore) MergeCounterparty(ctx context.Context, duplicate, survivor *model.RawCounterparty) error {
	for key, row := range m.spendRows {
		if row.BuyerID == duplicate.ID {
			row.BuyerID = survivor.ID
		}
		if row.SupplierID == duplicate.ID {
			row.SupplierID = survivor.ID
		}
		m.spendRows[key] = row
	}
	delete(m.counterparties, duplicate.ID)
	return nil
}

func (m *memStore) BulkInsertSpendRows(ctx context.Context, rows []model.SpendRow) (int64, error) {
	var inserted int64
	for _, row := range rows {
		key := row.AssetID + "|" + row.RowHash
		if _, ok := m.spendRows[key]; ok {
			continue
		}
		row.ID = m.id("row")
		m.spendRows[key] = row
		inserted++
	}
	return inserted, nil
}

func (m *memStore) CountSpendRows(ctx context.Context, assetID string) (int64, error) {
	var n int64
	for _, row := range m.spendRows {
		if row.AssetID == assetID {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListBuyersMissingLocation(ctx context.Context, assetID string, limit int) ([]model.RawCounterparty, error) {
	seen := map[string]bool{}
	var out []model.RawCounterparty
	for _, row := range m.spendRows {
		if row.AssetID != assetID || row.BuyerID == "" || seen[row.BuyerID] {
			continue
		}
		seen[row.BuyerID] = true
		rec := m.counterparties[row.BuyerID]
		if rec == nil || rec.Postcode == "" || rec.EntityID == "" {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) CounterpartiesForAsset(ctx context.Context, assetID string, kind model.CounterpartyKind) ([]model.RawCounterparty, error) {
	seen := map[string]bool{}
	var out []model.RawCounterparty
	for _, row := range m.spendRows {
		if row.AssetID != assetID {
			continue
		}
		cpID := row.SupplierID
		if kind == model.KindBuyer {
			cpID = row.BuyerID
		}
		if cpID == "" || seen[cpID] {
			continue
		}
		seen[cpID] = true
		if rec := m.counterparties[cpID]; rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memStore) Ping(ctx context.Context) error    { return nil }
func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Close() error                      { return nil }

// ctxStore fails writes once the context is cancelled, the way a real
// database client does.
type ctxStore struct {
	*memStore
}

func (c *ctxStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, runErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memStore.UpdateRunStatus(ctx, runID, status, runErr)
}

func (c *ctxStore) CompleteStageResult(ctx context.Context, sr *model.StageResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memStore.CompleteStageResult(ctx, sr)
}

func (c *ctxStore) AppendLog(ctx context.Context, entry model.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.memStore.AppendLog(ctx, entry)
}

// stubResolver marks every record matched.
type stubResolver struct {
	store store.Store
	err   error
	calls int
}

func (r *stubResolver) Resolve(ctx context.Context, rec *model.RawCounterparty, hint model.EntityType, dryRun bool) (*matcher.Outcome, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := &matcher.Outcome{Status: model.MatchStatusMatched, Confidence: 0.95, Reason: "auto_apply"}
	if !dryRun {
		rec.MatchStatus = model.MatchStatusMatched
		if err := r.store.UpdateCounterpartyMatch(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// cancelResolver aborts the run's context from inside a match stage.
type cancelResolver struct {
	cancel context.CancelFunc
}

func (r *cancelResolver) Resolve(ctx context.Context, rec *model.RawCounterparty, hint model.EntityType, dryRun bool) (*matcher.Outcome, error) {
	r.cancel()
	return nil, ctx.Err()
}

type stubGeocoder struct {
	results []postcoder.Result
	err     error
	got     []string
}

func (g *stubGeocoder) Lookup(ctx context.Context, postcodes []string) ([]postcoder.Result, error) {
	g.got = append(g.got, postcodes...)
	return g.results, g.err
}

// mapOpener serves asset bytes from memory.
type mapOpener map[string]string

func (o mapOpener) Open(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	content, ok := o[storageKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

const spendCSV = "Buyer,Supplier,Amount,Date\n" +
	"Leeds City Council,Acme Ltd,100.00,2024-03-01\n" +
	"Leeds City Council,\"Widgets\"x,20.00,2024-03-02\n" +
	"Leeds City Council,Bravo Ltd,30.00,2024-03-03\n"

func newTestExecutor(t *testing.T, ms *memStore, content string) *Executor {
	t.Helper()
	require.NoError(t, ms.CreateAsset(context.Background(), &model.Asset{
		ID: "asset-1", StorageKey: "assets/spend.csv", OriginalName: "spend.csv", ContentType: "text/csv",
	}))
	resolver := &stubResolver{store: ms}
	geocoder := &stubGeocoder{}
	opener := mapOpener{"assets/spend.csv": content}
	return New(ms, resolver, geocoder, opener, runlog.New())
}

func stageByName(t *testing.T, stages []model.StageResult, name string) model.StageResult {
	t.Helper()
	for _, sr := range stages {
		if sr.Stage == name {
			return sr
		}
	}
	t.Fatalf("stage %s not found in %v", name, stages)
	return model.StageResult{}
}

func TestExecute_ImportWithMalformedRow(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	run, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, run.ID))

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSucceeded, got.Status)

	stages, err := ms.ListStageResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 4)

	imported := stageByName(t, stages, StageImportRows)
	assert.Equal(t, model.StageStatusSucceeded, imported.Status)
	assert.Equal(t, 2, imported.Processed)
	assert.Equal(t, 1, imported.Skipped)

	skips, err := ms.ListSkippedRows(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, skips, 1)
	assert.Equal(t, model.SkipReasonParseError, skips[0].Reason)
	assert.Equal(t, 2, skips[0].Position)

	n, err := ms.CountSpendRows(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// One buyer and two suppliers, all driven through the resolver.
	suppliers := stageByName(t, stages, StageMatchSuppliers)
	assert.Equal(t, 2, suppliers.Processed)
	assert.Equal(t, 2, suppliers.Matched)
	buyers := stageByName(t, stages, StageMatchBuyers)
	assert.Equal(t, 1, buyers.Processed)
	assert.Equal(t, 1, buyers.Matched)
}

func TestExecute_ReimportIsIdempotent(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	first, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, first.ID))

	second, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, second.ID))

	// Same asset, same rows: the second run inserts nothing new.
	n, err := ms.CountSpendRows(ctx, "asset-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Counterparty records are shared, not duplicated.
	assert.Len(t, ms.counterparties, 3)
}

func TestExecute_DryRunWritesNothing(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	run, err := exec.CreateRun(ctx, "asset-1", true, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, run.ID))

	n, err := ms.CountSpendRows(ctx, "asset-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, ms.counterparties)
	assert.Empty(t, ms.skips)

	// The stage ledger still reflects what would have happened.
	stages, err := ms.ListStageResults(ctx, run.ID)
	require.NoError(t, err)
	imported := stageByName(t, stages, StageImportRows)
	assert.Equal(t, 2, imported.Processed)
	assert.Equal(t, 1, imported.Skipped)
}

func TestExecute_StageWindow(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	full, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, full.ID))

	windowed, err := exec.CreateRun(ctx, "asset-1", false, StageMatchSuppliers, StageMatchSuppliers)
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, windowed.ID))

	stages, err := ms.ListStageResults(ctx, windowed.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, StageMatchSuppliers, stages[0].Stage)
}

func TestExecute_MatchingOnlyRunSkipsImport(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	// Seed a pending backlog without any asset.
	_, err := ms.EnsureCounterparty(ctx, model.KindSupplier, "Acme Ltd", "")
	require.NoError(t, err)

	run, err := exec.CreateRun(ctx, "", false, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, run.ID))

	stages, err := ms.ListStageResults(ctx, run.ID)
	require.NoError(t, err)
	imported := stageByName(t, stages, StageImportRows)
	assert.Equal(t, model.StageStatusSkipped, imported.Status)

	suppliers := stageByName(t, stages, StageMatchSuppliers)
	assert.Equal(t, 1, suppliers.Processed)
	assert.Equal(t, 1, suppliers.Matched)
}

func TestExecute_OpenFailureMarksStageAndRunFailed(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	exec.assets = mapOpener{} // no content behind the storage key
	ctx := context.Background()

	run, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.Error(t, exec.Execute(ctx, run.ID))

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)

	stages, err := ms.ListStageResults(ctx, run.ID)
	require.NoError(t, err)
	imported := stageByName(t, stages, StageImportRows)
	assert.Equal(t, model.StageStatusFailed, imported.Status)
	assert.NotEmpty(t, imported.Error)
}

func TestExecute_CancelledContext(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)

	run, err := exec.CreateRun(context.Background(), "asset-1", false, "", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, exec.Execute(ctx, run.ID))

	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.Error)
}

func TestExecute_CancelledMidStageStillFinalized(t *testing.T) {
	ms := newMemStore()
	cs := &ctxStore{memStore: ms}
	require.NoError(t, ms.CreateAsset(context.Background(), &model.Asset{
		ID: "asset-1", StorageKey: "assets/spend.csv", OriginalName: "spend.csv", ContentType: "text/csv",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := New(cs, &cancelResolver{cancel: cancel}, &stubGeocoder{}, mapOpener{"assets/spend.csv": spendCSV}, runlog.New())

	run, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.Error(t, exec.Execute(ctx, run.ID))

	// The store refuses writes on the cancelled context, so the terminal
	// status and the in-flight stage result must land on a detached one.
	got, err := ms.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)

	stages, err := ms.ListStageResults(context.Background(), run.ID)
	require.NoError(t, err)
	for _, sr := range stages {
		assert.NotEqual(t, model.StageStatusRunning, sr.Status, "stage %s left running", sr.Stage)
	}
	match := stageByName(t, stages, StageMatchSuppliers)
	assert.Equal(t, model.StageStatusFailed, match.Status)
	assert.NotEmpty(t, match.Error)
}

func TestExecute_BadHeaderReleasesRowProducer(t *testing.T) {
	var content strings.Builder
	content.WriteString("Foo,Bar\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&content, "a%d,b%d\n", i, i)
	}

	ms := newMemStore()
	exec := newTestExecutor(t, ms, content.String())
	ctx := context.Background()

	before := runtime.NumGoroutine()
	run, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.Error(t, exec.Execute(ctx, run.ID))

	got, err := ms.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.Contains(t, got.Error, "header missing columns")

	// The row producer must not stay parked on its channel after the
	// header fails to map. Poll in the test goroutine: require.Eventually
	// runs its condition in a spawned goroutine, which would inflate the
	// count it is observing.
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before {
		require.False(t, time.Now().After(deadline),
			"goroutine count did not return to baseline: before=%d now=%d", before, runtime.NumGoroutine())
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecute_TerminalRunRefused(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	run, err := exec.CreateRun(ctx, "asset-1", false, "", "")
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, run.ID))
	require.Error(t, exec.Execute(ctx, run.ID))
}

func TestExecute_GeocodeUpdatesEntityLocation(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	// Buyer with a postcode, matched to an entity without coordinates.
	entity := &model.Entity{Name: "LEEDS CITY COUNCIL", Type: model.EntityTypeLocalGovernment, RegistryID: "LBO-1"}
	require.NoError(t, ms.CreateEntity(ctx, entity))
	buyer, err := ms.EnsureCounterparty(ctx, model.KindBuyer, "Leeds City Council", "LS1 1UR")
	require.NoError(t, err)
	buyer.EntityID = entity.ID
	_, err = ms.BulkInsertSpendRows(ctx, []model.SpendRow{{
		AssetID: "asset-1", RowHash: "h-geo", BuyerID: buyer.ID,
		BuyerName: buyer.Name, SupplierName: "Acme Ltd", AmountPence: 100,
	}})
	require.NoError(t, err)

	geo := &stubGeocoder{results: []postcoder.Result{
		{Postcode: "LS1 1UR", Latitude: 53.8, Longitude: -1.55, Matched: true},
	}}
	exec.geocoder = geo

	run, err := exec.CreateRun(ctx, "asset-1", false, StageGeocodeBuyers, StageGeocodeBuyers)
	require.NoError(t, err)
	require.NoError(t, exec.Execute(ctx, run.ID))

	assert.Equal(t, []string{"LS11UR"}, geo.got)
	require.NotNil(t, entity.Latitude)
	assert.Equal(t, 53.8, *entity.Latitude)
	require.NotNil(t, entity.Longitude)
	assert.Equal(t, -1.55, *entity.Longitude)
}

func TestCreateRun_Validation(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)
	ctx := context.Background()

	_, err := exec.CreateRun(ctx, "asset-1", false, "bogus", "")
	require.Error(t, err)

	_, err = exec.CreateRun(ctx, "asset-1", false, "", "bogus")
	require.Error(t, err)

	_, err = exec.CreateRun(ctx, "no-such-asset", false, "", "")
	require.Error(t, err)
}

func TestStageWindow(t *testing.T) {
	got, err := stageWindow(DefaultStages, "", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultStages, got)

	got, err = stageWindow(DefaultStages, StageMatchSuppliers, StageMatchBuyers)
	require.NoError(t, err)
	assert.Equal(t, []string{StageMatchSuppliers, StageMatchBuyers}, got)

	_, err = stageWindow(DefaultStages, StageMatchBuyers, StageImportRows)
	require.Error(t, err)

	_, err = stageWindow([]string{StageImportRows}, StageMatchBuyers, "")
	require.Error(t, err)
}

func TestValidatePlan(t *testing.T) {
	require.NoError(t, validatePlan(DefaultStages))
	require.NoError(t, validatePlan([]string{StageImportRows, StageMatchSuppliers}))

	assert.Error(t, validatePlan(nil))
	assert.Error(t, validatePlan([]string{"bogus"}))
	assert.Error(t, validatePlan([]string{StageMatchSuppliers, StageImportRows}))
	assert.Error(t, validatePlan([]string{StageImportRows, StageImportRows}))
}

func TestWithStages(t *testing.T) {
	ms := newMemStore()
	exec := newTestExecutor(t, ms, spendCSV)

	trimmed, err := exec.WithStages([]string{StageImportRows})
	require.NoError(t, err)
	assert.Equal(t, []string{StageImportRows}, trimmed.stages)
	// The original executor keeps the full plan.
	assert.Equal(t, DefaultStages, exec.stages)

	_, err = exec.WithStages([]string{"bogus"})
	require.Error(t, err)
}
