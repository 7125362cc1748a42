package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/opencivic/spendmatch/internal/ingest"
	"github.com/opencivic/spendmatch/internal/model"
)

// insertBatchSize bounds how many spend rows accumulate before a bulk write.
const insertBatchSize = 500

// importRows parses the run's asset into spend rows. Each distinct buyer and
// supplier name becomes (or reuses) a counterparty record. A malformed row is
// recorded as skipped and the stage continues.
func (e *Executor) importRows(ctx context.Context, run *model.Run, sr *model.StageResult) error {
	if run.AssetID == "" {
		sr.Status = model.StageStatusSkipped
		e.emit(ctx, run.ID, "info", "no asset on run, import skipped", nil)
		return nil
	}
	asset, err := e.store.GetAsset(ctx, run.AssetID)
	if err != nil {
		return eris.Wrap(err, "load asset")
	}

	format, err := ingest.DetectFormat(asset.OriginalName, asset.ContentType)
	if err != nil {
		return err
	}
	rc, err := e.assets.Open(ctx, asset.StorageKey)
	if err != nil {
		return eris.Wrap(err, "open asset")
	}
	defer rc.Close() //nolint:errcheck

	// The row producer exits on ctx cancellation; cancelling on every
	// return path keeps an early error from stranding it mid-send.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	header, rows, err := ingest.Stream(ctx, rc, format)
	if err != nil {
		return err
	}
	colMap, err := ingest.MapHeader(header)
	if err != nil {
		return err
	}

	// Counterparty records are deduplicated per name within the file to
	// avoid a store round-trip per row.
	buyerIDs := map[string]string{}
	supplierIDs := map[string]string{}
	batch := make([]model.SpendRow, 0, insertBatchSize)
	var inserted int64

	flush := func() error {
		if len(batch) == 0 || run.DryRun {
			batch = batch[:0]
			return nil
		}
		n, err := e.store.BulkInsertSpendRows(ctx, batch)
		if err != nil {
			return eris.Wrap(err, "insert spend rows")
		}
		inserted += n
		batch = batch[:0]
		return nil
	}

	for res := range rows {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "cancelled")
		}

		if res.Err != nil {
			sr.Skipped++
			e.recordSkip(ctx, run, sr.Stage, res.Position, strings.Join(res.Cells, ","), model.SkipReasonParseError)
			continue
		}
		rec, err := colMap.ParseRecord(res.Cells)
		if err != nil {
			sr.Skipped++
			reason := model.SkipReasonParseError
			var skip *ingest.SkipError
			if errors.As(err, &skip) {
				reason = skip.Reason
			}
			e.recordSkip(ctx, run, sr.Stage, res.Position, strings.Join(res.Cells, ","), reason)
			continue
		}

		row := model.SpendRow{
			AssetID:      run.AssetID,
			RowHash:      ingest.RowHash(res.Cells),
			BuyerName:    rec.BuyerName,
			SupplierName: rec.SupplierName,
			AmountPence:  rec.AmountPence,
			TxDate:       rec.TxDate,
			Description:  rec.Description,
		}

		if !run.DryRun {
			buyerID, err := e.counterpartyID(ctx, buyerIDs, model.KindBuyer, rec.BuyerName, rec.BuyerPostcode)
			if err != nil {
				return err
			}
			supplierID, err := e.counterpartyID(ctx, supplierIDs, model.KindSupplier, rec.SupplierName, "")
			if err != nil {
				return err
			}
			row.BuyerID = buyerID
			row.SupplierID = supplierID
		}

		batch = append(batch, row)
		sr.Processed++
		if len(batch) >= insertBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	e.emit(ctx, run.ID, "info", "import finished", map[string]any{
		"processed": sr.Processed, "skipped": sr.Skipped, "inserted": inserted,
		"buyers": len(buyerIDs), "suppliers": len(supplierIDs),
	})
	return nil
}

func (e *Executor) counterpartyID(ctx context.Context, cache map[string]string, kind model.CounterpartyKind, name, postcode string) (string, error) {
	if id, ok := cache[name]; ok {
		return id, nil
	}
	rec, err := e.store.EnsureCounterparty(ctx, kind, name, postcode)
	if err != nil {
		return "", eris.Wrapf(err, "ensure %s %q", kind, name)
	}
	cache[name] = rec.ID
	return rec.ID, nil
}

func (e *Executor) recordSkip(ctx context.Context, run *model.Run, stage string, position int, raw, reason string) {
	e.emit(ctx, run.ID, "warn", "row skipped", map[string]any{
		"position": position, "reason": reason,
	})
	if run.DryRun {
		return
	}
	sk := &model.SkippedRow{
		RunID:    run.ID,
		Stage:    stage,
		Position: position,
		Raw:      raw,
		Reason:   reason,
	}
	if err := e.store.RecordSkippedRow(ctx, sk); err != nil {
		e.emit(ctx, run.ID, "error", "record skipped row failed", map[string]any{"error": err.Error()})
	}
}
