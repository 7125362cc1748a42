package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/pkg/postcoder"
)

// geocodeBuyers backfills coordinates onto matched buyers' entities by bulk
// postcode lookup; it runs after the match stages, and buyers still without
// an entity are left for a later run. Unmatched postcodes are logged and
// left without coordinates; only a lookup transport failure aborts the stage.
func (e *Executor) geocodeBuyers(ctx context.Context, run *model.Run, sr *model.StageResult) error {
	if run.AssetID == "" {
		sr.Status = model.StageStatusSkipped
		return nil
	}

	buyers, err := e.store.ListBuyersMissingLocation(ctx, run.AssetID, postcoder.MaxBatch*10)
	if err != nil {
		return eris.Wrap(err, "list buyers missing location")
	}
	if len(buyers) == 0 {
		e.emit(ctx, run.ID, "info", "no buyers need geocoding", nil)
		return nil
	}

	byPostcode := map[string][]model.RawCounterparty{}
	postcodes := make([]string, 0, len(buyers))
	for _, b := range buyers {
		pc := normalizePostcode(b.Postcode)
		if pc == "" {
			continue
		}
		if _, seen := byPostcode[pc]; !seen {
			postcodes = append(postcodes, pc)
		}
		byPostcode[pc] = append(byPostcode[pc], b)
	}

	results, err := e.geocoder.Lookup(ctx, postcodes)
	if err != nil {
		return eris.Wrap(err, "postcode lookup")
	}

	var unmatched int
	for _, res := range results {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "cancelled")
		}
		if !res.Matched {
			unmatched++
			continue
		}
		for _, b := range byPostcode[normalizePostcode(res.Postcode)] {
			if b.EntityID == "" {
				continue
			}
			sr.Processed++
			if run.DryRun {
				continue
			}
			if err := e.store.UpdateEntityLocation(ctx, b.EntityID, res.Latitude, res.Longitude); err != nil {
				e.emit(ctx, run.ID, "warn", "entity location update failed", map[string]any{
					"entity_id": b.EntityID, "error": err.Error(),
				})
			}
		}
	}

	e.emit(ctx, run.ID, "info", "geocoding finished", map[string]any{
		"postcodes": len(postcodes), "unmatched": unmatched, "updated": sr.Processed,
	})
	return nil
}

// normalizePostcode uppercases and strips interior whitespace so lookups and
// responses key identically.
func normalizePostcode(pc string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(pc), " ", ""))
}
