package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/registry"
)

// matchCounterparties resolves every unresolved counterparty of one kind
// referenced by the run's asset. Registry unavailability for one name leaves
// that record pending and moves on; a store failure aborts the stage.
func (e *Executor) matchCounterparties(ctx context.Context, run *model.Run, sr *model.StageResult, kind model.CounterpartyKind) error {
	var (
		records []model.RawCounterparty
		err     error
	)
	if run.AssetID != "" {
		records, err = e.store.CounterpartiesForAsset(ctx, run.AssetID, kind)
	} else {
		// Matching-only run: work through the global pending backlog.
		records, err = e.store.PendingCounterparties(ctx, kind, 0)
	}
	if err != nil {
		return eris.Wrapf(err, "load %s records", kind)
	}

	for i := range records {
		if ctx.Err() != nil {
			return eris.Wrap(ctx.Err(), "cancelled")
		}
		rec := &records[i]
		if rec.MatchStatus != model.MatchStatusPending || rec.ManuallyVerified {
			continue
		}

		// No type hint: any kind of counterparty may map to any registry,
		// so the engine queries all four in canonical order.
		out, err := e.resolver.Resolve(ctx, rec, "", run.DryRun)
		if err != nil {
			if registry.IsUnavailable(err) {
				e.emit(ctx, run.ID, "warn", "registry unavailable, record stays pending", map[string]any{
					"counterparty_id": rec.ID, "name": rec.Name, "error": err.Error(),
				})
				continue
			}
			return eris.Wrapf(err, "resolve %q", rec.Name)
		}

		sr.Processed++
		if out.Status == model.MatchStatusMatched {
			sr.Matched++
		}
		meta := map[string]any{
			"counterparty_id": rec.ID, "name": rec.Name,
			"status": string(out.Status), "reason": out.Reason,
		}
		if out.Confidence > 0 {
			meta["confidence"] = out.Confidence
		}
		if out.Merged {
			meta["merged_into"] = out.MergedInto
		}
		e.emit(ctx, run.ID, "info", "counterparty resolved", meta)
	}
	return nil
}
