// Package matcher resolves raw counterparty names against the external
// registries: normalization, similarity scoring, the auto-apply/review/
// no-match decision table, and duplicate-merge on registry-id collision.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencivic/spendmatch/internal/model"
	"github.com/opencivic/spendmatch/internal/registry"
	"github.com/opencivic/spendmatch/internal/store"
)

// Store is the persistence surface the engine writes through. The postgres
// store implements it; tests use fakes.
type Store interface {
	// GetEntityByRegistryID returns nil, nil when no entity holds the id.
	GetEntityByRegistryID(ctx context.Context, t model.EntityType, registryID string) (*model.Entity, error)
	// CreateEntity inserts a new entity. A unique-constraint violation on
	// (type, registry_id) must surface as store.ErrEntityExists.
	CreateEntity(ctx context.Context, e *model.Entity) error
	// FindMatchedByEntity returns a different counterparty of the same kind
	// already matched to the entity, or nil, nil.
	FindMatchedByEntity(ctx context.Context, entityID string, kind model.CounterpartyKind, excludeID string) (*model.RawCounterparty, error)
	// UpdateCounterpartyMatch persists the match lifecycle fields.
	UpdateCounterpartyMatch(ctx context.Context, rec *model.RawCounterparty) error
	// MergeCounterparty atomically repoints spend rows from duplicate to
	// survivor and removes the duplicate record.
	MergeCounterparty(ctx context.Context, duplicate, survivor *model.RawCounterparty) error
}

// AmbiguousDuplicateError reports two existing entities that both plausibly
// match one raw name. Never auto-resolved.
type AmbiguousDuplicateError struct {
	Name      string
	EntityIDs []string
}

func (e *AmbiguousDuplicateError) Error() string {
	return fmt.Sprintf("ambiguous duplicate for %q: entities %v", e.Name, e.EntityIDs)
}

// Outcome reports what Resolve decided and applied.
type Outcome struct {
	Status     model.MatchStatus
	EntityID   string
	Confidence float64
	Reason     string
	Merged     bool
	MergedInto string
	Best       *ScoredCandidate
}

// Engine is the entity-resolution engine. It is shared between interactive
// runs and the background reconciler; registry-id uniqueness in the store is
// what keeps the two call sites safe under interleaving.
type Engine struct {
	store      Store
	registries *registry.Set
	thresholds Thresholds
}

// New creates a match engine.
func New(store Store, registries *registry.Set, thresholds Thresholds) *Engine {
	return &Engine{store: store, registries: registries, thresholds: thresholds}
}

// Resolve matches one raw counterparty record. When dryRun is set the full
// lookup/score/decide path runs but nothing is persisted.
//
// Registry failures leave the record pending and return a registry
// UnavailableError; they never poison the surrounding batch.
func (e *Engine) Resolve(ctx context.Context, rec *model.RawCounterparty, hint model.EntityType, dryRun bool) (*Outcome, error) {
	log := zap.L().With(
		zap.String("counterparty_id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("kind", string(rec.Kind)),
	)

	if reason, ok := ValidateName(rec.Name); !ok {
		out := &Outcome{Status: model.MatchStatusNoMatch, Reason: "invalid_name:" + reason}
		if dryRun {
			return out, nil
		}
		return out, e.persist(ctx, rec, out)
	}

	candidates, err := e.collect(ctx, rec.Name, hint)
	if err != nil {
		// Transient: leave pending, retried on a later pass.
		log.Warn("registry lookup failed, leaving pending", zap.Error(err))
		return &Outcome{Status: model.MatchStatusPending, Reason: "registry_unavailable"}, err
	}

	scored := ScoreCandidates(rec.Name, candidates)
	if len(scored) == 0 {
		out := &Outcome{Status: model.MatchStatusNoMatch, Reason: "no_candidates"}
		if dryRun {
			return out, nil
		}
		return out, e.persist(ctx, rec, out)
	}

	best := scored[0]
	out := &Outcome{Confidence: best.Score, Best: &best}

	switch Decide(best.Score, e.thresholds) {
	case DecisionAutoApply:
		if dryRun {
			out.Status = model.MatchStatusMatched
			out.Reason = "auto_apply"
			return out, nil
		}
		if err := e.checkAmbiguity(ctx, rec, scored); err != nil {
			var amb *AmbiguousDuplicateError
			if errors.As(err, &amb) {
				out.Status = model.MatchStatusPending
				out.Reason = fmt.Sprintf("ambiguous_duplicate:%v", amb.EntityIDs)
				if perr := e.persist(ctx, rec, out); perr != nil {
					return out, perr
				}
				return out, err
			}
			return out, err
		}
		return e.apply(ctx, rec, best, out, log)

	case DecisionReview:
		out.Status = model.MatchStatusPending
		out.Reason = fmt.Sprintf("review:%s:%s:%.2f", best.EntityType, best.RegistryID, best.Score)
	default:
		out.Status = model.MatchStatusNoMatch
		out.Reason = fmt.Sprintf("below_minimum:%.2f", best.Score)
	}

	if dryRun {
		return out, nil
	}
	return out, e.persist(ctx, rec, out)
}

// ManualLink applies an operator decision: link rec to the given registry
// candidate regardless of score. Sets manuallyVerified and confidence 1.0.
// For company entities missing from the store, the registry profile supplies
// the entity fields.
func (e *Engine) ManualLink(ctx context.Context, rec *model.RawCounterparty, t model.EntityType, registryID, displayName string) (*Outcome, error) {
	if !t.Valid() {
		return nil, eris.Errorf("matcher: invalid entity type %q", t)
	}

	cand := registry.Candidate{RegistryID: registryID, Name: displayName, EntityType: t}
	if t == model.EntityTypeCompany && displayName == "" {
		profile, err := e.registries.CompanyProfile(ctx, registryID)
		if err != nil {
			return nil, eris.Wrap(err, "matcher: fetch profile for manual link")
		}
		cand.Name = profile.Name
		cand.AddressLine = profile.AddressLine
		cand.Postcode = profile.Postcode
	}

	out := &Outcome{Confidence: 1.0}
	rec.ManuallyVerified = true
	return e.apply(ctx, rec, ScoredCandidate{Candidate: cand, Score: 1.0}, out, zap.L())
}

// collect queries every directory for the hint and concatenates candidates.
// Directories are searched concurrently but flattened in canonical order so
// score ties break deterministically. If at least one directory answers,
// partial results are used; if all fail the first error propagates.
func (e *Engine) collect(ctx context.Context, name string, hint model.EntityType) ([]registry.Candidate, error) {
	dirs := e.registries.ForType(hint)
	if len(dirs) == 0 {
		return nil, eris.Errorf("matcher: no registry configured for type %q", hint)
	}

	results := make([][]registry.Candidate, len(dirs))
	errs := make([]error, len(dirs))
	var g errgroup.Group
	for i, td := range dirs {
		g.Go(func() error {
			results[i], errs[i] = td.Directory.Search(ctx, name)
			return nil
		})
	}
	_ = g.Wait()

	var all []registry.Candidate
	var firstErr error
	var answered bool
	for i := range dirs {
		if errs[i] != nil {
			if firstErr == nil {
				firstErr = errs[i]
			}
			continue
		}
		answered = true
		all = append(all, results[i]...)
	}

	if !answered {
		return nil, firstErr
	}
	return all, nil
}

// checkAmbiguity refuses to auto-resolve when two distinct registry ids both
// clear the auto-apply bar and both already have entities on file.
func (e *Engine) checkAmbiguity(ctx context.Context, rec *model.RawCounterparty, scored []ScoredCandidate) error {
	if len(scored) < 2 {
		return nil
	}
	best, second := scored[0], scored[1]
	if second.Score < e.thresholds.AutoApply || second.RegistryID == best.RegistryID {
		return nil
	}

	firstEnt, err := e.store.GetEntityByRegistryID(ctx, best.EntityType, best.RegistryID)
	if err != nil {
		return eris.Wrap(err, "matcher: ambiguity check")
	}
	secondEnt, err := e.store.GetEntityByRegistryID(ctx, second.EntityType, second.RegistryID)
	if err != nil {
		return eris.Wrap(err, "matcher: ambiguity check")
	}
	if firstEnt != nil && secondEnt != nil {
		return &AmbiguousDuplicateError{Name: rec.Name, EntityIDs: []string{firstEnt.ID, secondEnt.ID}}
	}
	return nil
}

// apply ensures the entity exists, routes registry-id collisions into merge,
// and persists the match.
func (e *Engine) apply(ctx context.Context, rec *model.RawCounterparty, best ScoredCandidate, out *Outcome, log *zap.Logger) (*Outcome, error) {
	entity, err := e.ensureEntity(ctx, best)
	if err != nil {
		return out, err
	}
	out.EntityID = entity.ID

	// A different record of this kind already matched to the entity means
	// this record is a duplicate: merge, never a second entity.
	survivor, err := e.store.FindMatchedByEntity(ctx, entity.ID, rec.Kind, rec.ID)
	if err != nil {
		return out, eris.Wrap(err, "matcher: duplicate check")
	}
	if survivor != nil {
		if err := e.store.MergeCounterparty(ctx, rec, survivor); err != nil {
			return out, eris.Wrap(err, "matcher: merge duplicate")
		}
		log.Info("merged duplicate counterparty",
			zap.String("survivor_id", survivor.ID),
			zap.String("entity_id", entity.ID),
		)
		out.Status = model.MatchStatusMatched
		out.Merged = true
		out.MergedInto = survivor.ID
		out.Reason = "duplicate_merged"
		return out, nil
	}

	out.Status = model.MatchStatusMatched
	if out.Reason == "" {
		out.Reason = "auto_apply"
	}
	return out, e.persist(ctx, rec, out)
}

// ensureEntity finds or creates the entity for a candidate. Creation uses
// attempt-write-then-merge-on-conflict: a unique violation means another
// caller (an interactive run or the reconciler) won the race, so re-read and
// use the surviving row.
func (e *Engine) ensureEntity(ctx context.Context, best ScoredCandidate) (*model.Entity, error) {
	existing, err := e.store.GetEntityByRegistryID(ctx, best.EntityType, best.RegistryID)
	if err != nil {
		return nil, eris.Wrap(err, "matcher: lookup entity")
	}
	if existing != nil {
		return existing, nil
	}

	entity := &model.Entity{
		Name:        best.Name,
		Type:        best.EntityType,
		RegistryID:  best.RegistryID,
		AddressLine: best.AddressLine,
		Postcode:    best.Postcode,
	}
	err = e.store.CreateEntity(ctx, entity)
	if err == nil {
		return entity, nil
	}
	if !errors.Is(err, store.ErrEntityExists) {
		return nil, eris.Wrap(err, "matcher: create entity")
	}

	// Lost the insert race; the constraint guarantees exactly one winner.
	existing, err = e.store.GetEntityByRegistryID(ctx, best.EntityType, best.RegistryID)
	if err != nil {
		return nil, eris.Wrap(err, "matcher: re-read entity after conflict")
	}
	if existing == nil {
		return nil, eris.Errorf("matcher: entity vanished after conflict for %s/%s", best.EntityType, best.RegistryID)
	}
	return existing, nil
}

func (e *Engine) persist(ctx context.Context, rec *model.RawCounterparty, out *Outcome) error {
	now := time.Now().UTC()
	rec.MatchStatus = out.Status
	rec.EntityID = out.EntityID
	rec.MatchReason = out.Reason
	rec.MatchAttemptedAt = &now
	if out.Best != nil || out.Confidence > 0 {
		conf := out.Confidence
		rec.MatchConfidence = &conf
	} else {
		rec.MatchConfidence = nil
	}
	return eris.Wrap(e.store.UpdateCounterpartyMatch(ctx, rec), "matcher: persist match")
}
