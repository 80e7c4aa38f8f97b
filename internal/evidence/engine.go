// Package evidence implements the idempotent upsert and prune pipeline
// that reconciles fetched source records with the evidence store.
package evidence

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ohsnyt/dossier/internal/names"
	"github.com/ohsnyt/dossier/internal/source"
	"github.com/ohsnyt/dossier/internal/store"
)

// Engine upserts source records into the store. Re-importing the same
// record any number of times converges to one evidence item with the
// latest derived fields and undisturbed user triage decisions.
type Engine struct {
	store     store.Store
	threshold float64
}

// NewEngine creates an upsert engine. A threshold <= 0 uses the matcher's
// default.
func NewEngine(s store.Store, threshold float64) *Engine {
	if threshold <= 0 {
		threshold = names.DefaultThreshold
	}
	return &Engine{store: s, threshold: threshold}
}

// UpsertResult summarizes one upsert batch. Skipped counts malformed or
// failed records; they never abort the batch.
type UpsertResult struct {
	Created int
	Updated int
	Skipped int
	Errors  []string
}

// Upsert reconciles a batch of records from one source. For each record:
// absent external UID creates a new needs-review item; a present one gets
// its derived fields overwritten (signals fully recomputed) while triage
// state, confirmed links, and still-valid proposed links are preserved.
func (e *Engine) Upsert(ctx context.Context, src store.Source, records []source.Record) (*UpsertResult, error) {
	result := &UpsertResult{}

	for _, rec := range records {
		created, err := e.upsertOne(ctx, src, rec)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ExternalUID, err))
			log.Printf("evidence: skipping record %s: %v", rec.ExternalUID, err)
			continue
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
	}

	return result, nil
}

func (e *Engine) upsertOne(ctx context.Context, src store.Source, rec source.Record) (bool, error) {
	if err := validateRecord(rec); err != nil {
		return false, err
	}

	fields := store.DerivedFields{
		OccurredAt:       rec.OccurredAt,
		Title:            rec.Title,
		Snippet:          rec.Snippet,
		BodyText:         rec.BodyText,
		Signals:          ComputeSignals(src, rec),
		ParticipantHints: rec.ParticipantHints,
	}

	existing, err := e.store.GetEvidenceByUID(ctx, rec.ExternalUID)
	if err != nil {
		return false, fmt.Errorf("looking up %s: %w", rec.ExternalUID, err)
	}

	var evidenceID string
	if existing == nil {
		evidenceID = uuid.NewString()
		item := &store.EvidenceItem{
			ID:               evidenceID,
			ExternalUID:      rec.ExternalUID,
			Source:           src,
			TriageState:      store.TriageNeedsReview,
			OccurredAt:       fields.OccurredAt,
			Title:            fields.Title,
			Snippet:          fields.Snippet,
			BodyText:         fields.BodyText,
			Signals:          fields.Signals,
			ParticipantHints: fields.ParticipantHints,
		}
		if err := e.store.InsertEvidence(ctx, item); err != nil {
			return false, fmt.Errorf("inserting %s: %w", rec.ExternalUID, err)
		}
	} else {
		evidenceID = existing.ID
		if err := e.store.UpdateEvidenceDerived(ctx, evidenceID, fields); err != nil {
			return false, fmt.Errorf("updating %s: %w", rec.ExternalUID, err)
		}
		if err := e.reconcileProposedLinks(ctx, existing, rec.ParticipantHints); err != nil {
			return false, err
		}
	}

	if err := e.proposeLinks(ctx, evidenceID, existing, rec.ParticipantHints); err != nil {
		return false, err
	}
	return existing == nil, nil
}

func validateRecord(rec source.Record) error {
	if rec.ExternalUID == "" {
		return fmt.Errorf("record has no external uid")
	}
	if !strings.Contains(rec.ExternalUID, ":") {
		return fmt.Errorf("external uid %q is not namespaced", rec.ExternalUID)
	}
	if rec.Title == "" && rec.BodyText == "" {
		return fmt.Errorf("record has no content")
	}
	return nil
}

// reconcileProposedLinks drops pending proposals whose hint name vanished
// from the fresh record. Accepted and declined links record a human
// decision and always survive a re-import.
func (e *Engine) reconcileProposedLinks(ctx context.Context, existing *store.EvidenceItem, hints []store.ParticipantHint) error {
	current := map[string]struct{}{}
	for _, h := range hints {
		current[strings.ToLower(h.DisplayName)] = struct{}{}
	}

	for _, link := range existing.ProposedLinks {
		if link.Status != store.LinkPending {
			continue
		}
		if _, ok := current[strings.ToLower(link.HintName)]; ok {
			continue
		}
		if err := e.store.DeleteProposedLink(ctx, link.ID); err != nil {
			return fmt.Errorf("dropping stale proposal %d: %w", link.ID, err)
		}
	}
	return nil
}

// proposeLinks runs the duplicate matcher for every unverified hint and
// records pending proposals for candidates above threshold. It never
// auto-accepts; accepting is a human triage action.
func (e *Engine) proposeLinks(ctx context.Context, evidenceID string, existing *store.EvidenceItem, hints []store.ParticipantHint) error {
	unverified := make([]store.ParticipantHint, 0, len(hints))
	for _, h := range hints {
		if !h.Verified && h.DisplayName != "" {
			unverified = append(unverified, h)
		}
	}
	if len(unverified) == 0 {
		return nil
	}

	people, err := e.store.ListPeople(ctx, "")
	if err != nil {
		return fmt.Errorf("loading people for matching: %w", err)
	}
	candidates := make([]names.Candidate, 0, len(people))
	for _, p := range people {
		candidates = append(candidates, names.Candidate{ID: p.ID, DisplayName: p.DisplayName})
	}

	// Any prior proposal (whatever its status) for the same hint+person
	// suppresses a new one: declined means the user already said no.
	proposed := map[string]struct{}{}
	if existing != nil {
		for _, link := range existing.ProposedLinks {
			proposed[strings.ToLower(link.HintName)+"|"+link.PersonID] = struct{}{}
		}
	}

	for _, hint := range unverified {
		matches := names.FindMatches(hint.DisplayName, candidates, e.threshold)
		for _, m := range matches {
			key := strings.ToLower(hint.DisplayName) + "|" + m.Candidate.ID
			if _, ok := proposed[key]; ok {
				continue
			}
			proposed[key] = struct{}{}

			_, err := e.store.AddProposedLink(ctx, &store.ProposedLink{
				EvidenceID: evidenceID,
				PersonID:   m.Candidate.ID,
				Confidence: m.Score,
				Status:     store.LinkPending,
				HintName:   hint.DisplayName,
			})
			if err != nil {
				return fmt.Errorf("proposing link for %q: %w", hint.DisplayName, err)
			}
		}
	}
	return nil
}

// Prune removes every evidence item in the source's UID namespace that is
// absent from validUIDs. Manual items and other sources are untouched.
func (e *Engine) Prune(ctx context.Context, src store.Source, validUIDs map[string]struct{}) (int, error) {
	return e.store.PruneEvidence(ctx, src, validUIDs)
}
