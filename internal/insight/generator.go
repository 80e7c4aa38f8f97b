// Package insight derives deduplicated observations from evidence and note
// analysis. At most one non-dismissed insight exists per (target, kind,
// message); repeated observations merge their supporting evidence instead
// of creating duplicate rows.
package insight

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ohsnyt/dossier/internal/analyze"
	"github.com/ohsnyt/dossier/internal/store"
)

// Rule confidences. Heuristic-derived insights score lower than
// semantically-derived ones; follow-ups and actions sit in between.
const (
	ConfidenceHeuristic = 0.6
	ConfidenceFollowUp  = 0.7
	ConfidenceAction    = 0.7
	ConfidenceSemantic  = 0.8
)

// Insight kinds.
const (
	KindOpportunity = "opportunity"
	KindFollowUp    = "follow-up"
	KindRisk        = "risk"
	KindAction      = "action"
)

// Product target identifiers for insights not attributable to a person.
const (
	ProductLifeInsurance = "life-insurance"
	ProductRetirement    = "retirement"
)

// Generator creates insights in the shared store.
type Generator struct {
	store store.Store
}

// NewGenerator creates an insight generator.
func NewGenerator(s store.Store) *Generator {
	return &Generator{store: s}
}

type candidate struct {
	target     store.InsightTarget
	kind       string
	message    string
	confidence float64
}

// FromEvidence derives insights from one evidence item's signals. The
// target is the item's first linked person; signal-only product interest
// falls back to a product target. Items with neither yield nothing.
// Returns how many insights were created or merged.
func (g *Generator) FromEvidence(ctx context.Context, item *store.EvidenceItem) (int, error) {
	personTarget := store.InsightTarget{}
	if len(item.LinkedPeople) > 0 {
		personTarget.PersonID = item.LinkedPeople[0]
	}

	var candidates []candidate
	for _, signal := range item.Signals {
		switch signal {
		case "insurance":
			target := personTarget
			if target.PersonID == "" {
				target = store.InsightTarget{ProductID: ProductLifeInsurance}
			}
			candidates = append(candidates, candidate{
				target: target, kind: KindOpportunity,
				message:    "Interested in Life Insurance",
				confidence: ConfidenceHeuristic,
			})
		case "retirement":
			target := personTarget
			if target.PersonID == "" {
				target = store.InsightTarget{ProductID: ProductRetirement}
			}
			candidates = append(candidates, candidate{
				target: target, kind: KindOpportunity,
				message:    "Interested in Retirement planning",
				confidence: ConfidenceHeuristic,
			})
		case "follow-up":
			if personTarget.PersonID == "" {
				continue
			}
			candidates = append(candidates, candidate{
				target: personTarget, kind: KindFollowUp,
				message:    fmt.Sprintf("Follow up on %q", item.Title),
				confidence: ConfidenceFollowUp,
			})
		}
	}

	return g.upsertAll(ctx, candidates, []string{item.ID})
}

// FromNoteAnalysis derives insights from an analysis artifact. Topics and
// implications target the first related person when one is known, falling
// back to the topic's product. Actions only arrive from the semantic tier.
// evidenceID is the note evidence these insights are based on.
func (g *Generator) FromNoteAnalysis(ctx context.Context, art *analyze.Artifact, relatedPersonIDs []string, evidenceID string) (int, error) {
	confidence := ConfidenceHeuristic
	if art.ExtractorUsed == analyze.ExtractorSemantic {
		confidence = ConfidenceSemantic
	}

	personTarget := store.InsightTarget{}
	if len(relatedPersonIDs) > 0 {
		personTarget.PersonID = relatedPersonIDs[0]
	}

	var candidates []candidate

	for _, topic := range art.Topics {
		target := personTarget
		if target.PersonID == "" {
			switch topic.ProductType {
			case "Life Insurance":
				target = store.InsightTarget{ProductID: ProductLifeInsurance}
			case "Retirement":
				target = store.InsightTarget{ProductID: ProductRetirement}
			default:
				continue
			}
		}
		message := fmt.Sprintf("Interested in %s", topic.ProductType)
		if topic.Amount != "" {
			message = fmt.Sprintf("Interested in %s (%s)", topic.ProductType, topic.Amount)
		}
		candidates = append(candidates, candidate{
			target: target, kind: KindOpportunity,
			message: message, confidence: confidence,
		})
	}

	for _, implication := range art.Implications {
		if personTarget.PersonID == "" {
			break
		}
		kind := KindOpportunity
		if implication == "Potential risk/concern" {
			kind = KindRisk
		}
		candidates = append(candidates, candidate{
			target: personTarget, kind: kind,
			message: implication, confidence: confidence,
		})
	}

	for _, action := range art.Actions {
		if personTarget.PersonID == "" {
			break
		}
		candidates = append(candidates, candidate{
			target: personTarget, kind: KindAction,
			message: action, confidence: ConfidenceAction,
		})
	}

	var evidence []string
	if evidenceID != "" {
		evidence = []string{evidenceID}
	}
	return g.upsertAll(ctx, candidates, evidence)
}

// Deduplicate collapses stored duplicates, keeping the earliest insight of
// each (target, kind, message) group with the union of evidence sets.
func (g *Generator) Deduplicate(ctx context.Context) (int, error) {
	return g.store.DedupInsights(ctx)
}

func (g *Generator) upsertAll(ctx context.Context, candidates []candidate, evidence []string) (int, error) {
	count := 0
	for _, c := range candidates {
		if !c.target.Valid() {
			continue
		}
		if err := g.upsertOne(ctx, c, evidence); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// upsertOne enforces the active-uniqueness rule: an existing non-dismissed
// insight with the same identity absorbs the new evidence, otherwise a new
// row is created. Dismissed insights never absorb — a dismissed observation
// may legitimately recur as a fresh one.
func (g *Generator) upsertOne(ctx context.Context, c candidate, evidence []string) error {
	existing, err := g.store.FindActiveInsight(ctx, c.target, c.kind, c.message)
	if err != nil {
		return fmt.Errorf("checking for duplicate insight: %w", err)
	}
	if existing != nil {
		if err := g.store.AddInsightEvidence(ctx, existing.ID, evidence); err != nil {
			return fmt.Errorf("merging insight evidence: %w", err)
		}
		return nil
	}

	in := &store.Insight{
		ID:              uuid.NewString(),
		Target:          c.target,
		Kind:            c.kind,
		Message:         c.message,
		Confidence:      c.confidence,
		BasedOnEvidence: evidence,
	}
	if err := g.store.InsertInsight(ctx, in); err != nil {
		return fmt.Errorf("inserting insight: %w", err)
	}
	return nil
}
