package insight

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ohsnyt/dossier/internal/analyze"
	"github.com/ohsnyt/dossier/internal/evidence"
	"github.com/ohsnyt/dossier/internal/names"
	"github.com/ohsnyt/dossier/internal/source"
	"github.com/ohsnyt/dossier/internal/store"
)

// NoteResult reports what processing a note produced.
type NoteResult struct {
	EvidenceID    string            `json:"evidence_id"`
	Artifact      *analyze.Artifact `json:"artifact"`
	MatchedPeople []string          `json:"matched_people"`
	CreatedPeople []string          `json:"created_people"`
	Insights      int               `json:"insights"`
}

// ProcessNote runs the full note pipeline: analyze the text, record it as a
// manual note evidence item, reconcile mentioned people against the roster,
// and derive insights from the artifact. Mentioned people that match an
// existing person are linked directly; unmatched people flagged as new by
// the analyzer are created and linked. threshold <= 0 uses the matcher
// default.
func (g *Generator) ProcessNote(ctx context.Context, analyzer analyze.Analyzer, title, text string, threshold float64) (*NoteResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("note text cannot be empty")
	}

	art, err := analyzer.Analyze(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("analyzing note: %w", err)
	}

	if title == "" {
		title = art.Summary
	}
	item := &store.EvidenceItem{
		ID:          uuid.NewString(),
		Source:      store.SourceNote,
		TriageState: store.TriageNeedsReview,
		OccurredAt:  time.Now().UTC(),
		Title:       title,
		Snippet:     art.Summary,
		BodyText:    text,
		Signals:     evidence.ComputeSignals(store.SourceNote, source.Record{Title: title, BodyText: text}),
	}
	if err := g.store.InsertEvidence(ctx, item); err != nil {
		return nil, fmt.Errorf("recording note: %w", err)
	}

	result := &NoteResult{
		EvidenceID:    item.ID,
		Artifact:      art,
		MatchedPeople: []string{},
		CreatedPeople: []string{},
	}

	people, err := g.store.ListPeople(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing people: %w", err)
	}
	candidates := make([]names.Candidate, 0, len(people))
	for _, p := range people {
		candidates = append(candidates, names.Candidate{ID: p.ID, DisplayName: p.DisplayName})
	}

	var related []string
	for _, pe := range art.People {
		matches := names.FindMatches(pe.Name, candidates, threshold)
		if len(matches) > 0 {
			id := matches[0].Candidate.ID
			if err := g.store.LinkPerson(ctx, item.ID, id); err != nil {
				return nil, fmt.Errorf("linking person: %w", err)
			}
			related = append(related, id)
			result.MatchedPeople = append(result.MatchedPeople, id)
			continue
		}
		if !pe.IsNewPerson {
			continue
		}
		person := &store.Person{
			ID:          uuid.NewString(),
			DisplayName: pe.Name,
		}
		if pe.Relationship != "" {
			person.RoleBadges = []string{pe.Relationship}
		}
		if err := g.store.AddPerson(ctx, person); err != nil {
			return nil, fmt.Errorf("creating person %q: %w", pe.Name, err)
		}
		if err := g.store.LinkPerson(ctx, item.ID, person.ID); err != nil {
			return nil, fmt.Errorf("linking person: %w", err)
		}
		related = append(related, person.ID)
		result.CreatedPeople = append(result.CreatedPeople, person.ID)
		candidates = append(candidates, names.Candidate{ID: person.ID, DisplayName: pe.Name})
	}

	n, err := g.FromNoteAnalysis(ctx, art, related, item.ID)
	if err != nil {
		return nil, fmt.Errorf("deriving insights: %w", err)
	}
	result.Insights = n
	return result, nil
}
