// Package analyze turns raw note text into a structured artifact: people
// with relationship hints, financial topics, facts, implications, and an
// overall affect.
//
// Two analyzers satisfy the same contract: a deterministic rule-based one
// that always works offline, and a semantic one backed by an
// OpenAI-compatible chat endpoint. Callers are analyzer-agnostic; the only
// visible difference is the provenance tag on the artifact.
package analyze

import "context"

// Extractor labels which analyzer produced an artifact.
type Extractor string

const (
	ExtractorHeuristic Extractor = "heuristic"
	ExtractorSemantic  Extractor = "semantic"
)

// Affect is the overall emotional tone of a note.
type Affect string

const (
	AffectPositive Affect = "positive"
	AffectNegative Affect = "negative"
	AffectNeutral  Affect = "neutral"
)

// PersonEntity is a person mentioned in a note, with whatever relationship
// context the text carried.
type PersonEntity struct {
	Name         string   `json:"name"`
	Relationship string   `json:"relationship,omitempty"`
	Aliases      []string `json:"aliases,omitempty"`
	IsNewPerson  bool     `json:"is_new_person"`
}

// TopicEntity is a financial product discussion extracted from a note.
type TopicEntity struct {
	ProductType string `json:"product_type"`
	Amount      string `json:"amount,omitempty"`
	Beneficiary string `json:"beneficiary,omitempty"`
	Sentiment   string `json:"sentiment,omitempty"`
}

// Artifact is the full analysis result for one note. Slice fields are
// always non-nil so downstream consumers never branch on missing data.
type Artifact struct {
	Summary       string         `json:"summary"`
	Affect        Affect         `json:"affect"`
	Facts         []string       `json:"facts"`
	Implications  []string       `json:"implications"`
	People        []PersonEntity `json:"people"`
	Topics        []TopicEntity  `json:"topics"`
	Actions       []string       `json:"actions"`
	ExtractorUsed Extractor      `json:"extractor_used"`
}

// Analyzer is the common contract both extraction tiers satisfy.
type Analyzer interface {
	// Analyze produces an artifact from raw note text. The heuristic
	// implementation never returns an error.
	Analyze(ctx context.Context, text string) (*Artifact, error)

	// Available reports whether this analyzer can serve requests right now.
	Available(ctx context.Context) bool
}

// Select returns semantic when it is non-nil and its availability probe
// succeeds, otherwise fallback. The decision is made per call so a semantic
// endpoint coming back online is picked up without a restart.
func Select(ctx context.Context, semantic, fallback Analyzer) Analyzer {
	if semantic != nil && semantic.Available(ctx) {
		return semantic
	}
	return fallback
}

func emptyArtifact(used Extractor) *Artifact {
	return &Artifact{
		Affect:        AffectNeutral,
		Facts:         []string{},
		Implications:  []string{},
		People:        []PersonEntity{},
		Topics:        []TopicEntity{},
		Actions:       []string{},
		ExtractorUsed: used,
	}
}
