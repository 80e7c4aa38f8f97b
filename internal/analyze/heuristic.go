package analyze

import (
	"context"
	"regexp"
	"strings"
)

// Heuristic is the rule-based analyzer. It is pure and stateless: same
// input, same artifact, no I/O, safe from any goroutine.
type Heuristic struct{}

// NewHeuristic returns the rule-based analyzer.
func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// Available always reports true; the rule tier has no external dependency.
func (h *Heuristic) Available(ctx context.Context) bool {
	return true
}

const summaryMaxLen = 140

var positiveWords = []string{
	"great", "happy", "excited", "good", "wonderful", "glad", "love", "congratulations",
}

var negativeWords = []string{
	"worried", "concern", "problem", "issue", "sad", "upset", "bad", "angry",
}

var followUpPhrases = []string{
	"follow up", "follow-up", "talk about", "discuss", "can we",
}

var opportunityPhrases = []string{
	"interested", "opportunity", "life insurance", "policy", "retirement",
	"savings", "want", "would like", "need", "looking for",
}

var concernPhrases = []string{
	"concern", "issue", "problem", "worried",
}

var (
	// "just had a son ... name is William" — the kinship mention and the
	// naming phrase routinely land in different sentences, so the middle
	// match crosses sentence boundaries.
	newFamilyRe = regexp.MustCompile(`(?:[Jj]ust had|[Rr]ecently had|[Nn]ew)\s+(?:a\s+|an\s+)?(son|daughter|child|baby)\b[\s\S]{0,120}?(?:name is|named|called)\s+([A-Z][a-zA-Z]+)`)

	spouseRe = regexp.MustCompile(`\b(?:[Mm]y|[Hh]is|[Hh]er)\s+(wife|husband|spouse|partner)\s+([A-Z][a-zA-Z]+)`)

	bareNameRe = regexp.MustCompile(`(?:name is|named|called)\s+([A-Z][a-zA-Z]+)`)

	amountRe = regexp.MustCompile(`\$\d{1,3}(?:,\d{3})*(?:\.\d+)?`)

	beneficiaryRe = regexp.MustCompile(`\bfor\s+(?:my\s+|his\s+|her\s+)?([A-Z][a-zA-Z]+)`)

	retirementRe = regexp.MustCompile(`\b(?:retirement|401k|ira)\b`)
)

// amountWindow is how far (in characters) an amount may sit from its
// triggering keyword and still be attributed to that topic.
const amountWindow = 50

// Analyze runs the full rule pipeline. It never returns an error; inputs
// that match nothing produce an artifact with empty collections.
func (h *Heuristic) Analyze(ctx context.Context, text string) (*Artifact, error) {
	art := emptyArtifact(ExtractorHeuristic)
	text = strings.TrimSpace(text)
	if text == "" {
		return art, nil
	}

	lower := strings.ToLower(text)

	art.Summary = summarize(text)
	art.Affect = classifyAffect(lower)
	art.Facts, art.Implications = triggerFactsAndImplications(lower)
	art.People = extractPeople(text)
	art.Topics = extractTopics(text, lower)

	return art, nil
}

// summarize returns the first sentence, or a 140-character prefix when the
// text has no sentence boundary.
func summarize(text string) string {
	if idx := strings.Index(text, "."); idx >= 0 {
		return strings.TrimSpace(text[:idx+1])
	}
	runes := []rune(text)
	if len(runes) > summaryMaxLen {
		return string(runes[:summaryMaxLen])
	}
	return text
}

// classifyAffect compares positive-word and negative-word occurrence counts
// over the whole text; a strict majority wins, ties are neutral.
func classifyAffect(lower string) Affect {
	pos, neg := 0, 0
	for _, w := range positiveWords {
		pos += strings.Count(lower, w)
	}
	for _, w := range negativeWords {
		neg += strings.Count(lower, w)
	}
	switch {
	case pos > neg:
		return AffectPositive
	case neg > pos:
		return AffectNegative
	default:
		return AffectNeutral
	}
}

func triggerFactsAndImplications(lower string) (facts, implications []string) {
	facts = []string{}
	implications = []string{}

	if containsAny(lower, followUpPhrases) {
		facts = append(facts, "Follow-up requested")
	}
	if containsAny(lower, opportunityPhrases) {
		implications = append(implications, "Potential opportunity")
	}
	if containsAny(lower, concernPhrases) {
		implications = append(implications, "Potential risk/concern")
	}
	return facts, implications
}

func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// extractPeople applies the three person rules in priority order. Names are
// deduplicated case-insensitively and the first rule to claim a name wins,
// so "just had a son ... name is William" yields the son relationship, not
// the bare-name fallback.
func extractPeople(text string) []PersonEntity {
	people := []PersonEntity{}
	seen := map[string]struct{}{}

	add := func(p PersonEntity) {
		key := strings.ToLower(p.Name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		people = append(people, p)
	}

	for _, m := range newFamilyRe.FindAllStringSubmatch(text, -1) {
		add(PersonEntity{
			Name:         m[2],
			Relationship: strings.ToLower(m[1]),
			IsNewPerson:  true,
		})
	}
	for _, m := range spouseRe.FindAllStringSubmatch(text, -1) {
		add(PersonEntity{
			Name:         m[2],
			Relationship: strings.ToLower(m[1]),
		})
	}
	for _, m := range bareNameRe.FindAllStringSubmatch(text, -1) {
		add(PersonEntity{Name: m[1]})
	}

	return people
}

func extractTopics(text, lower string) []TopicEntity {
	topics := []TopicEntity{}

	if span := firstKeywordSpan(lower, "life insurance", "policy"); span != nil {
		topic := TopicEntity{
			ProductType: "Life Insurance",
			Amount:      nearestAmount(lower, span),
			Sentiment:   classifySentiment(lower[:span[0]]),
		}
		if m := beneficiaryRe.FindStringSubmatch(text); m != nil {
			topic.Beneficiary = m[1]
		}
		topics = append(topics, topic)
	}

	if loc := retirementRe.FindStringIndex(lower); loc != nil {
		span := loc
		// Prefer an amount near "retirement" itself; fall back to one near
		// a "savings" mention.
		amount := nearestAmount(lower, span)
		if amount == "" {
			if s := firstKeywordSpan(lower, "savings"); s != nil {
				amount = nearestAmount(lower, s)
			}
		}
		topics = append(topics, TopicEntity{
			ProductType: "Retirement",
			Amount:      amount,
			Sentiment:   classifySentiment(lower[:span[0]]),
		})
	}

	return topics
}

// firstKeywordSpan returns the [start, end) of the earliest occurrence of
// any keyword, or nil.
func firstKeywordSpan(lower string, keywords ...string) []int {
	best := []int(nil)
	for _, kw := range keywords {
		if idx := strings.Index(lower, kw); idx >= 0 {
			if best == nil || idx < best[0] {
				best = []int{idx, idx + len(kw)}
			}
		}
	}
	return best
}

// nearestAmount returns the dollar amount closest to the keyword span,
// provided the gap between them is at most amountWindow characters.
func nearestAmount(lower string, span []int) string {
	locs := amountRe.FindAllStringIndex(lower, -1)
	best := ""
	bestGap := amountWindow + 1
	for _, loc := range locs {
		gap := 0
		switch {
		case loc[1] <= span[0]:
			gap = span[0] - loc[1]
		case loc[0] >= span[1]:
			gap = loc[0] - span[1]
		}
		if gap < bestGap {
			bestGap = gap
			best = lower[loc[0]:loc[1]]
		}
	}
	return best
}

// classifySentiment inspects the context before a topic keyword.
func classifySentiment(before string) string {
	switch {
	case strings.Contains(before, "want") || strings.Contains(before, "would like") || strings.Contains(before, "interested"):
		return "wants"
	case strings.Contains(before, "increase"):
		return "increase"
	case strings.Contains(before, "consider"):
		return "considering"
	default:
		return ""
	}
}
