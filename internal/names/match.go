package names

import "sort"

const (
	// DefaultThreshold is the minimum score for a candidate to count as a
	// potential duplicate. Tuned empirically; override via config.
	DefaultThreshold = 0.60

	// surnameBoost is added when the last tokens of both names agree.
	surnameBoost = 0.25
)

// Candidate is a read-only projection of an existing person used as matcher
// input. The matcher never creates or mutates people; it only scores.
type Candidate struct {
	ID          string
	DisplayName string
}

// Match pairs a candidate with its similarity score in [0, 1]. Matches are
// transient and never persisted.
type Match struct {
	Candidate Candidate
	Score     float64
}

// FindMatches scores name against every candidate and returns matches with
// score >= threshold, sorted by descending score (ties broken by candidate
// ID for determinism). A threshold <= 0 falls back to DefaultThreshold.
func FindMatches(name string, candidates []Candidate, threshold float64) []Match {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	query := Canonicalize(name)
	if len(query) == 0 {
		return nil
	}

	var matches []Match
	for _, c := range candidates {
		score := Score(query, Canonicalize(c.DisplayName))
		if score >= threshold {
			matches = append(matches, Match{Candidate: c, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Candidate.ID < matches[j].Candidate.ID
	})

	return matches
}

// Score computes the similarity of two canonicalized token lists:
//
//  1. either list empty → 0
//  2. base = Jaccard similarity of the token sets
//  3. equal last tokens → min(1.0, base + surnameBoost)
//  4. both lists ≥2 tokens with equal first AND last tokens → 1.0,
//     unconditionally ("Bob Smith" vs "Robert Smith" after nickname
//     normalization)
//
// The exact override is evaluated independently of the boost and always
// wins over the boosted Jaccard value.
func Score(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	if len(a) >= 2 && len(b) >= 2 && a[0] == b[0] && a[len(a)-1] == b[len(b)-1] {
		return 1.0
	}

	score := jaccard(a, b)
	if a[len(a)-1] == b[len(b)-1] {
		score += surnameBoost
		if score > 1.0 {
			score = 1.0
		}
	}

	return score
}

func jaccard(a, b []string) float64 {
	aSet := make(map[string]struct{}, len(a))
	for _, t := range a {
		aSet[t] = struct{}{}
	}
	bSet := make(map[string]struct{}, len(b))
	for _, t := range b {
		bSet[t] = struct{}{}
	}

	inter := 0
	for t := range aSet {
		if _, ok := bSet[t]; ok {
			inter++
		}
	}
	union := len(aSet) + len(bSet) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
