// Package names provides name canonicalization and fuzzy duplicate-person
// matching for Dossier.
//
// Both halves are pure functions: no stores, no side effects, safe to call
// from any goroutine. The canonicalizer turns a free-text display name into
// a comparable token sequence; the matcher scores two token sequences and
// ranks candidates against a threshold.
package names

import (
	"strings"
	"unicode"
)

// nicknames maps common short forms to the canonical given name. Only the
// first token of a canonicalized name is mapped; surnames and middle names
// pass through untouched.
var nicknames = map[string]string{
	"abby":  "abigail",
	"alex":  "alexander",
	"andy":  "andrew",
	"beth":  "elizabeth",
	"bill":  "william",
	"billy": "william",
	"bob":   "robert",
	"bobby": "robert",
	"cathy": "catherine",
	"chris": "christopher",
	"chuck": "charles",
	"dan":   "daniel",
	"danny": "daniel",
	"dave":  "david",
	"dick":  "richard",
	"don":   "donald",
	"ed":    "edward",
	"eddie": "edward",
	"fred":  "frederick",
	"greg":  "gregory",
	"jack":  "john",
	"jim":   "james",
	"jimmy": "james",
	"joe":   "joseph",
	"kate":  "katherine",
	"katie": "katherine",
	"ken":   "kenneth",
	"larry": "lawrence",
	"liz":   "elizabeth",
	"matt":  "matthew",
	"meg":   "margaret",
	"mike":  "michael",
	"nick":  "nicholas",
	"pat":   "patricia",
	"peggy": "margaret",
	"pete":  "peter",
	"rick":  "richard",
	"rob":   "robert",
	"ron":   "ronald",
	"sam":   "samuel",
	"steve": "steven",
	"sue":   "susan",
	"ted":   "theodore",
	"tim":   "timothy",
	"tom":   "thomas",
	"tony":  "anthony",
	"will":  "william",
}

// Canonicalize normalizes a raw display name into an ordered token list:
// lower-case, "&"/"+" become "and", non-alphanumerics become spaces, runs of
// whitespace collapse, single-character tokens are dropped when the name has
// three or more tokens (middle initials), and the first remaining token is
// nickname-normalized. Empty input yields an empty slice.
func Canonicalize(raw string) []string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return nil
	}

	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "+", " and ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	if len(tokens) == 0 {
		return nil
	}

	// With three or more tokens, single-character tokens are treated as
	// middle initials and dropped.
	if len(tokens) >= 3 {
		kept := tokens[:0]
		for _, t := range tokens {
			if len(t) > 1 {
				kept = append(kept, t)
			}
		}
		tokens = kept
		if len(tokens) == 0 {
			return nil
		}
	}

	if full, ok := nicknames[tokens[0]]; ok {
		tokens[0] = full
	}

	return tokens
}
