package evidence

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ohsnyt/dossier/internal/source"
	"github.com/ohsnyt/dossier/internal/store"
)

var amountRe = regexp.MustCompile(`\$\d{1,3}(?:,\d{3})*(?:\.\d+)?`)

var signalKeywords = map[string][]string{
	"insurance":  {"life insurance", "policy", "premium", "coverage"},
	"retirement": {"retirement", "401k", "ira", "pension"},
	"follow-up":  {"follow up", "follow-up", "next steps", "circle back"},
	"review":     {"review", "check-in", "checkin", "quarterly"},
}

// ComputeSignals derives the full signal tag set for a record. Signals are
// recomputed from scratch on every upsert — never merged with a previous
// set — so a tag only survives while the source text still justifies it.
func ComputeSignals(src store.Source, rec source.Record) []string {
	tags := map[string]struct{}{}

	switch src {
	case store.SourceCalendar:
		tags["meeting"] = struct{}{}
	case store.SourceContacts:
		tags["contact"] = struct{}{}
	case store.SourceNote:
		tags["note"] = struct{}{}
	}

	if len(rec.ParticipantHints) > 0 {
		tags["has-participants"] = struct{}{}
	}

	text := strings.ToLower(rec.Title + " " + rec.Snippet + " " + rec.BodyText)
	for tag, keywords := range signalKeywords {
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				tags[tag] = struct{}{}
				break
			}
		}
	}
	if amountRe.MatchString(text) {
		tags["financial"] = struct{}{}
	}

	out := make([]string, 0, len(tags))
	for t := range tags {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
