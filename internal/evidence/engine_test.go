package evidence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ohsnyt/dossier/internal/source"
	"github.com/ohsnyt/dossier/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEngine(s, 0), s
}

func calendarRecord(uid, title string, hints ...store.ParticipantHint) source.Record {
	return source.Record{
		ExternalUID:      uid,
		Title:            title,
		OccurredAt:       time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		Snippet:          "snippet",
		BodyText:         "body",
		ParticipantHints: hints,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	rec := calendarRecord("calendar:evt-1", "Quarterly review")
	for i := 0; i < 3; i++ {
		if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
			t.Fatalf("Upsert %d failed: %v", i, err)
		}
	}

	items, err := s.ListEvidence(ctx, store.EvidenceListOpts{Source: store.SourceCalendar})
	if err != nil {
		t.Fatalf("ListEvidence failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one item after three upserts, got %d", len(items))
	}
	if items[0].Title != "Quarterly review" {
		t.Errorf("title = %q", items[0].Title)
	}
}

func TestUpsertCounts(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	batch := []source.Record{
		calendarRecord("calendar:evt-1", "First"),
		calendarRecord("calendar:evt-2", "Second"),
	}
	res, err := e.Upsert(ctx, store.SourceCalendar, batch)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Created != 2 || res.Updated != 0 {
		t.Fatalf("first batch: %+v", res)
	}

	batch[0].Title = "First, revised"
	res, err = e.Upsert(ctx, store.SourceCalendar, batch)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Created != 0 || res.Updated != 2 {
		t.Fatalf("second batch: %+v", res)
	}
}

func TestUpsertPreservesTriageAndRecomputesSignals(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	rec := calendarRecord("calendar:evt-1", "Policy review")
	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ := s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if !containsSignal(item.Signals, "insurance") {
		t.Fatalf("signals = %v, want insurance tag", item.Signals)
	}
	if err := s.SetTriageState(ctx, item.ID, store.TriageReviewed); err != nil {
		t.Fatalf("SetTriageState failed: %v", err)
	}

	// The re-imported record no longer mentions a policy: the stale signal
	// must disappear, the triage decision must not.
	rec.Title = "Coffee catch-up"
	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ = s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if containsSignal(item.Signals, "insurance") {
		t.Errorf("stale signal lingered: %v", item.Signals)
	}
	if item.TriageState != store.TriageReviewed {
		t.Errorf("triage state = %q, want reviewed", item.TriageState)
	}
}

func TestUpsertSkipsMalformedRecords(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	batch := []source.Record{
		{ExternalUID: "", Title: "no uid"},
		{ExternalUID: "un-namespaced", Title: "bad uid"},
		{ExternalUID: "calendar:empty"},
		calendarRecord("calendar:evt-ok", "Fine"),
	}
	res, err := e.Upsert(ctx, store.SourceCalendar, batch)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if res.Skipped != 3 || res.Created != 1 {
		t.Fatalf("result = %+v, want 3 skipped and 1 created", res)
	}
	if len(res.Errors) != 3 {
		t.Fatalf("errors = %v", res.Errors)
	}

	item, _ := s.GetEvidenceByUID(ctx, "calendar:evt-ok")
	if item == nil {
		t.Fatal("valid record in a partially-bad batch was not stored")
	}
}

func TestUpsertProposesLinksForUnverifiedHints(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	person := &store.Person{ID: uuid.NewString(), DisplayName: "Robert Smith"}
	if err := s.AddPerson(ctx, person); err != nil {
		t.Fatalf("AddPerson failed: %v", err)
	}

	rec := calendarRecord("calendar:evt-1", "Lunch",
		store.ParticipantHint{DisplayName: "Bob Smith", Verified: false},
		store.ParticipantHint{DisplayName: "Robert Smith", Email: "r@example.com", Verified: true},
	)
	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ := s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if len(item.ProposedLinks) != 1 {
		t.Fatalf("proposed links = %+v, want one (verified hint skipped)", item.ProposedLinks)
	}
	link := item.ProposedLinks[0]
	if link.PersonID != person.ID || link.Status != store.LinkPending {
		t.Errorf("link = %+v", link)
	}
	if link.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0 for nickname-exact match", link.Confidence)
	}
	if link.HintName != "Bob Smith" {
		t.Errorf("hint name = %q", link.HintName)
	}
}

func TestReimportDropsStalePendingKeepsDecided(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	bob := &store.Person{ID: uuid.NewString(), DisplayName: "Robert Smith"}
	carol := &store.Person{ID: uuid.NewString(), DisplayName: "Carol Jones"}
	for _, p := range []*store.Person{bob, carol} {
		if err := s.AddPerson(ctx, p); err != nil {
			t.Fatalf("AddPerson failed: %v", err)
		}
	}

	rec := calendarRecord("calendar:evt-1", "Planning",
		store.ParticipantHint{DisplayName: "Bob Smith"},
		store.ParticipantHint{DisplayName: "Carol Jones"},
	)
	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ := s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if len(item.ProposedLinks) != 2 {
		t.Fatalf("proposed links = %+v", item.ProposedLinks)
	}
	var carolLinkID int64
	for _, l := range item.ProposedLinks {
		if l.PersonID == carol.ID {
			carolLinkID = l.ID
		}
	}
	if err := s.SetProposedLinkStatus(ctx, carolLinkID, store.LinkAccepted); err != nil {
		t.Fatalf("SetProposedLinkStatus failed: %v", err)
	}

	// Both hint names disappear on re-import: Bob's pending proposal goes,
	// Carol's accepted one records a human decision and stays.
	rec.ParticipantHints = nil
	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ = s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if len(item.ProposedLinks) != 1 {
		t.Fatalf("proposed links after re-import = %+v", item.ProposedLinks)
	}
	if item.ProposedLinks[0].PersonID != carol.ID || item.ProposedLinks[0].Status != store.LinkAccepted {
		t.Errorf("surviving link = %+v", item.ProposedLinks[0])
	}
	if len(item.LinkedPeople) != 1 || item.LinkedPeople[0] != carol.ID {
		t.Errorf("confirmed links lost on re-import: %v", item.LinkedPeople)
	}
}

func TestDeclinedLinkNotReproposed(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	person := &store.Person{ID: uuid.NewString(), DisplayName: "Robert Smith"}
	if err := s.AddPerson(ctx, person); err != nil {
		t.Fatalf("AddPerson failed: %v", err)
	}

	rec := calendarRecord("calendar:evt-1", "Lunch",
		store.ParticipantHint{DisplayName: "Bob Smith"})
	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ := s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if err := s.SetProposedLinkStatus(ctx, item.ProposedLinks[0].ID, store.LinkDeclined); err != nil {
		t.Fatalf("SetProposedLinkStatus failed: %v", err)
	}

	if _, err := e.Upsert(ctx, store.SourceCalendar, []source.Record{rec}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	item, _ = s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if len(item.ProposedLinks) != 1 {
		t.Fatalf("declined hint re-proposed: %+v", item.ProposedLinks)
	}
	if item.ProposedLinks[0].Status != store.LinkDeclined {
		t.Errorf("link status = %q", item.ProposedLinks[0].Status)
	}
}

func TestPruneDelegatesScoped(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	batch := []source.Record{
		calendarRecord("calendar:evt-1", "Keep"),
		calendarRecord("calendar:evt-2", "Drop"),
	}
	if _, err := e.Upsert(ctx, store.SourceCalendar, batch); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	n, err := e.Prune(ctx, store.SourceCalendar, map[string]struct{}{"calendar:evt-1": {}})
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if item, _ := s.GetEvidenceByUID(ctx, "calendar:evt-1"); item == nil {
		t.Error("valid item pruned")
	}
}

func containsSignal(signals []string, want string) bool {
	for _, s := range signals {
		if s == want {
			return true
		}
	}
	return false
}
