package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore creates an in-memory store for testing.
func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer s.Close()

	ss := s.(*SQLiteStore)
	tables := []string{"evidence", "people", "proposed_links",
		"evidence_people", "evidence_contexts", "insights", "meta"}
	for _, table := range tables {
		var name string
		err := ss.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrationsIdempotentOnReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/dossier.db"

	s1, err := NewStore(Config{DBPath: path})
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	s1.Close()

	s2, err := NewStore(Config{DBPath: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	var value string
	err = s2.(*SQLiteStore).db.QueryRow(
		"SELECT value FROM meta WHERE key = 'schema_bootstrap_complete'").Scan(&value)
	if err != nil || value != "true" {
		t.Fatalf("expected bootstrap flag 'true', got %q err=%v", value, err)
	}
}

func sampleEvidence(source Source, uid string) *EvidenceItem {
	return &EvidenceItem{
		ID:          uuid.NewString(),
		ExternalUID: uid,
		Source:      source,
		OccurredAt:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Title:       "Quarterly review",
		Snippet:     "Quarterly review with the Smiths",
		BodyText:    "Discussed coverage options.",
		Signals:     []string{"meeting"},
		ParticipantHints: []ParticipantHint{
			{DisplayName: "Bob Smith", Email: "bob@example.com"},
		},
	}
}

func TestEvidenceInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := sampleEvidence(SourceCalendar, "calendar:evt-1")
	if err := s.InsertEvidence(ctx, item); err != nil {
		t.Fatalf("InsertEvidence failed: %v", err)
	}

	got, err := s.GetEvidence(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetEvidence failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected evidence, got nil")
	}
	if got.ExternalUID != "calendar:evt-1" {
		t.Errorf("external uid = %q, want calendar:evt-1", got.ExternalUID)
	}
	if got.TriageState != TriageNeedsReview {
		t.Errorf("triage state = %q, want needsReview", got.TriageState)
	}
	if len(got.ParticipantHints) != 1 || got.ParticipantHints[0].DisplayName != "Bob Smith" {
		t.Errorf("participant hints = %+v", got.ParticipantHints)
	}

	byUID, err := s.GetEvidenceByUID(ctx, "calendar:evt-1")
	if err != nil {
		t.Fatalf("GetEvidenceByUID failed: %v", err)
	}
	if byUID == nil || byUID.ID != item.ID {
		t.Fatalf("GetEvidenceByUID returned %+v, want id %s", byUID, item.ID)
	}
}

func TestGetEvidenceMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetEvidence(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing evidence, got %+v", got)
	}
}

func TestDuplicateExternalUIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertEvidence(ctx, sampleEvidence(SourceCalendar, "calendar:evt-1")); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := s.InsertEvidence(ctx, sampleEvidence(SourceCalendar, "calendar:evt-1")); err == nil {
		t.Fatal("expected unique constraint error on duplicate external uid")
	}
}

func TestUpdateEvidenceDerivedPreservesTriage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := sampleEvidence(SourceCalendar, "calendar:evt-1")
	if err := s.InsertEvidence(ctx, item); err != nil {
		t.Fatalf("InsertEvidence failed: %v", err)
	}
	if err := s.SetTriageState(ctx, item.ID, TriageReviewed); err != nil {
		t.Fatalf("SetTriageState failed: %v", err)
	}

	err := s.UpdateEvidenceDerived(ctx, item.ID, DerivedFields{
		OccurredAt: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		Title:      "Quarterly review (rescheduled)",
		Snippet:    "Rescheduled",
		BodyText:   "Moved a day.",
		Signals:    []string{"meeting", "rescheduled"},
	})
	if err != nil {
		t.Fatalf("UpdateEvidenceDerived failed: %v", err)
	}

	got, err := s.GetEvidence(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetEvidence failed: %v", err)
	}
	if got.Title != "Quarterly review (rescheduled)" {
		t.Errorf("title not overwritten: %q", got.Title)
	}
	if got.TriageState != TriageReviewed {
		t.Errorf("triage state clobbered by derived update: %q", got.TriageState)
	}
	if len(got.Signals) != 2 {
		t.Errorf("signals not recomputed: %v", got.Signals)
	}
}

func TestPruneEvidenceScopedToSource(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keep := sampleEvidence(SourceCalendar, "calendar:evt-keep")
	stale := sampleEvidence(SourceCalendar, "calendar:evt-stale")
	other := sampleEvidence(SourceContacts, "contacts:c-1")
	manual := sampleEvidence(SourceManual, "")

	for _, item := range []*EvidenceItem{keep, stale, other, manual} {
		if err := s.InsertEvidence(ctx, item); err != nil {
			t.Fatalf("InsertEvidence failed: %v", err)
		}
	}

	n, err := s.PruneEvidence(ctx, SourceCalendar, map[string]struct{}{
		"calendar:evt-keep": {},
	})
	if err != nil {
		t.Fatalf("PruneEvidence failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	for _, tc := range []struct {
		id     string
		expect bool
	}{
		{keep.ID, true}, {stale.ID, false}, {other.ID, true}, {manual.ID, true},
	} {
		got, err := s.GetEvidence(ctx, tc.id)
		if err != nil {
			t.Fatalf("GetEvidence failed: %v", err)
		}
		if (got != nil) != tc.expect {
			t.Errorf("evidence %s present=%v, want %v", tc.id, got != nil, tc.expect)
		}
	}
}

func TestProposedLinkLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := sampleEvidence(SourceCalendar, "calendar:evt-1")
	if err := s.InsertEvidence(ctx, item); err != nil {
		t.Fatalf("InsertEvidence failed: %v", err)
	}
	p := &Person{ID: uuid.NewString(), DisplayName: "Robert Smith"}
	if err := s.AddPerson(ctx, p); err != nil {
		t.Fatalf("AddPerson failed: %v", err)
	}

	linkID, err := s.AddProposedLink(ctx, &ProposedLink{
		EvidenceID: item.ID,
		PersonID:   p.ID,
		Confidence: 1.0,
		HintName:   "Bob Smith",
	})
	if err != nil {
		t.Fatalf("AddProposedLink failed: %v", err)
	}

	got, err := s.GetEvidence(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetEvidence failed: %v", err)
	}
	if len(got.ProposedLinks) != 1 || got.ProposedLinks[0].Status != LinkPending {
		t.Fatalf("proposed links = %+v", got.ProposedLinks)
	}

	if err := s.SetProposedLinkStatus(ctx, linkID, LinkAccepted); err != nil {
		t.Fatalf("SetProposedLinkStatus failed: %v", err)
	}

	got, err = s.GetEvidence(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetEvidence failed: %v", err)
	}
	if got.ProposedLinks[0].Status != LinkAccepted {
		t.Errorf("link status = %q, want accepted", got.ProposedLinks[0].Status)
	}
	if len(got.LinkedPeople) != 1 || got.LinkedPeople[0] != p.ID {
		t.Errorf("accept did not confirm link: %v", got.LinkedPeople)
	}
}

func TestPeopleLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &Person{
		ID:                 uuid.NewString(),
		DisplayName:        "Robert Smith",
		ExternalContactRef: "contacts:c-42",
		Email:              "robert@example.com",
		RoleBadges:         []string{"client"},
	}
	if err := s.AddPerson(ctx, p); err != nil {
		t.Fatalf("AddPerson failed: %v", err)
	}

	byRef, err := s.FindPersonByContactRef(ctx, "contacts:c-42")
	if err != nil {
		t.Fatalf("FindPersonByContactRef failed: %v", err)
	}
	if byRef == nil || byRef.ID != p.ID {
		t.Fatalf("FindPersonByContactRef returned %+v", byRef)
	}

	missing, err := s.FindPersonByContactRef(ctx, "contacts:nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown contact ref, got %+v", missing)
	}

	listed, err := s.ListPeople(ctx, "smith")
	if err != nil {
		t.Fatalf("ListPeople failed: %v", err)
	}
	if len(listed) != 1 || listed[0].RoleBadges[0] != "client" {
		t.Fatalf("ListPeople returned %+v", listed)
	}
}

func TestInsightActiveUniquenessHelpers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	target := InsightTarget{PersonID: "person-1"}
	in := &Insight{
		ID:              uuid.NewString(),
		Target:          target,
		Kind:            "opportunity",
		Message:         "Interested in Life Insurance",
		Confidence:      0.6,
		BasedOnEvidence: []string{"ev-1"},
	}
	if err := s.InsertInsight(ctx, in); err != nil {
		t.Fatalf("InsertInsight failed: %v", err)
	}

	found, err := s.FindActiveInsight(ctx, target, "opportunity", "Interested in Life Insurance")
	if err != nil {
		t.Fatalf("FindActiveInsight failed: %v", err)
	}
	if found == nil || found.ID != in.ID {
		t.Fatalf("FindActiveInsight returned %+v", found)
	}

	if err := s.AddInsightEvidence(ctx, in.ID, []string{"ev-2", "ev-1"}); err != nil {
		t.Fatalf("AddInsightEvidence failed: %v", err)
	}
	found, _ = s.FindActiveInsight(ctx, target, "opportunity", "Interested in Life Insurance")
	if len(found.BasedOnEvidence) != 2 {
		t.Fatalf("evidence union = %v, want two ids", found.BasedOnEvidence)
	}

	if err := s.DismissInsight(ctx, in.ID); err != nil {
		t.Fatalf("DismissInsight failed: %v", err)
	}
	found, err = s.FindActiveInsight(ctx, target, "opportunity", "Interested in Life Insurance")
	if err != nil {
		t.Fatalf("FindActiveInsight failed: %v", err)
	}
	if found != nil {
		t.Fatalf("dismissed insight still matches: %+v", found)
	}
}

func TestInsertInsightRejectsBadTarget(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InsertInsight(ctx, &Insight{
		ID:      uuid.NewString(),
		Target:  InsightTarget{PersonID: "p", ProductID: "prod"},
		Kind:    "opportunity",
		Message: "two targets",
	})
	if err == nil {
		t.Fatal("expected error for multi-field target")
	}

	err = s.InsertInsight(ctx, &Insight{
		ID:      uuid.NewString(),
		Kind:    "opportunity",
		Message: "no target",
	})
	if err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestDedupInsightsKeepsEarliest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ss := s.(*SQLiteStore)

	target := InsightTarget{PersonID: "person-1"}
	first := &Insight{ID: uuid.NewString(), Target: target, Kind: "opportunity",
		Message: "Interested in Life Insurance", BasedOnEvidence: []string{"ev-1"}}
	second := &Insight{ID: uuid.NewString(), Target: target, Kind: "opportunity",
		Message: "Interested in Life Insurance", BasedOnEvidence: []string{"ev-2"}}
	unrelated := &Insight{ID: uuid.NewString(), Target: target, Kind: "opportunity",
		Message: "Retirement planning follow-up", BasedOnEvidence: []string{"ev-3"}}

	for _, in := range []*Insight{first, second, unrelated} {
		if err := s.InsertInsight(ctx, in); err != nil {
			t.Fatalf("InsertInsight failed: %v", err)
		}
	}
	// Force distinct created_at ordering; CURRENT_TIMESTAMP granularity
	// can collapse inserts made in the same second.
	if _, err := ss.db.Exec("UPDATE insights SET created_at = ? WHERE id = ?",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), first.ID); err != nil {
		t.Fatalf("backdating first insight: %v", err)
	}

	removed, err := s.DedupInsights(ctx)
	if err != nil {
		t.Fatalf("DedupInsights failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d duplicates, want 1", removed)
	}

	survivor, err := s.FindActiveInsight(ctx, target, "opportunity", "Interested in Life Insurance")
	if err != nil {
		t.Fatalf("FindActiveInsight failed: %v", err)
	}
	if survivor == nil || survivor.ID != first.ID {
		t.Fatalf("survivor = %+v, want earliest id %s", survivor, first.ID)
	}
	if len(survivor.BasedOnEvidence) != 2 {
		t.Fatalf("survivor evidence = %v, want union of both", survivor.BasedOnEvidence)
	}

	other, err := s.FindActiveInsight(ctx, target, "opportunity", "Retirement planning follow-up")
	if err != nil || other == nil {
		t.Fatalf("unrelated insight lost: %+v err=%v", other, err)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertEvidence(ctx, sampleEvidence(SourceCalendar, "calendar:evt-1")); err != nil {
		t.Fatalf("InsertEvidence failed: %v", err)
	}
	if err := s.AddPerson(ctx, &Person{ID: uuid.NewString(), DisplayName: "Alice"}); err != nil {
		t.Fatalf("AddPerson failed: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.EvidenceCount != 1 || stats.PersonCount != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
