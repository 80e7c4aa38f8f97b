package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func contactsServer(t *testing.T, connections []map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/people/me/connections") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"connections": connections})
	}))
}

func TestContactsFetch(t *testing.T) {
	connections := []map[string]interface{}{
		{
			"resourceName":   "people/c100",
			"names":          []map[string]string{{"displayName": "Robert Smith"}},
			"emailAddresses": []map[string]string{{"value": "robert@example.com"}},
			"organizations":  []map[string]string{{"name": "Acme Corp", "title": "CFO"}},
		},
		{
			// No display name: skipped.
			"resourceName":   "people/c101",
			"emailAddresses": []map[string]string{{"value": "orphan@example.com"}},
		},
	}
	srv := contactsServer(t, connections)
	defer srv.Close()

	oldBase := peopleBaseURL
	peopleBaseURL = srv.URL
	defer func() { peopleBaseURL = oldBase }()

	a := NewContactsAdapter("test-token")
	records, err := a.Fetch(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected nameless contact skipped, got %d records", len(records))
	}

	rec := records[0]
	if rec.ExternalUID != "contacts:c100" {
		t.Errorf("uid = %q, want contacts:c100", rec.ExternalUID)
	}
	if rec.Title != "Robert Smith" {
		t.Errorf("title = %q", rec.Title)
	}
	if rec.Snippet != "robert@example.com" {
		t.Errorf("snippet = %q", rec.Snippet)
	}
	if rec.BodyText != "CFO at Acme Corp" {
		t.Errorf("body = %q", rec.BodyText)
	}
	if len(rec.ParticipantHints) != 1 || !rec.ParticipantHints[0].Verified {
		t.Errorf("hints = %+v, want one verified hint", rec.ParticipantHints)
	}
}

func TestContactsValidUIDs(t *testing.T) {
	connections := []map[string]interface{}{
		{"resourceName": "people/c100", "names": []map[string]string{{"displayName": "A"}}},
		{"resourceName": "people/c200", "names": []map[string]string{{"displayName": "B"}}},
	}
	srv := contactsServer(t, connections)
	defer srv.Close()

	oldBase := peopleBaseURL
	peopleBaseURL = srv.URL
	defer func() { peopleBaseURL = oldBase }()

	a := NewContactsAdapter("test-token")
	uids, err := a.ValidUIDs(context.Background(), Scope{})
	if err != nil {
		t.Fatalf("ValidUIDs failed: %v", err)
	}
	if len(uids) != 2 {
		t.Fatalf("uids = %v", uids)
	}
	if _, ok := uids["contacts:c200"]; !ok {
		t.Errorf("missing contacts:c200 in %v", uids)
	}
}
