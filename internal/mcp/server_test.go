package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ohsnyt/dossier/internal/names"
	"github.com/ohsnyt/dossier/internal/store"
)

// helper: create a test store with some data
func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()

	people := []*store.Person{
		{ID: "person-1", DisplayName: "Robert Smith", Email: "bob@example.com"},
		{ID: "person-2", DisplayName: "Jane Doe"},
	}
	for _, p := range people {
		if err := s.AddPerson(ctx, p); err != nil {
			t.Fatalf("adding test person: %v", err)
		}
	}

	items := []*store.EvidenceItem{
		{
			ID:          "ev-1",
			ExternalUID: "calendar:evt-1",
			Source:      store.SourceCalendar,
			TriageState: store.TriageNeedsReview,
			OccurredAt:  time.Now().UTC(),
			Title:       "Policy review with Bob",
			Signals:     []string{"insurance", "meeting"},
		},
		{
			ID:          "ev-2",
			ExternalUID: "contacts:c-1",
			Source:      store.SourceContacts,
			TriageState: store.TriageReviewed,
			OccurredAt:  time.Now().UTC(),
			Title:       "Jane Doe",
		},
	}
	for _, item := range items {
		if err := s.InsertEvidence(ctx, item); err != nil {
			t.Fatalf("adding test evidence: %v", err)
		}
	}

	insight := &store.Insight{
		ID:              "in-1",
		Target:          store.InsightTarget{PersonID: "person-1"},
		Kind:            "opportunity",
		Message:         "Interested in Life Insurance",
		Confidence:      0.6,
		BasedOnEvidence: []string{"ev-1"},
	}
	if err := s.InsertInsight(ctx, insight); err != nil {
		t.Fatalf("adding test insight: %v", err)
	}

	return s
}

func newTestServer(t *testing.T) (*server.MCPServer, store.Store) {
	t.Helper()
	s := setupTestStore(t)
	return NewServer(ServerConfig{Store: s}), s
}

// callTool invokes an MCP tool through the server's JSON-RPC entry point.
func callTool(t *testing.T, srv *server.MCPServer, name string, args map[string]interface{}) *mcplib.CallToolResult {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]interface{}{
			"name":      name,
			"arguments": args,
		},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}

	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}

	callResult := &mcplib.CallToolResult{
		IsError: resp.Result.IsError,
	}
	for _, c := range resp.Result.Content {
		if c.Type == "text" {
			callResult.Content = append(callResult.Content, mcplib.NewTextContent(c.Text))
		}
	}
	return callResult
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func getTextContent(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content found")
	return ""
}

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t)
	if srv == nil {
		t.Fatal("NewServer returned nil")
	}
}

func TestInsightsTool(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_insights", map[string]interface{}{})
	text := getTextContent(t, result)

	var insights []store.Insight
	if err := json.Unmarshal([]byte(text), &insights); err != nil {
		t.Fatalf("parsing insights: %v", err)
	}
	if len(insights) != 1 || insights[0].Message != "Interested in Life Insurance" {
		t.Fatalf("insights = %+v", insights)
	}
}

func TestInsightsToolPersonFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_insights", map[string]interface{}{
		"person_id": "person-2",
	})
	text := getTextContent(t, result)

	var insights []store.Insight
	if err := json.Unmarshal([]byte(text), &insights); err != nil {
		t.Fatalf("parsing insights: %v", err)
	}
	if len(insights) != 0 {
		t.Fatalf("expected no insights for person-2, got %+v", insights)
	}
}

func TestEvidenceToolSourceFilter(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_evidence", map[string]interface{}{
		"source": "calendar",
	})
	text := getTextContent(t, result)

	var items []store.EvidenceItem
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		t.Fatalf("parsing evidence: %v", err)
	}
	if len(items) != 1 || items[0].ID != "ev-1" {
		t.Fatalf("items = %+v", items)
	}
}

func TestTriageTool(t *testing.T) {
	srv, s := newTestServer(t)

	result := callTool(t, srv, "dossier_triage", map[string]interface{}{
		"evidence_id": "ev-1",
		"state":       "reviewed",
	})
	if result.IsError {
		t.Fatalf("triage tool errored: %s", getTextContent(t, result))
	}

	item, err := s.GetEvidence(context.Background(), "ev-1")
	if err != nil || item == nil {
		t.Fatalf("GetEvidence failed: %v", err)
	}
	if item.TriageState != store.TriageReviewed {
		t.Errorf("triage = %q", item.TriageState)
	}
}

func TestLinkToolAccept(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	linkID, err := s.AddProposedLink(ctx, &store.ProposedLink{
		EvidenceID: "ev-1",
		PersonID:   "person-1",
		Confidence: 1.0,
		Status:     store.LinkPending,
		HintName:   "Bob Smith",
	})
	if err != nil {
		t.Fatalf("AddProposedLink failed: %v", err)
	}

	result := callTool(t, srv, "dossier_link", map[string]interface{}{
		"link_id": float64(linkID),
		"action":  "accept",
	})
	if result.IsError {
		t.Fatalf("link tool errored: %s", getTextContent(t, result))
	}

	item, err := s.GetEvidence(ctx, "ev-1")
	if err != nil || item == nil {
		t.Fatalf("GetEvidence failed: %v", err)
	}
	if len(item.LinkedPeople) != 1 || item.LinkedPeople[0] != "person-1" {
		t.Errorf("linked people = %v", item.LinkedPeople)
	}
}

func TestMatchTool(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_match", map[string]interface{}{
		"name": "Bob Smith",
	})
	text := getTextContent(t, result)

	var matches []names.Match
	if err := json.Unmarshal([]byte(text), &matches); err != nil {
		t.Fatalf("parsing matches: %v", err)
	}
	if len(matches) != 1 || matches[0].Candidate.ID != "person-1" {
		t.Fatalf("matches = %+v", matches)
	}
	if matches[0].Score != 1.0 {
		t.Errorf("score = %f, want 1.0 for nickname-exact match", matches[0].Score)
	}
}

func TestMatchToolRequiresName(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_match", map[string]interface{}{})
	if !result.IsError {
		t.Fatal("expected error without name")
	}
}

func TestNoteTool(t *testing.T) {
	srv, s := newTestServer(t)

	result := callTool(t, srv, "dossier_note", map[string]interface{}{
		"text": "Met with Jane. We want to discuss a $10,000 life insurance policy for her daughter. Need to follow up next week.",
	})
	text := getTextContent(t, result)
	if result.IsError {
		t.Fatalf("note tool errored: %s", text)
	}

	var noteResult struct {
		EvidenceID string `json:"evidence_id"`
		Insights   int    `json:"insights"`
	}
	if err := json.Unmarshal([]byte(text), &noteResult); err != nil {
		t.Fatalf("parsing note result: %v", err)
	}
	if noteResult.EvidenceID == "" {
		t.Fatal("no evidence recorded for note")
	}

	item, err := s.GetEvidence(context.Background(), noteResult.EvidenceID)
	if err != nil || item == nil {
		t.Fatalf("note evidence missing: %v", err)
	}
	if item.Source != store.SourceNote {
		t.Errorf("source = %q", item.Source)
	}
	if noteResult.Insights == 0 {
		t.Error("no insights derived from note")
	}
}

func TestDismissTool(t *testing.T) {
	srv, s := newTestServer(t)

	result := callTool(t, srv, "dossier_dismiss", map[string]interface{}{
		"insight_id": "in-1",
	})
	if result.IsError {
		t.Fatalf("dismiss tool errored: %s", getTextContent(t, result))
	}

	insights, err := s.ListInsights(context.Background(), store.InsightListOpts{})
	if err != nil {
		t.Fatalf("ListInsights failed: %v", err)
	}
	if len(insights) != 0 {
		t.Errorf("dismissed insight still listed: %+v", insights)
	}
}

func TestDedupTool(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	dupe := &store.Insight{
		ID:              "in-dupe",
		Target:          store.InsightTarget{PersonID: "person-1"},
		Kind:            "opportunity",
		Message:         "Interested in Life Insurance",
		Confidence:      0.6,
		BasedOnEvidence: []string{"ev-2"},
	}
	if err := s.InsertInsight(ctx, dupe); err != nil {
		t.Fatalf("InsertInsight failed: %v", err)
	}

	result := callTool(t, srv, "dossier_dedup", map[string]interface{}{})
	text := getTextContent(t, result)
	if !strings.Contains(text, "1 duplicate") {
		t.Fatalf("dedup result = %q", text)
	}

	insights, err := s.ListInsights(ctx, store.InsightListOpts{})
	if err != nil {
		t.Fatalf("ListInsights failed: %v", err)
	}
	if len(insights) != 1 {
		t.Fatalf("insights after dedup = %+v", insights)
	}
}

func TestStatsTool(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_stats", map[string]interface{}{})
	text := getTextContent(t, result)

	var stats store.Stats
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("parsing stats: %v", err)
	}
	if stats.EvidenceCount != 2 || stats.PersonCount != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestImportToolUnknownSource(t *testing.T) {
	srv, _ := newTestServer(t)

	result := callTool(t, srv, "dossier_import", map[string]interface{}{
		"source": "calendar",
	})
	if !result.IsError {
		t.Fatal("expected error when no coordinator is configured")
	}
}

func readResource(t *testing.T, srv *server.MCPServer, uri string) string {
	t.Helper()

	result := srv.HandleMessage(context.Background(), mustMarshal(t, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "resources/read",
		"params":  map[string]interface{}{"uri": uri},
	}))

	respBytes, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result struct {
			Contents []struct {
				Text string `json:"text"`
			} `json:"contents"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v\nraw: %s", err, string(respBytes))
	}
	if resp.Error != nil {
		t.Fatalf("JSON-RPC error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Result.Contents) == 0 {
		t.Fatal("no resource contents")
	}
	return resp.Result.Contents[0].Text
}

func TestStatsResource(t *testing.T) {
	srv, _ := newTestServer(t)

	text := readResource(t, srv, "dossier://stats")
	var stats store.Stats
	if err := json.Unmarshal([]byte(text), &stats); err != nil {
		t.Fatalf("parsing stats resource: %v", err)
	}
	if stats.InsightCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRecentInsightsResource(t *testing.T) {
	srv, _ := newTestServer(t)

	text := readResource(t, srv, "dossier://insights/recent")
	var recent []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &recent); err != nil {
		t.Fatalf("parsing recent insights: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "in-1" {
		t.Fatalf("recent = %+v", recent)
	}
}
