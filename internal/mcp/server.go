// Package mcp provides a Model Context Protocol server for Dossier.
//
// It exposes the evidence pipeline (insights, evidence triage, person
// matching, note capture, import kicks, stats) as MCP tools, and store
// statistics plus recent insights as MCP resources. Supports stdio
// transport for desktop MCP clients.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/ohsnyt/dossier/internal/analyze"
	"github.com/ohsnyt/dossier/internal/importer"
	"github.com/ohsnyt/dossier/internal/insight"
	"github.com/ohsnyt/dossier/internal/names"
	"github.com/ohsnyt/dossier/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Version string // version string for MCP server info

	// Semantic is the optional LLM analyzer; note capture falls back to
	// the heuristic extractor when it is nil or unreachable.
	Semantic analyze.Analyzer

	// Coordinators maps source name to its import coordinator. Sources
	// without a coordinator cannot be kicked over MCP.
	Coordinators map[string]*importer.Coordinator

	// MatchThreshold overrides the matcher default when > 0.
	MatchThreshold float64
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines.
// SQLite (even with WAL) supports only one writer at a time, and concurrent
// reads during writes can return stale results. A global mutex ensures
// correct ordering: a note capture completes before a listing sees its data.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all Dossier tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Dossier",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	gen := insight.NewGenerator(cfg.Store)

	registerInsightsTool(s, cfg.Store)
	registerEvidenceTool(s, cfg.Store)
	registerTriageTool(s, cfg.Store)
	registerLinkTool(s, cfg.Store)
	registerMatchTool(s, cfg.Store, cfg.MatchThreshold)
	registerNoteTool(s, gen, cfg.Semantic, cfg.MatchThreshold)
	registerImportTool(s, cfg.Coordinators)
	registerDismissTool(s, cfg.Store)
	registerDedupTool(s, gen)
	registerStatsTool(s, cfg.Store)

	registerStatsResource(s, cfg.Store)
	registerRecentInsightsResource(s, cfg.Store)

	return s
}

// --- Tools ---

func registerInsightsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("dossier_insights",
		mcp.WithDescription("List derived insights. Each insight names a target (person, context, or product), a kind, a message, and the evidence it is based on. Dismissed insights are hidden unless requested."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("person_id",
			mcp.Description("Only insights targeting this person"),
		),
		mcp.WithBoolean("include_dismissed",
			mcp.Description("Include dismissed insights (default: false)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := store.InsightListOpts{Limit: 20}
		if personID, err := req.RequireString("person_id"); err == nil && personID != "" {
			opts.Target = &store.InsightTarget{PersonID: personID}
		}
		if inc, err := req.RequireBool("include_dismissed"); err == nil {
			opts.IncludeDismissed = inc
		}
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit := int(limitVal)
			if limit > 100 {
				limit = 100
			}
			if limit > 0 {
				opts.Limit = limit
			}
		}

		insights, err := st.ListInsights(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing insights: %v", err)), nil
		}
		return jsonResult(insights), nil
	})
}

func registerEvidenceTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("dossier_evidence",
		mcp.WithDescription("List evidence items with their signals, participant hints, proposed links, and triage state. Filter by source or triage state."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("source",
			mcp.Description("Filter by source"),
			mcp.Enum("calendar", "contacts", "note", "manual"),
		),
		mcp.WithString("triage",
			mcp.Description("Filter by triage state"),
			mcp.Enum("needsReview", "reviewed"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 20, max: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := store.EvidenceListOpts{Limit: 20}
		if src, err := req.RequireString("source"); err == nil && src != "" {
			opts.Source = store.Source(src)
		}
		if triage, err := req.RequireString("triage"); err == nil && triage != "" {
			opts.TriageState = store.TriageState(triage)
		}
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit := int(limitVal)
			if limit > 100 {
				limit = 100
			}
			if limit > 0 {
				opts.Limit = limit
			}
		}

		items, err := st.ListEvidence(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing evidence: %v", err)), nil
		}
		return jsonResult(items), nil
	})
}

func registerTriageTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("dossier_triage",
		mcp.WithDescription("Set the triage state of an evidence item. Triage state is a human judgment and survives re-imports."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("evidence_id",
			mcp.Required(),
			mcp.Description("ID of the evidence item"),
		),
		mcp.WithString("state",
			mcp.Required(),
			mcp.Description("New triage state"),
			mcp.Enum("needsReview", "reviewed"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("evidence_id")
		if err != nil {
			return mcp.NewToolResultError("evidence_id is required"), nil
		}
		state, err := req.RequireString("state")
		if err != nil {
			return mcp.NewToolResultError("state is required"), nil
		}

		if err := st.SetTriageState(ctx, id, store.TriageState(state)); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("setting triage state: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("evidence %s marked %s", id, state)), nil
	})
}

func registerLinkTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("dossier_link",
		mcp.WithDescription("Accept or decline a proposed evidence-person link. Accepting confirms the association; declining records the rejection so the same pairing is never proposed again."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("link_id",
			mcp.Required(),
			mcp.Description("ID of the proposed link"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("Whether to accept or decline the proposal"),
			mcp.Enum("accept", "decline"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("link_id")
		if err != nil {
			return mcp.NewToolResultError("link_id is required"), nil
		}
		action, err := req.RequireString("action")
		if err != nil {
			return mcp.NewToolResultError("action is required"), nil
		}

		status := store.LinkAccepted
		if action == "decline" {
			status = store.LinkDeclined
		}
		if err := st.SetProposedLinkStatus(ctx, int64(idVal), status); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("updating link: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("link %d %sed", int64(idVal), action)), nil
	})
}

func registerMatchTool(s *server.MCPServer, st store.Store, threshold float64) {
	tool := mcp.NewTool("dossier_match",
		mcp.WithDescription("Score a name against every known person using token-set similarity with nickname normalization. Returns matches above the threshold, best first. Scoring only; nothing is persisted."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Display name to match (e.g. 'Bob Smith')"),
		),
		mcp.WithNumber("threshold",
			mcp.Description("Minimum similarity in (0, 1] (default: 0.6)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		name, err := req.RequireString("name")
		if err != nil || strings.TrimSpace(name) == "" {
			return mcp.NewToolResultError("name is required"), nil
		}
		th := threshold
		if v, err := req.RequireFloat("threshold"); err == nil && v > 0 && v <= 1 {
			th = v
		}

		people, err := st.ListPeople(ctx, "")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing people: %v", err)), nil
		}
		candidates := make([]names.Candidate, 0, len(people))
		for _, p := range people {
			candidates = append(candidates, names.Candidate{ID: p.ID, DisplayName: p.DisplayName})
		}

		matches := names.FindMatches(name, candidates, th)
		return jsonResult(matches), nil
	})
}

func registerNoteTool(s *server.MCPServer, gen *insight.Generator, semantic analyze.Analyzer, threshold float64) {
	tool := mcp.NewTool("dossier_note",
		mcp.WithDescription("Capture a free-text note. The note is analyzed (summary, affect, people, financial topics), stored as evidence, mentioned people are reconciled against the roster, and insights are derived. Uses the semantic extractor when available, deterministic heuristics otherwise."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The note text"),
		),
		mcp.WithString("title",
			mcp.Description("Optional title; defaults to the note's summary"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		text, err := req.RequireString("text")
		if err != nil || strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}
		title := ""
		if tv, err := req.RequireString("title"); err == nil {
			title = tv
		}

		analyzer := analyze.Select(ctx, semantic, analyze.NewHeuristic())
		result, err := gen.ProcessNote(ctx, analyzer, title, text, threshold)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("processing note: %v", err)), nil
		}
		return jsonResult(result), nil
	})
}

func registerImportTool(s *server.MCPServer, coordinators map[string]*importer.Coordinator) {
	tool := mcp.NewTool("dossier_import",
		mcp.WithDescription("Kick an import cycle for a source and wait for it to finish. A kick during a running cycle coalesces into a single trailing re-run. Returns the cycle result."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Source to import"),
			mcp.Enum("calendar", "contacts"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		src, err := req.RequireString("source")
		if err != nil {
			return mcp.NewToolResultError("source is required"), nil
		}
		c, ok := coordinators[src]
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no coordinator for source %q", src)), nil
		}

		// The coordinator serializes its own store access; holding dbMu
		// across Wait would deadlock against other tools.
		c.Kick("mcp")
		c.Wait()

		result := c.LastResult()
		if result == nil {
			return mcp.NewToolResultError("import produced no result"), nil
		}
		return jsonResult(result), nil
	})
}

func registerDismissTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("dossier_dismiss",
		mcp.WithDescription("Dismiss an insight. Dismissed insights stop appearing in listings but remain on record; the same observation may legitimately recur later as a fresh insight."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("insight_id",
			mcp.Required(),
			mcp.Description("ID of the insight to dismiss"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		id, err := req.RequireString("insight_id")
		if err != nil {
			return mcp.NewToolResultError("insight_id is required"), nil
		}
		if err := st.DismissInsight(ctx, id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dismissing insight: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("insight %s dismissed", id)), nil
	})
}

func registerDedupTool(s *server.MCPServer, gen *insight.Generator) {
	tool := mcp.NewTool("dossier_dedup",
		mcp.WithDescription("Collapse duplicate active insights. Among insights sharing (target, kind, message), the earliest survives with the union of all supporting evidence."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		removed, err := gen.Deduplicate(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("deduplicating: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("removed %d duplicate insight(s)", removed)), nil
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("dossier_stats",
		mcp.WithDescription("Get store statistics: evidence, people, insight, and pending link counts plus database size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("getting stats: %v", err)), nil
		}
		return jsonResult(stats), nil
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"dossier://stats",
		"Store Statistics",
		mcp.WithResourceDescription("Evidence, people, insight, and pending link counts plus database size."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("getting stats: %w", err)
		}

		data, _ := json.MarshalIndent(stats, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func registerRecentInsightsResource(s *server.MCPServer, st store.Store) {
	resource := mcp.NewResource(
		"dossier://insights/recent",
		"Recent Insights",
		mcp.WithResourceDescription("The 20 most recent active insights."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		insights, err := st.ListInsights(ctx, store.InsightListOpts{Limit: 20})
		if err != nil {
			return nil, fmt.Errorf("listing recent insights: %w", err)
		}

		type recentInsight struct {
			ID         string  `json:"id"`
			Kind       string  `json:"kind"`
			Message    string  `json:"message"`
			Confidence float64 `json:"confidence"`
			CreatedAt  string  `json:"created_at"`
		}
		recent := make([]recentInsight, 0, len(insights))
		for _, in := range insights {
			recent = append(recent, recentInsight{
				ID:         in.ID,
				Kind:       in.Kind,
				Message:    in.Message,
				Confidence: in.Confidence,
				CreatedAt:  in.CreatedAt.Format("2006-01-02 15:04:05"),
			})
		}

		data, _ := json.MarshalIndent(recent, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}
