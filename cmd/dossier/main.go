package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/ohsnyt/dossier/internal/analyze"
	"github.com/ohsnyt/dossier/internal/config"
	"github.com/ohsnyt/dossier/internal/evidence"
	"github.com/ohsnyt/dossier/internal/importer"
	"github.com/ohsnyt/dossier/internal/insight"
	"github.com/ohsnyt/dossier/internal/mcp"
	"github.com/ohsnyt/dossier/internal/names"
	"github.com/ohsnyt/dossier/internal/source"
	"github.com/ohsnyt/dossier/internal/store"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "note":
		err = runNote(os.Args[2:])
	case "insights":
		err = runInsights(os.Args[2:])
	case "evidence":
		err = runEvidence(os.Args[2:])
	case "triage":
		err = runTriage(os.Args[2:])
	case "link":
		err = runLink(os.Args[2:])
	case "match":
		err = runMatch(os.Args[2:])
	case "people":
		err = runPeople(os.Args[2:])
	case "dedup":
		err = runDedup(os.Args[2:])
	case "daemon":
		err = runDaemon(os.Args[2:])
	case "serve-mcp":
		err = runServeMCP(os.Args[2:])
	case "config":
		err = runConfig(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("dossier %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions are the flags shared by every command. Positional arguments
// are returned in order.
type cliOptions struct {
	configPath string
	dbPath     string
	token      string
	calendarID string
	title      string
	personID   string
	sourceName string
	triage     string
	threshold  float64
	all        bool
	rest       []string
}

func parseArgs(args []string) (cliOptions, error) {
	var opts cliOptions
	for i := 0; i < len(args); i++ {
		arg := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("flag %s needs a value", arg)
			}
			i++
			return args[i], nil
		}
		var err error
		switch {
		case arg == "--config":
			opts.configPath, err = value()
		case arg == "--db":
			opts.dbPath, err = value()
		case arg == "--token":
			opts.token, err = value()
		case arg == "--calendar":
			opts.calendarID, err = value()
		case arg == "--title":
			opts.title, err = value()
		case arg == "--person":
			opts.personID, err = value()
		case arg == "--source":
			opts.sourceName, err = value()
		case arg == "--triage":
			opts.triage, err = value()
		case arg == "--threshold":
			var raw string
			if raw, err = value(); err == nil {
				opts.threshold, err = strconv.ParseFloat(raw, 64)
			}
		case arg == "--all" || arg == "-a":
			opts.all = true
		case strings.HasPrefix(arg, "-"):
			return opts, fmt.Errorf("unknown flag: %s", arg)
		default:
			opts.rest = append(opts.rest, arg)
		}
		if err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func resolve(opts cliOptions) (config.ResolvedConfig, error) {
	return config.ResolveConfig(config.ResolveOptions{
		ConfigPath:  opts.configPath,
		CLIDBPath:   opts.dbPath,
		CLICalendar: opts.calendarID,
		CLIToken:    opts.token,
	})
}

func openStore(cfg config.ResolvedConfig) (store.Store, error) {
	return store.NewStore(store.Config{DBPath: cfg.DBPath.Value})
}

// buildCoordinators wires one coordinator per enabled source. The returned
// map is keyed by adapter name.
func buildCoordinators(cfg config.ResolvedConfig, s store.Store) map[string]*importer.Coordinator {
	engine := evidence.NewEngine(s, cfg.ThresholdValue())
	gen := insight.NewGenerator(s)

	coordinators := make(map[string]*importer.Coordinator)

	calendar := source.NewCalendarAdapter(cfg.AccessToken.Value)
	coordinators[calendar.Name()] = importer.NewCoordinator(calendar, engine, gen, s, func() importer.Config {
		return importer.Config{
			Scope: source.Scope{
				Identifier:  cfg.CalendarID.Value,
				DaysBack:    config.IntValue(cfg.DaysBack, 30),
				DaysForward: config.IntValue(cfg.DaysForward, 30),
			},
			Enabled: config.BoolValue(cfg.CalendarEnabled, true) && cfg.AccessToken.Value != "",
		}
	})

	contacts := source.NewContactsAdapter(cfg.AccessToken.Value)
	coordinators[contacts.Name()] = importer.NewCoordinator(contacts, engine, gen, s, func() importer.Config {
		return importer.Config{
			Enabled: config.BoolValue(cfg.ContactsEnabled, true) && cfg.AccessToken.Value != "",
		}
	})

	return coordinators
}

func semanticAnalyzer(cfg config.ResolvedConfig) analyze.Analyzer {
	sem := analyze.NewSemantic(analyze.SemanticConfig{
		Endpoint: cfg.SemanticEndpoint.Value,
		APIKey:   cfg.SemanticAPIKey.Value,
		Model:    cfg.SemanticModel.Value,
	})
	if sem == nil {
		return nil
	}
	return sem
}

func runImport(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	which := "all"
	if len(opts.rest) > 0 {
		which = opts.rest[0]
	}

	coordinators := buildCoordinators(cfg, s)
	ran := 0
	for name, c := range coordinators {
		if which != "all" && which != name {
			continue
		}
		ran++
		fmt.Printf("Importing %s...\n", name)
		c.Kick("cli")
		c.Wait()

		result := c.LastResult()
		if result.Err != "" {
			fmt.Fprintf(os.Stderr, "  %s: %s\n", name, result.Err)
			continue
		}
		fmt.Printf("  fetched %d, created %d, updated %d, skipped %d, pruned %d, insights %d (%s)\n",
			result.Fetched, result.Created, result.Updated, result.Skipped,
			result.Pruned, result.Insights, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}
	if ran == 0 {
		return fmt.Errorf("unknown source %q (calendar, contacts, all)", which)
	}
	return nil
}

func runNote(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(opts.rest) == 0 {
		return fmt.Errorf("usage: dossier note <text> [--title <title>]")
	}
	text := strings.Join(opts.rest, " ")

	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	ctx := context.Background()
	analyzer := analyze.Select(ctx, semanticAnalyzer(cfg), analyze.NewHeuristic())

	gen := insight.NewGenerator(s)
	result, err := gen.ProcessNote(ctx, analyzer, opts.title, text, cfg.ThresholdValue())
	if err != nil {
		return err
	}

	art := result.Artifact
	fmt.Printf("Recorded note %s (%s extractor)\n", result.EvidenceID, art.ExtractorUsed)
	fmt.Printf("  Summary: %s\n", art.Summary)
	fmt.Printf("  Affect:  %s\n", art.Affect)
	for _, f := range art.Facts {
		fmt.Printf("  Fact:    %s\n", f)
	}
	for _, imp := range art.Implications {
		fmt.Printf("  Implies: %s\n", imp)
	}
	for _, p := range art.People {
		if p.Relationship != "" {
			fmt.Printf("  Person:  %s (%s)\n", p.Name, p.Relationship)
		} else {
			fmt.Printf("  Person:  %s\n", p.Name)
		}
	}
	for _, topic := range art.Topics {
		line := topic.ProductType
		if topic.Amount != "" {
			line += " " + topic.Amount
		}
		fmt.Printf("  Topic:   %s\n", line)
	}
	fmt.Printf("  People matched %d, created %d; %d insight(s) derived\n",
		len(result.MatchedPeople), len(result.CreatedPeople), result.Insights)
	return nil
}

func runInsights(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	listOpts := store.InsightListOpts{Limit: 50, IncludeDismissed: opts.all}
	if opts.personID != "" {
		listOpts.Target = &store.InsightTarget{PersonID: opts.personID}
	}

	insights, err := s.ListInsights(context.Background(), listOpts)
	if err != nil {
		return err
	}
	if len(insights) == 0 {
		fmt.Println("No insights.")
		return nil
	}
	for _, in := range insights {
		status := ""
		if in.DismissedAt != nil {
			status = " [dismissed]"
		}
		fmt.Printf("%s  %-12s %.2f  %s%s\n", in.ID, in.Kind, in.Confidence, in.Message, status)
		fmt.Printf("    target=%s evidence=%d created=%s\n",
			describeTarget(in.Target), len(in.BasedOnEvidence), in.CreatedAt.Format("2006-01-02"))
	}
	return nil
}

func describeTarget(t store.InsightTarget) string {
	switch {
	case t.PersonID != "":
		return "person:" + t.PersonID
	case t.ContextID != "":
		return "context:" + t.ContextID
	case t.ProductID != "":
		return "product:" + t.ProductID
	}
	return "none"
}

func runEvidence(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	items, err := s.ListEvidence(context.Background(), store.EvidenceListOpts{
		Source:      store.Source(opts.sourceName),
		TriageState: store.TriageState(opts.triage),
		Limit:       50,
	})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No evidence.")
		return nil
	}
	for _, item := range items {
		fmt.Printf("%s  %-9s %-12s %s\n", item.ID, item.Source, item.TriageState, item.Title)
		if len(item.Signals) > 0 {
			fmt.Printf("    signals: %s\n", strings.Join(item.Signals, ", "))
		}
		for _, link := range item.ProposedLinks {
			if link.Status != store.LinkPending {
				continue
			}
			fmt.Printf("    proposed link #%d: %q -> person %s (%.2f)\n",
				link.ID, link.HintName, link.PersonID, link.Confidence)
		}
	}
	return nil
}

func runTriage(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(opts.rest) != 2 {
		return fmt.Errorf("usage: dossier triage <evidence-id> <needsReview|reviewed>")
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if err := s.SetTriageState(context.Background(), opts.rest[0], store.TriageState(opts.rest[1])); err != nil {
		return err
	}
	fmt.Printf("Evidence %s marked %s\n", opts.rest[0], opts.rest[1])
	return nil
}

func runLink(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(opts.rest) != 2 || (opts.rest[1] != "accept" && opts.rest[1] != "decline") {
		return fmt.Errorf("usage: dossier link <link-id> <accept|decline>")
	}
	linkID, err := strconv.ParseInt(opts.rest[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid link id %q", opts.rest[0])
	}

	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	status := store.LinkAccepted
	if opts.rest[1] == "decline" {
		status = store.LinkDeclined
	}
	if err := s.SetProposedLinkStatus(context.Background(), linkID, status); err != nil {
		return err
	}
	fmt.Printf("Link %d %sed\n", linkID, opts.rest[1])
	return nil
}

func runMatch(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(opts.rest) == 0 {
		return fmt.Errorf("usage: dossier match <name> [--threshold 0.6]")
	}
	name := strings.Join(opts.rest, " ")

	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	people, err := s.ListPeople(context.Background(), "")
	if err != nil {
		return err
	}
	candidates := make([]names.Candidate, 0, len(people))
	byID := make(map[string]*store.Person, len(people))
	for _, p := range people {
		candidates = append(candidates, names.Candidate{ID: p.ID, DisplayName: p.DisplayName})
		byID[p.ID] = p
	}

	threshold := opts.threshold
	if threshold <= 0 {
		threshold = cfg.ThresholdValue()
	}
	matches := names.FindMatches(name, candidates, threshold)
	if len(matches) == 0 {
		fmt.Printf("No matches for %q\n", name)
		return nil
	}
	for _, m := range matches {
		p := byID[m.Candidate.ID]
		fmt.Printf("%.2f  %s  %s\n", m.Score, p.ID, p.DisplayName)
	}
	return nil
}

func runPeople(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	query := strings.Join(opts.rest, " ")

	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	people, err := s.ListPeople(context.Background(), query)
	if err != nil {
		return err
	}
	if len(people) == 0 {
		fmt.Println("No people.")
		return nil
	}
	for _, p := range people {
		line := fmt.Sprintf("%s  %s", p.ID, p.DisplayName)
		if p.Email != "" {
			line += "  <" + p.Email + ">"
		}
		if len(p.RoleBadges) > 0 {
			line += "  [" + strings.Join(p.RoleBadges, ", ") + "]"
		}
		fmt.Println(line)
	}
	return nil
}

func runDedup(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	removed, err := insight.NewGenerator(s).Deduplicate(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d duplicate insight(s)\n", removed)
	return nil
}

func runDaemon(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	coordinators := buildCoordinators(cfg, s)

	sched := importer.NewScheduler()
	schedules := map[string]config.ResolvedValue{
		"calendar": cfg.CalendarSchedule,
		"contacts": cfg.ContactsSchedule,
	}
	for name, c := range coordinators {
		spec := schedules[name].Value
		if err := sched.Add(name, spec, c); err != nil {
			return err
		}
		// Run once on startup rather than waiting for the first tick.
		c.Kick("startup")
	}
	sched.Start()
	defer sched.Stop()

	fmt.Printf("dossier daemon running (db: %s)\n", cfg.DBPath.Value)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("shutting down, waiting for in-flight cycles...")
	for _, c := range coordinators {
		c.Wait()
	}
	return nil
}

func runServeMCP(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	srv := mcp.NewServer(mcp.ServerConfig{
		Store:          s,
		Version:        version,
		Semantic:       semanticAnalyzer(cfg),
		Coordinators:   buildCoordinators(cfg, s),
		MatchThreshold: cfg.ThresholdValue(),
	})
	return mcpserver.ServeStdio(srv)
}

func runConfig(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runStats(args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	stats, err := s.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Evidence:      %d\n", stats.EvidenceCount)
	fmt.Printf("People:        %d\n", stats.PersonCount)
	fmt.Printf("Insights:      %d\n", stats.InsightCount)
	fmt.Printf("Pending links: %d\n", stats.PendingLinkCount)
	fmt.Printf("DB size:       %.1f KB\n", float64(stats.DBSizeBytes)/1024)
	return nil
}

func printUsage() {
	fmt.Printf(`dossier %s — evidence ingestion and entity resolution for client relationships

Usage:
  dossier <command> [arguments]

Commands:
  import [source]       Run an import cycle (calendar, contacts, or all)
  note <text>           Capture and analyze a free-text note
  insights              List derived insights [--person <id>] [--all]
  evidence              List evidence [--source <s>] [--triage <state>]
  triage <id> <state>   Set an evidence item's triage state
  link <id> <action>    Accept or decline a proposed person link
  match <name>          Score a name against known people
  people [query]        List people, optionally filtered by name
  dedup                 Collapse duplicate active insights
  daemon                Run scheduled imports until interrupted
  serve-mcp             Serve the MCP interface over stdio
  config                Print resolved configuration with provenance
  stats                 Show store statistics
  version               Print version

Global flags:
  --config <path>   Config file (default ~/.dossier/config.yaml)
  --db <path>       Database path
  --token <token>   Google API access token
  --calendar <id>   Calendar identifier
`, version)
}
