// Package store provides the SQLite storage layer for Dossier.
//
// All pipeline data lives in a single SQLite database file:
// - Evidence items with source provenance and external UIDs
// - People and their proposed/confirmed evidence links
// - Derived insights with supporting-evidence sets
//
// Every mutation goes through a single write mutex so a concurrent reader
// never observes a half-written upsert batch, and a busy/locked write is
// retried once before the error surfaces to the caller.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.dossier/dossier.db"

// Source identifies where a piece of evidence came from.
type Source string

const (
	SourceCalendar Source = "calendar"
	SourceContacts Source = "contacts"
	SourceNote     Source = "note"
	SourceManual   Source = "manual"
)

// TriageState tracks whether evidence still needs human review.
type TriageState string

const (
	TriageNeedsReview TriageState = "needsReview"
	TriageReviewed    TriageState = "reviewed"
)

// LinkStatus is the lifecycle of a proposed evidence→person link.
type LinkStatus string

const (
	LinkPending  LinkStatus = "pending"
	LinkAccepted LinkStatus = "accepted"
	LinkDeclined LinkStatus = "declined"
)

// ParticipantHint is an unresolved person reference carried by evidence.
type ParticipantHint struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Verified    bool   `json:"verified"`
}

// ProposedLink is a system-suggested association between an evidence item
// and a person, pending human acceptance.
type ProposedLink struct {
	ID         int64
	EvidenceID string
	PersonID   string
	ContextID  string
	Confidence float64
	Status     LinkStatus
	HintName   string
	CreatedAt  time.Time
}

// EvidenceItem is a normalized fact record derived from one external source
// record (event, contact, note) or created manually. ExternalUID is empty
// for manual items, which are never touched by source pruning.
type EvidenceItem struct {
	ID               string
	ExternalUID      string
	Source           Source
	TriageState      TriageState
	OccurredAt       time.Time
	Title            string
	Snippet          string
	BodyText         string
	Signals          []string
	ParticipantHints []ParticipantHint
	ProposedLinks    []ProposedLink
	LinkedPeople     []string
	LinkedContexts   []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DerivedFields are the evidence fields fully overwritten on every
// re-import. Triage state and confirmed links are not part of this set.
type DerivedFields struct {
	OccurredAt       time.Time
	Title            string
	Snippet          string
	BodyText         string
	Signals          []string
	ParticipantHints []ParticipantHint
}

// Person is a reconciled identity. People are created by explicit user
// action, by accepting a proposed link, or by note analysis — never by the
// matcher, which only scores.
type Person struct {
	ID                 string
	DisplayName        string
	ExternalContactRef string
	Email              string
	RoleBadges         []string
	CreatedAt          time.Time
}

// InsightTarget names what an insight is about. Exactly one field must be
// non-empty.
type InsightTarget struct {
	PersonID  string
	ContextID string
	ProductID string
}

// Valid reports whether exactly one target field is set.
func (t InsightTarget) Valid() bool {
	n := 0
	for _, v := range []string{t.PersonID, t.ContextID, t.ProductID} {
		if v != "" {
			n++
		}
	}
	return n == 1
}

// Insight is a derived, deduplicated observation with supporting evidence.
// No two non-dismissed insights share the same (target, kind, message).
type Insight struct {
	ID              string
	Target          InsightTarget
	Kind            string
	Message         string
	Confidence      float64
	BasedOnEvidence []string
	CreatedAt       time.Time
	DismissedAt     *time.Time
}

// EvidenceListOpts controls filtering for ListEvidence.
type EvidenceListOpts struct {
	Source      Source      // filter by source ("" = all)
	TriageState TriageState // filter by triage state ("" = all)
	Limit       int
	Offset      int
}

// InsightListOpts controls filtering for ListInsights.
type InsightListOpts struct {
	Target           *InsightTarget // filter by target (nil = all)
	IncludeDismissed bool
	Limit            int
	Offset           int
}

// Stats holds observability counts about the store.
type Stats struct {
	EvidenceCount    int64
	PersonCount      int64
	InsightCount     int64
	PendingLinkCount int64
	DBSizeBytes      int64
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

// Store is the abstract repository consumed by the pipeline. Nothing above
// this interface depends on the persistence engine's query language.
type Store interface {
	// Evidence
	InsertEvidence(ctx context.Context, item *EvidenceItem) error
	UpdateEvidenceDerived(ctx context.Context, id string, fields DerivedFields) error
	GetEvidence(ctx context.Context, id string) (*EvidenceItem, error)
	GetEvidenceByUID(ctx context.Context, externalUID string) (*EvidenceItem, error)
	ListEvidence(ctx context.Context, opts EvidenceListOpts) ([]*EvidenceItem, error)
	DeleteEvidence(ctx context.Context, id string) error
	PruneEvidence(ctx context.Context, source Source, validUIDs map[string]struct{}) (int, error)
	SetTriageState(ctx context.Context, id string, state TriageState) error

	// Links
	AddProposedLink(ctx context.Context, link *ProposedLink) (int64, error)
	SetProposedLinkStatus(ctx context.Context, id int64, status LinkStatus) error
	DeleteProposedLink(ctx context.Context, id int64) error
	LinkPerson(ctx context.Context, evidenceID, personID string) error
	LinkContext(ctx context.Context, evidenceID, contextID string) error

	// People
	AddPerson(ctx context.Context, p *Person) error
	GetPerson(ctx context.Context, id string) (*Person, error)
	FindPersonByContactRef(ctx context.Context, ref string) (*Person, error)
	ListPeople(ctx context.Context, nameQuery string) ([]*Person, error)

	// Insights
	InsertInsight(ctx context.Context, in *Insight) error
	FindActiveInsight(ctx context.Context, target InsightTarget, kind, message string) (*Insight, error)
	AddInsightEvidence(ctx context.Context, id string, evidenceIDs []string) error
	ListInsights(ctx context.Context, opts InsightListOpts) ([]*Insight, error)
	DismissInsight(ctx context.Context, id string) error
	DedupInsights(ctx context.Context) (int, error)

	// Observability
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	dbPath  string
	writeMu sync.Mutex
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = ExpandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if cfg.DBPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying *sql.DB for packages that need direct
// access (e.g., internal/mcp resources). Normal operations still go
// through typed store methods.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// withWrite serializes a mutation and retries it once when SQLite reports
// the database busy or locked. A second failure surfaces to the caller as
// a cycle-level error.
func (s *SQLiteStore) withWrite(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := fn()
	if err != nil && isBusyError(err) {
		time.Sleep(50 * time.Millisecond)
		err = fn()
	}
	return err
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
