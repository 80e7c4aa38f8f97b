package store

import (
	"database/sql"
	"fmt"
	"time"
)

// migrate creates all tables if they don't exist and seeds metadata.
// Bootstrap is guarded by a meta flag so re-opening an existing database
// skips the DDL pass entirely.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Evidence items. external_uid is nullable: NULL means manually
		// created, which a source prune pass never touches.
		`CREATE TABLE IF NOT EXISTS evidence (
			id                TEXT PRIMARY KEY,
			external_uid      TEXT UNIQUE,
			source            TEXT NOT NULL CHECK(source IN ('calendar','contacts','note','manual')),
			triage_state      TEXT NOT NULL DEFAULT 'needsReview' CHECK(triage_state IN ('needsReview','reviewed')),
			occurred_at       DATETIME,
			title             TEXT NOT NULL DEFAULT '',
			snippet           TEXT NOT NULL DEFAULT '',
			body_text         TEXT NOT NULL DEFAULT '',
			signals           TEXT NOT NULL DEFAULT '[]',
			participant_hints TEXT NOT NULL DEFAULT '[]',
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_evidence_source ON evidence(source)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_triage ON evidence(triage_state)`,
		`CREATE INDEX IF NOT EXISTS idx_evidence_occurred ON evidence(occurred_at)`,

		// People
		`CREATE TABLE IF NOT EXISTS people (
			id                   TEXT PRIMARY KEY,
			display_name         TEXT NOT NULL,
			external_contact_ref TEXT,
			email                TEXT,
			role_badges          TEXT NOT NULL DEFAULT '[]',
			created_at           DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_people_display_name ON people(display_name)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_people_contact_ref ON people(external_contact_ref) WHERE external_contact_ref IS NOT NULL`,

		// System-proposed evidence→person links, pending human triage.
		// Cascade with the evidence row; nullify-like cleanup for people is
		// handled by ON DELETE CASCADE too — a deleted person's proposals
		// are meaningless.
		`CREATE TABLE IF NOT EXISTS proposed_links (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			evidence_id TEXT NOT NULL REFERENCES evidence(id) ON DELETE CASCADE,
			person_id   TEXT NOT NULL REFERENCES people(id) ON DELETE CASCADE,
			context_id  TEXT NOT NULL DEFAULT '',
			confidence  REAL NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','accepted','declined')),
			hint_name   TEXT NOT NULL DEFAULT '',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_proposed_links_evidence ON proposed_links(evidence_id)`,
		`CREATE INDEX IF NOT EXISTS idx_proposed_links_person ON proposed_links(person_id)`,

		// Confirmed associations
		`CREATE TABLE IF NOT EXISTS evidence_people (
			evidence_id TEXT NOT NULL REFERENCES evidence(id) ON DELETE CASCADE,
			person_id   TEXT NOT NULL REFERENCES people(id) ON DELETE CASCADE,
			PRIMARY KEY (evidence_id, person_id)
		)`,

		`CREATE TABLE IF NOT EXISTS evidence_contexts (
			evidence_id TEXT NOT NULL REFERENCES evidence(id) ON DELETE CASCADE,
			context_id  TEXT NOT NULL,
			PRIMARY KEY (evidence_id, context_id)
		)`,

		// Derived insights. Target columns are empty strings rather than
		// NULLs so the (target, kind, message) dedup scan stays a plain
		// equality comparison.
		`CREATE TABLE IF NOT EXISTS insights (
			id           TEXT PRIMARY KEY,
			person_id    TEXT NOT NULL DEFAULT '',
			context_id   TEXT NOT NULL DEFAULT '',
			product_id   TEXT NOT NULL DEFAULT '',
			kind         TEXT NOT NULL,
			message      TEXT NOT NULL,
			confidence   REAL NOT NULL DEFAULT 0,
			based_on     TEXT NOT NULL DEFAULT '[]',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			dismissed_at DATETIME
		)`,

		`CREATE INDEX IF NOT EXISTS idx_insights_dedup ON insights(person_id, context_id, product_id, kind, message)`,
		`CREATE INDEX IF NOT EXISTS idx_insights_dismissed ON insights(dismissed_at)`,

		// Metadata table
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": "1",
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
