package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InsertEvidence stores a new evidence item. The caller supplies the ID
// (uuid). A non-empty ExternalUID must be unique across the table.
func (s *SQLiteStore) InsertEvidence(ctx context.Context, item *EvidenceItem) error {
	if item.ID == "" {
		return fmt.Errorf("evidence id is required")
	}
	if item.TriageState == "" {
		item.TriageState = TriageNeedsReview
	}

	signals, err := json.Marshal(nonNilStrings(item.Signals))
	if err != nil {
		return fmt.Errorf("marshaling signals: %w", err)
	}
	hints, err := json.Marshal(nonNilHints(item.ParticipantHints))
	if err != nil {
		return fmt.Errorf("marshaling participant hints: %w", err)
	}

	var uid interface{}
	if item.ExternalUID != "" {
		uid = item.ExternalUID
	}

	now := time.Now().UTC()
	return s.withWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO evidence (id, external_uid, source, triage_state, occurred_at,
				title, snippet, body_text, signals, participant_hints, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, uid, string(item.Source), string(item.TriageState),
			nullableTime(item.OccurredAt), item.Title, item.Snippet, item.BodyText,
			string(signals), string(hints), now, now)
		if err != nil {
			return fmt.Errorf("inserting evidence: %w", err)
		}
		return nil
	})
}

// UpdateEvidenceDerived overwrites the source-derived fields of an evidence
// item while leaving triage state, confirmed links, and proposed links
// untouched. This is the update half of an idempotent re-import.
func (s *SQLiteStore) UpdateEvidenceDerived(ctx context.Context, id string, fields DerivedFields) error {
	signals, err := json.Marshal(nonNilStrings(fields.Signals))
	if err != nil {
		return fmt.Errorf("marshaling signals: %w", err)
	}
	hints, err := json.Marshal(nonNilHints(fields.ParticipantHints))
	if err != nil {
		return fmt.Errorf("marshaling participant hints: %w", err)
	}

	return s.withWrite(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE evidence
			SET occurred_at = ?, title = ?, snippet = ?, body_text = ?,
				signals = ?, participant_hints = ?, updated_at = ?
			WHERE id = ?`,
			nullableTime(fields.OccurredAt), fields.Title, fields.Snippet,
			fields.BodyText, string(signals), string(hints), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("updating evidence %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("evidence %s not found", id)
		}
		return nil
	})
}

// GetEvidence fetches one evidence item with its links loaded. Returns
// (nil, nil) when no row exists.
func (s *SQLiteStore) GetEvidence(ctx context.Context, id string) (*EvidenceItem, error) {
	return s.getEvidenceWhere(ctx, "id = ?", id)
}

// GetEvidenceByUID fetches evidence by its external UID. Returns (nil, nil)
// when no row exists.
func (s *SQLiteStore) GetEvidenceByUID(ctx context.Context, externalUID string) (*EvidenceItem, error) {
	return s.getEvidenceWhere(ctx, "external_uid = ?", externalUID)
}

func (s *SQLiteStore) getEvidenceWhere(ctx context.Context, where string, arg interface{}) (*EvidenceItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, external_uid, source, triage_state, occurred_at,
			title, snippet, body_text, signals, participant_hints,
			created_at, updated_at
		FROM evidence WHERE `+where, arg)

	item, err := scanEvidence(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading evidence: %w", err)
	}

	if err := s.loadEvidenceLinks(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ListEvidence returns evidence items filtered by opts, newest first.
// Links are loaded for every returned item.
func (s *SQLiteStore) ListEvidence(ctx context.Context, opts EvidenceListOpts) ([]*EvidenceItem, error) {
	var conds []string
	var args []interface{}
	if opts.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(opts.Source))
	}
	if opts.TriageState != "" {
		conds = append(conds, "triage_state = ?")
		args = append(args, string(opts.TriageState))
	}

	query := `
		SELECT id, external_uid, source, triage_state, occurred_at,
			title, snippet, body_text, signals, participant_hints,
			created_at, updated_at
		FROM evidence`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY occurred_at DESC, created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing evidence: %w", err)
	}
	defer rows.Close()

	var items []*EvidenceItem
	for rows.Next() {
		item, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning evidence row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, item := range items {
		if err := s.loadEvidenceLinks(ctx, item); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// DeleteEvidence removes an evidence item. Proposed links and confirmed
// associations cascade away with it.
func (s *SQLiteStore) DeleteEvidence(ctx context.Context, id string) error {
	return s.withWrite(func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM evidence WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting evidence %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("evidence %s not found", id)
		}
		return nil
	})
}

// PruneEvidence deletes every evidence row whose external UID belongs to the
// given source but no longer appears in validUIDs. Manual evidence
// (external_uid NULL) and other sources' rows are never touched. Returns the
// number of rows removed.
func (s *SQLiteStore) PruneEvidence(ctx context.Context, source Source, validUIDs map[string]struct{}) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_uid FROM evidence
		WHERE external_uid IS NOT NULL AND external_uid LIKE ?`,
		string(source)+":%")
	if err != nil {
		return 0, fmt.Errorf("scanning prunable evidence: %w", err)
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var id, uid string
		if err := rows.Scan(&id, &uid); err != nil {
			return 0, fmt.Errorf("scanning prunable row: %w", err)
		}
		if _, ok := validUIDs[uid]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	pruned := 0
	err = s.withWrite(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning prune transaction: %w", err)
		}
		defer tx.Rollback()

		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, "DELETE FROM evidence WHERE id = ?", id); err != nil {
				return fmt.Errorf("pruning evidence %s: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing prune: %w", err)
		}
		pruned = len(stale)
		return nil
	})
	return pruned, err
}

// SetTriageState marks an evidence item reviewed or needing review.
func (s *SQLiteStore) SetTriageState(ctx context.Context, id string, state TriageState) error {
	return s.withWrite(func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE evidence SET triage_state = ?, updated_at = ? WHERE id = ?",
			string(state), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("setting triage state: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("evidence %s not found", id)
		}
		return nil
	})
}

// AddProposedLink records a system-suggested evidence→person association and
// returns its rowid.
func (s *SQLiteStore) AddProposedLink(ctx context.Context, link *ProposedLink) (int64, error) {
	if link.Status == "" {
		link.Status = LinkPending
	}
	var id int64
	err := s.withWrite(func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO proposed_links (evidence_id, person_id, context_id, confidence, status, hint_name, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			link.EvidenceID, link.PersonID, link.ContextID, link.Confidence,
			string(link.Status), link.HintName, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("adding proposed link: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	link.ID = id
	return id, nil
}

// SetProposedLinkStatus transitions a proposed link. Accepting a link also
// records the confirmed evidence→person association.
func (s *SQLiteStore) SetProposedLinkStatus(ctx context.Context, id int64, status LinkStatus) error {
	return s.withWrite(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning link transaction: %w", err)
		}
		defer tx.Rollback()

		var evidenceID, personID string
		err = tx.QueryRowContext(ctx,
			"SELECT evidence_id, person_id FROM proposed_links WHERE id = ?", id).
			Scan(&evidenceID, &personID)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("proposed link %d not found", id)
			}
			return fmt.Errorf("loading proposed link %d: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE proposed_links SET status = ? WHERE id = ?", string(status), id); err != nil {
			return fmt.Errorf("updating proposed link %d: %w", id, err)
		}

		if status == LinkAccepted {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO evidence_people (evidence_id, person_id) VALUES (?, ?)",
				evidenceID, personID); err != nil {
				return fmt.Errorf("linking person on accept: %w", err)
			}
		}

		return tx.Commit()
	})
}

// DeleteProposedLink removes a proposed link outright. Used when a re-import
// invalidates a pending proposal.
func (s *SQLiteStore) DeleteProposedLink(ctx context.Context, id int64) error {
	return s.withWrite(func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM proposed_links WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting proposed link %d: %w", id, err)
		}
		return nil
	})
}

// LinkPerson records a confirmed evidence→person association. Idempotent.
func (s *SQLiteStore) LinkPerson(ctx context.Context, evidenceID, personID string) error {
	return s.withWrite(func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO evidence_people (evidence_id, person_id) VALUES (?, ?)",
			evidenceID, personID)
		if err != nil {
			return fmt.Errorf("linking person: %w", err)
		}
		return nil
	})
}

// LinkContext records a confirmed evidence→context association. Idempotent.
func (s *SQLiteStore) LinkContext(ctx context.Context, evidenceID, contextID string) error {
	return s.withWrite(func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO evidence_contexts (evidence_id, context_id) VALUES (?, ?)",
			evidenceID, contextID)
		if err != nil {
			return fmt.Errorf("linking context: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) loadEvidenceLinks(ctx context.Context, item *EvidenceItem) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, evidence_id, person_id, context_id, confidence, status, hint_name, created_at
		FROM proposed_links WHERE evidence_id = ? ORDER BY id`, item.ID)
	if err != nil {
		return fmt.Errorf("loading proposed links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l ProposedLink
		var status string
		if err := rows.Scan(&l.ID, &l.EvidenceID, &l.PersonID, &l.ContextID,
			&l.Confidence, &status, &l.HintName, &l.CreatedAt); err != nil {
			return fmt.Errorf("scanning proposed link: %w", err)
		}
		l.Status = LinkStatus(status)
		item.ProposedLinks = append(item.ProposedLinks, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := s.db.QueryContext(ctx,
		"SELECT person_id FROM evidence_people WHERE evidence_id = ? ORDER BY person_id", item.ID)
	if err != nil {
		return fmt.Errorf("loading linked people: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var id string
		if err := prows.Scan(&id); err != nil {
			return err
		}
		item.LinkedPeople = append(item.LinkedPeople, id)
	}
	if err := prows.Err(); err != nil {
		return err
	}

	crows, err := s.db.QueryContext(ctx,
		"SELECT context_id FROM evidence_contexts WHERE evidence_id = ? ORDER BY context_id", item.ID)
	if err != nil {
		return fmt.Errorf("loading linked contexts: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		var id string
		if err := crows.Scan(&id); err != nil {
			return err
		}
		item.LinkedContexts = append(item.LinkedContexts, id)
	}
	return crows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvidence(row rowScanner) (*EvidenceItem, error) {
	var item EvidenceItem
	var uid sql.NullString
	var occurredAt sql.NullTime
	var source, triage, signals, hints string

	err := row.Scan(&item.ID, &uid, &source, &triage, &occurredAt,
		&item.Title, &item.Snippet, &item.BodyText, &signals, &hints,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}

	item.ExternalUID = uid.String
	item.Source = Source(source)
	item.TriageState = TriageState(triage)
	if occurredAt.Valid {
		item.OccurredAt = occurredAt.Time
	}
	if err := json.Unmarshal([]byte(signals), &item.Signals); err != nil {
		return nil, fmt.Errorf("unmarshaling signals: %w", err)
	}
	if err := json.Unmarshal([]byte(hints), &item.ParticipantHints); err != nil {
		return nil, fmt.Errorf("unmarshaling participant hints: %w", err)
	}
	return &item, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilHints(v []ParticipantHint) []ParticipantHint {
	if v == nil {
		return []ParticipantHint{}
	}
	return v
}
