package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// InsertInsight stores a new insight. The caller supplies the ID (uuid) and
// a valid single-field target; enforcing the active-uniqueness rule is the
// generator's job, via FindActiveInsight before insert.
func (s *SQLiteStore) InsertInsight(ctx context.Context, in *Insight) error {
	if in.ID == "" {
		return fmt.Errorf("insight id is required")
	}
	if !in.Target.Valid() {
		return fmt.Errorf("insight must target exactly one of person, context, product")
	}

	basedOn, err := json.Marshal(nonNilStrings(in.BasedOnEvidence))
	if err != nil {
		return fmt.Errorf("marshaling based-on evidence: %w", err)
	}

	return s.withWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO insights (id, person_id, context_id, product_id, kind, message, confidence, based_on, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.Target.PersonID, in.Target.ContextID, in.Target.ProductID,
			in.Kind, in.Message, in.Confidence, string(basedOn), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("inserting insight: %w", err)
		}
		return nil
	})
}

// FindActiveInsight returns the non-dismissed insight with the given
// (target, kind, message), or (nil, nil) when none exists. Dismissed
// insights never match, so a dismissed observation can legitimately recur.
func (s *SQLiteStore) FindActiveInsight(ctx context.Context, target InsightTarget, kind, message string) (*Insight, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, person_id, context_id, product_id, kind, message, confidence, based_on, created_at, dismissed_at
		FROM insights
		WHERE person_id = ? AND context_id = ? AND product_id = ?
			AND kind = ? AND message = ? AND dismissed_at IS NULL
		ORDER BY created_at LIMIT 1`,
		target.PersonID, target.ContextID, target.ProductID, kind, message)

	in, err := scanInsight(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("finding active insight: %w", err)
	}
	return in, nil
}

// AddInsightEvidence merges evidenceIDs into an insight's supporting set.
// Already-present IDs are ignored; the stored order is sorted for stable
// comparisons.
func (s *SQLiteStore) AddInsightEvidence(ctx context.Context, id string, evidenceIDs []string) error {
	if len(evidenceIDs) == 0 {
		return nil
	}

	return s.withWrite(func() error {
		var basedOn string
		err := s.db.QueryRowContext(ctx,
			"SELECT based_on FROM insights WHERE id = ?", id).Scan(&basedOn)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("insight %s not found", id)
			}
			return fmt.Errorf("loading insight %s: %w", id, err)
		}

		var existing []string
		if err := json.Unmarshal([]byte(basedOn), &existing); err != nil {
			return fmt.Errorf("unmarshaling based-on evidence: %w", err)
		}

		merged := unionStrings(existing, evidenceIDs)
		out, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshaling based-on evidence: %w", err)
		}

		if _, err := s.db.ExecContext(ctx,
			"UPDATE insights SET based_on = ? WHERE id = ?", string(out), id); err != nil {
			return fmt.Errorf("updating insight %s: %w", id, err)
		}
		return nil
	})
}

// ListInsights returns insights newest first, filtered by opts. Dismissed
// insights are excluded unless IncludeDismissed is set.
func (s *SQLiteStore) ListInsights(ctx context.Context, opts InsightListOpts) ([]*Insight, error) {
	query := `
		SELECT id, person_id, context_id, product_id, kind, message, confidence, based_on, created_at, dismissed_at
		FROM insights`
	var conds []string
	var args []interface{}

	if !opts.IncludeDismissed {
		conds = append(conds, "dismissed_at IS NULL")
	}
	if opts.Target != nil {
		conds = append(conds, "person_id = ? AND context_id = ? AND product_id = ?")
		args = append(args, opts.Target.PersonID, opts.Target.ContextID, opts.Target.ProductID)
	}

	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id"
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
		return nil, fmt.Errorf("listing insights: %w", err)
	}
	defer rows.Close()

	var insights []*Insight
	for rows.Next() {
		in, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning insight: %w", err)
		}
		insights = append(insights, in)
	}
	return insights, rows.Err()
}

// DismissInsight marks an insight dismissed. Dismissed insights are kept for
// history but no longer participate in dedup matching.
func (s *SQLiteStore) DismissInsight(ctx context.Context, id string) error {
	return s.withWrite(func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE insights SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL",
			time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("dismissing insight %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("insight %s not found or already dismissed", id)
		}
		return nil
	})
}

// DedupInsights collapses groups of non-dismissed insights sharing the same
// (target, kind, message): the earliest-created row survives with the union
// of the group's supporting evidence, the rest are deleted. Returns how many
// duplicate rows were removed.
func (s *SQLiteStore) DedupInsights(ctx context.Context) (int, error) {
	all, err := s.ListInsights(ctx, InsightListOpts{})
	if err != nil {
		return 0, err
	}

	type key struct {
		person, context, product, kind, message string
	}
	groups := make(map[key][]*Insight)
	for _, in := range all {
		k := key{in.Target.PersonID, in.Target.ContextID, in.Target.ProductID, in.Kind, in.Message}
		groups[k] = append(groups[k], in)
	}

	removed := 0
	err = s.withWrite(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning dedup transaction: %w", err)
		}
		defer tx.Rollback()

		for _, group := range groups {
			if len(group) < 2 {
				continue
			}
			sort.Slice(group, func(i, j int) bool {
				if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
					return group[i].CreatedAt.Before(group[j].CreatedAt)
				}
				return group[i].ID < group[j].ID
			})

			keeper := group[0]
			evidence := keeper.BasedOnEvidence
			for _, dup := range group[1:] {
				evidence = unionStrings(evidence, dup.BasedOnEvidence)
				if _, err := tx.ExecContext(ctx, "DELETE FROM insights WHERE id = ?", dup.ID); err != nil {
					return fmt.Errorf("deleting duplicate insight %s: %w", dup.ID, err)
				}
				removed++
			}

			merged, err := json.Marshal(nonNilStrings(evidence))
			if err != nil {
				return fmt.Errorf("marshaling merged evidence: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE insights SET based_on = ? WHERE id = ?", string(merged), keeper.ID); err != nil {
				return fmt.Errorf("updating surviving insight %s: %w", keeper.ID, err)
			}
		}

		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Stats returns row counts and the database file size.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM evidence", &stats.EvidenceCount},
		{"SELECT COUNT(*) FROM people", &stats.PersonCount},
		{"SELECT COUNT(*) FROM insights WHERE dismissed_at IS NULL", &stats.InsightCount},
		{"SELECT COUNT(*) FROM proposed_links WHERE status = 'pending'", &stats.PendingLinkCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}

	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DBSizeBytes = pageCount * pageSize
		}
	}

	return stats, nil
}

func scanInsight(row rowScanner) (*Insight, error) {
	var in Insight
	var basedOn string
	var dismissedAt sql.NullTime

	err := row.Scan(&in.ID, &in.Target.PersonID, &in.Target.ContextID, &in.Target.ProductID,
		&in.Kind, &in.Message, &in.Confidence, &basedOn, &in.CreatedAt, &dismissedAt)
	if err != nil {
		return nil, err
	}
	if dismissedAt.Valid {
		t := dismissedAt.Time
		in.DismissedAt = &t
	}
	if err := json.Unmarshal([]byte(basedOn), &in.BasedOnEvidence); err != nil {
		return nil, fmt.Errorf("unmarshaling based-on evidence: %w", err)
	}
	return &in, nil
}

// unionStrings merges two lists preserving uniqueness, returning a sorted
// result.
func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		seen[v] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
