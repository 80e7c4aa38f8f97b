package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// AddPerson stores a new person record. The caller supplies the ID (uuid).
func (s *SQLiteStore) AddPerson(ctx context.Context, p *Person) error {
	if p.ID == "" {
		return fmt.Errorf("person id is required")
	}
	if p.DisplayName == "" {
		return fmt.Errorf("person display name is required")
	}

	badges, err := json.Marshal(nonNilStrings(p.RoleBadges))
	if err != nil {
		return fmt.Errorf("marshaling role badges: %w", err)
	}

	var ref interface{}
	if p.ExternalContactRef != "" {
		ref = p.ExternalContactRef
	}

	return s.withWrite(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO people (id, display_name, external_contact_ref, email, role_badges, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.DisplayName, ref, p.Email, string(badges), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("inserting person: %w", err)
		}
		return nil
	})
}

// GetPerson fetches one person. Returns (nil, nil) when no row exists.
func (s *SQLiteStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	return s.getPersonWhere(ctx, "id = ?", id)
}

// FindPersonByContactRef looks up the person bound to an external contact
// record, used to reconcile re-imported contacts with existing identities.
// Returns (nil, nil) when no binding exists.
func (s *SQLiteStore) FindPersonByContactRef(ctx context.Context, ref string) (*Person, error) {
	if ref == "" {
		return nil, nil
	}
	return s.getPersonWhere(ctx, "external_contact_ref = ?", ref)
}

func (s *SQLiteStore) getPersonWhere(ctx context.Context, where string, arg interface{}) (*Person, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, external_contact_ref, email, role_badges, created_at
		FROM people WHERE `+where, arg)

	p, err := scanPerson(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("loading person: %w", err)
	}
	return p, nil
}

// ListPeople returns people ordered by display name. A non-empty nameQuery
// filters with a case-insensitive substring match.
func (s *SQLiteStore) ListPeople(ctx context.Context, nameQuery string) ([]*Person, error) {
	query := `
		SELECT id, display_name, external_contact_ref, email, role_badges, created_at
		FROM people`
	var args []interface{}
	if nameQuery != "" {
		query += " WHERE display_name LIKE ? COLLATE NOCASE"
		args = append(args, "%"+nameQuery+"%")
	}
	query += " ORDER BY display_name, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing people: %w", err)
	}
	defer rows.Close()

	var people []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning person: %w", err)
		}
		people = append(people, p)
	}
	return people, rows.Err()
}

func scanPerson(row rowScanner) (*Person, error) {
	var p Person
	var ref, email sql.NullString
	var badges string

	err := row.Scan(&p.ID, &p.DisplayName, &ref, &email, &badges, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.ExternalContactRef = ref.String
	p.Email = email.String
	if err := json.Unmarshal([]byte(badges), &p.RoleBadges); err != nil {
		return nil, fmt.Errorf("unmarshaling role badges: %w", err)
	}
	return &p, nil
}
