package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ohsnyt/dossier/internal/store"
)

// peopleBaseURL is the Google People API base. Variable for test injection.
var peopleBaseURL = "https://people.googleapis.com/v1"

const maxContactPages = 10

// ContactsAdapter imports the user's Google Contacts as evidence. Each
// contact becomes one evidence item whose external UID tracks the People
// API resource name, so renames and deletions reconcile on re-import.
type ContactsAdapter struct {
	client *googleClient
}

// NewContactsAdapter creates a contacts adapter using a Google OAuth 2.0
// access token with contacts.readonly scope.
func NewContactsAdapter(accessToken string) *ContactsAdapter {
	return &ContactsAdapter{client: newGoogleClient(accessToken)}
}

func (a *ContactsAdapter) Name() string         { return "contacts" }
func (a *ContactsAdapter) Source() store.Source { return store.SourceContacts }

// Fetch retrieves all connections. Contacts have no time dimension, so the
// scope's window fields are ignored.
func (a *ContactsAdapter) Fetch(ctx context.Context, scope Scope) ([]Record, error) {
	var records []Record
	err := a.forEachConnection(ctx, "names,emailAddresses,organizations", func(p googlePerson) {
		if rec, ok := personToRecord(p); ok {
			records = append(records, rec)
		}
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ValidUIDs lists live contact resource names with a minimal field mask.
func (a *ContactsAdapter) ValidUIDs(ctx context.Context, scope Scope) (map[string]struct{}, error) {
	uids := make(map[string]struct{})
	err := a.forEachConnection(ctx, "names", func(p googlePerson) {
		if _, ok := personToRecord(p); ok {
			uids[contactUID(p.ResourceName)] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

func (a *ContactsAdapter) forEachConnection(ctx context.Context, personFields string, fn func(googlePerson)) error {
	params := url.Values{}
	params.Set("personFields", personFields)
	params.Set("pageSize", "200")

	pages := 0
	for {
		reqURL := fmt.Sprintf("%s/people/me/connections?%s", peopleBaseURL, params.Encode())

		var result connectionsList
		if err := a.client.get(ctx, reqURL, &result); err != nil {
			return fmt.Errorf("fetching contacts: %w", err)
		}

		for _, p := range result.Connections {
			fn(p)
		}

		if result.NextPageToken == "" {
			break
		}
		params.Set("pageToken", result.NextPageToken)
		pages++
		if pages > maxContactPages {
			break // safety cap
		}
	}

	return nil
}

func contactUID(resourceName string) string {
	return MakeUID(store.SourceContacts, strings.TrimPrefix(resourceName, "people/"))
}

// personToRecord normalizes one contact. Contacts without a display name
// carry no usable identity and are skipped.
func personToRecord(p googlePerson) (Record, bool) {
	name := ""
	for _, n := range p.Names {
		if n.DisplayName != "" {
			name = n.DisplayName
			break
		}
	}
	if name == "" {
		return Record{}, false
	}

	email := ""
	for _, e := range p.EmailAddresses {
		if e.Value != "" {
			email = e.Value
			break
		}
	}

	var body strings.Builder
	for _, org := range p.Organizations {
		if org.Name == "" && org.Title == "" {
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n")
		}
		if org.Title != "" && org.Name != "" {
			fmt.Fprintf(&body, "%s at %s", org.Title, org.Name)
		} else if org.Name != "" {
			body.WriteString(org.Name)
		} else {
			body.WriteString(org.Title)
		}
	}

	return Record{
		ExternalUID: contactUID(p.ResourceName),
		Title:       name,
		Snippet:     email,
		BodyText:    body.String(),
		ParticipantHints: []store.ParticipantHint{
			{DisplayName: name, Email: email, Verified: true},
		},
	}, true
}

// --- Google People API types ---

type connectionsList struct {
	Connections   []googlePerson `json:"connections"`
	NextPageToken string         `json:"nextPageToken"`
}

type googlePerson struct {
	ResourceName   string               `json:"resourceName"`
	Names          []googleName         `json:"names"`
	EmailAddresses []googleEmail        `json:"emailAddresses"`
	Organizations  []googleOrganization `json:"organizations"`
}

type googleName struct {
	DisplayName string `json:"displayName"`
}

type googleEmail struct {
	Value string `json:"value"`
}

type googleOrganization struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}
