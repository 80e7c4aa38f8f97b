package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ohsnyt/dossier/internal/store"
)

// calendarBaseURL is the Google Calendar API base. Variable for test injection.
var calendarBaseURL = "https://www.googleapis.com/calendar/v3"

const (
	defaultDaysBack    = 30
	defaultDaysForward = 30
	maxEventPages      = 10
)

// CalendarAdapter imports events from Google Calendar as evidence.
type CalendarAdapter struct {
	client *googleClient
}

// NewCalendarAdapter creates a calendar adapter using a Google OAuth 2.0
// access token with calendar.readonly scope.
func NewCalendarAdapter(accessToken string) *CalendarAdapter {
	return &CalendarAdapter{client: newGoogleClient(accessToken)}
}

func (a *CalendarAdapter) Name() string         { return "calendar" }
func (a *CalendarAdapter) Source() store.Source { return store.SourceCalendar }

// Fetch retrieves non-cancelled events within the scope's time window.
func (a *CalendarAdapter) Fetch(ctx context.Context, scope Scope) ([]Record, error) {
	var records []Record
	err := a.forEachEvent(ctx, scope, "", func(event calendarEvent) {
		records = append(records, eventToRecord(event))
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ValidUIDs lists the live event IDs within scope using a fields-limited
// query, cheap enough to run on every prune pass.
func (a *CalendarAdapter) ValidUIDs(ctx context.Context, scope Scope) (map[string]struct{}, error) {
	uids := make(map[string]struct{})
	err := a.forEachEvent(ctx, scope, "items(id,status),nextPageToken", func(event calendarEvent) {
		uids[MakeUID(store.SourceCalendar, event.ID)] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

func (a *CalendarAdapter) forEachEvent(ctx context.Context, scope Scope, fields string, fn func(calendarEvent)) error {
	calendarID := scope.Identifier
	if calendarID == "" {
		calendarID = "primary"
	}
	daysBack := scope.DaysBack
	if daysBack <= 0 {
		daysBack = defaultDaysBack
	}
	daysForward := scope.DaysForward
	if daysForward <= 0 {
		daysForward = defaultDaysForward
	}

	now := time.Now().UTC()

	// Calendar IDs are often email addresses; escape the @.
	baseURL := fmt.Sprintf("%s/calendars/%s/events", calendarBaseURL, url.PathEscape(calendarID))

	params := url.Values{}
	params.Set("singleEvents", "true")
	params.Set("orderBy", "startTime")
	params.Set("maxResults", "250")
	params.Set("timeMin", now.Add(-time.Duration(daysBack)*24*time.Hour).Format(time.RFC3339))
	params.Set("timeMax", now.Add(time.Duration(daysForward)*24*time.Hour).Format(time.RFC3339))
	if fields != "" {
		params.Set("fields", fields)
	}

	pages := 0
	for {
		reqURL := baseURL + "?" + params.Encode()

		var result calendarEventsList
		if err := a.client.get(ctx, reqURL, &result); err != nil {
			return fmt.Errorf("fetching events for calendar %s: %w", calendarID, err)
		}

		for _, event := range result.Items {
			if event.Status == "cancelled" {
				continue
			}
			fn(event)
		}

		if result.NextPageToken == "" {
			break
		}
		params.Set("pageToken", result.NextPageToken)
		pages++
		if pages > maxEventPages {
			break // safety cap
		}
	}

	return nil
}

// eventToRecord normalizes one calendar event.
func eventToRecord(event calendarEvent) Record {
	title := event.Summary
	if title == "" {
		title = "(No title)"
	}

	var snippet strings.Builder
	if when := formatEventTime(event.Start); when != "" {
		snippet.WriteString(when)
	}
	if event.Location != "" {
		if snippet.Len() > 0 {
			snippet.WriteString(" at ")
		}
		snippet.WriteString(event.Location)
	}

	var body strings.Builder
	if event.Description != "" {
		desc := event.Description
		if len(desc) > 2000 {
			desc = desc[:2000] + "\n... (truncated)"
		}
		body.WriteString(desc)
	}

	var hints []store.ParticipantHint
	for _, att := range event.Attendees {
		if att.Self {
			continue
		}
		name := att.DisplayName
		if name == "" {
			name = att.Email
		}
		if name == "" {
			continue
		}
		hints = append(hints, store.ParticipantHint{
			DisplayName: name,
			Email:       att.Email,
			// A hint with an email is a strong identity; name-only hints
			// go through the duplicate matcher.
			Verified: att.Email != "",
		})
	}

	occurred := parseGoogleTime(event.Start.DateTime)
	if occurred.IsZero() && event.Start.Date != "" {
		if d, err := time.Parse("2006-01-02", event.Start.Date); err == nil {
			occurred = d
		}
	}
	if occurred.IsZero() {
		occurred = parseGoogleTime(event.Updated)
	}

	return Record{
		ExternalUID:      MakeUID(store.SourceCalendar, event.ID),
		Title:            title,
		OccurredAt:       occurred,
		Snippet:          snippet.String(),
		BodyText:         body.String(),
		ParticipantHints: hints,
	}
}

// formatEventTime formats a calendar event time for display.
func formatEventTime(et calendarEventTime) string {
	if et.DateTime != "" {
		t := parseGoogleTime(et.DateTime)
		if !t.IsZero() {
			return t.Format("Mon Jan 2, 2006 3:04 PM MST")
		}
		return et.DateTime
	}
	if et.Date != "" {
		return et.Date + " (all day)"
	}
	return ""
}

// --- Google Calendar API types ---

type calendarEventsList struct {
	Items         []calendarEvent `json:"items"`
	NextPageToken string          `json:"nextPageToken"`
}

type calendarEvent struct {
	ID          string             `json:"id"`
	Summary     string             `json:"summary"`
	Description string             `json:"description"`
	Location    string             `json:"location"`
	Status      string             `json:"status"`
	Start       calendarEventTime  `json:"start"`
	End         calendarEventTime  `json:"end"`
	Attendees   []calendarAttendee `json:"attendees"`
	Updated     string             `json:"updated"`
}

type calendarEventTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
	TimeZone string `json:"timeZone"`
}

type calendarAttendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName"`
	ResponseStatus string `json:"responseStatus"`
	Self           bool   `json:"self"`
}
