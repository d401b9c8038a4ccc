package calendar

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"calsync-cloud/store"
)

const untitledEvent = "Untitled Event"

var minutePrecision = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}$`)

// NormalizeDateTime completes a bare "YYYY-MM-DDTHH:MM" by appending ":00Z".
// Everything else, including offsets and offset-less seconds, is returned unchanged.
func NormalizeDateTime(raw string) string {
	raw = strings.TrimSpace(raw)
	if minutePrecision.MatchString(raw) {
		return raw + ":00Z"
	}
	return raw
}

// parseInputTime accepts what NormalizeDateTime produces plus offset-less second precision as UTC.
func parseInputTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", raw, time.UTC)
}

// FromProvider maps a provider item onto the local event for userID.
func FromProvider(item *gcal.Event, userID string) (*store.Event, error) {
	if item == nil || item.Id == "" {
		return nil, fmt.Errorf("provider event has no id")
	}
	start, err := parseEventDateTime(item.Start)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", item.Id, err)
	}
	end, err := parseEventDateTime(item.End)
	if err != nil {
		return nil, fmt.Errorf("event %s end: %w", item.Id, err)
	}

	title := item.Summary
	if title == "" {
		title = untitledEvent
	}
	attendees := make([]string, 0, len(item.Attendees))
	for _, a := range item.Attendees {
		if a != nil && a.Email != "" {
			attendees = append(attendees, a.Email)
		}
	}
	var lastModified time.Time
	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			lastModified = t.UTC()
		}
	}

	return &store.Event{
		ProviderEventID: item.Id,
		UserID:          userID,
		Title:           title,
		Description:     item.Description,
		Location:        item.Location,
		Start:           start.UTC(),
		End:             end.UTC(),
		Attendees:       attendees,
		CalendarID:      store.PrimaryCalendarID,
		Status:          store.ParseEventStatus(item.Status),
		IsDeleted:       false,
		LastModified:    lastModified,
	}, nil
}

// parseEventDateTime reads a timed (dateTime) or all-day (date) value.
func parseEventDateTime(dt *gcal.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	if dt.Date != "" {
		return time.ParseInLocation("2006-01-02", dt.Date, time.UTC)
	}
	return time.Time{}, fmt.Errorf("neither dateTime nor date set")
}

// EventInput is the caller's create/update payload.
type EventInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Attendees   []string `json:"attendees,omitempty"`
}

// Validate checks required fields and ordering.
func (in EventInput) Validate() error {
	var problems []string
	if strings.TrimSpace(in.Title) == "" {
		problems = append(problems, "title is required")
	}
	start, startErr := in.parseTime("start", in.Start, &problems)
	end, endErr := in.parseTime("end", in.End, &problems)
	if startErr == nil && endErr == nil && !end.After(start) {
		problems = append(problems, "end must be after start")
	}
	for _, email := range in.Attendees {
		if !strings.Contains(email, "@") {
			problems = append(problems, fmt.Sprintf("attendee %q is not an email address", email))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (in EventInput) parseTime(field, raw string, problems *[]string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		*problems = append(*problems, field+" is required")
		return time.Time{}, fmt.Errorf("missing")
	}
	t, err := parseInputTime(NormalizeDateTime(raw))
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s %q is not a valid date-time", field, raw))
		return time.Time{}, err
	}
	return t, nil
}

// toProvider builds the request body sent to the provider.
func (in EventInput) toProvider() *gcal.Event {
	event := &gcal.Event{
		Summary:     strings.TrimSpace(in.Title),
		Description: in.Description,
		Location:    in.Location,
		Start:       &gcal.EventDateTime{DateTime: NormalizeDateTime(in.Start), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: NormalizeDateTime(in.End), TimeZone: "UTC"},
	}
	for _, email := range in.Attendees {
		event.Attendees = append(event.Attendees, &gcal.EventAttendee{Email: email})
	}
	return event
}
