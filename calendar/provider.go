package calendar

import (
	"context"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
)

// ListRequest selects either an incremental fetch (SyncToken set) or a windowed full fetch.
type ListRequest struct {
	SyncToken  string
	TimeMin    time.Time
	TimeMax    time.Time
	MaxResults int64
	PageToken  string
	// OrderByStartTime is only valid for full fetches with expanded recurrences.
	OrderByStartTime bool
}

// IsIncremental reports whether the request is cursor based.
func (r ListRequest) IsIncremental() bool { return r.SyncToken != "" }

// EventPage is one page of a list call.
type EventPage struct {
	Items         []*gcal.Event
	NextPageToken string
	NextSyncToken string
}

// Provider is the remote calendar. Every call receives the caller's credential;
// implementations must not keep per-user state between calls.
type Provider interface {
	ListEvents(ctx context.Context, token *oauth2.Token, calendarID string, req ListRequest) (*EventPage, error)
	InsertEvent(ctx context.Context, token *oauth2.Token, calendarID string, event *gcal.Event) (*gcal.Event, error)
	UpdateEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string, event *gcal.Event) (*gcal.Event, error)
	DeleteEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string) error
	Watch(ctx context.Context, token *oauth2.Token, calendarID string, channel *gcal.Channel) (*gcal.Channel, error)
	StopChannel(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error
}
