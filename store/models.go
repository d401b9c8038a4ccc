package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a user or event document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrEmailTaken is returned when creating a user whose email is already registered.
	ErrEmailTaken = errors.New("store: email already registered")
	// ErrInvalidUser is returned when a user document would break the credential invariant.
	ErrInvalidUser = errors.New("store: invalid user")
)

// PrimaryCalendarID is the only calendar mirrored per user.
const PrimaryCalendarID = "primary"

// User is the identity + credential bundle for one account.
type User struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	Name              string    `json:"name"`
	Picture           string    `json:"picture,omitempty"`
	GoogleID          string    `json:"google_id,omitempty"`
	IsGoogleConnected bool      `json:"is_google_connected"`
	AccessToken       string    `json:"-"`
	RefreshToken      string    `json:"-"`
	TokenExpiry       time.Time `json:"-"`
	SyncToken         string    `json:"-"`
	WebhookChannelID  string    `json:"-"`
	WebhookResourceID string    `json:"-"`
	WebhookExpiration time.Time `json:"-"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Validate checks the document-level invariants of a user.
func (u *User) Validate() error {
	if u == nil {
		return fmt.Errorf("%w: nil user", ErrInvalidUser)
	}
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidUser)
	}
	if u.IsGoogleConnected {
		if u.AccessToken == "" || u.RefreshToken == "" || u.TokenExpiry.IsZero() {
			return fmt.Errorf("%w: google connected user %s is missing token fields", ErrInvalidUser, u.ID)
		}
	}
	return nil
}

// HasChannel reports whether the user currently holds a push-notification channel.
func (u *User) HasChannel() bool {
	return u != nil && u.WebhookChannelID != ""
}

// Clone returns a shallow copy; User has no reference fields so this is a full copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// Profile holds the mutable identity fields of a user.
type Profile struct {
	Name     string
	Picture  string
	GoogleID string
}

// Tokens is an OAuth credential update.
// An empty RefreshToken keeps the stored refresh token.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Channel describes a provider push-notification subscription stored on the user.
// A zero Channel clears the subscription.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// EventStatus mirrors the provider's event status values.
type EventStatus string

const (
	StatusConfirmed EventStatus = "confirmed"
	StatusTentative EventStatus = "tentative"
	StatusCancelled EventStatus = "cancelled"
)

// ParseEventStatus maps a provider status string, defaulting to confirmed.
func ParseEventStatus(raw string) EventStatus {
	switch EventStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusTentative:
		return StatusTentative
	case StatusCancelled:
		return StatusCancelled
	default:
		return StatusConfirmed
	}
}

// Event is the local mirror of a provider calendar event.
type Event struct {
	ProviderEventID string      `json:"provider_event_id"`
	UserID          string      `json:"user_id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Location        string      `json:"location"`
	Start           time.Time   `json:"start"`
	End             time.Time   `json:"end"`
	Attendees       []string    `json:"attendees"`
	CalendarID      string      `json:"calendar_id"`
	Status          EventStatus `json:"status"`
	IsDeleted       bool        `json:"is_deleted"`
	LastModified    time.Time   `json:"last_modified"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Clone copies the event including its attendee slice.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Attendees = append([]string(nil), e.Attendees...)
	return &cp
}
