package gormstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"calsync-cloud/store"
)

// StringList is a JSONB column holding a list of strings.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *StringList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = StringList{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// --- Models ---

type userRow struct {
	ID                string     `gorm:"primaryKey;type:uuid"`
	Email             string     `gorm:"type:text;not null;uniqueIndex"`
	PasswordHash      string     `gorm:"type:text"`
	Name              string     `gorm:"type:text"`
	Picture           string     `gorm:"type:text"`
	GoogleID          *string    `gorm:"type:text;uniqueIndex"`
	IsGoogleConnected bool       `gorm:"not null;default:false"`
	AccessToken       string     `gorm:"type:text"`
	RefreshToken      string     `gorm:"type:text"`
	TokenExpiry       *time.Time
	SyncToken         string     `gorm:"type:text"`
	WebhookChannelID  *string    `gorm:"type:text;uniqueIndex"`
	WebhookResourceID string     `gorm:"type:text"`
	WebhookExpiration *time.Time `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (userRow) TableName() string { return "users" }

type eventRow struct {
	ID              uint       `gorm:"primaryKey"`
	UserID          string     `gorm:"type:uuid;not null;uniqueIndex:idx_events_user_provider,priority:1;index:idx_events_user_start,priority:1"`
	ProviderEventID string     `gorm:"type:text;not null;uniqueIndex:idx_events_user_provider,priority:2"`
	Title           string     `gorm:"type:text;not null"`
	Description     string     `gorm:"type:text"`
	Location        string     `gorm:"type:text"`
	Start           time.Time  `gorm:"column:start_time;not null;index:idx_events_user_start,priority:2"`
	End             time.Time  `gorm:"column:end_time;not null"`
	Attendees       StringList `gorm:"type:jsonb;default:'[]'"`
	CalendarID      string     `gorm:"type:text;not null;default:'primary'"`
	Status          string     `gorm:"type:text;not null;default:'confirmed'"`
	IsDeleted       bool       `gorm:"not null;default:false"`
	LastModified    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (eventRow) TableName() string { return "events" }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func userFromRow(r *userRow) *store.User {
	return &store.User{
		ID:                r.ID,
		Email:             r.Email,
		PasswordHash:      r.PasswordHash,
		Name:              r.Name,
		Picture:           r.Picture,
		GoogleID:          deref(r.GoogleID),
		IsGoogleConnected: r.IsGoogleConnected,
		AccessToken:       r.AccessToken,
		RefreshToken:      r.RefreshToken,
		TokenExpiry:       timeVal(r.TokenExpiry),
		SyncToken:         r.SyncToken,
		WebhookChannelID:  deref(r.WebhookChannelID),
		WebhookResourceID: r.WebhookResourceID,
		WebhookExpiration: timeVal(r.WebhookExpiration),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

func rowFromUser(u *store.User) *userRow {
	return &userRow{
		ID:                u.ID,
		Email:             u.Email,
		PasswordHash:      u.PasswordHash,
		Name:              u.Name,
		Picture:           u.Picture,
		GoogleID:          nullable(u.GoogleID),
		IsGoogleConnected: u.IsGoogleConnected,
		AccessToken:       u.AccessToken,
		RefreshToken:      u.RefreshToken,
		TokenExpiry:       timePtr(u.TokenExpiry),
		SyncToken:         u.SyncToken,
		WebhookChannelID:  nullable(u.WebhookChannelID),
		WebhookResourceID: u.WebhookResourceID,
		WebhookExpiration: timePtr(u.WebhookExpiration),
	}
}

func eventFromRow(r *eventRow) *store.Event {
	return &store.Event{
		ProviderEventID: r.ProviderEventID,
		UserID:          r.UserID,
		Title:           r.Title,
		Description:     r.Description,
		Location:        r.Location,
		Start:           r.Start.UTC(),
		End:             r.End.UTC(),
		Attendees:       append([]string(nil), r.Attendees...),
		CalendarID:      r.CalendarID,
		Status:          store.ParseEventStatus(r.Status),
		IsDeleted:       r.IsDeleted,
		LastModified:    timeVal(r.LastModified),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func rowFromEvent(e *store.Event) *eventRow {
	calendarID := e.CalendarID
	if calendarID == "" {
		calendarID = store.PrimaryCalendarID
	}
	status := e.Status
	if status == "" {
		status = store.StatusConfirmed
	}
	return &eventRow{
		UserID:          e.UserID,
		ProviderEventID: e.ProviderEventID,
		Title:           e.Title,
		Description:     e.Description,
		Location:        e.Location,
		Start:           e.Start.UTC(),
		End:             e.End.UTC(),
		Attendees:       StringList(e.Attendees),
		CalendarID:      calendarID,
		Status:          string(status),
		IsDeleted:       e.IsDeleted,
		LastModified:    timePtr(e.LastModified),
	}
}
