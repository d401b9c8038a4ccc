// Package store persists users and mirrored calendar events.
package store

import (
	"context"
	"time"
)

// UserStore is the user document collection.
type UserStore interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByGoogleID(ctx context.Context, googleID string) (*User, error)
	// FindByChannelID resolves the owner of a push-notification channel.
	FindByChannelID(ctx context.Context, channelID string) (*User, error)

	UpdateProfile(ctx context.Context, id string, profile Profile) error
	// UpdateTokens stores a refreshed or newly exchanged credential and marks the user google-connected.
	UpdateTokens(ctx context.Context, id string, tokens Tokens) error
	// UpdateSyncToken stores the incremental-sync cursor; an empty token clears it.
	UpdateSyncToken(ctx context.Context, id, syncToken string) error
	UpdateChannel(ctx context.Context, id string, channel Channel) error

	// ListChannelsExpiringBefore returns users whose channel expires before t.
	ListChannelsExpiringBefore(ctx context.Context, t time.Time) ([]*User, error)
	// ListGoogleConnected returns every user holding Google credentials.
	ListGoogleConnected(ctx context.Context) ([]*User, error)
}

// EventStore is the mirrored event collection, keyed by (userID, providerEventID).
type EventStore interface {
	// Upsert inserts or replaces the event identified by (UserID, ProviderEventID).
	Upsert(ctx context.Context, event *Event) (*Event, error)
	// MarkDeleted soft-deletes an event. It never creates a record and reports whether one existed.
	MarkDeleted(ctx context.Context, userID, providerEventID string) (bool, error)
	// GetEvent returns the event even when it is soft-deleted.
	GetEvent(ctx context.Context, userID, providerEventID string) (*Event, error)
	// ListActive returns non-deleted events starting at or after from, ordered by start.
	ListActive(ctx context.Context, userID string, from time.Time) ([]*Event, error)
}
