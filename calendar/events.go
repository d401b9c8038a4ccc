package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"calsync-cloud/security"
	"calsync-cloud/store"
)

// listingWindow is how far back GetUserEvents reaches.
const listingWindow = 30 * 24 * time.Hour

// EventService is the CRUD surface over the provider and the local mirror.
type EventService struct {
	events   store.EventStore
	creds    Credentials
	provider Provider
	now      func() time.Time
}

func NewEventService(events store.EventStore, creds Credentials, provider Provider) *EventService {
	return &EventService{events: events, creds: creds, provider: provider, now: time.Now}
}

// CreateEvent inserts the event at the provider and mirrors the provider's response.
func (s *EventService) CreateEvent(ctx context.Context, user *store.User, in EventInput) (*store.Event, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	fresh, err := s.creds.EnsureFreshToken(ctx, user)
	if err != nil {
		return nil, err
	}

	created, err := s.provider.InsertEvent(ctx, security.Token(fresh), store.PrimaryCalendarID, in.toProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	mirrored, err := FromProvider(created, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to map created event: %w", err)
	}
	stored, err := s.events.Upsert(ctx, mirrored)
	if err != nil {
		return nil, fmt.Errorf("failed to store created event %s: %w", created.Id, err)
	}
	log.Printf("Events: created %s for user %s", stored.ProviderEventID, user.ID)
	return stored, nil
}

// UpdateEvent requires a local record before contacting the provider.
func (s *EventService) UpdateEvent(ctx context.Context, user *store.User, eventID string, in EventInput) (*store.Event, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, &ValidationError{Problems: []string{"event id is required"}}
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.events.GetEvent(ctx, user.ID, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to load event %s: %w", eventID, err)
	}

	fresh, err := s.creds.EnsureFreshToken(ctx, user)
	if err != nil {
		return nil, err
	}
	updated, err := s.provider.UpdateEvent(ctx, security.Token(fresh), store.PrimaryCalendarID, eventID, in.toProvider())
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrEventNotFound, err)
		}
		return nil, fmt.Errorf("failed to update event: %w", err)
	}
	mirrored, err := FromProvider(updated, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to map updated event: %w", err)
	}
	stored, err := s.events.Upsert(ctx, mirrored)
	if err != nil {
		return nil, fmt.Errorf("failed to store updated event %s: %w", eventID, err)
	}
	return stored, nil
}

// DeleteEvent removes the event at the provider and soft-deletes the local record.
// An event the provider already considers gone is still soft-deleted locally.
func (s *EventService) DeleteEvent(ctx context.Context, user *store.User, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return &ValidationError{Problems: []string{"event id is required"}}
	}
	fresh, err := s.creds.EnsureFreshToken(ctx, user)
	if err != nil {
		return err
	}
	if err := s.provider.DeleteEvent(ctx, security.Token(fresh), store.PrimaryCalendarID, eventID); err != nil {
		if !errors.Is(err, ErrProviderNotFound) {
			return fmt.Errorf("failed to delete event: %w", err)
		}
		log.Printf("Events: %s already gone at provider for user %s", eventID, user.ID)
	}
	if _, err := s.events.MarkDeleted(ctx, user.ID, eventID); err != nil {
		return fmt.Errorf("failed to mark event %s deleted: %w", eventID, err)
	}
	return nil
}

// GetUserEvents reads the local mirror only.
func (s *EventService) GetUserEvents(ctx context.Context, user *store.User) ([]*store.Event, error) {
	events, err := s.events.ListActive(ctx, user.ID, s.now().Add(-listingWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	return events, nil
}
