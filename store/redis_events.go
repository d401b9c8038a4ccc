package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventKeyFormat      = "event:%s:%s"
	eventIndexKeyFormat = "events:%s"
)

func eventKey(userID, providerEventID string) string {
	return fmt.Sprintf(eventKeyFormat, userID, providerEventID)
}

func eventIndexKey(userID string) string { return fmt.Sprintf(eventIndexKeyFormat, userID) }

// Upsert writes the event under its (userID, providerEventID) key. CreatedAt of an
// existing document is preserved.
func (s *RedisStore) Upsert(ctx context.Context, event *Event) (*Event, error) {
	if event == nil || event.UserID == "" || event.ProviderEventID == "" {
		return nil, fmt.Errorf("upsert event: user id and provider event id are required")
	}
	doc := event.Clone()
	now := s.now().UTC()

	existing, err := s.GetEvent(ctx, doc.UserID, doc.ProviderEventID)
	switch {
	case err == nil:
		doc.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		doc.CreatedAt = now
	default:
		return nil, err
	}
	doc.UpdatedAt = now
	if doc.CalendarID == "" {
		doc.CalendarID = PrimaryCalendarID
	}

	if err := s.writeEvent(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// MarkDeleted flags an existing event as deleted without removing it.
func (s *RedisStore) MarkDeleted(ctx context.Context, userID, providerEventID string) (bool, error) {
	existing, err := s.GetEvent(ctx, userID, providerEventID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	existing.IsDeleted = true
	existing.UpdatedAt = s.now().UTC()
	if err := s.writeEvent(ctx, existing); err != nil {
		return false, err
	}
	return true, nil
}

// GetEvent returns an event regardless of its soft-delete flag.
func (s *RedisStore) GetEvent(ctx context.Context, userID, providerEventID string) (*Event, error) {
	raw, err := s.client.Get(ctx, eventKey(userID, providerEventID)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", providerEventID, err)
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", providerEventID, err)
	}
	return &event, nil
}

// ListActive returns non-deleted events with start >= from, ordered by start.
func (s *RedisStore) ListActive(ctx context.Context, userID string, from time.Time) ([]*Event, error) {
	ids, err := s.client.ZRangeByScore(ctx, eventIndexKey(userID), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan events for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return []*Event{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, eventKey(userID, id))
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", userID, err)
	}

	events := make([]*Event, 0, len(raws))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(str), &event); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", ids[i], err)
		}
		if event.IsDeleted {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

func (s *RedisStore) writeEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ProviderEventID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, eventKey(event.UserID, event.ProviderEventID), data, 0)
		pipe.ZAdd(ctx, eventIndexKey(event.UserID), redis.Z{
			Score:  float64(event.Start.UnixMilli()),
			Member: event.ProviderEventID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("store event %s: %w", event.ProviderEventID, err)
	}
	return nil
}
