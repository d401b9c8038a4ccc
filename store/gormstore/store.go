// Package gormstore is the Postgres implementation of the user and event stores.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"calsync-cloud/store"
)

// Store implements store.UserStore and store.EventStore on gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to Postgres and migrates the users and events tables.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := New(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&userRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, user *store.User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	row := rowFromUser(user)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return store.ErrEmailTaken
		}
		return fmt.Errorf("store user: %w", err)
	}
	user.CreatedAt = row.CreatedAt.UTC()
	user.UpdatedAt = row.UpdatedAt.UTC()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.User, error) {
	return s.findUser(ctx, "id = ?", id)
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return s.findUser(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) FindByGoogleID(ctx context.Context, googleID string) (*store.User, error) {
	if googleID == "" {
		return nil, store.ErrNotFound
	}
	return s.findUser(ctx, "google_id = ?", googleID)
}

func (s *Store) FindByChannelID(ctx context.Context, channelID string) (*store.User, error) {
	if channelID == "" {
		return nil, store.ErrNotFound
	}
	return s.findUser(ctx, "webhook_channel_id = ?", channelID)
}

func (s *Store) findUser(ctx context.Context, query string, arg interface{}) (*store.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where(query, arg).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("read user: %w", err)
	}
	return userFromRow(&row), nil
}

func (s *Store) UpdateProfile(ctx context.Context, id string, profile store.Profile) error {
	values := map[string]interface{}{
		"name":       profile.Name,
		"picture":    profile.Picture,
		"updated_at": s.now().UTC(),
	}
	if profile.GoogleID != "" {
		values["google_id"] = profile.GoogleID
	}
	return s.updateUser(ctx, id, values)
}

func (s *Store) UpdateTokens(ctx context.Context, id string, tokens store.Tokens) error {
	if tokens.AccessToken == "" || tokens.Expiry.IsZero() {
		return fmt.Errorf("%w: access token and expiry are required", store.ErrInvalidUser)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "refresh_token").Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return fmt.Errorf("read refresh token %s: %w", id, err)
		}
		if tokens.RefreshToken == "" && row.RefreshToken == "" {
			return fmt.Errorf("%w: user %s has no refresh token", store.ErrInvalidUser, id)
		}

		values := map[string]interface{}{
			"access_token":        tokens.AccessToken,
			"token_expiry":        tokens.Expiry.UTC(),
			"is_google_connected": true,
			"updated_at":          s.now().UTC(),
		}
		if tokens.RefreshToken != "" {
			values["refresh_token"] = tokens.RefreshToken
		}
		if err := tx.Model(&userRow{}).Where("id = ?", id).Updates(values).Error; err != nil {
			return fmt.Errorf("update tokens %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) UpdateSyncToken(ctx context.Context, id, syncToken string) error {
	return s.updateUser(ctx, id, map[string]interface{}{
		"sync_token": syncToken,
		"updated_at": s.now().UTC(),
	})
}

func (s *Store) UpdateChannel(ctx context.Context, id string, channel store.Channel) error {
	values := map[string]interface{}{
		"webhook_channel_id":  nullable(channel.ID),
		"webhook_resource_id": channel.ResourceID,
		"webhook_expiration":  timePtr(channel.Expiration),
		"updated_at":          s.now().UTC(),
	}
	return s.updateUser(ctx, id, values)
}

func (s *Store) updateUser(ctx context.Context, id string, values map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", id).Updates(values)
	if result.Error != nil {
		return fmt.Errorf("update user %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListChannelsExpiringBefore(ctx context.Context, t time.Time) ([]*store.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).
		Where("webhook_channel_id IS NOT NULL AND webhook_expiration < ?", t.UTC()).
		Order("webhook_expiration").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan expiring channels: %w", err)
	}
	users := make([]*store.User, 0, len(rows))
	for i := range rows {
		users = append(users, userFromRow(&rows[i]))
	}
	return users, nil
}

func (s *Store) ListGoogleConnected(ctx context.Context) ([]*store.User, error) {
	var rows []userRow
	if err := s.db.WithContext(ctx).Where("is_google_connected = ?", true).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list connected users: %w", err)
	}
	users := make([]*store.User, 0, len(rows))
	for i := range rows {
		users = append(users, userFromRow(&rows[i]))
	}
	return users, nil
}

// Upsert relies on the (user_id, provider_event_id) unique index; created_at is never overwritten.
func (s *Store) Upsert(ctx context.Context, event *store.Event) (*store.Event, error) {
	if event == nil || event.UserID == "" || event.ProviderEventID == "" {
		return nil, fmt.Errorf("upsert event: user id and provider event id are required")
	}
	row := rowFromEvent(event)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider_event_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "description", "location", "start_time", "end_time", "attendees",
			"calendar_id", "status", "is_deleted", "last_modified", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("store event %s: %w", event.ProviderEventID, err)
	}
	return s.GetEvent(ctx, event.UserID, event.ProviderEventID)
}

func (s *Store) MarkDeleted(ctx context.Context, userID, providerEventID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("user_id = ? AND provider_event_id = ?", userID, providerEventID).
		Updates(map[string]interface{}{"is_deleted": true, "updated_at": s.now().UTC()})
	if result.Error != nil {
		return false, fmt.Errorf("mark event %s deleted: %w", providerEventID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *Store) GetEvent(ctx context.Context, userID, providerEventID string) (*store.Event, error) {
	var row eventRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider_event_id = ?", userID, providerEventID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", providerEventID, err)
	}
	return eventFromRow(&row), nil
}

func (s *Store) ListActive(ctx context.Context, userID string, from time.Time) ([]*store.Event, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_deleted = ? AND start_time >= ?", userID, false, from.UTC()).
		Order("start_time").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list events for %s: %w", userID, err)
	}
	events := make([]*store.Event, 0, len(rows))
	for i := range rows {
		events = append(events, eventFromRow(&rows[i]))
	}
	return events, nil
}

var (
	_ store.UserStore  = (*Store)(nil)
	_ store.EventStore = (*Store)(nil)
)
