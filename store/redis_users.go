package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	userKeyFormat         = "user:%s"
	userEmailKeyFormat    = "user_email:%s"
	userGoogleKeyFormat   = "user_google:%s"
	channelReverseFormat  = "webhook_reverse:%s"
	channelExpiryIndexKey = "webhook_expiry"
)

// RedisStore keeps users as hashes and events as JSON documents in Redis.
// It implements both UserStore and EventStore.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a store on top of an initialized redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func userKey(id string) string { return fmt.Sprintf(userKeyFormat, id) }

func emailKey(email string) string {
	return fmt.Sprintf(userEmailKeyFormat, strings.ToLower(strings.TrimSpace(email)))
}

func googleKey(googleID string) string { return fmt.Sprintf(userGoogleKeyFormat, googleID) }

func channelKey(channelID string) string { return fmt.Sprintf(channelReverseFormat, channelID) }

// Create stores a new user, assigning an id when missing.
func (s *RedisStore) Create(ctx context.Context, user *User) error {
	if err := user.Validate(); err != nil {
		return err
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := s.now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	claimed, err := s.client.SetNX(ctx, emailKey(user.Email), user.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("claim email index: %w", err)
	}
	if !claimed {
		return ErrEmailTaken
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, userKey(user.ID), encodeUser(user))
		if user.GoogleID != "" {
			pipe.Set(ctx, googleKey(user.GoogleID), user.ID, 0)
		}
		return nil
	})
	if err != nil {
		s.client.Del(ctx, emailKey(user.Email))
		return fmt.Errorf("store user: %w", err)
	}
	return nil
}

// Get loads a user by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrNotFound
	}
	fields, err := s.client.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeUser(id, fields), nil
}

// FindByEmail resolves a user through the email index.
func (s *RedisStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.lookup(ctx, emailKey(email))
}

// FindByGoogleID resolves a user through the google identity index.
func (s *RedisStore) FindByGoogleID(ctx context.Context, googleID string) (*User, error) {
	if googleID == "" {
		return nil, ErrNotFound
	}
	return s.lookup(ctx, googleKey(googleID))
}

// FindByChannelID resolves the owner of a channel. A stale reverse entry whose user has
// since moved to a different channel is treated as not found.
func (s *RedisStore) FindByChannelID(ctx context.Context, channelID string) (*User, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}
	user, err := s.lookup(ctx, channelKey(channelID))
	if err != nil {
		return nil, err
	}
	if user.WebhookChannelID != channelID {
		return nil, ErrNotFound
	}
	return user, nil
}

func (s *RedisStore) lookup(ctx context.Context, indexKey string) (*User, error) {
	id, err := s.client.Get(ctx, indexKey).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", indexKey, err)
	}
	return s.Get(ctx, id)
}

// UpdateProfile writes name, picture and google identity.
func (s *RedisStore) UpdateProfile(ctx context.Context, id string, profile Profile) error {
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		values := map[string]interface{}{
			"name":       profile.Name,
			"picture":    profile.Picture,
			"updated_at": formatTime(s.now()),
		}
		if profile.GoogleID != "" {
			values["google_id"] = profile.GoogleID
			pipe.Set(ctx, googleKey(profile.GoogleID), id, 0)
		}
		pipe.HSet(ctx, userKey(id), values)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	return nil
}

// UpdateTokens stores a credential and marks the user google-connected.
func (s *RedisStore) UpdateTokens(ctx context.Context, id string, tokens Tokens) error {
	if tokens.AccessToken == "" || tokens.Expiry.IsZero() {
		return fmt.Errorf("%w: access token and expiry are required", ErrInvalidUser)
	}
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	if tokens.RefreshToken == "" {
		existing, err := s.client.HGet(ctx, userKey(id), "refresh_token").Result()
		if err != nil && err != redis.Nil {
			return fmt.Errorf("read refresh token %s: %w", id, err)
		}
		if existing == "" {
			return fmt.Errorf("%w: user %s has no refresh token", ErrInvalidUser, id)
		}
	}

	values := map[string]interface{}{
		"access_token":        tokens.AccessToken,
		"token_expiry":        formatTime(tokens.Expiry),
		"is_google_connected": "1",
		"updated_at":          formatTime(s.now()),
	}
	if tokens.RefreshToken != "" {
		values["refresh_token"] = tokens.RefreshToken
	}
	if err := s.client.HSet(ctx, userKey(id), values).Err(); err != nil {
		return fmt.Errorf("update tokens %s: %w", id, err)
	}
	return nil
}

// UpdateSyncToken stores or clears the incremental-sync cursor.
func (s *RedisStore) UpdateSyncToken(ctx context.Context, id, syncToken string) error {
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if syncToken == "" {
			pipe.HDel(ctx, userKey(id), "sync_token")
		} else {
			pipe.HSet(ctx, userKey(id), "sync_token", syncToken)
		}
		pipe.HSet(ctx, userKey(id), "updated_at", formatTime(s.now()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("update sync token %s: %w", id, err)
	}
	return nil
}

// UpdateChannel replaces the user's channel and keeps the reverse and expiry indexes in step.
func (s *RedisStore) UpdateChannel(ctx context.Context, id string, channel Channel) error {
	if err := s.mustExist(ctx, id); err != nil {
		return err
	}
	previous, err := s.client.HGet(ctx, userKey(id), "webhook_channel_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read channel %s: %w", id, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != "" && previous != channel.ID {
			pipe.Del(ctx, channelKey(previous))
		}
		if channel.ID == "" {
			pipe.HDel(ctx, userKey(id), "webhook_channel_id", "webhook_resource_id", "webhook_expiration")
			pipe.ZRem(ctx, channelExpiryIndexKey, id)
		} else {
			pipe.HSet(ctx, userKey(id), map[string]interface{}{
				"webhook_channel_id":  channel.ID,
				"webhook_resource_id": channel.ResourceID,
				"webhook_expiration":  formatTime(channel.Expiration),
			})
			pipe.Set(ctx, channelKey(channel.ID), id, 0)
			pipe.ZAdd(ctx, channelExpiryIndexKey, redis.Z{
				Score:  float64(channel.Expiration.UnixMilli()),
				Member: id,
			})
		}
		pipe.HSet(ctx, userKey(id), "updated_at", formatTime(s.now()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("update channel %s: %w", id, err)
	}
	return nil
}

// ListChannelsExpiringBefore returns users whose channel expiry is before t.
func (s *RedisStore) ListChannelsExpiringBefore(ctx context.Context, t time.Time) ([]*User, error) {
	ids, err := s.client.ZRangeByScore(ctx, channelExpiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan channel expiry index: %w", err)
	}

	users := make([]*User, 0, len(ids))
	for _, id := range ids {
		user, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, channelExpiryIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !user.HasChannel() {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// ListGoogleConnected walks the user hashes with SCAN and keeps the connected ones.
func (s *RedisStore) ListGoogleConnected(ctx context.Context) ([]*User, error) {
	iter := s.client.Scan(ctx, 0, fmt.Sprintf(userKeyFormat, "*"), 100).Iterator()
	seen := make(map[string]struct{})
	var users []*User
	for iter.Next(ctx) {
		key := iter.Val()
		parts := strings.Split(key, ":")
		// user:{id}:sync and friends share the prefix.
		if len(parts) != 2 || parts[1] == "" {
			continue
		}
		id := parts[1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}

		user, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if user.IsGoogleConnected {
			users = append(users, user)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}

func (s *RedisStore) mustExist(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, userKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check user %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeUser(u *User) map[string]interface{} {
	values := map[string]interface{}{
		"email":               u.Email,
		"password_hash":       u.PasswordHash,
		"name":                u.Name,
		"picture":             u.Picture,
		"google_id":           u.GoogleID,
		"is_google_connected": boolField(u.IsGoogleConnected),
		"access_token":        u.AccessToken,
		"refresh_token":       u.RefreshToken,
		"token_expiry":        formatTime(u.TokenExpiry),
		"sync_token":          u.SyncToken,
		"webhook_channel_id":  u.WebhookChannelID,
		"webhook_resource_id": u.WebhookResourceID,
		"webhook_expiration":  formatTime(u.WebhookExpiration),
		"created_at":          formatTime(u.CreatedAt),
		"updated_at":          formatTime(u.UpdatedAt),
	}
	return values
}

func decodeUser(id string, f map[string]string) *User {
	return &User{
		ID:                id,
		Email:             f["email"],
		PasswordHash:      f["password_hash"],
		Name:              f["name"],
		Picture:           f["picture"],
		GoogleID:          f["google_id"],
		IsGoogleConnected: f["is_google_connected"] == "1",
		AccessToken:       f["access_token"],
		RefreshToken:      f["refresh_token"],
		TokenExpiry:       parseTime(f["token_expiry"]),
		SyncToken:         f["sync_token"],
		WebhookChannelID:  f["webhook_channel_id"],
		WebhookResourceID: f["webhook_resource_id"],
		WebhookExpiration: parseTime(f["webhook_expiration"]),
		CreatedAt:         parseTime(f["created_at"]),
		UpdatedAt:         parseTime(f["updated_at"]),
	}
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
