// Package webhook keeps per-user push-notification channels alive and turns provider
// notifications into background sync passes.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"calsync-cloud/calendar"
	"calsync-cloud/metrics"
	"calsync-cloud/security"
	"calsync-cloud/store"
)

// ResourceStateExists is the only notification state that signals changed events.
const ResourceStateExists = "exists"

// defaultChannelLifetime is assumed when the provider omits an expiration.
const defaultChannelLifetime = 7 * 24 * time.Hour

// SyncTrigger schedules a reconciliation for a user without blocking the caller.
type SyncTrigger interface {
	Trigger(userID string)
}

// Notification is the header set of one provider push.
type Notification struct {
	ChannelID     string
	ResourceID    string
	ResourceState string
	ResourceURI   string
	Token         string
	MessageNumber string
}

// ChannelConfig configures a ChannelManager.
type ChannelConfig struct {
	// Address is the public callback URL registered with the provider.
	Address string
	// TTL requests a channel lifetime; zero lets the provider decide.
	TTL     time.Duration
	Trigger SyncTrigger
	Metrics metrics.Recorder
}

// ChannelManager registers, replaces and resolves push channels.
type ChannelManager struct {
	users    store.UserStore
	creds    calendar.Credentials
	provider calendar.Provider
	address  string
	ttl      time.Duration
	trigger  SyncTrigger
	metrics  metrics.Recorder
	now      func() time.Time
}

func NewChannelManager(users store.UserStore, creds calendar.Credentials, provider calendar.Provider, cfg ChannelConfig) *ChannelManager {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &ChannelManager{
		users:    users,
		creds:    creds,
		provider: provider,
		address:  cfg.Address,
		ttl:      cfg.TTL,
		trigger:  cfg.Trigger,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}
}

// SetupChannel subscribes the user's primary calendar and stores the new channel on the user.
// A channel the user already holds is stopped first, best effort.
func (m *ChannelManager) SetupChannel(ctx context.Context, userID string) (*store.User, error) {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	fresh, err := m.creds.EnsureFreshToken(ctx, user)
	if err != nil {
		return nil, err
	}
	m.TeardownChannel(ctx, fresh)
	return m.setup(ctx, fresh)
}

func (m *ChannelManager) setup(ctx context.Context, user *store.User) (*store.User, error) {
	now := m.now()
	channelID := channelIDFor(user.ID, now)
	if channelID == user.WebhookChannelID {
		now = now.Add(time.Millisecond)
		channelID = channelIDFor(user.ID, now)
	}

	request := &gcal.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: m.address,
		Token:   user.ID,
	}
	if m.ttl > 0 {
		request.Expiration = now.Add(m.ttl).UnixMilli()
	}

	resp, err := m.provider.Watch(ctx, security.Token(user), store.PrimaryCalendarID, request)
	if err != nil {
		return nil, fmt.Errorf("failed to register channel for user %s: %w", user.ID, err)
	}

	expiration := now.Add(defaultChannelLifetime)
	if resp.Expiration > 0 {
		expiration = time.UnixMilli(resp.Expiration)
	}
	channel := store.Channel{ID: channelID, ResourceID: resp.ResourceId, Expiration: expiration}
	if err := m.users.UpdateChannel(ctx, user.ID, channel); err != nil {
		return nil, fmt.Errorf("failed to store channel for user %s: %w", user.ID, err)
	}
	log.Printf("Webhook: registered channel %s for user %s resource=%s expiring=%s", channelID, user.ID, resp.ResourceId, expiration.Format(time.RFC3339))

	updated := user.Clone()
	updated.WebhookChannelID = channel.ID
	updated.WebhookResourceID = channel.ResourceID
	updated.WebhookExpiration = channel.Expiration
	return updated, nil
}

// TeardownChannel asks the provider to stop the user's current channel. Failures are logged
// and swallowed; the stored channel fields are left for the next SetupChannel to replace.
func (m *ChannelManager) TeardownChannel(ctx context.Context, user *store.User) {
	if !user.HasChannel() {
		return
	}
	if err := m.provider.StopChannel(ctx, security.Token(user), user.WebhookChannelID, user.WebhookResourceID); err != nil {
		log.Printf("Webhook: failed to stop channel %s for user %s: %v", user.WebhookChannelID, user.ID, err)
		return
	}
	log.Printf("Webhook: stopped channel %s for user %s", user.WebhookChannelID, user.ID)
}

// RenewChannel replaces the user's channel with a fresh one.
func (m *ChannelManager) RenewChannel(ctx context.Context, userID string) (*store.User, error) {
	user, err := m.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	fresh, err := m.creds.EnsureFreshToken(ctx, user)
	if err != nil {
		return nil, err
	}
	m.TeardownChannel(ctx, fresh)
	return m.setup(ctx, fresh)
}

// HandleNotification resolves the channel owner and triggers a sync. It reports whether a
// sync was scheduled. Unknown channels and non-change states are ignored.
func (m *ChannelManager) HandleNotification(ctx context.Context, n Notification) (bool, error) {
	if n.ResourceState != ResourceStateExists {
		log.Printf("Webhook: ignoring %q notification for channel %s", n.ResourceState, n.ChannelID)
		m.metrics.RecordNotification(n.ResourceState, false)
		return false, nil
	}

	user, err := m.users.FindByChannelID(ctx, n.ChannelID)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("Webhook: no user for channel %s", n.ChannelID)
		m.metrics.RecordNotification(n.ResourceState, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve channel %s: %w", n.ChannelID, err)
	}

	if n.Token != "" && n.Token != user.ID {
		log.Printf("Webhook: channel %s token does not belong to its owner, ignoring", n.ChannelID)
		m.metrics.RecordNotification(n.ResourceState, false)
		return false, nil
	}
	if n.ResourceID != "" && user.WebhookResourceID != "" && n.ResourceID != user.WebhookResourceID {
		log.Printf("Webhook: channel %s resource %s differs from stored %s", n.ChannelID, n.ResourceID, user.WebhookResourceID)
	}

	m.metrics.RecordNotification(n.ResourceState, true)
	if m.trigger == nil {
		return false, nil
	}
	m.trigger.Trigger(user.ID)
	return true, nil
}

func channelIDFor(userID string, at time.Time) string {
	return fmt.Sprintf("channel-%s-%d", userID, at.UnixMilli())
}
