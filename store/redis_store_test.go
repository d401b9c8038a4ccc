package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestCreateAndFindUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &User{Email: "Ada@Example.com", Name: "Ada", PasswordHash: "hash"}
	require.NoError(t, s.Create(ctx, user))
	require.NotEmpty(t, user.ID)

	byEmail, err := s.FindByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
	assert.Equal(t, "hash", byEmail.PasswordHash)
	assert.False(t, byEmail.IsGoogleConnected)

	err = s.Create(ctx, &User{Email: "ada@example.com", Name: "Other"})
	require.ErrorIs(t, err, ErrEmailTaken)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsConnectedUserWithoutTokens(t *testing.T) {
	s := newTestStore(t)
	err := s.Create(context.Background(), &User{Email: "g@example.com", IsGoogleConnected: true, AccessToken: "a"})
	require.ErrorIs(t, err, ErrInvalidUser)
}

func TestUpdateTokensKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Now().Add(time.Hour).UTC()

	user := &User{Email: "g@example.com", GoogleID: "gid-1", IsGoogleConnected: true,
		AccessToken: "a1", RefreshToken: "r1", TokenExpiry: expiry}
	require.NoError(t, s.Create(ctx, user))

	newExpiry := expiry.Add(time.Hour)
	require.NoError(t, s.UpdateTokens(ctx, user.ID, Tokens{AccessToken: "a2", Expiry: newExpiry}))

	got, err := s.FindByGoogleID(ctx, "gid-1")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AccessToken)
	assert.Equal(t, "r1", got.RefreshToken)
	assert.True(t, got.TokenExpiry.Equal(newExpiry))
	assert.True(t, got.IsGoogleConnected)
}

func TestUpdateTokensRequiresRefreshTokenSomewhere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := &User{Email: "local@example.com"}
	require.NoError(t, s.Create(ctx, user))

	err := s.UpdateTokens(ctx, user.ID, Tokens{AccessToken: "a", Expiry: time.Now().Add(time.Hour)})
	require.ErrorIs(t, err, ErrInvalidUser)

	require.NoError(t, s.UpdateTokens(ctx, user.ID, Tokens{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}))
}

func TestSyncTokenSetAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := &User{Email: "s@example.com"}
	require.NoError(t, s.Create(ctx, user))

	require.NoError(t, s.UpdateSyncToken(ctx, user.ID, "cursor-1"))
	got, err := s.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "cursor-1", got.SyncToken)

	require.NoError(t, s.UpdateSyncToken(ctx, user.ID, ""))
	got, err = s.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SyncToken)

	require.ErrorIs(t, s.UpdateSyncToken(ctx, "missing", "x"), ErrNotFound)
}

func TestChannelIndexesFollowRenewal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := &User{Email: "c@example.com"}
	require.NoError(t, s.Create(ctx, user))

	soon := time.Now().Add(2 * time.Hour)
	require.NoError(t, s.UpdateChannel(ctx, user.ID, Channel{ID: "ch-1", ResourceID: "res-1", Expiration: soon}))

	owner, err := s.FindByChannelID(ctx, "ch-1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner.ID)
	assert.Equal(t, "res-1", owner.WebhookResourceID)

	expiring, err := s.ListChannelsExpiringBefore(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	later := time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, s.UpdateChannel(ctx, user.ID, Channel{ID: "ch-2", ResourceID: "res-2", Expiration: later}))

	_, err = s.FindByChannelID(ctx, "ch-1")
	require.ErrorIs(t, err, ErrNotFound)
	owner, err = s.FindByChannelID(ctx, "ch-2")
	require.NoError(t, err)
	assert.Equal(t, user.ID, owner.ID)

	expiring, err = s.ListChannelsExpiringBefore(ctx, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expiring)

	require.NoError(t, s.UpdateChannel(ctx, user.ID, Channel{}))
	_, err = s.FindByChannelID(ctx, "ch-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertIsIdempotentOnUserAndProviderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	event := &Event{ProviderEventID: "evt-1", UserID: "u1", Title: "Standup", Start: start, End: start.Add(15 * time.Minute), Status: StatusConfirmed}
	first, err := s.Upsert(ctx, event)
	require.NoError(t, err)

	event.Title = "Standup (moved)"
	second, err := s.Upsert(ctx, event)
	require.NoError(t, err)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt))

	events, err := s.ListActive(ctx, "u1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Standup (moved)", events[0].Title)
	assert.Equal(t, PrimaryCalendarID, events[0].CalendarID)
}

func TestMarkDeletedNeverCreates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existed, err := s.MarkDeleted(ctx, "u1", "ghost")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.GetEvent(ctx, "u1", "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDeletedEventsAreHiddenButQueryable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(time.Hour)

	_, err := s.Upsert(ctx, &Event{ProviderEventID: "evt-1", UserID: "u1", Title: "A", Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, &Event{ProviderEventID: "evt-2", UserID: "u1", Title: "B", Start: start.Add(-2 * time.Hour), End: start})
	require.NoError(t, err)

	existed, err := s.MarkDeleted(ctx, "u1", "evt-1")
	require.NoError(t, err)
	assert.True(t, existed)

	events, err := s.ListActive(ctx, "u1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-2", events[0].ProviderEventID)

	deleted, err := s.GetEvent(ctx, "u1", "evt-1")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
}

func TestListActiveOrdersByStartAndAppliesWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for _, tc := range []struct {
		id     string
		offset time.Duration
	}{
		{"late", 48 * time.Hour},
		{"early", time.Hour},
		{"old", -60 * 24 * time.Hour},
	} {
		_, err := s.Upsert(ctx, &Event{ProviderEventID: tc.id, UserID: "u1", Start: base.Add(tc.offset), End: base.Add(tc.offset + time.Hour)})
		require.NoError(t, err)
	}

	events, err := s.ListActive(ctx, "u1", base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "early", events[0].ProviderEventID)
	assert.Equal(t, "late", events[1].ProviderEventID)
}

func TestListGoogleConnectedSkipsLocalAccountsAndSideKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	local := &User{Email: "local@example.com"}
	require.NoError(t, s.Create(ctx, local))
	connected := &User{Email: "g@example.com", GoogleID: "gid-1", IsGoogleConnected: true,
		AccessToken: "a", RefreshToken: "r", TokenExpiry: time.Now().Add(time.Hour)}
	require.NoError(t, s.Create(ctx, connected))
	require.NoError(t, s.client.XAdd(ctx, &redis.XAddArgs{Stream: "user:" + connected.ID + ":sync", Values: map[string]any{"status": "completed"}}).Err())

	users, err := s.ListGoogleConnected(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, connected.ID, users[0].ID)
}
