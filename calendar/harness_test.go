package calendar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"

	"calsync-cloud/security"
	"calsync-cloud/store"
)

type countingRefresher struct {
	calls int32
}

func (r *countingRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	n := atomic.AddInt32(&r.calls, 1)
	return &oauth2.Token{AccessToken: fmt.Sprintf("fresh-%d", n), Expiry: time.Now().Add(time.Hour)}, nil
}

type fakeProvider struct {
	mu       sync.Mutex
	list     func(req ListRequest) (*EventPage, error)
	requests []ListRequest
	tokens   []string
	inserted []*gcal.Event
	updated  []*gcal.Event
	deleted  []string
	watches  []*gcal.Channel
	stopped  []string

	insertErr error
	updateErr error
	deleteErr error
	watchErr  error
	stopErr   error
}

func (f *fakeProvider) record(token *oauth2.Token) {
	f.tokens = append(f.tokens, token.AccessToken)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tokens)
}

func (f *fakeProvider) Requests() []ListRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ListRequest(nil), f.requests...)
}

func (f *fakeProvider) ListEvents(ctx context.Context, token *oauth2.Token, calendarID string, req ListRequest) (*EventPage, error) {
	f.mu.Lock()
	f.record(token)
	f.requests = append(f.requests, req)
	list := f.list
	f.mu.Unlock()
	if list == nil {
		return &EventPage{}, nil
	}
	return list(req)
}

func (f *fakeProvider) InsertEvent(ctx context.Context, token *oauth2.Token, calendarID string, event *gcal.Event) (*gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(token)
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	f.inserted = append(f.inserted, event)
	created := *event
	created.Id = fmt.Sprintf("created-%d", len(f.inserted))
	created.Status = "confirmed"
	created.Updated = time.Now().UTC().Format(time.RFC3339)
	return &created, nil
}

func (f *fakeProvider) UpdateEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string, event *gcal.Event) (*gcal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(token)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = append(f.updated, event)
	updated := *event
	updated.Id = eventID
	updated.Status = "confirmed"
	return &updated, nil
}

func (f *fakeProvider) DeleteEvent(ctx context.Context, token *oauth2.Token, calendarID, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(token)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeProvider) Watch(ctx context.Context, token *oauth2.Token, calendarID string, channel *gcal.Channel) (*gcal.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(token)
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.watches = append(f.watches, channel)
	resp := *channel
	resp.ResourceId = "resource-" + channel.Id
	return &resp, nil
}

func (f *fakeProvider) StopChannel(ctx context.Context, token *oauth2.Token, channelID, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(token)
	f.stopped = append(f.stopped, channelID)
	return f.stopErr
}

type recordingSink struct {
	mu      sync.Mutex
	reports []SyncReport
}

func (s *recordingSink) PublishSyncReport(ctx context.Context, report SyncReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	return nil
}

type harness struct {
	store      *store.RedisStore
	provider   *fakeProvider
	refresher  *countingRefresher
	sink       *recordingSink
	reconciler *Reconciler
	service    *EventService
	user       *store.User
}

func newHarness(t *testing.T, tokenExpiry time.Time) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := store.NewRedisStore(client)
	user := &store.User{
		Email:             "sync@example.com",
		GoogleID:          "gid-1",
		IsGoogleConnected: true,
		AccessToken:       "initial-access",
		RefreshToken:      "refresh",
		TokenExpiry:       tokenExpiry,
	}
	require.NoError(t, s.Create(context.Background(), user))

	h := &harness{
		store:     s,
		provider:  &fakeProvider{},
		refresher: &countingRefresher{},
		sink:      &recordingSink{},
		user:      user,
	}
	creds := security.NewCredentialManager(s, h.refresher, nil)
	h.reconciler = NewReconciler(s, s, creds, h.provider, ReconcilerConfig{Sink: h.sink})
	h.service = NewEventService(s, creds, h.provider)
	return h
}

func (h *harness) reload(t *testing.T) *store.User {
	t.Helper()
	user, err := h.store.Get(context.Background(), h.user.ID)
	require.NoError(t, err)
	return user
}

func timedEvent(id, summary string, start time.Time) *gcal.Event {
	return &gcal.Event{
		Id:      id,
		Summary: summary,
		Status:  "confirmed",
		Start:   &gcal.EventDateTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:     &gcal.EventDateTime{DateTime: start.Add(time.Hour).UTC().Format(time.RFC3339)},
		Updated: time.Now().UTC().Format(time.RFC3339),
	}
}
