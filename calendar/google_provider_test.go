package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
)

type recordedCall struct {
	method string
	path   string
	query  map[string]string
	auth   string
}

func newProviderServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*GoogleProvider, func() []recordedCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recordedCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		mu.Lock()
		calls = append(calls, recordedCall{method: r.Method, path: r.URL.Path, query: query, auth: r.Header.Get("Authorization")})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	provider := NewGoogleProvider(GoogleProviderConfig{
		DialTimeout:    time.Second,
		RequestTimeout: 5 * time.Second,
		Endpoint:       srv.URL + "/calendar/v3/",
	})
	return provider, func() []recordedCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedCall(nil), calls...)
	}
}

func writeAPIError(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": reason},
	})
}

func testToken() *oauth2.Token {
	return &oauth2.Token{AccessToken: "access-1", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
}

func TestGoogleProviderFullListQuery(t *testing.T) {
	provider, calls := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":         []map[string]any{{"id": "evt-1", "summary": "Hello"}},
			"nextSyncToken": "cursor-1",
		})
	})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	page, err := provider.ListEvents(context.Background(), testToken(), "primary", ListRequest{
		TimeMin:          from,
		TimeMax:          from.Add(24 * time.Hour),
		MaxResults:       2500,
		OrderByStartTime: true,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "cursor-1", page.NextSyncToken)

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "/calendar/v3/calendars/primary/events", got[0].path)
	assert.Equal(t, "Bearer access-1", got[0].auth)
	assert.Equal(t, "true", got[0].query["singleEvents"])
	assert.Equal(t, "startTime", got[0].query["orderBy"])
	assert.Equal(t, "2500", got[0].query["maxResults"])
	assert.Equal(t, "2024-01-01T00:00:00Z", got[0].query["timeMin"])
	assert.NotContains(t, got[0].query, "syncToken")
}

func TestGoogleProviderIncrementalListQuery(t *testing.T) {
	provider, calls := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[]}`))
	})

	_, err := provider.ListEvents(context.Background(), testToken(), "primary", ListRequest{SyncToken: "cursor-1", PageToken: "p2"})
	require.NoError(t, err)

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "cursor-1", got[0].query["syncToken"])
	assert.Equal(t, "p2", got[0].query["pageToken"])
	assert.NotContains(t, got[0].query, "timeMin")
	assert.NotContains(t, got[0].query, "orderBy")
}

func TestGoogleProviderGoneOnListIsCursorReset(t *testing.T) {
	provider, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusGone, "Sync token is no longer valid")
	})

	_, err := provider.ListEvents(context.Background(), testToken(), "primary", ListRequest{SyncToken: "stale"})
	require.ErrorIs(t, err, ErrSyncTokenInvalid)
}

func TestGoogleProviderNotFoundOnDelete(t *testing.T) {
	provider, calls := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusNotFound, "Not Found")
	})

	err := provider.DeleteEvent(context.Background(), testToken(), "primary", "evt-1")
	require.ErrorIs(t, err, ErrProviderNotFound)
	assert.NotErrorIs(t, err, ErrSyncTokenInvalid)

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodDelete, got[0].method)
	assert.Equal(t, "/calendar/v3/calendars/primary/events/evt-1", got[0].path)
}

func TestGoogleProviderServerErrorIsPlain(t *testing.T) {
	provider, _ := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeAPIError(w, http.StatusInternalServerError, "backend")
	})

	_, err := provider.InsertEvent(context.Background(), testToken(), "primary", &gcal.Event{Summary: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrProviderNotFound)
	assert.NotErrorIs(t, err, ErrSyncTokenInvalid)
}

func TestGoogleProviderWatchAndStop(t *testing.T) {
	provider, calls := newProviderServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/calendar/v3/channels/stop" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var body gcal.Channel
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         body.Id,
			"resourceId": "res-1",
			"expiration": "1735689600000",
		})
	})

	resp, err := provider.Watch(context.Background(), testToken(), "primary", &gcal.Channel{Id: "channel-u1-1", Type: "web_hook", Address: "https://example.com/hook"})
	require.NoError(t, err)
	assert.Equal(t, "res-1", resp.ResourceId)
	assert.Equal(t, int64(1735689600000), resp.Expiration)

	require.NoError(t, provider.StopChannel(context.Background(), testToken(), "channel-u1-1", "res-1"))

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "/calendar/v3/calendars/primary/events/watch", got[0].path)
	assert.Equal(t, "/calendar/v3/channels/stop", got[1].path)
}

func TestGoogleProviderRequiresToken(t *testing.T) {
	provider := NewGoogleProvider(GoogleProviderConfig{})
	_, err := provider.ListEvents(context.Background(), &oauth2.Token{}, "primary", ListRequest{})
	require.Error(t, err)
}
