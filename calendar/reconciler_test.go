package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"

	"calsync-cloud/security"
	"calsync-cloud/store"
)

func TestFullSyncThenIncrementalSync(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	start := time.Now().Add(24 * time.Hour)

	h.provider.list = func(req ListRequest) (*EventPage, error) {
		if req.IsIncremental() {
			return &EventPage{NextSyncToken: "cursor-2"}, nil
		}
		return &EventPage{
			Items:         []*gcal.Event{timedEvent("evt-1", "Planning", start), timedEvent("evt-2", "Review", start.Add(2*time.Hour))},
			NextSyncToken: "cursor-1",
		}, nil
	}

	events, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	reqs := h.provider.Requests()
	require.Len(t, reqs, 1)
	full := reqs[0]
	assert.False(t, full.IsIncremental())
	assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), full.TimeMin, time.Minute)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), full.TimeMax, time.Minute)
	assert.Equal(t, int64(2500), full.MaxResults)
	assert.True(t, full.OrderByStartTime)

	user := h.reload(t)
	assert.Equal(t, "cursor-1", user.SyncToken)

	_, err = h.reconciler.SyncEvents(context.Background(), user)
	require.NoError(t, err)

	reqs = h.provider.Requests()
	require.Len(t, reqs, 2)
	incremental := reqs[1]
	assert.Equal(t, "cursor-1", incremental.SyncToken)
	assert.True(t, incremental.TimeMin.IsZero())
	assert.True(t, incremental.TimeMax.IsZero())
	assert.Zero(t, incremental.MaxResults)
	assert.Equal(t, "cursor-2", h.reload(t).SyncToken)
}

func TestSyncFollowsPagesAndStoresFinalCursor(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	start := time.Now().Add(time.Hour)

	h.provider.list = func(req ListRequest) (*EventPage, error) {
		switch req.PageToken {
		case "":
			return &EventPage{Items: []*gcal.Event{timedEvent("a", "A", start)}, NextPageToken: "page-2"}, nil
		case "page-2":
			return &EventPage{Items: []*gcal.Event{timedEvent("b", "B", start)}, NextSyncToken: "final"}, nil
		}
		return nil, fmt.Errorf("unexpected page %q", req.PageToken)
	}

	events, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Len(t, h.provider.Requests(), 2)
	assert.Equal(t, "final", h.reload(t).SyncToken)
}

func TestApplyingSameProviderEventTwiceKeepsOneRecord(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	start := time.Now().Add(time.Hour)
	title := "First"
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		return &EventPage{Items: []*gcal.Event{timedEvent("evt-1", title, start)}}, nil
	}

	_, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)
	title = "Second"
	_, err = h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)

	events, err := h.service.GetUserEvents(context.Background(), h.user)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Second", events[0].Title)
}

func TestCancelledItemWithoutLocalRecordCreatesNothing(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		return &EventPage{Items: []*gcal.Event{{Id: "ghost", Status: "cancelled"}}}, nil
	}

	events, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = h.store.GetEvent(context.Background(), h.user.ID, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelledItemSoftDeletesExistingRecord(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	start := time.Now().Add(time.Hour)
	cancelled := false
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		if cancelled {
			return &EventPage{Items: []*gcal.Event{{Id: "evt-1", Status: "cancelled"}}}, nil
		}
		return &EventPage{Items: []*gcal.Event{timedEvent("evt-1", "Standup", start)}}, nil
	}

	_, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)
	cancelled = true
	_, err = h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)

	listed, err := h.service.GetUserEvents(context.Background(), h.user)
	require.NoError(t, err)
	assert.Empty(t, listed)

	record, err := h.store.GetEvent(context.Background(), h.user.ID, "evt-1")
	require.NoError(t, err)
	assert.True(t, record.IsDeleted)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	last := h.sink.reports[len(h.sink.reports)-1]
	assert.Equal(t, 1, last.Deleted)
	assert.Equal(t, StatusCompleted, last.Status)
}

func TestReappearingEventClearsSoftDelete(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	ctx := context.Background()
	start := time.Now().Add(time.Hour)
	_, err := h.store.Upsert(ctx, &store.Event{UserID: h.user.ID, ProviderEventID: "evt-1", Start: start, End: start.Add(time.Hour), IsDeleted: true})
	require.NoError(t, err)

	h.provider.list = func(req ListRequest) (*EventPage, error) {
		return &EventPage{Items: []*gcal.Event{timedEvent("evt-1", "Back", start)}}, nil
	}
	_, err = h.reconciler.SyncEvents(ctx, h.user)
	require.NoError(t, err)

	record, err := h.store.GetEvent(ctx, h.user.ID, "evt-1")
	require.NoError(t, err)
	assert.False(t, record.IsDeleted)
}

func TestInvalidCursorIsClearedBeforeFullSyncRetry(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	ctx := context.Background()
	require.NoError(t, h.store.UpdateSyncToken(ctx, h.user.ID, "stale"))
	user := h.reload(t)

	var cursorDuringRetry string
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		if req.IsIncremental() {
			return nil, fmt.Errorf("list events: %w", ErrSyncTokenInvalid)
		}
		stored, err := h.store.Get(ctx, user.ID)
		require.NoError(t, err)
		cursorDuringRetry = stored.SyncToken
		return &EventPage{Items: []*gcal.Event{timedEvent("evt-1", "A", time.Now().Add(time.Hour))}, NextSyncToken: "fresh-cursor"}, nil
	}

	events, err := h.reconciler.SyncEvents(ctx, user)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Empty(t, cursorDuringRetry, "cursor must be cleared before the full sync starts")

	reqs := h.provider.Requests()
	require.Len(t, reqs, 2)
	assert.True(t, reqs[0].IsIncremental())
	assert.False(t, reqs[1].IsIncremental())
	assert.Equal(t, "fresh-cursor", h.reload(t).SyncToken)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.True(t, h.sink.reports[0].CursorReset)
	assert.Equal(t, ModeFull, h.sink.reports[0].Mode)
}

func TestCursorRecoveryRetriesOnlyOnce(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	ctx := context.Background()
	require.NoError(t, h.store.UpdateSyncToken(ctx, h.user.ID, "stale"))

	h.provider.list = func(req ListRequest) (*EventPage, error) {
		return nil, fmt.Errorf("list events: %w", ErrSyncTokenInvalid)
	}

	_, err := h.reconciler.SyncEvents(ctx, h.reload(t))
	require.ErrorIs(t, err, ErrSyncFailed)
	assert.Len(t, h.provider.Requests(), 2)
}

func TestProviderFailureIsWrappedAndCursorKept(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	ctx := context.Background()
	require.NoError(t, h.store.UpdateSyncToken(ctx, h.user.ID, "cursor"))
	boom := errors.New("connection reset")
	h.provider.list = func(req ListRequest) (*EventPage, error) { return nil, boom }

	_, err := h.reconciler.SyncEvents(ctx, h.reload(t))
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, boom)
	assert.Len(t, h.provider.Requests(), 1)
	assert.Equal(t, "cursor", h.reload(t).SyncToken)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, StatusFailed, h.sink.reports[0].Status)
	assert.NotEmpty(t, h.sink.reports[0].Error)
}

func TestSyncWithExpiredTokenRefreshesExactlyOnce(t *testing.T) {
	h := newHarness(t, time.Now().Add(-time.Hour))
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		if req.PageToken == "" {
			return &EventPage{NextPageToken: "p2"}, nil
		}
		return &EventPage{}, nil
	}

	callTime := time.Now()
	_, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.refresher.calls))
	h.provider.mu.Lock()
	assert.Equal(t, []string{"fresh-1", "fresh-1"}, h.provider.tokens)
	h.provider.mu.Unlock()
	assert.True(t, h.reload(t).TokenExpiry.After(callTime))
}

func TestSyncWithoutRefreshTokenFailsBeforeProvider(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	user := h.user.Clone()
	user.RefreshToken = ""

	_, err := h.reconciler.SyncEvents(context.Background(), user)
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, security.ErrNoRefreshToken)
	assert.Zero(t, h.provider.Calls())
}

func TestSyncSkipsUnparseableItems(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		return &EventPage{Items: []*gcal.Event{
			{Id: "broken", Status: "confirmed", Start: &gcal.EventDateTime{DateTime: "yesterday"}},
			{Status: "confirmed"},
			timedEvent("ok", "Fine", time.Now().Add(time.Hour)),
		}}, nil
	}

	events, err := h.reconciler.SyncEvents(context.Background(), h.user)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].ProviderEventID)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, 2, h.sink.reports[0].Skipped)
}

func TestSyncPassesForSameUserAreSerialized(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	var inFlight, maxInFlight int32
	release := make(chan struct{})
	h.provider.list = func(req ListRequest) (*EventPage, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return &EventPage{}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.reconciler.SyncEvents(context.Background(), h.user)
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 3; i++ {
		release <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Len(t, h.provider.Requests(), 3)
}

func TestSyncUserUnknownUser(t *testing.T) {
	h := newHarness(t, time.Now().Add(time.Hour))
	err := h.reconciler.SyncUser(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSyncFailed)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, h.provider.Calls())
}
