package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSyncer struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight int32
	maxSeen  int32
	gate     chan struct{}
	err      error
}

func newBlockingSyncer() *blockingSyncer {
	return &blockingSyncer{calls: map[string]int{}, gate: make(chan struct{})}
}

func (s *blockingSyncer) SyncUser(ctx context.Context, userID string) error {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&s.maxSeen, seen, n) {
			break
		}
	}
	s.mu.Lock()
	s.calls[userID]++
	s.mu.Unlock()

	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.err
}

func (s *blockingSyncer) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[userID]
}

func TestDispatcherCoalescesBurstIntoOneFollowUp(t *testing.T) {
	syncer := newBlockingSyncer()
	d := NewDispatcher(syncer, 2, time.Minute)
	defer d.Stop()

	d.Trigger("u1")
	require.Eventually(t, func() bool { return syncer.count("u1") == 1 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 10; i++ {
		d.Trigger("u1")
	}

	syncer.gate <- struct{}{}
	require.Eventually(t, func() bool { return syncer.count("u1") == 2 }, time.Second, 5*time.Millisecond)
	syncer.gate <- struct{}{}

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.pending) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, syncer.count("u1"))
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	syncer := newBlockingSyncer()
	d := NewDispatcher(syncer, 2, time.Minute)

	for _, u := range []string{"a", "b", "c", "d"} {
		d.Trigger(u)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&syncer.inFlight) == 2 }, time.Second, 5*time.Millisecond)
	for i := 0; i < 4; i++ {
		syncer.gate <- struct{}{}
	}
	d.Stop()
	assert.Equal(t, int32(2), atomic.LoadInt32(&syncer.maxSeen))
}

func TestDispatcherSurvivesFailuresAndPanics(t *testing.T) {
	var calls int32
	d := NewDispatcher(syncFunc(func(ctx context.Context, userID string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			panic("boom")
		}
		return errors.New("provider down")
	}), 1, time.Second)

	d.Trigger("u1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.pending) == 0
	}, time.Second, 5*time.Millisecond)

	d.Trigger("u1")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, time.Second, 5*time.Millisecond)
	d.Stop()
}

func TestDispatcherStopCancelsAndDropsLateTriggers(t *testing.T) {
	syncer := newBlockingSyncer()
	d := NewDispatcher(syncer, 1, time.Minute)

	d.Trigger("u1")
	require.Eventually(t, func() bool { return syncer.count("u1") == 1 }, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after cancelling the running pass")
	}

	d.Trigger("u2")
	assert.Zero(t, syncer.count("u2"))
}

type syncFunc func(ctx context.Context, userID string) error

func (f syncFunc) SyncUser(ctx context.Context, userID string) error { return f(ctx, userID) }
