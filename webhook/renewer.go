package webhook

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calsync-cloud/metrics"
	"calsync-cloud/store"
)

// ChannelRenewer replaces one user's channel.
type ChannelRenewer interface {
	RenewChannel(ctx context.Context, userID string) (*store.User, error)
}

type RenewerConfig struct {
	Enabled   bool
	Interval  time.Duration
	Lookahead time.Duration
	// RatePerSecond paces renewals within a pass; zero or less means unpaced.
	RatePerSecond float64
	Metrics       metrics.Recorder
}

// Renewer periodically replaces channels that are about to expire.
type Renewer struct {
	users     store.UserStore
	channels  ChannelRenewer
	enabled   bool
	interval  time.Duration
	lookahead time.Duration
	limiter   *rate.Limiter
	metrics   metrics.Recorder
	now       func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRenewer(users store.UserStore, channels ChannelRenewer, cfg RenewerConfig) *Renewer {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Renewer{
		users:     users,
		channels:  channels,
		enabled:   cfg.Enabled,
		interval:  cfg.Interval,
		lookahead: cfg.Lookahead,
		limiter:   rate.NewLimiter(limit, 1),
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Start runs a pass immediately and then every interval until ctx is done or Stop is called.
func (r *Renewer) Start(ctx context.Context) {
	if !r.enabled {
		log.Println("Calendar webhook renewal disabled")
		return
	}
	if r.users == nil || r.channels == nil {
		log.Println("Calendar webhook renewal disabled: missing user store or channel manager")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)
}

// Stop cancels the loop and waits for the current pass to return.
func (r *Renewer) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Renewer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce renews every channel expiring within the lookahead, one user at a time.
// A failing user is logged and skipped.
func (r *Renewer) RunOnce(ctx context.Context) (renewed, failed int) {
	deadline := r.now().Add(r.lookahead)
	users, err := r.users.ListChannelsExpiringBefore(ctx, deadline)
	if err != nil {
		log.Printf("Renewal: scan for expiring channels failed: %v", err)
		return 0, 0
	}
	if len(users) == 0 {
		return 0, 0
	}
	log.Printf("Renewal: %d channel(s) expire before %s", len(users), deadline.Format(time.RFC3339))

	for _, user := range users {
		if err := r.limiter.Wait(ctx); err != nil {
			log.Printf("Renewal: pass interrupted: %v", err)
			break
		}
		log.Printf("Renewal: renewing channel user=%s channel=%s expiring=%s", user.ID, user.WebhookChannelID, user.WebhookExpiration.Format(time.RFC3339))
		if _, err := r.channels.RenewChannel(ctx, user.ID); err != nil {
			failed++
			r.metrics.RecordChannelRenewal("failed")
			log.Printf("Renewal: renew failed for user %s: %v", user.ID, err)
			continue
		}
		renewed++
		r.metrics.RecordChannelRenewal("renewed")
	}
	log.Printf("Renewal: pass finished renewed=%d failed=%d", renewed, failed)
	return renewed, failed
}
