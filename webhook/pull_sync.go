package webhook

import (
	"context"
	"log"
	"sync"
	"time"

	"calsync-cloud/store"
)

// PullSyncConfig configures the polling fallback for users without a live channel.
type PullSyncConfig struct {
	Enabled  bool
	Interval time.Duration
	Trigger  SyncTrigger
}

// PullSync periodically schedules a sync for connected users whose push channel is
// missing or already expired, so their mirror keeps moving while renewal catches up.
type PullSync struct {
	users    store.UserStore
	trigger  SyncTrigger
	enabled  bool
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPullSync(users store.UserStore, cfg PullSyncConfig) *PullSync {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &PullSync{
		users:    users,
		trigger:  cfg.Trigger,
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		now:      time.Now,
	}
}

func (p *PullSync) Start(ctx context.Context) {
	if !p.enabled {
		log.Println("Calendar pull sync disabled")
		return
	}
	if p.users == nil || p.trigger == nil {
		log.Println("Calendar pull sync disabled: missing user store or trigger")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.RunOnce(loopCtx)
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}(p.done)
}

func (p *PullSync) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce triggers a pass for every connected user without a live channel and returns how many were scheduled.
func (p *PullSync) RunOnce(ctx context.Context) int {
	users, err := p.users.ListGoogleConnected(ctx)
	if err != nil {
		log.Printf("Pull sync: list connected users failed: %v", err)
		return 0
	}
	now := p.now()
	scheduled := 0
	for _, user := range users {
		if user.HasChannel() && user.WebhookExpiration.After(now) {
			continue
		}
		p.trigger.Trigger(user.ID)
		scheduled++
	}
	if scheduled > 0 {
		log.Printf("Pull sync: scheduled %d user(s) without a live channel", scheduled)
	}
	return scheduled
}
