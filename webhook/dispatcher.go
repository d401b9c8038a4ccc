package webhook

import (
	"context"
	"log"
	"sync"
	"time"
)

// Syncer runs one reconciliation for a user.
type Syncer interface {
	SyncUser(ctx context.Context, userID string) error
}

// Dispatcher runs notification-triggered syncs in the background. Triggers for a user whose
// pass is already running collapse into a single follow-up pass.
type Dispatcher struct {
	syncer  Syncer
	sem     chan struct{}
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher bounds concurrent passes to concurrency and each pass to timeout.
func NewDispatcher(syncer Syncer, concurrency int, timeout time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		syncer:  syncer,
		sem:     make(chan struct{}, concurrency),
		timeout: timeout,
		pending: make(map[string]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Trigger schedules a pass for userID and returns immediately.
func (d *Dispatcher) Trigger(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		log.Printf("Webhook: dispatcher stopped, dropping sync for user %s", userID)
		return
	}
	if _, running := d.pending[userID]; running {
		d.pending[userID] = true
		return
	}
	d.pending[userID] = false
	d.wg.Add(1)
	go d.run(userID)
}

func (d *Dispatcher) run(userID string) {
	defer d.wg.Done()
	for {
		d.pass(userID)

		d.mu.Lock()
		if d.pending[userID] && !d.stopped {
			d.pending[userID] = false
			d.mu.Unlock()
			continue
		}
		delete(d.pending, userID)
		d.mu.Unlock()
		return
	}
}

func (d *Dispatcher) pass(userID string) {
	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		return
	}
	defer func() { <-d.sem }()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Webhook: sync for user %s panicked: %v", userID, r)
		}
	}()

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	if err := d.syncer.SyncUser(ctx, userID); err != nil {
		log.Printf("Webhook: background sync failed for user %s: %v", userID, err)
	}
}

// Stop cancels running passes, drops queued ones and waits for every goroutine to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
