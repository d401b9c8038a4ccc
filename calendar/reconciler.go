// Package calendar mirrors a user's primary Google calendar into the local store
// and exposes the event CRUD operations.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	gcal "google.golang.org/api/calendar/v3"

	"calsync-cloud/metrics"
	"calsync-cloud/security"
	"calsync-cloud/store"
)

const (
	ModeFull        = "full"
	ModeIncremental = "incremental"

	StatusCompleted = "completed"
	StatusFailed    = "failed"

	fullSyncMaxResults = 2500
)

// Credentials hands out a user with a currently valid access token.
type Credentials interface {
	EnsureFreshToken(ctx context.Context, user *store.User) (*store.User, error)
}

// SyncReport summarizes one SyncEvents call.
type SyncReport struct {
	UserID      string    `json:"user_id"`
	Mode        string    `json:"mode"`
	Status      string    `json:"status"`
	Upserted    int       `json:"upserted"`
	Deleted     int       `json:"deleted"`
	Skipped     int       `json:"skipped"`
	CursorReset bool      `json:"cursor_reset"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// ReportSink receives a report after every pass.
type ReportSink interface {
	PublishSyncReport(ctx context.Context, report SyncReport) error
}

// ReconcilerConfig holds the full-sync window and optional collaborators.
type ReconcilerConfig struct {
	Past    time.Duration
	Future  time.Duration
	Sink    ReportSink
	Metrics metrics.Recorder
}

// Reconciler brings the local mirror in line with the provider.
type Reconciler struct {
	users    store.UserStore
	events   store.EventStore
	creds    Credentials
	provider Provider
	sink     ReportSink
	metrics  metrics.Recorder
	past     time.Duration
	future   time.Duration
	locks    *userLocks
	now      func() time.Time
}

func NewReconciler(users store.UserStore, events store.EventStore, creds Credentials, provider Provider, cfg ReconcilerConfig) *Reconciler {
	if cfg.Past <= 0 {
		cfg.Past = 30 * 24 * time.Hour
	}
	if cfg.Future <= 0 {
		cfg.Future = 365 * 24 * time.Hour
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &Reconciler{
		users:    users,
		events:   events,
		creds:    creds,
		provider: provider,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		past:     cfg.Past,
		future:   cfg.Future,
		locks:    newUserLocks(),
		now:      time.Now,
	}
}

// SyncUser loads the user and runs SyncEvents. It is the entry point for background triggers.
func (r *Reconciler) SyncUser(ctx context.Context, userID string) error {
	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("%w: load user %s: %w", ErrSyncFailed, userID, err)
	}
	_, err = r.SyncEvents(ctx, user)
	return err
}

// SyncEvents runs an incremental pass when the user has a cursor and a windowed full pass
// otherwise. A cursor rejected by the provider is cleared and the pass is retried once as
// a full sync. Returned events are the records upserted by the final pass.
func (r *Reconciler) SyncEvents(ctx context.Context, user *store.User) ([]*store.Event, error) {
	if user == nil {
		return nil, fmt.Errorf("%w: nil user", ErrSyncFailed)
	}
	release, err := r.locks.acquire(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: wait for user %s: %w", ErrSyncFailed, user.ID, err)
	}
	defer release()

	report := SyncReport{UserID: user.ID, StartedAt: r.now().UTC()}
	current := user
	var events []*store.Event

	for attempt := 0; ; attempt++ {
		var fresh *store.User
		events, fresh, err = r.runPass(ctx, current, &report)
		if fresh != nil {
			current = fresh
		}
		if err == nil {
			break
		}
		if errors.Is(err, ErrSyncTokenInvalid) && attempt == 0 && current.SyncToken != "" {
			log.Printf("Sync: cursor for user %s rejected by provider, clearing and running full sync", user.ID)
			r.metrics.RecordCursorReset()
			if clearErr := r.users.UpdateSyncToken(ctx, current.ID, ""); clearErr != nil {
				err = fmt.Errorf("clear sync token: %w", clearErr)
				break
			}
			current = current.Clone()
			current.SyncToken = ""
			report.CursorReset = true
			report.Upserted, report.Deleted, report.Skipped = 0, 0, 0
			continue
		}
		break
	}

	report.FinishedAt = r.now().UTC()
	if err != nil {
		err = wrapSyncError(user.ID, err)
		report.Status = StatusFailed
		report.Error = err.Error()
		log.Printf("Sync: %s sync failed for user %s: %v", report.Mode, user.ID, err)
	} else {
		report.Status = StatusCompleted
		log.Printf("Sync: %s sync completed for user %s upserted=%d deleted=%d skipped=%d", report.Mode, user.ID, report.Upserted, report.Deleted, report.Skipped)
	}
	r.metrics.RecordSync(report.Mode, report.Status, report.FinishedAt.Sub(report.StartedAt))
	r.metrics.RecordEventsApplied(report.Upserted, report.Deleted)
	r.publish(ctx, report)

	if err != nil {
		return nil, err
	}
	return events, nil
}

func wrapSyncError(userID string, err error) error {
	if errors.Is(err, ErrSyncFailed) {
		return err
	}
	return fmt.Errorf("%w: user %s: %w", ErrSyncFailed, userID, err)
}

// runPass performs one token check plus a paginated fetch and applies every item.
func (r *Reconciler) runPass(ctx context.Context, user *store.User, report *SyncReport) ([]*store.Event, *store.User, error) {
	fresh, err := r.creds.EnsureFreshToken(ctx, user)
	if err != nil {
		report.Mode = modeFor(user)
		return nil, nil, err
	}
	token := security.Token(fresh)

	req := r.listRequest(fresh)
	report.Mode = modeFor(fresh)

	var (
		applied   []*store.Event
		syncToken string
	)
	for {
		page, err := r.provider.ListEvents(ctx, token, store.PrimaryCalendarID, req)
		if err != nil {
			return nil, fresh, err
		}
		for _, item := range page.Items {
			event, err := r.applyItem(ctx, fresh.ID, item, report)
			if err != nil {
				return nil, fresh, err
			}
			if event != nil {
				applied = append(applied, event)
			}
		}
		if page.NextPageToken == "" {
			syncToken = page.NextSyncToken
			break
		}
		req.PageToken = page.NextPageToken
	}

	if syncToken != "" && syncToken != fresh.SyncToken {
		if err := r.users.UpdateSyncToken(ctx, fresh.ID, syncToken); err != nil {
			return nil, fresh, fmt.Errorf("store sync token: %w", err)
		}
		fresh = fresh.Clone()
		fresh.SyncToken = syncToken
	}
	if applied == nil {
		applied = []*store.Event{}
	}
	return applied, fresh, nil
}

func modeFor(user *store.User) string {
	if user.SyncToken != "" {
		return ModeIncremental
	}
	return ModeFull
}

func (r *Reconciler) listRequest(user *store.User) ListRequest {
	if user.SyncToken != "" {
		return ListRequest{SyncToken: user.SyncToken}
	}
	now := r.now()
	return ListRequest{
		TimeMin:          now.Add(-r.past),
		TimeMax:          now.Add(r.future),
		MaxResults:       fullSyncMaxResults,
		OrderByStartTime: true,
	}
}

func (r *Reconciler) applyItem(ctx context.Context, userID string, item *gcal.Event, report *SyncReport) (*store.Event, error) {
	if item == nil || item.Id == "" {
		report.Skipped++
		log.Printf("Sync: skipping provider item without id for user %s", userID)
		return nil, nil
	}
	if store.ParseEventStatus(item.Status) == store.StatusCancelled {
		existed, err := r.events.MarkDeleted(ctx, userID, item.Id)
		if err != nil {
			return nil, fmt.Errorf("mark event %s deleted: %w", item.Id, err)
		}
		if existed {
			report.Deleted++
		}
		return nil, nil
	}

	mapped, err := FromProvider(item, userID)
	if err != nil {
		report.Skipped++
		log.Printf("Sync: skipping event for user %s: %v", userID, err)
		return nil, nil
	}
	stored, err := r.events.Upsert(ctx, mapped)
	if err != nil {
		return nil, fmt.Errorf("upsert event %s: %w", item.Id, err)
	}
	report.Upserted++
	return stored, nil
}

func (r *Reconciler) publish(ctx context.Context, report SyncReport) {
	if r.sink == nil {
		return
	}
	if err := r.sink.PublishSyncReport(context.WithoutCancel(ctx), report); err != nil {
		log.Printf("Sync: failed to publish status for user %s: %v", report.UserID, err)
	}
}
