// Package metrics collects and exposes Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the sync, webhook and credential code.
type Recorder interface {
	RecordSync(mode, outcome string, duration time.Duration)
	RecordEventsApplied(upserted, deleted int)
	RecordCursorReset()
	RecordTokenRefresh(outcome string)
	RecordNotification(state string, matched bool)
	RecordChannelRenewal(outcome string)
	RecordRateLimited(scope string)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	syncTotal      *prometheus.CounterVec
	syncLatency    *prometheus.HistogramVec
	eventsApplied  *prometheus.CounterVec
	cursorResets   prometheus.Counter
	tokenRefreshes *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	renewals       *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_sync_total",
			Help: "Reconciliation passes by mode and outcome",
		}, []string{"mode", "outcome"}),
		syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "calsync_sync_duration_seconds",
			Help:    "Reconciliation pass duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_events_applied_total",
			Help: "Provider items applied to the local mirror",
		}, []string{"action"}),
		cursorResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "calsync_cursor_resets_total",
			Help: "Sync cursors invalidated by the provider",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_token_refresh_total",
			Help: "Access token refreshes by outcome",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_webhook_notifications_total",
			Help: "Push notifications by resource state and whether a user matched",
		}, []string{"state", "matched"}),
		renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_channel_renewals_total",
			Help: "Webhook channel renewals by outcome",
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calsync_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"scope"}),
	}

	reg.MustRegister(
		c.syncTotal,
		c.syncLatency,
		c.eventsApplied,
		c.cursorResets,
		c.tokenRefreshes,
		c.notifications,
		c.renewals,
		c.rateLimited,
	)
	return c
}

func (c *Collector) RecordSync(mode, outcome string, duration time.Duration) {
	c.syncTotal.WithLabelValues(mode, outcome).Inc()
	c.syncLatency.WithLabelValues(mode).Observe(duration.Seconds())
}

func (c *Collector) RecordEventsApplied(upserted, deleted int) {
	c.eventsApplied.WithLabelValues("upsert").Add(float64(upserted))
	c.eventsApplied.WithLabelValues("delete").Add(float64(deleted))
}

func (c *Collector) RecordCursorReset() {
	c.cursorResets.Inc()
}

func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefreshes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordNotification(state string, matched bool) {
	label := "false"
	if matched {
		label = "true"
	}
	c.notifications.WithLabelValues(state, label).Inc()
}

func (c *Collector) RecordChannelRenewal(outcome string) {
	c.renewals.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// Noop discards everything; used where metrics are not wired (tests, tools).
type Noop struct{}

func (Noop) RecordSync(string, string, time.Duration) {}
func (Noop) RecordEventsApplied(int, int)             {}
func (Noop) RecordCursorReset()                       {}
func (Noop) RecordTokenRefresh(string)                {}
func (Noop) RecordNotification(string, bool)          {}
func (Noop) RecordChannelRenewal(string)              {}
func (Noop) RecordRateLimited(string)                 {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Noop{}
)
