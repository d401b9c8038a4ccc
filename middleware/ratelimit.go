package middleware

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"calsync-cloud/metrics"
)

// RateLimitConfig is one named budget.
type RateLimitConfig struct {
	Scope  string
	Limit  int
	Window time.Duration
	// TrustProxy keys clients by the first X-Forwarded-For address.
	TrustProxy bool
	Metrics    metrics.Recorder
}

// RateLimiter is a sliding-window limiter keyed by client address. Each client's recent
// requests live in a Redis sorted set scored by arrival time, so every instance shares the budget.
type RateLimiter struct {
	client     *redis.Client
	scope      string
	limit      int
	window     time.Duration
	trustProxy bool
	metrics    metrics.Recorder
	now        func() time.Time
}

func NewRateLimiter(client *redis.Client, cfg RateLimitConfig) *RateLimiter {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	return &RateLimiter{
		client:     client,
		scope:      cfg.Scope,
		limit:      cfg.Limit,
		window:     cfg.Window,
		trustProxy: cfg.TrustProxy,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

func (rl *RateLimiter) key(client string) string {
	return fmt.Sprintf("ratelimit:%s:%s", rl.scope, client)
}

// Allow records one request for client. When the budget is spent it reports false and
// how long until the oldest counted request leaves the window.
func (rl *RateLimiter) Allow(ctx context.Context, client string) (bool, time.Duration, error) {
	now := rl.now()
	key := rl.key(client)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	windowStart := now.Add(-rl.window).UnixMilli()

	var (
		card   *redis.IntCmd
		oldest *redis.ZSliceCmd
	)
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(windowStart, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, key)
		oldest = pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.PExpire(ctx, key, rl.window)
		return nil
	})
	if err != nil {
		return true, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if card.Val() <= int64(rl.limit) {
		return true, 0, nil
	}

	if err := rl.client.ZRem(ctx, key, member).Err(); err != nil {
		log.Printf("RateLimit: failed to drop rejected entry for %s: %v", key, err)
	}
	retry := rl.window
	if entries := oldest.Val(); len(entries) > 0 {
		oldestAt := time.UnixMilli(int64(entries[0].Score))
		retry = oldestAt.Add(rl.window).Sub(now)
	}
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry, nil
}

// Middleware rejects over-budget clients with 429 and Retry-After. Redis failures let the
// request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientAddress(r, rl.trustProxy)
		allowed, retry, err := rl.Allow(r.Context(), client)
		if err != nil {
			log.Printf("RateLimit: %v", err)
		}
		if !allowed {
			rl.metrics.RecordRateLimited(rl.scope)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			WriteError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests", "rate_limit")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientAddress returns the address requests are keyed by.
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return "unknown"
		}
		return r.RemoteAddr
	}
	return host
}
