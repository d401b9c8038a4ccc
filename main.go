package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"calsync-cloud/calendar"
	"calsync-cloud/config"
	"calsync-cloud/metrics"
	"calsync-cloud/middleware"
	"calsync-cloud/security"
	"calsync-cloud/store"
	"calsync-cloud/store/gormstore"
	"calsync-cloud/streams"
	"calsync-cloud/webhook"
)

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

const VERSION = "0.1.0"

// dataStore is satisfied by both the Redis and the Postgres backends.
type dataStore interface {
	store.UserStore
	store.EventStore
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.RuntimeConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	log.Printf("Starting calendar sync server (env=%s, store=%s)...", cfg.Environment, cfg.StoreDriver)

	ctx := context.Background()
	redisClient, err := streams.Init(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Connected to Redis")

	data, closeStore, err := openStore(cfg, redisClient)
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreDriver, err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	googleOAuth := security.NewGoogleOAuth(security.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	credentials := security.NewCredentialManager(data, googleOAuth, collector)
	provider := calendar.NewGoogleProvider(calendar.GoogleProviderConfig{
		DialTimeout:    cfg.ProviderDialTimeout,
		RequestTimeout: cfg.ProviderTimeout,
	})

	syncFeed := streams.NewSyncFeed(redisClient)
	reconciler := calendar.NewReconciler(data, data, credentials, provider, calendar.ReconcilerConfig{
		Past:    cfg.SyncPast,
		Future:  cfg.SyncFuture,
		Sink:    syncFeed,
		Metrics: collector,
	})
	eventService := calendar.NewEventService(data, credentials, provider)

	dispatcher := webhook.NewDispatcher(reconciler, cfg.SyncConcurrency, cfg.SyncPassTimeout)
	channels := webhook.NewChannelManager(data, credentials, provider, webhook.ChannelConfig{
		Address: cfg.WebhookAddress(),
		TTL:     cfg.ChannelTTL,
		Trigger: dispatcher,
		Metrics: collector,
	})
	renewer := webhook.NewRenewer(data, channels, webhook.RenewerConfig{
		Enabled:       cfg.RenewEnabled,
		Interval:      cfg.RenewInterval,
		Lookahead:     cfg.RenewLookahead,
		RatePerSecond: cfg.RenewRate,
		Metrics:       collector,
	})
	renewer.Start(ctx)

	pullSync := webhook.NewPullSync(data, webhook.PullSyncConfig{
		Enabled:  cfg.PullSyncEnabled,
		Interval: cfg.PullSyncInterval,
		Trigger:  dispatcher,
	})
	pullSync.Start(ctx)

	sessions := security.NewSessionIssuer(cfg.JWTSecret)
	requireSession := middleware.RequireSession(sessions, data)
	limiter := func(scope string, budget config.RateBudget) *middleware.RateLimiter {
		return middleware.NewRateLimiter(redisClient, middleware.RateLimitConfig{
			Scope:      scope,
			Limit:      budget.Limit,
			Window:     budget.Window,
			TrustProxy: cfg.TrustProxy,
			Metrics:    collector,
		})
	}
	apiLimiter := limiter("api", cfg.RateLimitAPI)
	log.Printf("Rate limits: auth=%s api=%s webhook=%s", cfg.RateLimitAuth, cfg.RateLimitAPI, cfg.RateLimitWebhook)

	r := mux.NewRouter()

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/metrics", metrics.Handler(registry)).Methods("GET")

	authHandler := &AuthHandler{
		users:       data,
		sessions:    sessions,
		google:      googleOAuth,
		states:      security.NewStateStore(redisClient),
		channels:    channels,
		limiter:     limiter("auth", cfg.RateLimitAuth),
		frontendURL: cfg.FrontendURL,
		production:  cfg.IsProduction(),
	}
	authHandler.RegisterRoutes(r)

	calendarHandler := &CalendarHandler{
		events:         eventService,
		syncer:         reconciler,
		requireSession: requireSession,
		limiter:        apiLimiter,
	}
	streamHandler := &SyncStreamHandler{
		feed:           syncFeed,
		requireSession: requireSession,
		allowedOrigin:  cfg.FrontendURL,
	}
	// The stream route sits outside the rate-limited calendar subrouter.
	streamHandler.RegisterRoutes(r)
	calendarHandler.RegisterRoutes(r)

	webhookHandler := &CalendarWebhookHandler{
		channels:       channels,
		requireSession: requireSession,
		apiLimiter:     apiLimiter,
		webhookLimiter: limiter("webhook", cfg.RateLimitWebhook),
	}
	webhookHandler.RegisterRoutes(r)

	srv := &http.Server{
		Handler:           middleware.Recover(middleware.NewCORSMiddleware(cfg.FrontendURL)(r)),
		Addr:              "0.0.0.0:" + cfg.Port,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}

	log.Printf("Calendar sync server v%s starting on %s", VERSION, srv.Addr)

	// Setup graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	renewer.Stop()
	pullSync.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// In-flight notification passes are cancelled after the listener stops accepting new ones.
	dispatcher.Stop()

	log.Println("Server exited")
}

// openStore picks the document store named by STORE_DRIVER.
func openStore(cfg *config.RuntimeConfig, redisClient *redis.Client) (dataStore, func(), error) {
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := gormstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Println("Connected to Postgres")
		return pg, func() {
			if err := pg.Close(); err != nil {
				log.Printf("Failed to close Postgres: %v", err)
			}
		}, nil
	default:
		return store.NewRedisStore(redisClient), func() {}, nil
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format(isoMillis),
		Version:   VERSION,
	})
}
