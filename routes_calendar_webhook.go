package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"calsync-cloud/middleware"
	"calsync-cloud/store"
	"calsync-cloud/webhook"
)

type channelService interface {
	RenewChannel(ctx context.Context, userID string) (*store.User, error)
	HandleNotification(ctx context.Context, n webhook.Notification) (bool, error)
}

// CalendarWebhookHandler receives provider push notifications and lets users inspect
// or replace their own channel.
type CalendarWebhookHandler struct {
	channels       channelService
	requireSession func(http.Handler) http.Handler
	apiLimiter     *middleware.RateLimiter
	webhookLimiter *middleware.RateLimiter
}

type webhookStatusResponse struct {
	Active     bool   `json:"active"`
	ChannelID  string `json:"channel_id,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`
	Expiration string `json:"expiration,omitempty"`
	Expired    bool   `json:"expired"`
}

func channelStatus(u *store.User, now time.Time) webhookStatusResponse {
	if !u.HasChannel() {
		return webhookStatusResponse{}
	}
	resp := webhookStatusResponse{
		Active:     true,
		ChannelID:  u.WebhookChannelID,
		ResourceID: u.WebhookResourceID,
	}
	if !u.WebhookExpiration.IsZero() {
		resp.Expiration = u.WebhookExpiration.UTC().Format(time.RFC3339)
		resp.Expired = !u.WebhookExpiration.After(now)
		resp.Active = !resp.Expired
	}
	return resp
}

func (h *CalendarWebhookHandler) RegisterRoutes(r *mux.Router) {
	notify := r.PathPrefix("/api/webhook/calendar").Subrouter()
	if h.webhookLimiter != nil {
		notify.Use(h.webhookLimiter.Middleware)
	}
	notify.Use(middleware.VerifyWebhook)
	notify.HandleFunc("", h.handleWebhookNotification).Methods("POST")

	user := r.PathPrefix("/api/webhook").Subrouter()
	if h.apiLimiter != nil {
		user.Use(h.apiLimiter.Middleware)
	}
	user.Use(h.requireSession)
	user.HandleFunc("/status", h.handleWebhookStatus).Methods("GET")
	user.HandleFunc("/renew", h.handleRenewWebhook).Methods("POST")
}

// handleWebhookNotification always answers 200 once the headers verified; sync runs in the background.
func (h *CalendarWebhookHandler) handleWebhookNotification(w http.ResponseWriter, r *http.Request) {
	n, ok := middleware.NotificationFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Missing required headers", "validation")
		return
	}

	log.Printf("Webhook: notification channel=%s resource=%s state=%s message=%s", n.ChannelID, n.ResourceID, n.ResourceState, n.MessageNumber)
	if _, err := h.channels.HandleNotification(r.Context(), n); err != nil {
		log.Printf("Webhook: failed to handle notification for channel %s: %v", n.ChannelID, err)
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *CalendarWebhookHandler) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	writeJSON(w, http.StatusOK, channelStatus(user, time.Now()))
}

func (h *CalendarWebhookHandler) handleRenewWebhook(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	if !user.IsGoogleConnected {
		middleware.WriteError(w, http.StatusConflict, "GOOGLE_NOT_CONNECTED", "Google account is not connected", "validation")
		return
	}
	updated, err := h.channels.RenewChannel(r.Context(), user.ID)
	if err != nil {
		writeAPIError(w, "Renew webhook", err)
		return
	}
	writeJSON(w, http.StatusOK, channelStatus(updated, time.Now()))
}
