package middleware

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"

	"calsync-cloud/webhook"
)

// VerifyWebhook checks the provider's notification headers before the handler runs.
// Missing channel or resource ids and a malformed channel token are rejected with 400.
func VerifyWebhook(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := webhook.Notification{
			ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
			ResourceID:    r.Header.Get("X-Goog-Resource-ID"),
			ResourceState: r.Header.Get("X-Goog-Resource-State"),
			ResourceURI:   r.Header.Get("X-Goog-Resource-URI"),
			Token:         r.Header.Get("X-Goog-Channel-Token"),
			MessageNumber: r.Header.Get("X-Goog-Message-Number"),
		}
		if n.ChannelID == "" || n.ResourceID == "" {
			log.Printf("Webhook: missing required headers from %s", r.RemoteAddr)
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Missing required headers", "validation")
			return
		}
		if n.Token != "" {
			if _, err := uuid.Parse(n.Token); err != nil {
				log.Printf("Webhook: invalid channel token format on channel %s", n.ChannelID)
				WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid channel token", "validation")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), notificationContextKey, n)))
	})
}

// NotificationFromContext returns the headers accepted by VerifyWebhook.
func NotificationFromContext(ctx context.Context) (webhook.Notification, bool) {
	n, ok := ctx.Value(notificationContextKey).(webhook.Notification)
	return n, ok
}
