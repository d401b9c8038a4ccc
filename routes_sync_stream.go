package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"calsync-cloud/middleware"
	"calsync-cloud/streams"
)

type syncFeedReader interface {
	Tail(ctx context.Context, userID, afterID string) ([]streams.Entry, string, error)
}

// SyncStreamHandler pushes the signed-in user's sync reports over a websocket.
type SyncStreamHandler struct {
	feed           syncFeedReader
	requireSession func(http.Handler) http.Handler
	allowedOrigin  string
}

func (h *SyncStreamHandler) RegisterRoutes(r *mux.Router) {
	r.Handle("/api/calendar/stream", h.requireSession(http.HandlerFunc(h.handleWebSocket))).Methods("GET")
}

func (h *SyncStreamHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || h.allowedOrigin == "" || strings.EqualFold(origin, h.allowedOrigin)
		},
	}
}

func (h *SyncStreamHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		entries, nextID, err := h.feed.Tail(ctx, user.ID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			log.Printf("Sync stream: tail failed for user %s: %v", user.ID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(300 * time.Millisecond):
			}
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lastID = nextID
		for _, entry := range entries {
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}
