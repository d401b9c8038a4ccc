package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"calsync-cloud/calendar"
	"calsync-cloud/middleware"
	"calsync-cloud/store"
)

// isoMillis matches the timestamp layout the frontend already parses.
const isoMillis = "2006-01-02T15:04:05.000Z"

type eventService interface {
	GetUserEvents(ctx context.Context, user *store.User) ([]*store.Event, error)
	CreateEvent(ctx context.Context, user *store.User, in calendar.EventInput) (*store.Event, error)
	UpdateEvent(ctx context.Context, user *store.User, eventID string, in calendar.EventInput) (*store.Event, error)
	DeleteEvent(ctx context.Context, user *store.User, eventID string) error
}

type eventSyncer interface {
	SyncEvents(ctx context.Context, user *store.User) ([]*store.Event, error)
}

// CalendarHandler exposes the event CRUD facade and manual sync to signed-in users.
type CalendarHandler struct {
	events         eventService
	syncer         eventSyncer
	requireSession func(http.Handler) http.Handler
	limiter        *middleware.RateLimiter
}

type eventExtendedProps struct {
	Description string   `json:"description"`
	Location    string   `json:"location"`
	Attendees   []string `json:"attendees"`
}

type eventResponse struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Start         string              `json:"start"`
	End           string              `json:"end"`
	Description   string              `json:"description"`
	Location      string              `json:"location"`
	Status        store.EventStatus   `json:"status"`
	ExtendedProps *eventExtendedProps `json:"extendedProps,omitempty"`
}

func formatEvent(e *store.Event) eventResponse {
	return eventResponse{
		ID:          e.ProviderEventID,
		Title:       e.Title,
		Start:       e.Start.UTC().Format(isoMillis),
		End:         e.End.UTC().Format(isoMillis),
		Description: e.Description,
		Location:    e.Location,
		Status:      e.Status,
	}
}

func formatEvents(events []*store.Event, extended bool) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp := formatEvent(e)
		if extended {
			attendees := e.Attendees
			if attendees == nil {
				attendees = []string{}
			}
			resp.ExtendedProps = &eventExtendedProps{Description: e.Description, Location: e.Location, Attendees: attendees}
		}
		out = append(out, resp)
	}
	return out
}

func (h *CalendarHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/calendar").Subrouter()
	if h.limiter != nil {
		api.Use(h.limiter.Middleware)
	}
	api.Use(h.requireSession)

	api.HandleFunc("/events", h.handleListEvents).Methods("GET")
	api.HandleFunc("/events", h.handleCreateEvent).Methods("POST")
	api.HandleFunc("/events/{eventId}", h.handleUpdateEvent).Methods("PUT")
	api.HandleFunc("/events/{eventId}", h.handleDeleteEvent).Methods("DELETE")
	api.HandleFunc("/sync", h.handleSync).Methods("POST")
}

func (h *CalendarHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	events, err := h.events.GetUserEvents(r.Context(), user)
	if err != nil {
		writeAPIError(w, "Get events", err)
		return
	}
	writeJSON(w, http.StatusOK, formatEvents(events, true))
}

func (h *CalendarHandler) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}

	var in calendar.EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", "validation")
		return
	}
	event, err := h.events.CreateEvent(r.Context(), user, in)
	if err != nil {
		writeAPIError(w, "Create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, formatEvent(event))
}

func (h *CalendarHandler) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}

	var in calendar.EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", "validation")
		return
	}
	event, err := h.events.UpdateEvent(r.Context(), user, mux.Vars(r)["eventId"], in)
	if err != nil {
		writeAPIError(w, "Update event", err)
		return
	}
	writeJSON(w, http.StatusOK, formatEvent(event))
}

func (h *CalendarHandler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	if err := h.events.DeleteEvent(r.Context(), user, mux.Vars(r)["eventId"]); err != nil {
		writeAPIError(w, "Delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Event deleted successfully"})
}

// handleSync runs a reconciliation inline and returns what the pass upserted.
func (h *CalendarHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	started := time.Now()
	events, err := h.syncer.SyncEvents(r.Context(), user)
	if err != nil {
		writeAPIError(w, "Sync events", err)
		return
	}
	w.Header().Set("X-Sync-Duration", time.Since(started).Round(time.Millisecond).String())
	writeJSON(w, http.StatusOK, formatEvents(events, false))
}
