package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"calsync-cloud/calendar"
	"calsync-cloud/middleware"
	"calsync-cloud/security"
	"calsync-cloud/store"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// writeAPIError maps a service error onto the unified error body. op names the failed
// operation in the log line; 5xx details never reach the client.
func writeAPIError(w http.ResponseWriter, op string, err error) {
	var validation *calendar.ValidationError
	switch {
	case errors.As(err, &validation):
		middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", validation.Error(), "validation")
	case errors.Is(err, security.ErrInvalidCredentials):
		middleware.WriteError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", "auth")
	case errors.Is(err, security.ErrInvalidSession):
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid token", "auth")
	case errors.Is(err, security.ErrNoRefreshToken), errors.Is(err, security.ErrAuthFailed):
		log.Printf("%s: google credentials rejected: %v", op, err)
		middleware.WriteError(w, http.StatusUnauthorized, "GOOGLE_REAUTH_REQUIRED", "Google account must be reconnected", "auth")
	case errors.Is(err, calendar.ErrEventNotFound), errors.Is(err, store.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", "not_found")
	case errors.Is(err, store.ErrEmailTaken):
		middleware.WriteError(w, http.StatusConflict, "EMAIL_TAKEN", "Email already registered", "validation")
	default:
		log.Printf("%s error: %v", op, err)
		middleware.WriteInternalError(w)
	}
}
