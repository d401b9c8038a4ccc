package calendar

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSyncTokenInvalid is the provider's 410 Gone for an expired or revoked sync cursor.
	ErrSyncTokenInvalid = errors.New("sync token no longer valid")
	// ErrSyncFailed wraps every reconciliation failure other than the cursor reset.
	ErrSyncFailed = errors.New("failed to sync events")
	// ErrEventNotFound means no local record exists for (user, provider event id).
	ErrEventNotFound = errors.New("event not found")
	// ErrProviderNotFound means the provider reports the event or channel as gone.
	ErrProviderNotFound = errors.New("resource not found at provider")
)

// ValidationError lists caller input problems detected before any provider call.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s", strings.Join(e.Problems, "; "))
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
