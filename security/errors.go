package security

import "errors"

var (
	// ErrNoRefreshToken means the user never granted offline access and must reconnect Google.
	ErrNoRefreshToken = errors.New("no refresh token available; google account must be reconnected")
	// ErrAuthFailed means the token endpoint rejected the credential. Callers must not retry.
	ErrAuthFailed = errors.New("google authentication failed; re-authentication required")
	// ErrInvalidSession is returned for a missing, malformed or expired session token.
	ErrInvalidSession = errors.New("invalid or expired session")
	// ErrInvalidCredentials is returned when an email/password pair does not match.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrInvalidState is returned for an unknown, expired or reused OAuth state value.
	ErrInvalidState = errors.New("invalid or expired state parameter")
)
