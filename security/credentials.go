package security

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"

	"calsync-cloud/metrics"
	"calsync-cloud/store"
)

// DefaultRefreshSkew refreshes tokens this long before they actually expire.
const DefaultRefreshSkew = 60 * time.Second

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CredentialManager keeps stored access tokens valid.
type CredentialManager struct {
	users     store.UserStore
	refresher TokenRefresher
	metrics   metrics.Recorder
	skew      time.Duration
	now       func() time.Time
}

// NewCredentialManager wires a manager; recorder may be nil.
func NewCredentialManager(users store.UserStore, refresher TokenRefresher, recorder metrics.Recorder) *CredentialManager {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &CredentialManager{
		users:     users,
		refresher: refresher,
		metrics:   recorder,
		skew:      DefaultRefreshSkew,
		now:       time.Now,
	}
}

// NeedsRefresh reports whether the user's access token is missing, expired or about to expire.
func (m *CredentialManager) NeedsRefresh(user *store.User) bool {
	if user.AccessToken == "" || user.TokenExpiry.IsZero() {
		return true
	}
	return !m.now().Add(m.skew).Before(user.TokenExpiry)
}

// EnsureFreshToken returns a copy of user carrying a currently valid access token,
// refreshing and persisting it first when needed. The input is never mutated.
func (m *CredentialManager) EnsureFreshToken(ctx context.Context, user *store.User) (*store.User, error) {
	if user == nil {
		return nil, fmt.Errorf("ensure fresh token: nil user")
	}
	if user.RefreshToken == "" {
		return nil, fmt.Errorf("user %s: %w", user.ID, ErrNoRefreshToken)
	}
	if !m.NeedsRefresh(user) {
		return user.Clone(), nil
	}

	log.Printf("Credentials: access token for user %s expired at %s, refreshing", user.ID, user.TokenExpiry.Format(time.RFC3339))
	token, err := m.refresher.Refresh(ctx, user.RefreshToken)
	if err != nil {
		m.metrics.RecordTokenRefresh("failed")
		return nil, fmt.Errorf("refresh token for user %s: %w", user.ID, err)
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = m.now().Add(defaultTokenLifetime)
	}
	update := store.Tokens{AccessToken: token.AccessToken, Expiry: expiry}
	if token.RefreshToken != "" && token.RefreshToken != user.RefreshToken {
		update.RefreshToken = token.RefreshToken
	}
	if err := m.users.UpdateTokens(ctx, user.ID, update); err != nil {
		m.metrics.RecordTokenRefresh("failed")
		return nil, fmt.Errorf("persist refreshed token for user %s: %w", user.ID, err)
	}
	m.metrics.RecordTokenRefresh("refreshed")

	fresh := user.Clone()
	fresh.AccessToken = update.AccessToken
	fresh.TokenExpiry = update.Expiry
	if update.RefreshToken != "" {
		fresh.RefreshToken = update.RefreshToken
	}
	fresh.IsGoogleConnected = true
	return fresh, nil
}

// Token builds the per-call credential handed to provider operations.
func Token(user *store.User) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  user.AccessToken,
		RefreshToken: user.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       user.TokenExpiry,
	}
}
