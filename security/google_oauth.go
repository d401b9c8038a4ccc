package security

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// CalendarScopes are requested on every consent screen.
var CalendarScopes = []string{
	calendar.CalendarScope,
	calendar.CalendarEventsScope,
	oauth2api.UserinfoEmailScope,
	oauth2api.UserinfoProfileScope,
}

// GoogleOAuthConfig configures the Google token and user-info endpoints.
type GoogleOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint and APIEndpoint override Google's defaults; tests point them at httptest servers.
	Endpoint    oauth2.Endpoint
	APIEndpoint string
	HTTPClient  *http.Client
}

// UserInfo is the subset of the Google profile stored on the user.
type UserInfo struct {
	GoogleID string
	Email    string
	Name     string
	Picture  string
}

// GoogleOAuth performs code exchange, refresh and profile lookups against Google.
type GoogleOAuth struct {
	config      *oauth2.Config
	apiEndpoint string
	httpClient  *http.Client
}

// NewGoogleOAuth builds the OAuth client for the calendar scopes.
func NewGoogleOAuth(cfg GoogleOAuthConfig) *GoogleOAuth {
	endpoint := cfg.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &GoogleOAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       CalendarScopes,
			Endpoint:     endpoint,
		},
		apiEndpoint: cfg.APIEndpoint,
		httpClient:  httpClient,
	}
}

func (g *GoogleOAuth) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

// AuthCodeURL requests offline access and forces the consent prompt so a refresh token is always issued.
func (g *GoogleOAuth) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for tokens.
func (g *GoogleOAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := g.config.Exchange(g.clientContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError("exchange authorization code", err)
	}
	return token, nil
}

// Refresh exchanges refreshToken for a new access token. The returned token
// keeps the old refresh token unless Google rotated it.
func (g *GoogleOAuth) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	// Force the token to look expired so the TokenSource actually hits the endpoint.
	stale := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Now().Add(-time.Minute)}
	token, err := g.config.TokenSource(g.clientContext(ctx), stale).Token()
	if err != nil {
		return nil, classifyTokenError("refresh access token", err)
	}
	return token, nil
}

// UserInfo fetches the profile of the account that granted token.
func (g *GoogleOAuth) UserInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	opts := []option.ClientOption{
		option.WithHTTPClient(oauth2.NewClient(g.clientContext(ctx), oauth2.StaticTokenSource(token))),
	}
	if g.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(g.apiEndpoint))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create oauth2 service: %w", err)
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	if info.Id == "" || info.Email == "" {
		return nil, fmt.Errorf("%w: user info is missing id or email", ErrAuthFailed)
	}
	return &UserInfo{
		GoogleID: info.Id,
		Email:    info.Email,
		Name:     info.Name,
		Picture:  info.Picture,
	}, nil
}

// classifyTokenError maps a token endpoint rejection to ErrAuthFailed. Throttling,
// server errors and transport failures stay plain errors.
func classifyTokenError(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if resp := retrieveErr.Response; resp != nil && (resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests) {
			return fmt.Errorf("%s: token endpoint returned %d: %w", op, resp.StatusCode, err)
		}
		return fmt.Errorf("%s: %w: %s", op, ErrAuthFailed, retrieveErr.ErrorCode)
	}
	return fmt.Errorf("%s: %w", op, err)
}
