package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"calsync-cloud/middleware"
	"calsync-cloud/security"
	"calsync-cloud/store"
)

type sessionTokens interface {
	Issue(userID, email string) (string, time.Time, error)
	Verify(token string) (*security.SessionClaims, error)
}

type googleAuthenticator interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	UserInfo(ctx context.Context, token *oauth2.Token) (*security.UserInfo, error)
}

type oauthStates interface {
	Issue(ctx context.Context, linkUserID string) (string, error)
	Consume(ctx context.Context, state string) (string, error)
}

// channelSetup registers the push channel after a Google sign-in.
type channelSetup interface {
	SetupChannel(ctx context.Context, userID string) (*store.User, error)
}

// AuthHandler serves local accounts, the Google OAuth flow and the session cookie.
type AuthHandler struct {
	users       store.UserStore
	sessions    sessionTokens
	google      googleAuthenticator
	states      oauthStates
	channels    channelSetup
	limiter     *middleware.RateLimiter
	frontendURL string
	production  bool
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Picture           string `json:"picture,omitempty"`
	IsGoogleConnected bool   `json:"isGoogleConnected"`
}

type authResponse struct {
	User userResponse `json:"user"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:                u.ID,
		Name:              u.Name,
		Email:             u.Email,
		Picture:           u.Picture,
		IsGoogleConnected: u.IsGoogleConnected,
	}
}

func (h *AuthHandler) RegisterRoutes(r *mux.Router) {
	auth := r.PathPrefix("/api/auth").Subrouter()

	limited := auth.NewRoute().Subrouter()
	if h.limiter != nil {
		limited.Use(h.limiter.Middleware)
	}
	limited.HandleFunc("/register", h.handleRegister).Methods("POST")
	limited.HandleFunc("/login", h.handleLogin).Methods("POST")
	limited.HandleFunc("/google", h.handleGoogleRedirect).Methods("GET")
	limited.HandleFunc("/google/callback", h.handleGoogleCallback).Methods("GET")

	auth.HandleFunc("/logout", h.handleLogout).Methods("POST")
	auth.Handle("/me", middleware.RequireSession(h.sessions, h.users)(http.HandlerFunc(h.handleMe))).Methods("GET")
}

func (h *AuthHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", "validation")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	var problems []string
	if !strings.Contains(req.Email, "@") {
		problems = append(problems, "a valid email is required")
	}
	if len(req.Password) < security.MinPasswordLength {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters", security.MinPasswordLength))
	}
	if req.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(problems) > 0 {
		middleware.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", strings.Join(problems, "; "), "validation")
		return
	}

	hash, err := security.HashPassword(req.Password)
	if err != nil {
		writeAPIError(w, "Register", err)
		return
	}
	user := &store.User{Email: req.Email, Name: req.Name, PasswordHash: hash}
	if err := h.users.Create(r.Context(), user); err != nil {
		writeAPIError(w, "Register", err)
		return
	}
	if err := h.setSessionCookie(w, user); err != nil {
		writeAPIError(w, "Register", err)
		return
	}
	log.Printf("Auth: registered user %s", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{User: toUserResponse(user)})
}

func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body", "validation")
		return
	}

	user, err := h.users.FindByEmail(r.Context(), strings.TrimSpace(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		writeAPIError(w, "Login", security.ErrInvalidCredentials)
		return
	}
	if err != nil {
		writeAPIError(w, "Login", err)
		return
	}
	if err := security.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeAPIError(w, "Login", err)
		return
	}
	if err := h.setSessionCookie(w, user); err != nil {
		writeAPIError(w, "Login", err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: toUserResponse(user)})
}

func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, h.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *AuthHandler) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Not authenticated", "auth")
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// handleGoogleRedirect starts the consent flow. A request that already carries a valid
// session links the Google account to that user instead of signing in.
func (h *AuthHandler) handleGoogleRedirect(w http.ResponseWriter, r *http.Request) {
	linkUserID := ""
	if cookie, err := r.Cookie(security.SessionCookieName); err == nil {
		if claims, err := h.sessions.Verify(cookie.Value); err == nil {
			linkUserID = claims.Subject
		}
	}

	state, err := h.states.Issue(r.Context(), linkUserID)
	if err != nil {
		writeAPIError(w, "Google auth", err)
		return
	}
	http.Redirect(w, r, h.google.AuthCodeURL(state), http.StatusFound)
}

func (h *AuthHandler) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		log.Printf("Auth: google consent denied: %s", denied)
		h.redirectAuthFailed(w, r)
		return
	}
	code := q.Get("code")
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, "MISSING_CODE", "Authorization code required", "validation")
		return
	}

	user, err := h.completeGoogleSignIn(r.Context(), code, q.Get("state"))
	if err != nil {
		log.Printf("Auth: google callback failed: %v", err)
		h.redirectAuthFailed(w, r)
		return
	}
	if err := h.setSessionCookie(w, user); err != nil {
		log.Printf("Auth: failed to issue session for user %s: %v", user.ID, err)
		h.redirectAuthFailed(w, r)
		return
	}

	if h.channels != nil {
		if _, err := h.channels.SetupChannel(r.Context(), user.ID); err != nil {
			log.Printf("Auth: webhook setup failed for user %s: %v", user.ID, err)
		}
	}

	http.Redirect(w, r, strings.TrimRight(h.frontendURL, "/")+"/calendar", http.StatusFound)
}

// completeGoogleSignIn exchanges the code and stores the Google identity and tokens on the
// linked, matching or newly created user.
func (h *AuthHandler) completeGoogleSignIn(ctx context.Context, code, state string) (*store.User, error) {
	linkUserID, err := h.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	token, err := h.google.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	info, err := h.google.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := h.resolveGoogleUser(ctx, linkUserID, info)
	if err != nil {
		return nil, err
	}

	if err := h.users.UpdateProfile(ctx, user.ID, store.Profile{Name: info.Name, Picture: info.Picture, GoogleID: info.GoogleID}); err != nil {
		return nil, fmt.Errorf("update profile for user %s: %w", user.ID, err)
	}
	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	tokens := store.Tokens{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken, Expiry: expiry}
	if err := h.users.UpdateTokens(ctx, user.ID, tokens); err != nil {
		return nil, fmt.Errorf("store tokens for user %s: %w", user.ID, err)
	}

	updated, err := h.users.Get(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("reload user %s: %w", user.ID, err)
	}
	log.Printf("Auth: google account %s connected to user %s", info.Email, updated.ID)
	return updated, nil
}

func (h *AuthHandler) resolveGoogleUser(ctx context.Context, linkUserID string, info *security.UserInfo) (*store.User, error) {
	if linkUserID != "" {
		return h.users.Get(ctx, linkUserID)
	}

	user, err := h.users.FindByGoogleID(ctx, info.GoogleID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user, err = h.users.FindByEmail(ctx, info.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	user = &store.User{Email: info.Email, Name: info.Name, Picture: info.Picture, GoogleID: info.GoogleID}
	if err := h.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (h *AuthHandler) redirectAuthFailed(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimRight(h.frontendURL, "/") + "?error=" + url.QueryEscape("auth_failed")
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, user *store.User) error {
	token, _, err := h.sessions.Issue(user.ID, user.Email)
	if err != nil {
		return err
	}
	http.SetCookie(w, h.sessionCookie(token, int(security.SessionTTL/time.Second)))
	return nil
}

// sessionCookie builds the session cookie; maxAge < 0 deletes it.
func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	cookie := &http.Cookie{
		Name:     security.SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if h.production {
		cookie.Secure = true
		cookie.SameSite = http.SameSiteNoneMode
	}
	return cookie
}
