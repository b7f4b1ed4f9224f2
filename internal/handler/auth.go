package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rs/xid"
	"golang.org/x/oauth2"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/service"
)

// stateCookie carries the OAuth state between login and callback.
const stateCookie = "oauth_state"

// OAuthProvider is the part of *auth.SpotifyProvider the login flow uses.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*model.ExternalProfile, *oauth2.Token, error)
}

// AuthHandler manages the Spotify OAuth login flow and the signed-in user's
// own account.
//
// HANDLER RESPONSIBILITIES:
//   - HandleSpotifyLogin    → redirect the browser to Spotify's authorization page
//   - HandleSpotifyCallback → exchange the code, link the account, issue the session cookie
//   - HandleLogout          → clear the session cookie
//   - HandleMe              → return the signed-in user's profile
//   - HandleDeleteMe        → delete the identity and everything it owns
//
// DEPENDENCY CHAIN:
//   - provider   OAuthProvider             → performs the OAuth code exchange
//   - identities *service.IdentityService  → links accounts, issues session tokens
type AuthHandler struct {
	provider     OAuthProvider
	identities   *service.IdentityService
	sessionTTL   int // seconds
	secureCookie bool
	logger       *slog.Logger
}

// NewAuthHandler creates an AuthHandler. sessionTTLSeconds should match the
// TokenService TTL so the cookie and the JWT expire together.
func NewAuthHandler(
	provider OAuthProvider,
	identities *service.IdentityService,
	sessionTTLSeconds int,
	secureCookie bool,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		provider:     provider,
		identities:   identities,
		sessionTTL:   sessionTTLSeconds,
		secureCookie: secureCookie,
		logger:       logger,
	}
}

// HandleSpotifyLogin redirects the user to Spotify's authorization page.
//
// HTTP: GET /auth/spotify/login
//
// CSRF PROTECTION VIA STATE:
// A random state goes into a short-lived HttpOnly cookie and into the
// authorization URL. The callback only proceeds when both match.
func (h *AuthHandler) HandleSpotifyLogin(w http.ResponseWriter, r *http.Request) {
	state := xid.New().String()

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10 minutes
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.provider.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleSpotifyCallback completes the OAuth login flow.
//
// HTTP: GET /auth/spotify/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the code for a Spotify profile and tokens
//  3. Link the account to an identity (creating one on first login)
//  4. Store the session JWT in an HttpOnly cookie
//  5. Redirect to the app home page
func (h *AuthHandler) HandleSpotifyCallback(w http.ResponseWriter, r *http.Request) {
	// --- Step 1: Validate CSRF state ---
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" {
		h.logger.Warn("auth callback: missing state cookie")
		writeError(w, h.logger, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}
	if r.URL.Query().Get("state") != cookie.Value {
		h.logger.Warn("auth callback: state mismatch")
		writeError(w, h.logger, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}

	// Single use.
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization",
			slog.String("error", errParam),
		)
		http.Redirect(w, r, "/?auth=denied", http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for profile and tokens ---
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, h.logger, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	profile, token, err := h.provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: Spotify exchange failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "authentication_failed",
			Message: "could not complete sign-in with Spotify",
		})
		return
	}

	// --- Step 3: Link the account ---
	result, err := h.identities.LinkAccount(r.Context(), profile, token)
	if err != nil {
		h.logger.Error("auth callback: linking account failed",
			slog.String("externalID", profile.ExternalID),
			slog.String("error", err.Error()),
		)
		writeError(w, h.logger, err)
		return
	}

	// --- Step 4: Issue session cookie ---
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    result.Token,
		Path:     "/",
		MaxAge:   h.sessionTTL,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	// --- Step 5: Redirect to the app ---
	target := "/"
	if result.Created {
		target = "/?welcome=1"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /auth/logout
//
// The JWT stays technically valid until it expires; without the cookie the
// browser simply stops sending it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleMe returns the signed-in user's identity, linked accounts,
// preferences and view count.
//
// HTTP: GET /api/me
// Auth: Required
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("valid authentication required"))
		return
	}

	profile, err := h.identities.Profile(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// HandleDeleteMe deletes the signed-in identity with its accounts,
// preferences and view counters, then clears the session cookie.
//
// HTTP: DELETE /api/me
// Auth: Required
func (h *AuthHandler) HandleDeleteMe(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("valid authentication required"))
		return
	}

	report, err := h.identities.DeleteIdentity(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, report)
}
