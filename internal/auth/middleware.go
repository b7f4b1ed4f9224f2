package auth

import (
	"context"
	"net/http"

	"github.com/sakif/nowplaying/internal/model"
)

// contextKey is unexported so no other package can read or shadow our values.
type contextKey string

const ownerIDKey contextKey = "ownerID"

// CookieName is the session cookie set after the OAuth callback.
const CookieName = "token"

// RequireAuth rejects requests without a valid session cookie with 401 and
// otherwise stores the owner id in the request context.
//
// Chi applies middlewares in a chain: req → M1 → M2 → Handler → M2 → M1 → resp
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, err := extractOwnerID(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), owner)))
		})
	}
}

// OptionalAuth records the owner when a valid cookie is present and never blocks.
// The public pages use it so an owner previewing their own private page still
// sees it.
func OptionalAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if owner, err := extractOwnerID(r, tokens); err == nil {
				r = r.WithContext(WithOwnerID(r.Context(), owner))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithOwnerID stores owner in ctx. Handler tests use it to skip the cookie.
func WithOwnerID(ctx context.Context, owner model.OwnerID) context.Context {
	return context.WithValue(ctx, ownerIDKey, owner)
}

// OwnerIDFromContext returns the authenticated owner, or false for anonymous requests.
func OwnerIDFromContext(ctx context.Context) (model.OwnerID, bool) {
	owner, ok := ctx.Value(ownerIDKey).(model.OwnerID)
	return owner, ok && !owner.IsZero()
}

func extractOwnerID(r *http.Request, tokens *TokenService) (model.OwnerID, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return model.OwnerID{}, err
	}
	return tokens.Validate(cookie.Value)
}
