package handler_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/authz"
	"github.com/sakif/nowplaying/internal/handler"
	"github.com/sakif/nowplaying/internal/jobs"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository/sqlite"
	"github.com/sakif/nowplaying/internal/service"
)

// =========================================================================
// TEST ENVIRONMENT
// =========================================================================
//
// Handlers run against real services on an in-memory SQLite store and are
// driven through a chi router, so URL params, cookies and middleware behave
// exactly as in production. Only the OAuth provider is faked.

// fakeProvider implements handler.OAuthProvider and service.TokenRefresher.
type fakeProvider struct {
	profile *model.ExternalProfile
	err     error
	code    string
}

func (f *fakeProvider) AuthURL(state string) string {
	return "https://accounts.example.test/authorize?state=" + state
}

func (f *fakeProvider) Exchange(_ context.Context, code string) (*model.ExternalProfile, *oauth2.Token, error) {
	f.code = code
	if f.err != nil {
		return nil, nil, f.err
	}
	p := *f.profile
	return &p, &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeProvider) TokenSource(_ context.Context, t *oauth2.Token) oauth2.TokenSource {
	return oauth2.StaticTokenSource(t)
}

type testEnv struct {
	db         *sqlite.DB
	resolver   *service.ResolverService
	prefs      *service.PreferenceService
	reconcile  *service.ReconcileService
	identities *service.IdentityService
	tokens     *auth.TokenService
	provider   *fakeProvider
	public     *handler.PublicHandler
	admin      model.OwnerID
	router     chi.Router
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv wires the same routes the server does. The returned admin owner
// holds the admin role.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := discardLogger()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokens, err := auth.NewTokenService("handler-test-secret-32-bytes-long", time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		db:       db,
		tokens:   tokens,
		provider: &fakeProvider{profile: &model.ExternalProfile{ExternalID: "spotify-user", DisplayName: "Listener"}},
	}
	env.resolver = service.NewResolverService(db, logger)
	env.prefs = service.NewPreferenceService(db, env.resolver, logger)
	env.reconcile = service.NewReconcileService(db, logger)
	env.identities = service.NewIdentityService(db, db, env.prefs, tokens, env.provider, logger)

	env.admin = env.seedIdentity(t)
	enforcer, err := authz.NewEnforcer([]model.OwnerID{env.admin}, logger)
	require.NoError(t, err)
	scheduler, err := jobs.NewScheduler(env.reconcile, "", logger)
	require.NoError(t, err)

	authHandler := handler.NewAuthHandler(env.provider, env.identities, 3600, false, logger)
	prefHandler := handler.NewPreferenceHandler(env.prefs, env.resolver, logger)
	adminHandler := handler.NewAdminHandler(env.reconcile, env.prefs, scheduler, logger)
	env.public = handler.NewPublicHandler(env.resolver, db, logger)

	r := chi.NewRouter()
	r.Get("/auth/spotify/login", authHandler.HandleSpotifyLogin)
	r.Get("/auth/spotify/callback", authHandler.HandleSpotifyCallback)
	r.Post("/auth/logout", authHandler.HandleLogout)
	r.Group(func(r chi.Router) {
		r.Use(auth.OptionalAuth(tokens))
		r.Get("/api/public/{identifier}", env.public.HandlePublicPage)
		r.Get("/api/overlay/{identifier}", env.public.HandleOverlay)
	})
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/api/me", authHandler.HandleMe)
		r.Delete("/api/me", authHandler.HandleDeleteMe)
		r.Get("/api/preferences", prefHandler.HandleGet)
		r.Patch("/api/preferences", prefHandler.HandleUpdate)
		r.Post("/api/preferences/reset", prefHandler.HandleReset)
		r.Post("/api/preferences/slug", prefHandler.HandleGenerateSlug)
		r.Get("/api/preferences/slug/{candidate}", prefHandler.HandleSlugAvailability)
		r.Route("/api/admin", func(r chi.Router) {
			r.Use(enforcer.Authorize)
			r.Get("/duplicates", adminHandler.HandleListDuplicates)
			r.Post("/duplicates/resolve", adminHandler.HandleResolveDuplicates)
			r.Get("/orphans", adminHandler.HandleListOrphans)
			r.Post("/orphans/repair", adminHandler.HandleRepairLinks)
			r.Post("/orphans/purge", adminHandler.HandlePurgeOrphans)
			r.Post("/external-ids/sync", adminHandler.HandleSyncExternalIDs)
			r.Post("/reconcile", adminHandler.HandleRunReconcile)
			r.Get("/owners/{ownerID}/check", adminHandler.HandleCheckOwner)
			r.Post("/migrations", adminHandler.HandleMigrateField)
		})
	})
	env.router = r
	return env
}

func (e *testEnv) seedIdentity(t *testing.T) model.OwnerID {
	t.Helper()
	ident := &model.Identity{DisplayName: "listener", Active: true}
	require.NoError(t, e.db.CreateIdentity(context.Background(), ident))
	return ident.ID
}

// seedUser creates an identity with its preference record.
func (e *testEnv) seedUser(t *testing.T, externalID string) (model.OwnerID, *model.Preference) {
	t.Helper()
	owner := e.seedIdentity(t)
	p, err := e.prefs.GetOrCreate(context.Background(), owner, externalID)
	require.NoError(t, err)
	return owner, p
}

func (e *testEnv) setPrivacy(t *testing.T, owner model.OwnerID, body string) {
	t.Helper()
	_, err := e.prefs.Update(context.Background(), owner, service.PreferencePatch{
		"privacySettings": json.RawMessage(body),
	})
	require.NoError(t, err)
}

// do sends a request through the router. A non-zero owner gets a session cookie.
func (e *testEnv) do(t *testing.T, method, path string, owner model.OwnerID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if !owner.IsZero() {
		token, err := e.tokens.Generate(owner)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

var anonymous = model.OwnerID{}
