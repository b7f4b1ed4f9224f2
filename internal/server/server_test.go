package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/config"
	"github.com/sakif/nowplaying/internal/model"
)

type stubProvider struct{}

func (stubProvider) AuthURL(state string) string { return "https://accounts.example.test/?state=" + state }

func (stubProvider) Exchange(context.Context, string) (*model.ExternalProfile, *oauth2.Token, error) {
	return &model.ExternalProfile{ExternalID: "ext"}, &oauth2.Token{AccessToken: "a"}, nil
}

func (stubProvider) TokenSource(_ context.Context, t *oauth2.Token) oauth2.TokenSource {
	return oauth2.StaticTokenSource(t)
}

const testSecret = "server-test-secret-at-least-32-bytes"

func testConfig(t *testing.T, withAuth bool) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	cfg.Database.Path = ":memory:"
	if withAuth {
		cfg.Auth.JWTSecret = testSecret
		cfg.Auth.TokenKey = testSecret
		cfg.Spotify.ClientID = "client"
		cfg.Spotify.ClientSecret = "secret"
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithProvider(stubProvider{}))
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func get(t *testing.T, srv *Server, path string, owner model.OwnerID) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if !owner.IsZero() {
		tokens, err := auth.NewTokenService(testSecret, time.Hour)
		require.NoError(t, err)
		token, err := tokens.Generate(owner)
		require.NoError(t, err)
		req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// =========================================================================
// ROUTING
// =========================================================================

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, testConfig(t, false))

	rr := get(t, srv, "/healthz", model.OwnerID{})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	srv := newTestServer(t, testConfig(t, false))
	get(t, srv, "/healthz", model.OwnerID{})

	rr := get(t, srv, "/metrics", model.OwnerID{})

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "nowplaying_http_requests_total")
}

func TestServer_PublicRoutesWithoutAuth(t *testing.T) {
	srv := newTestServer(t, testConfig(t, false))

	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/public/nobody", model.OwnerID{}).Code)
	// Login and account routes are not mounted at all.
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/auth/spotify/login", model.OwnerID{}).Code)
	assert.Equal(t, http.StatusNotFound, get(t, srv, "/api/preferences", model.OwnerID{}).Code)
}

func TestServer_PublicCORS(t *testing.T) {
	srv := newTestServer(t, testConfig(t, false))
	req := httptest.NewRequest(http.MethodGet, "/api/public/nobody", nil)
	req.Header.Set("Origin", "https://obs.example.test")
	rr := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_PublicRateLimit(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Server.PublicRateLimit = 2
	srv := newTestServer(t, cfg)

	codes := make([]int, 0, 3)
	for range 3 {
		codes = append(codes, get(t, srv, "/api/public/nobody", model.OwnerID{}).Code)
	}

	assert.Equal(t, []int{http.StatusNotFound, http.StatusNotFound, http.StatusTooManyRequests}, codes)
}

func TestServer_AuthenticatedRoutes(t *testing.T) {
	cfg := testConfig(t, true)
	admin := model.NewOwnerID()
	cfg.Auth.AdminOwners = []string{admin.String()}
	srv := newTestServer(t, cfg)
	user := model.NewOwnerID()

	assert.Equal(t, http.StatusUnauthorized, get(t, srv, "/api/preferences", model.OwnerID{}).Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/preferences", user).Code)

	assert.Equal(t, http.StatusForbidden, get(t, srv, "/api/admin/orphans", user).Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/api/admin/orphans", admin).Code)

	assert.Equal(t, http.StatusTemporaryRedirect, get(t, srv, "/auth/spotify/login", model.OwnerID{}).Code)
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Reconcile.Schedule = "every tuesday"

	_, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Error(t, err)
}
