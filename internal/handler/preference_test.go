package handler_test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/nowplaying/internal/handler"
	"github.com/sakif/nowplaying/internal/model"
)

// =========================================================================
// GET /api/preferences
// =========================================================================

func TestPreferences_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/api/preferences", anonymous, "")

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestPreferences_GetCreatesDefaults(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedIdentity(t)

	rr := env.do(t, http.MethodGet, "/api/preferences", owner, "")

	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[model.Preference](t, rr)
	assert.Equal(t, owner.String(), p.OwnerID)
	assert.Equal(t, model.DefaultPrivacySettings().IsPublic, p.PrivacySettings.IsPublic)

	// A second GET returns the same record rather than creating another.
	again := decode[model.Preference](t, env.do(t, http.MethodGet, "/api/preferences", owner, ""))
	assert.Equal(t, p.ID, again.ID)
}

// =========================================================================
// PATCH /api/preferences
// =========================================================================

func TestPreferences_Update(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedUser(t, "ext-1")

	rr := env.do(t, http.MethodPatch, "/api/preferences", owner,
		`{"displaySettings": {"style": "neon"}, "privacySettings": {"customSlug": "my-page"}}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	p := decode[model.Preference](t, rr)
	assert.Equal(t, "neon", p.DisplaySettings.Style)
	assert.Equal(t, "my-page", p.Slug())
	assert.True(t, p.DisplaySettings.ShowCurrentTrack, "keys not in the patch keep their values")
}

func TestPreferences_UpdateRejections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown key", `{"displaySettings": {"bogus": 1}}`, "displaySettings.bogus"},
		{"unknown section", `{"adminSettings": {"role": "admin"}}`, "adminSettings"},
		{"out of range", `{"displaySettings": {"recentTracksCount": 500}}`, "displaySettings.recentTracksCount"},
		{"bad slug", `{"privacySettings": {"customSlug": "a b"}}`, "privacySettings.customSlug"},
		{"not an object", `{"appSettings": "dark"}`, "appSettings"},
		{"not json", `{"displaySettings":`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			owner, _ := env.seedUser(t, "ext-1")

			rr := env.do(t, http.MethodPatch, "/api/preferences", owner, tt.body)

			require.Equal(t, http.StatusBadRequest, rr.Code)
			resp := decode[handler.ErrorResponse](t, rr)
			assert.Equal(t, "validation_error", resp.Error)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestPreferences_UpdateEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedUser(t, "ext-1")

	rr := env.do(t, http.MethodPatch, "/api/preferences", owner, "")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPreferences_UpdateSlugConflict(t *testing.T) {
	env := newTestEnv(t)
	holder, _ := env.seedUser(t, "ext-holder")
	env.setPrivacy(t, holder, `{"customSlug": "taken"}`)
	owner, _ := env.seedUser(t, "ext-2")

	rr := env.do(t, http.MethodPatch, "/api/preferences", owner, `{"privacySettings": {"customSlug": "taken"}}`)

	require.Equal(t, http.StatusConflict, rr.Code)
	resp := decode[handler.ErrorResponse](t, rr)
	assert.Equal(t, "conflict", resp.Error)
	assert.Equal(t, "privacySettings.customSlug", resp.Field)
	assert.False(t, resp.Retryable)
}

func TestPreferences_UpdateWithoutRecord(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedIdentity(t)

	rr := env.do(t, http.MethodPatch, "/api/preferences", owner, `{"appSettings": {"theme": "dark"}}`)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

// =========================================================================
// RESET AND SLUGS
// =========================================================================

func TestPreferences_Reset(t *testing.T) {
	env := newTestEnv(t)
	owner, before := env.seedUser(t, "ext-1")
	env.setPrivacy(t, owner, `{"customSlug": "gone-soon", "isPublic": false}`)

	rr := env.do(t, http.MethodPost, "/api/preferences/reset", owner, "")

	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[model.Preference](t, rr)
	assert.Equal(t, before.ID, p.ID)
	assert.Equal(t, "ext-1", p.ExternalID)
	assert.Empty(t, p.Slug())
	assert.Equal(t, model.DefaultPrivacySettings().IsPublic, p.PrivacySettings.IsPublic)
}

func TestPreferences_GenerateSlug(t *testing.T) {
	env := newTestEnv(t)
	owner, _ := env.seedUser(t, "ext-1")

	rr := env.do(t, http.MethodPost, "/api/preferences/slug", owner, "")

	require.Equal(t, http.StatusOK, rr.Code)
	p := decode[model.Preference](t, rr)
	assert.Len(t, p.Slug(), 12)
}

func TestPreferences_SlugAvailability(t *testing.T) {
	env := newTestEnv(t)
	holder, _ := env.seedUser(t, "ext-holder")
	env.setPrivacy(t, holder, `{"customSlug": "taken"}`)
	owner, _ := env.seedUser(t, "ext-2")

	t.Run("free", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/preferences/slug/free-one", owner, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, handler.SlugAvailability{Slug: "free-one", Available: true}, decode[handler.SlugAvailability](t, rr))
	})

	t.Run("held by someone else", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/preferences/slug/taken", owner, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.False(t, decode[handler.SlugAvailability](t, rr).Available)
	})

	t.Run("held by the caller", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/preferences/slug/taken", holder, "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, decode[handler.SlugAvailability](t, rr).Available)
	})

	t.Run("malformed", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/api/preferences/slug/ab", owner, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}
