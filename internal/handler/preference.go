package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/service"
)

// PreferenceHandler serves the signed-in user's own preference document.
// Every route sits behind auth.RequireAuth; the owner always comes from the
// session, never from the URL or body.
type PreferenceHandler struct {
	prefs    *service.PreferenceService
	resolver *service.ResolverService
	logger   *slog.Logger
}

// NewPreferenceHandler creates a PreferenceHandler.
func NewPreferenceHandler(prefs *service.PreferenceService, resolver *service.ResolverService, logger *slog.Logger) *PreferenceHandler {
	return &PreferenceHandler{prefs: prefs, resolver: resolver, logger: logger}
}

func (h *PreferenceHandler) owner(w http.ResponseWriter, r *http.Request) (model.OwnerID, bool) {
	owner, ok := auth.OwnerIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, apperror.Unauthorized("valid authentication required"))
	}
	return owner, ok
}

// HandleGet returns the owner's preferences, creating the defaults if the
// document is missing.
//
// HTTP: GET /api/preferences
func (h *PreferenceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	// The external id is backfilled at the next login if it is unknown here.
	p, err := h.prefs.GetOrCreate(r.Context(), owner, "")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleUpdate merges a partial document into the owner's preferences.
//
// HTTP: PATCH /api/preferences
// REQUEST BODY: {"displaySettings": {"style": "neon"}, "privacySettings": {"customSlug": null}}
//
// Sections not in the body are untouched. Any invalid key or value rejects
// the whole request with 400; a slug held by someone else gives 409.
func (h *PreferenceHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}

	var patch service.PreferencePatch
	if err := readJSON(w, r, &patch); err != nil {
		writeError(w, h.logger, err)
		return
	}

	p, err := h.prefs.Update(r.Context(), owner, patch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleReset puts every section back to its default.
//
// HTTP: POST /api/preferences/reset
func (h *PreferenceHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	p, err := h.prefs.ResetToDefaults(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleGenerateSlug assigns a random unused slug.
//
// HTTP: POST /api/preferences/slug
func (h *PreferenceHandler) HandleGenerateSlug(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	p, err := h.prefs.AssignGeneratedSlug(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SlugAvailability is the answer to an availability check.
type SlugAvailability struct {
	Slug      string `json:"slug"`
	Available bool   `json:"available"`
}

// HandleSlugAvailability tells the settings form whether a slug can be used.
// A slug the caller already holds counts as available.
//
// HTTP: GET /api/preferences/slug/{candidate}
func (h *PreferenceHandler) HandleSlugAvailability(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	candidate := chi.URLParam(r, "candidate")
	if err := h.resolver.ValidateSlug(candidate); err != nil {
		writeError(w, h.logger, err)
		return
	}
	taken, err := h.resolver.IsIdentifierTaken(r.Context(), candidate, owner)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, SlugAvailability{Slug: candidate, Available: !taken})
}
