package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
	"github.com/sakif/nowplaying/internal/service"
)

// PublicHandler serves the unauthenticated display and overlay pages.
//
// VISIBILITY RULES (both routes):
//   - isPublic=false     → 404, unless the viewer is the owner previewing their own page
//   - hideExternalId=true and the identifier matched the raw external id → 404;
//     the page is then reachable through its custom slug only
//
// A hidden page answers exactly like a missing one so its existence doesn't leak.
type PublicHandler struct {
	resolver *service.ResolverService
	views    repository.ViewRepository
	now      func() time.Time
	logger   *slog.Logger
}

// NewPublicHandler creates a PublicHandler.
func NewPublicHandler(resolver *service.ResolverService, views repository.ViewRepository, logger *slog.Logger) *PublicHandler {
	return &PublicHandler{
		resolver: resolver,
		views:    views,
		now:      time.Now,
		logger:   logger,
	}
}

// PublicPage is the public display payload.
type PublicPage struct {
	Identifier string                      `json:"identifier"`
	MatchedBy  service.MatchedBy           `json:"matchedBy"`
	Slug       string                      `json:"slug,omitempty"`
	ExternalID string                      `json:"externalId,omitempty"`
	Settings   model.PublicDisplaySettings `json:"settings"`
}

// OverlayPage is what the stream overlay needs to render.
type OverlayPage struct {
	Identifier string                `json:"identifier"`
	MatchedBy  service.MatchedBy     `json:"matchedBy"`
	Settings   model.DisplaySettings `json:"settings"`
}

// resolveVisible resolves identifier and applies the visibility rules.
// isOwner is true when the signed-in viewer owns the page.
func (h *PublicHandler) resolveVisible(r *http.Request, identifier string) (*service.Resolution, bool, error) {
	res, err := h.resolver.ResolveIdentifier(r.Context(), identifier)
	if err != nil {
		return nil, false, err
	}

	viewer, signedIn := auth.OwnerIDFromContext(r.Context())
	isOwner := signedIn && viewer.MatchesRaw(res.Preference.OwnerID)
	if isOwner {
		return res, true, nil
	}

	privacy := res.Preference.PrivacySettings
	if !privacy.IsPublic {
		return nil, false, apperror.NotFound("public page", identifier)
	}
	if privacy.HideExternalID && res.MatchedBy == service.MatchExternalID {
		return nil, false, apperror.NotFound("public page", identifier)
	}
	return res, false, nil
}

// HandlePublicPage returns the public display settings and counts the view.
//
// HTTP: GET /api/public/{identifier}
func (h *PublicHandler) HandlePublicPage(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	res, isOwner, err := h.resolveVisible(r, identifier)
	if err != nil {
		h.writePublicError(w, err)
		return
	}

	p := res.Preference
	if !isOwner {
		day := h.now().UTC().Format(time.DateOnly)
		if err := h.views.IncrementViews(r.Context(), p, day); err != nil {
			// A lost view count never fails the page.
			h.logger.Warn("failed to record page view",
				slog.String("preferenceID", p.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	page := PublicPage{
		Identifier: identifier,
		MatchedBy:  res.MatchedBy,
		Slug:       p.Slug(),
		Settings:   p.PublicDisplaySettings,
	}
	if !p.PrivacySettings.HideExternalID {
		page.ExternalID = p.ExternalID
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleOverlay returns the overlay display settings.
//
// HTTP: GET /api/overlay/{identifier}
func (h *PublicHandler) HandleOverlay(w http.ResponseWriter, r *http.Request) {
	identifier := chi.URLParam(r, "identifier")
	res, _, err := h.resolveVisible(r, identifier)
	if err != nil {
		h.writePublicError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OverlayPage{
		Identifier: identifier,
		MatchedBy:  res.MatchedBy,
		Settings:   res.Preference.DisplaySettings,
	})
}

// writePublicError keeps the generic not-found message for every miss.
func (h *PublicHandler) writePublicError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperror.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "no public page with that name",
		})
		return
	}
	writeError(w, h.logger, err)
}
