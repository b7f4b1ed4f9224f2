package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/jobs"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/service"
	"github.com/sakif/nowplaying/internal/validation"
)

// ReconcileRunner runs a full scheduled pass on demand. *jobs.Scheduler satisfies it.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) *jobs.RunSummary
}

// AdminHandler exposes reconciliation and field migration to admins. The
// routes sit behind auth.RequireAuth and authz.Enforcer.Authorize.
//
// Reports are always returned in full with 200, even when their "errors" list
// is non-empty: a partial run is still a result the admin needs to see. Only a
// failure before any work started (the initial scan) is an error response.
type AdminHandler struct {
	reconcile *service.ReconcileService
	prefs     *service.PreferenceService
	runner    ReconcileRunner
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(reconcile *service.ReconcileService, prefs *service.PreferenceService, runner ReconcileRunner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{reconcile: reconcile, prefs: prefs, runner: runner, logger: logger}
}

func (h *AdminHandler) audit(r *http.Request, action string, attrs ...any) {
	admin, _ := auth.OwnerIDFromContext(r.Context())
	h.logger.Info("admin action",
		append([]any{slog.String("action", action), slog.String("adminID", admin.String())}, attrs...)...,
	)
}

// HandleListDuplicates lists preference records that share an external id.
//
// HTTP: GET /api/admin/duplicates
func (h *AdminHandler) HandleListDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := h.reconcile.FindDuplicatePreferences(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

// HandleResolveDuplicates scans and collapses every duplicate group.
//
// HTTP: POST /api/admin/duplicates/resolve
func (h *AdminHandler) HandleResolveDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := h.reconcile.FindDuplicatePreferences(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	report, err := h.reconcile.ResolveDuplicates(r.Context(), groups)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.audit(r, "resolve_duplicates",
		slog.Int("groups", len(groups)),
		slog.Int("deleted", report.DeletedCount),
		slog.Int("errors", len(report.Errors)),
	)
	writeJSON(w, http.StatusOK, report)
}

// HandleListOrphans lists orphaned and mislinked records.
//
// HTTP: GET /api/admin/orphans
func (h *AdminHandler) HandleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.reconcile.FindOrphans(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

// HandleRepairLinks re-points mislinked preferences to their account's owner.
// Orphans are only counted.
//
// HTTP: POST /api/admin/orphans/repair
func (h *AdminHandler) HandleRepairLinks(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.reconcile.FindOrphans(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	report, err := h.reconcile.RepairLinks(r.Context(), orphans)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.audit(r, "repair_links",
		slog.Int("fixed", report.Fixed),
		slog.Int("errors", len(report.Errors)),
	)
	writeJSON(w, http.StatusOK, report)
}

// HandlePurgeOrphans deletes orphaned accounts and preferences. This is the
// only route that deletes reconciled data without a duplicate to keep.
//
// HTTP: POST /api/admin/orphans/purge
func (h *AdminHandler) HandlePurgeOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.reconcile.FindOrphans(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	report, err := h.reconcile.PurgeOrphans(r.Context(), orphans)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.audit(r, "purge_orphans",
		slog.Int("deletedAccounts", report.DeletedAccounts),
		slog.Int("deletedPreferences", report.DeletedPreferences),
		slog.Int("errors", len(report.Errors)),
	)
	writeJSON(w, http.StatusOK, report)
}

// HandleSyncExternalIDs rewrites stale denormalized external ids.
//
// HTTP: POST /api/admin/external-ids/sync
func (h *AdminHandler) HandleSyncExternalIDs(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcile.SyncExternalIDs(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.audit(r, "sync_external_ids", slog.Int("fixed", report.Fixed))
	writeJSON(w, http.StatusOK, report)
}

// HandleRunReconcile runs the scheduled pass (repair, dedupe, sync) now.
//
// HTTP: POST /api/admin/reconcile
func (h *AdminHandler) HandleRunReconcile(w http.ResponseWriter, r *http.Request) {
	summary := h.runner.RunOnce(r.Context())
	h.audit(r, "run_reconcile", slog.Int("failedSteps", len(summary.Errors)))
	writeJSON(w, http.StatusOK, summary)
}

// OwnerCheck is the body of a successful owner check.
type OwnerCheck struct {
	OwnerID string `json:"ownerId"`
	OK      bool   `json:"ok"`
}

// HandleCheckOwner answers 409 duplicate_data when the owner has more than
// one preference record.
//
// HTTP: GET /api/admin/owners/{ownerID}/check
func (h *AdminHandler) HandleCheckOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := model.ParseOwnerID(chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, h.logger, apperror.ValidationFailed("ownerID", "not a valid owner id"))
		return
	}
	if err := h.reconcile.CheckOwner(r.Context(), owner); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, OwnerCheck{OwnerID: owner.String(), OK: true})
}

// MigrationRequest names a field and what to do with it.
//
//	{"field": "displaySettings.accentColour", "action": "rename", "to": "displaySettings.accentColor"}
//	{"field": "appSettings.beta", "action": "unset"}
//
// Transforms need code and are only available to Go callers.
type MigrationRequest struct {
	Field  string `json:"field"  validate:"required"`
	Action string `json:"action" validate:"required,oneof=unset rename"`
	To     string `json:"to"     validate:"required_if=Action rename"`
}

// HandleMigrateField applies a field migration to every record that has the field.
//
// HTTP: POST /api/admin/migrations
func (h *AdminHandler) HandleMigrateField(w http.ResponseWriter, r *http.Request) {
	var req MigrationRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := validation.Struct(&req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	action := service.Unset()
	if req.Action == "rename" {
		action = service.Rename(req.To)
	}

	report, err := h.prefs.MigrateField(r.Context(), req.Field, action)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.audit(r, "migrate_field",
		slog.String("field", req.Field),
		slog.String("migration", req.Action),
		slog.Int("migrated", report.MigratedCount),
		slog.Int("errors", len(report.Errors)),
	)
	writeJSON(w, http.StatusOK, report)
}
