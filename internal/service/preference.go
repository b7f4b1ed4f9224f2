// Package service holds the business rules between the HTTP handlers and the store.
//
//	Handler (HTTP) → PreferenceService ─→ PreferenceRepository
//	                      └→ ResolverService (slugs)
//	Admin / cron  → ReconcileService  ─→ Store
//	Auth callback → IdentityService   ─→ Store, TokenService
//
// Services never read HTTP requests or set cookies, and every store handle is
// injected through a constructor so tests can hand in an in-memory database.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/metrics"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
	"github.com/sakif/nowplaying/internal/validation"
)

// PreferencePatch is a partial document keyed by section name, exactly as the
// client sends it: {"displaySettings": {"style": "neon"}}.
type PreferencePatch map[string]json.RawMessage

// Typed views of a section patch. Pointers distinguish "absent" from "zero";
// the validate tags hold the value rules for each key.
type displayPatch struct {
	ShowCurrentTrack  *bool   `json:"showCurrentTrack"`
	ShowProgressBar   *bool   `json:"showProgressBar"`
	ShowAlbumArt      *bool   `json:"showAlbumArt"`
	ShowRecentTracks  *bool   `json:"showRecentTracks"`
	RecentTracksCount *int    `json:"recentTracksCount" validate:"omitnil,min=1,max=50"`
	Style             *string `json:"style"             validate:"omitnil,min=1,max=64"`
	CustomCSS         *string `json:"customCss"         validate:"omitnil,max=10000"`
	BackgroundImage   *string `json:"backgroundImage"   validate:"omitnil,max=2048,image_url"`
	FixedPosition     *string `json:"fixedPosition"     validate:"omitnil,oneof=none top-left top-right bottom-left bottom-right"`
}

type publicDisplayPatch struct {
	ShowCurrentTrack  *bool `json:"showCurrentTrack"`
	ShowRecentTracks  *bool `json:"showRecentTracks"`
	RecentTracksCount *int  `json:"recentTracksCount" validate:"omitnil,min=1,max=50"`
	ShowProfile       *bool `json:"showProfile"`
	ShowTopArtists    *bool `json:"showTopArtists"`
}

type privacyPatch struct {
	IsPublic       *bool   `json:"isPublic"`
	CustomSlug     *string `json:"customSlug"`
	HideExternalID *bool   `json:"hideExternalId"`
}

type appPatch struct {
	Theme *string `json:"theme" validate:"omitnil,oneof=system light dark"`
}

// sectionKeys is the exact-key allowlist per section. The stored documents are
// merged with json_patch, so anything that gets past this check is persisted.
var sectionKeys = map[model.Section]map[string]bool{
	model.SectionDisplay: keySet("showCurrentTrack", "showProgressBar", "showAlbumArt",
		"showRecentTracks", "recentTracksCount", "style", "customCss", "backgroundImage", "fixedPosition"),
	model.SectionPublicDisplay: keySet("showCurrentTrack", "showRecentTracks", "recentTracksCount",
		"showProfile", "showTopArtists"),
	model.SectionPrivacy: keySet("isPublic", "customSlug", "hideExternalId"),
	model.SectionApp:     keySet("theme"),
}

// nullable keys may be sent as null to remove them.
var nullable = map[string]bool{"privacySettings.customSlug": true}

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

// PreferenceService is the only writer of preference documents.
type PreferenceService struct {
	prefs    repository.PreferenceRepository
	resolver *ResolverService
	logger   *slog.Logger
}

// NewPreferenceService creates a PreferenceService.
func NewPreferenceService(prefs repository.PreferenceRepository, resolver *ResolverService, logger *slog.Logger) *PreferenceService {
	return &PreferenceService{
		prefs:    prefs,
		resolver: resolver,
		logger:   logger,
	}
}

// GetOrCreate returns the owner's document, creating the default one first if
// there is none.
//
// If reconciliation hasn't caught up and the owner has several documents, the
// oldest is returned and the duplicate is logged for the admin report; the user
// never sees the error.
func (s *PreferenceService) GetOrCreate(ctx context.Context, owner model.OwnerID, externalID string) (*model.Preference, error) {
	if owner.IsZero() {
		return nil, apperror.ValidationFailed("ownerId", "owner id must not be empty")
	}

	existing, err := s.prefs.ListPreferencesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("service/preference: loading preferences for %s: %w", owner, err)
	}
	if len(existing) > 1 {
		dup := apperror.DuplicateData(owner.String(), len(existing))
		s.logger.Warn("duplicate preference records",
			slog.String("ownerID", owner.String()),
			slog.Int("count", len(existing)),
			slog.String("error", dup.Error()),
		)
	}
	if p := oldest(existing); p != nil {
		if p.ExternalID == "" && externalID != "" {
			if err := s.prefs.SetPreferenceExternalID(ctx, p.ID, externalID); err != nil {
				return nil, fmt.Errorf("service/preference: backfilling external id on %s: %w", p.ID, err)
			}
			p.ExternalID = externalID
		}
		return p, nil
	}

	p := model.DefaultPreference(owner, externalID)
	if err := s.prefs.CreatePreference(ctx, p); err != nil {
		return nil, fmt.Errorf("service/preference: creating default preferences for %s: %w", owner, err)
	}
	s.logger.Info("default preferences created",
		slog.String("ownerID", owner.String()),
		slog.String("preferenceID", p.ID),
	)
	return p, nil
}

// Get returns the owner's document (the oldest, if duplicated) or NotFound.
func (s *PreferenceService) Get(ctx context.Context, owner model.OwnerID) (*model.Preference, error) {
	existing, err := s.prefs.ListPreferencesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("service/preference: loading preferences for %s: %w", owner, err)
	}
	p := oldest(existing)
	if p == nil {
		return nil, apperror.NotFound("preferences for owner", owner.String())
	}
	return p, nil
}

// Update merges patch into the owner's document, one section at a time.
//
// Every key is checked before anything is written: unknown sections or keys,
// wrong types, out-of-range values, a malformed slug or a slug another owner
// holds all reject the whole update. The merge itself is a single store call,
// so an update is either fully applied or not at all.
func (s *PreferenceService) Update(ctx context.Context, owner model.OwnerID, patch PreferencePatch) (p *model.Preference, err error) {
	defer func() { metrics.RecordPreferenceUpdate(err) }()

	sections, slug, err := s.checkPatch(patch)
	if err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, owner)
	if err != nil {
		return nil, err
	}

	var guard *repository.SlugGuard
	if slug != nil {
		taken, err := s.resolver.IsIdentifierTaken(ctx, *slug, owner)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperror.SlugTaken(*slug, false)
		}
		guard = &repository.SlugGuard{Slug: *slug, Owner: owner}
	}

	if err := s.prefs.PatchPreference(ctx, current.ID, repository.PreferencePatch{
		Sections:  sections,
		SlugGuard: guard,
	}); err != nil {
		return nil, fmt.Errorf("service/preference: updating %s: %w", current.ID, err)
	}

	s.logger.Info("preferences updated",
		slog.String("ownerID", owner.String()),
		slog.String("preferenceID", current.ID),
		slog.Int("sections", len(sections)),
	)
	return s.prefs.GetPreference(ctx, current.ID)
}

// checkPatch validates patch and returns the canonical per-section merge
// documents plus the slug being set, if any.
func (s *PreferenceService) checkPatch(patch PreferencePatch) (map[model.Section]json.RawMessage, *string, error) {
	if len(patch) == 0 {
		return nil, nil, apperror.ValidationFailed("", "update must contain at least one section")
	}

	sections := make(map[model.Section]json.RawMessage, len(patch))
	var slug *string

	for name, raw := range patch {
		section := model.Section(name)
		allowed, ok := sectionKeys[section]
		if !ok {
			return nil, nil, apperror.ValidationFailed(name, fmt.Sprintf("unknown section %q", name))
		}

		var keys map[string]json.RawMessage
		if err := json.Unmarshal(raw, &keys); err != nil || keys == nil {
			return nil, nil, apperror.ValidationFailed(name, name+" must be an object")
		}
		for key, value := range keys {
			field := name + "." + key
			if !allowed[key] {
				return nil, nil, apperror.ValidationFailed(field, fmt.Sprintf("unknown setting %q", field))
			}
			if isNull(value) && !nullable[field] {
				return nil, nil, apperror.ValidationFailed(field, field+" cannot be null")
			}
		}

		target := sectionPatchFor(section)
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, nil, apperror.ValidationFailed(name, fmt.Sprintf("%s has a value of the wrong type", name))
		}
		if err := validation.Struct(target); err != nil {
			var appErr *apperror.AppError
			if errors.As(err, &appErr) && appErr.Field != "" {
				appErr.Field = name + "." + appErr.Field
			}
			return nil, nil, err
		}

		if pp, ok := target.(*privacyPatch); ok && pp.CustomSlug != nil {
			// Cheap format check before any lookup.
			if err := ValidateSlug(*pp.CustomSlug); err != nil {
				return nil, nil, err
			}
			slug = pp.CustomSlug
		}

		canonical, err := json.Marshal(keys)
		if err != nil {
			return nil, nil, fmt.Errorf("service/preference: encoding %s: %w", name, err)
		}
		sections[section] = canonical
	}
	return sections, slug, nil
}

func sectionPatchFor(section model.Section) any {
	switch section {
	case model.SectionDisplay:
		return &displayPatch{}
	case model.SectionPublicDisplay:
		return &publicDisplayPatch{}
	case model.SectionPrivacy:
		return &privacyPatch{}
	default:
		return &appPatch{}
	}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// ResetToDefaults puts every section back to its default in place. The id,
// owner, external id and creation time are identity fields and are kept. The
// custom slug is part of privacySettings, so it is released too.
func (s *PreferenceService) ResetToDefaults(ctx context.Context, owner model.OwnerID) (*model.Preference, error) {
	p, err := s.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	p.ApplyDefaults()
	if err := s.prefs.ReplaceSections(ctx, p); err != nil {
		return nil, fmt.Errorf("service/preference: resetting %s: %w", p.ID, err)
	}
	s.logger.Info("preferences reset to defaults",
		slog.String("ownerID", owner.String()),
		slog.String("preferenceID", p.ID),
	)
	return p, nil
}

// AssignGeneratedSlug gives the owner a random slug. A late collision (someone
// else took the same value between generation and write) gets one retry with a
// fresh value.
func (s *PreferenceService) AssignGeneratedSlug(ctx context.Context, owner model.OwnerID) (*model.Preference, error) {
	current, err := s.Get(ctx, owner)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		slug, err := s.resolver.GenerateUniqueSlug(ctx)
		if err != nil {
			return nil, err
		}
		doc, err := json.Marshal(map[string]string{"customSlug": slug})
		if err != nil {
			return nil, fmt.Errorf("service/preference: encoding slug: %w", err)
		}

		err = s.prefs.PatchPreference(ctx, current.ID, repository.PreferencePatch{
			Sections:  map[model.Section]json.RawMessage{model.SectionPrivacy: doc},
			SlugGuard: &repository.SlugGuard{Slug: slug, Owner: owner},
		})
		if err == nil {
			s.logger.Info("generated slug assigned",
				slog.String("ownerID", owner.String()),
				slog.String("slug", slug),
			)
			return s.prefs.GetPreference(ctx, current.ID)
		}
		if attempt == 0 && apperror.IsRetryable(err) {
			continue
		}
		return nil, fmt.Errorf("service/preference: assigning slug to %s: %w", current.ID, err)
	}
}

// =========================================================================
// FIELD MIGRATION
// =========================================================================

type fieldActionKind int

const (
	actionUnset fieldActionKind = iota + 1
	actionRename
	actionTransform
)

// FieldAction is what MigrateField does to each record that has the field.
type FieldAction struct {
	kind fieldActionKind
	to   string
	fn   func(json.RawMessage) (json.RawMessage, error)
}

// Unset removes the field.
func Unset() FieldAction { return FieldAction{kind: actionUnset} }

// Rename moves the value to another key path in the same section. to is a
// full field path ("displaySettings.accentColor").
func Rename(to string) FieldAction { return FieldAction{kind: actionRename, to: to} }

// Transform replaces the value with fn(value). A nil result removes the field.
// fn must be idempotent: records that fn leaves unchanged are not counted.
func Transform(fn func(json.RawMessage) (json.RawMessage, error)) FieldAction {
	return FieldAction{kind: actionTransform, fn: fn}
}

// MigrationReport is the outcome of MigrateField.
type MigrationReport struct {
	Field         string   `json:"field"`
	MigratedCount int      `json:"migratedCount"`
	Errors        []string `json:"errors"`
}

var fieldKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type fieldPath struct {
	section model.Section
	json    string // "$.a.b"
}

func parseFieldPath(path string) (fieldPath, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return fieldPath{}, apperror.ValidationFailed("field", fmt.Sprintf("field %q must be <section>.<key>", path))
	}
	section := model.Section(parts[0])
	if !section.Valid() {
		return fieldPath{}, apperror.ValidationFailed("field", fmt.Sprintf("unknown section %q", parts[0]))
	}
	for _, key := range parts[1:] {
		if !fieldKeyPattern.MatchString(key) {
			return fieldPath{}, apperror.ValidationFailed("field", fmt.Sprintf("invalid key %q in %q", key, path))
		}
	}
	return fieldPath{section: section, json: "$." + strings.Join(parts[1:], ".")}, nil
}

// MigrateField finds every record that currently has field and applies action.
//
// Records that no longer have the field are never touched, so running the same
// migration twice reports zero the second time. Per-record failures are
// collected and the loop carries on.
func (s *PreferenceService) MigrateField(ctx context.Context, field string, action FieldAction) (*MigrationReport, error) {
	from, err := parseFieldPath(field)
	if err != nil {
		return nil, err
	}

	to := from
	switch action.kind {
	case actionUnset:
	case actionRename:
		if to, err = parseFieldPath(action.to); err != nil {
			return nil, err
		}
		if to.section != from.section {
			return nil, apperror.ValidationFailed("to", "rename must stay within one section")
		}
		if to.json == from.json {
			return nil, apperror.ValidationFailed("to", "rename target equals the source field")
		}
	case actionTransform:
		if action.fn == nil {
			return nil, apperror.ValidationFailed("action", "transform needs a function")
		}
	default:
		return nil, apperror.ValidationFailed("action", "unknown migration action")
	}

	found, err := s.prefs.ListPreferencesWithField(ctx, from.section, from.json)
	if err != nil {
		return nil, fmt.Errorf("service/preference: finding records with %s: %w", field, err)
	}

	report := &MigrationReport{Field: field, Errors: []string{}}
	for _, fv := range found {
		var value json.RawMessage
		switch action.kind {
		case actionRename:
			value = fv.Value
		case actionTransform:
			next, err := action.fn(fv.Value)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("preference %s: transform: %v", fv.PreferenceID, err))
				continue
			}
			if next != nil && jsonEqual(next, fv.Value) {
				continue
			}
			value = next
		}

		changed, err := s.prefs.RewriteField(ctx, fv.PreferenceID, from.section, from.json, to.json, value)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", fv.PreferenceID, err))
			continue
		}
		if changed {
			report.MigratedCount++
		}
	}

	metrics.RecordReconcile("migrate", 0, 0, len(report.Errors))
	s.logger.Info("field migration finished",
		slog.String("field", field),
		slog.Int("migrated", report.MigratedCount),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func jsonEqual(a, b json.RawMessage) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	ca, err1 := json.Marshal(x)
	cb, err2 := json.Marshal(y)
	return err1 == nil && err2 == nil && bytes.Equal(ca, cb)
}
