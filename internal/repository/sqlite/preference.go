package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/xid"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

// compile-time check that *DB implements repository.PreferenceRepository
var _ repository.PreferenceRepository = (*DB)(nil)

const preferenceColumns = `id, owner_id, external_id, display_settings, public_display_settings,
	privacy_settings, app_settings, created_at, updated_at`

// sectionColumns maps document sections to their JSON columns. Column names are
// interpolated into SQL, so they only ever come from this table.
var sectionColumns = map[model.Section]string{
	model.SectionDisplay:       "display_settings",
	model.SectionPublicDisplay: "public_display_settings",
	model.SectionPrivacy:       "privacy_settings",
	model.SectionApp:           "app_settings",
}

const slugExpr = `json_extract(privacy_settings, '$.customSlug')`

// emptyPatch is the identity element for json_patch.
const emptyPatch = "{}"

// CreatePreference inserts a new preference document.
func (db *DB) CreatePreference(ctx context.Context, pref *model.Preference) error {
	pref.ID = xid.New().String()
	now := time.Now().UTC()
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = now
	}
	pref.UpdatedAt = now

	docs, err := marshalSections(pref)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO preferences (`+preferenceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pref.ID,
		pref.OwnerID,
		pref.ExternalID,
		docs[model.SectionDisplay],
		docs[model.SectionPublicDisplay],
		docs[model.SectionPrivacy],
		docs[model.SectionApp],
		pref.CreatedAt,
		pref.UpdatedAt,
	)
	if err != nil {
		return apperror.Store("creating preference for owner "+pref.OwnerID, err)
	}
	return nil
}

// GetPreference fetches one document by its own id.
func (db *DB) GetPreference(ctx context.Context, id string) (*model.Preference, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+preferenceColumns+` FROM preferences WHERE id = ?`, id)
	p, err := scanPreference(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("preference", id)
		}
		return nil, apperror.Store("getting preference "+id, err)
	}
	return p, nil
}

// ListPreferences returns every document, oldest first. Reconciliation is the
// only caller; it runs out-of-band so a full scan is acceptable.
func (db *DB) ListPreferences(ctx context.Context) ([]model.Preference, error) {
	return db.queryPreferences(ctx, "listing preferences",
		`SELECT `+preferenceColumns+` FROM preferences ORDER BY created_at, id`)
}

// ListPreferencesByOwner returns all documents for one owner, oldest first.
// More than one result is the duplicate-data condition.
func (db *DB) ListPreferencesByOwner(ctx context.Context, owner model.OwnerID) ([]model.Preference, error) {
	return db.queryPreferences(ctx, "listing preferences for owner "+owner.String(),
		`SELECT `+preferenceColumns+` FROM preferences WHERE `+ownerMatch("owner_id")+` = ? ORDER BY created_at, id`,
		owner.String())
}

// ListPreferencesByExternalID matches the denormalized external id exactly.
func (db *DB) ListPreferencesByExternalID(ctx context.Context, externalID string) ([]model.Preference, error) {
	return db.queryPreferences(ctx, "listing preferences for external id "+externalID,
		`SELECT `+preferenceColumns+` FROM preferences WHERE external_id = ? ORDER BY created_at, id`,
		externalID)
}

// ListPreferencesBySlug matches privacySettings.customSlug exactly (case-sensitive).
func (db *DB) ListPreferencesBySlug(ctx context.Context, slug string) ([]model.Preference, error) {
	return db.queryPreferences(ctx, "listing preferences for slug "+slug,
		`SELECT `+preferenceColumns+` FROM preferences WHERE `+slugExpr+` = ? ORDER BY created_at, id`,
		slug)
}

// PatchPreference merges every section in one UPDATE.
//
// json_patch (RFC 7396) is evaluated against the row's current column value
// inside the statement, so two requests patching different sections can't
// overwrite each other. Sections absent from the patch get "{}", which
// json_patch treats as "no change".
//
// With a SlugGuard the statement also carries the uniqueness predicate. SQLite
// serializes writers, so the check and the write are one atomic step; if it
// matches nothing while the record exists, someone else took the slug between
// the caller's pre-check and now.
func (db *DB) PatchPreference(ctx context.Context, id string, patch repository.PreferencePatch) error {
	args := make([]any, 0, 9)
	for _, section := range model.Sections {
		doc := emptyPatch
		if raw, ok := patch.Sections[section]; ok && len(raw) > 0 {
			doc = string(raw)
		}
		args = append(args, doc)
	}
	args = append(args, time.Now().UTC(), id)

	query := `UPDATE preferences SET
		display_settings        = json_patch(display_settings, ?),
		public_display_settings = json_patch(public_display_settings, ?),
		privacy_settings        = json_patch(privacy_settings, ?),
		app_settings            = json_patch(app_settings, ?),
		updated_at              = ?
		WHERE id = ?`
	if g := patch.SlugGuard; g != nil {
		query += ` AND NOT EXISTS (
			SELECT 1 FROM preferences other
			WHERE other.id <> preferences.id
			  AND json_extract(other.privacy_settings, '$.customSlug') = ?
			  AND `+ownerMatch("other.owner_id")+` <> ?)`
		args = append(args, g.Slug, g.Owner.String())
	}

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return apperror.Store("patching preference "+id, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperror.Store("checking rows affected", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// Nothing matched: either the record is gone or the guard fired.
	if _, err := db.GetPreference(ctx, id); err != nil {
		return err
	}
	if patch.SlugGuard != nil {
		return apperror.SlugTaken(patch.SlugGuard.Slug, true)
	}
	return apperror.NotFound("preference", id)
}

// ReplaceSections overwrites all four sections wholesale (reset, migration).
// id, owner, external id and created_at are not touched.
func (db *DB) ReplaceSections(ctx context.Context, pref *model.Preference) error {
	docs, err := marshalSections(pref)
	if err != nil {
		return err
	}
	pref.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE preferences SET
			display_settings = ?, public_display_settings = ?,
			privacy_settings = ?, app_settings = ?, updated_at = ?
		 WHERE id = ?`,
		docs[model.SectionDisplay],
		docs[model.SectionPublicDisplay],
		docs[model.SectionPrivacy],
		docs[model.SectionApp],
		pref.UpdatedAt,
		pref.ID,
	)
	if err != nil {
		return apperror.Store("replacing preference "+pref.ID, err)
	}
	return expectOneRow(result, "preference", pref.ID)
}

// SetPreferenceOwner re-points a document at another identity.
func (db *DB) SetPreferenceOwner(ctx context.Context, id string, owner model.OwnerID) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE preferences SET owner_id = ?, updated_at = ? WHERE id = ?`,
		owner.String(), time.Now().UTC(), id)
	if err != nil {
		return apperror.Store("setting owner of preference "+id, err)
	}
	return expectOneRow(result, "preference", id)
}

// SetPreferenceExternalID refreshes the denormalized external id.
func (db *DB) SetPreferenceExternalID(ctx context.Context, id, externalID string) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE preferences SET external_id = ?, updated_at = ? WHERE id = ?`,
		externalID, time.Now().UTC(), id)
	if err != nil {
		return apperror.Store("setting external id of preference "+id, err)
	}
	return expectOneRow(result, "preference", id)
}

// DeletePreference removes one document by id.
func (db *DB) DeletePreference(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM preferences WHERE id = ?`, id)
	if err != nil {
		return apperror.Store("deleting preference "+id, err)
	}
	return expectOneRow(result, "preference", id)
}

// ListPreferencesWithField finds every document where jsonPath exists inside
// section. The -> operator returns NULL for a missing path and the JSON text
// (including 'null') for a present one.
func (db *DB) ListPreferencesWithField(ctx context.Context, section model.Section, jsonPath string) ([]repository.FieldValue, error) {
	col, ok := sectionColumns[section]
	if !ok {
		return nil, apperror.ValidationFailed("field", fmt.Sprintf("unknown section %q", section))
	}
	op := fmt.Sprintf("listing preferences with %s %s", section, jsonPath)

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, %[1]s -> ? FROM preferences WHERE %[1]s -> ? IS NOT NULL ORDER BY created_at, id`, col),
		jsonPath, jsonPath)
	if err != nil {
		return nil, apperror.Store(op, err)
	}
	defer rows.Close()

	values := []repository.FieldValue{}
	for rows.Next() {
		var (
			fv  repository.FieldValue
			raw string
		)
		if err := rows.Scan(&fv.PreferenceID, &raw); err != nil {
			return nil, apperror.Store(op, err)
		}
		fv.Value = json.RawMessage(raw)
		values = append(values, fv)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(op, err)
	}
	return values, nil
}

// RewriteField removes fromPath and optionally writes value at toPath, but only
// if fromPath is still present, so a second run finds nothing to do.
func (db *DB) RewriteField(ctx context.Context, id string, section model.Section, fromPath, toPath string, value json.RawMessage) (bool, error) {
	col, ok := sectionColumns[section]
	if !ok {
		return false, apperror.ValidationFailed("field", fmt.Sprintf("unknown section %q", section))
	}

	var (
		query string
		args  []any
	)
	now := time.Now().UTC()
	if value == nil {
		query = fmt.Sprintf(
			`UPDATE preferences SET %[1]s = json_remove(%[1]s, ?), updated_at = ?
			 WHERE id = ? AND %[1]s -> ? IS NOT NULL`, col)
		args = []any{fromPath, now, id, fromPath}
	} else {
		query = fmt.Sprintf(
			`UPDATE preferences SET %[1]s = json_set(json_remove(%[1]s, ?), ?, json(?)), updated_at = ?
			 WHERE id = ? AND %[1]s -> ? IS NOT NULL`, col)
		args = []any{fromPath, toPath, string(value), now, id, fromPath}
	}

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperror.Store(fmt.Sprintf("rewriting %s %s on preference %s", section, fromPath, id), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, apperror.Store("checking rows affected", err)
	}
	return n > 0, nil
}

func (db *DB) queryPreferences(ctx context.Context, op, query string, args ...any) ([]model.Preference, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Store(op, err)
	}
	defer rows.Close()

	prefs := []model.Preference{}
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, apperror.Store(op, err)
		}
		prefs = append(prefs, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(op, err)
	}
	return prefs, nil
}

func scanPreference(row rowScanner) (*model.Preference, error) {
	var (
		p                                   model.Preference
		display, publicDisplay, privacy, app string
	)
	if err := row.Scan(
		&p.ID,
		&p.OwnerID,
		&p.ExternalID,
		&display,
		&publicDisplay,
		&privacy,
		&app,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	// Unknown keys (retired settings not yet migrated) are ignored on read and
	// stay in storage until a migration removes them.
	for _, doc := range []struct {
		section model.Section
		raw     string
		dst     any
	}{
		{model.SectionDisplay, display, &p.DisplaySettings},
		{model.SectionPublicDisplay, publicDisplay, &p.PublicDisplaySettings},
		{model.SectionPrivacy, privacy, &p.PrivacySettings},
		{model.SectionApp, app, &p.AppSettings},
	} {
		if err := json.Unmarshal([]byte(doc.raw), doc.dst); err != nil {
			return nil, fmt.Errorf("decoding %s of preference %s: %w", doc.section, p.ID, err)
		}
	}
	return &p, nil
}

func marshalSections(p *model.Preference) (map[model.Section]string, error) {
	docs := make(map[model.Section]string, len(model.Sections))
	for section, v := range map[model.Section]any{
		model.SectionDisplay:       p.DisplaySettings,
		model.SectionPublicDisplay: p.PublicDisplaySettings,
		model.SectionPrivacy:       p.PrivacySettings,
		model.SectionApp:           p.AppSettings,
	} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("sqlite: encoding %s: %w", section, err)
		}
		docs[section] = string(b)
	}
	return docs, nil
}
