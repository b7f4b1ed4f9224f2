package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

// =========================================================================
// CREATE / GET
// =========================================================================

func TestCreatePreference_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	owner := model.NewOwnerID()

	p := model.DefaultPreference(owner, "spotify-user")
	p.PrivacySettings.CustomSlug = strPtr("dj-night")
	require.NoError(t, db.CreatePreference(ctx, p))
	require.NotEmpty(t, p.ID)
	require.False(t, p.CreatedAt.IsZero())

	got, err := db.GetPreference(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, owner.String(), got.OwnerID)
	assert.Equal(t, "spotify-user", got.ExternalID)
	assert.Equal(t, model.DefaultDisplaySettings(), got.DisplaySettings)
	assert.Equal(t, model.DefaultPublicDisplaySettings(), got.PublicDisplaySettings)
	assert.True(t, got.PrivacySettings.IsPublic)
	assert.Equal(t, "dj-night", got.Slug())
	assert.Equal(t, model.DefaultTheme, got.AppSettings.Theme)
}

func TestCreatePreference_KeepsPresetCreatedAt(t *testing.T) {
	db := newTestDB(t)
	p := createTestPreference(t, db, model.NewOwnerID().String(), "x", t0)

	got, err := db.GetPreference(context.Background(), p.ID)
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(t0), "got %v", got.CreatedAt)
}

func TestGetPreference_NotFound(t *testing.T) {
	_, err := newTestDB(t).GetPreference(context.Background(), "missing")
	require.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// LISTS
// =========================================================================

func TestListPreferences_OrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	owner := model.NewOwnerID().String()

	newest := createTestPreference(t, db, owner, "ext", t2)
	oldest := createTestPreference(t, db, owner, "ext", t0)
	middle := createTestPreference(t, db, owner, "ext", t1)

	all, err := db.ListPreferences(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{oldest.ID, middle.ID, newest.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestListPreferencesByOwner_TrimsStoredOwner(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	owner := model.NewOwnerID()

	createTestPreference(t, db, owner.String(), "a", t0)
	createTestPreference(t, db, "  "+owner.String()+" ", "a", t1)
	createTestPreference(t, db, owner.String()+"\n", "a", t1)
	createTestPreference(t, db, "\t"+owner.String()+"\r\n", "a", t1)
	createTestPreference(t, db, model.NewOwnerID().String(), "b", t0)

	prefs, err := db.ListPreferencesByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, prefs, 4)
	for _, p := range prefs {
		assert.True(t, owner.MatchesRaw(p.OwnerID), "%q", p.OwnerID)
	}
}

func TestListPreferencesByExternalIDAndSlug(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	p := model.DefaultPreference(model.NewOwnerID(), "ext-1")
	p.PrivacySettings.CustomSlug = strPtr("MyPage")
	require.NoError(t, db.CreatePreference(ctx, p))
	createTestPreference(t, db, model.NewOwnerID().String(), "ext-2", t0)

	byExt, err := db.ListPreferencesByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	require.Len(t, byExt, 1)
	assert.Equal(t, p.ID, byExt[0].ID)

	bySlug, err := db.ListPreferencesBySlug(ctx, "MyPage")
	require.NoError(t, err)
	require.Len(t, bySlug, 1)

	// Slug matching is case-sensitive.
	bySlug, err = db.ListPreferencesBySlug(ctx, "mypage")
	require.NoError(t, err)
	assert.Empty(t, bySlug)
}

// =========================================================================
// PATCH
// =========================================================================

func TestPatchPreference_MergesOnlyNamedKeys(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := createTestPreference(t, db, model.NewOwnerID().String(), "ext", t0)

	err := db.PatchPreference(ctx, p.ID, repository.PreferencePatch{
		Sections: map[model.Section]json.RawMessage{
			model.SectionDisplay: json.RawMessage(`{"style":"neon"}`),
		},
	})
	require.NoError(t, err)

	got, err := db.GetPreference(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "neon", got.DisplaySettings.Style)
	assert.True(t, got.DisplaySettings.ShowAlbumArt, "sibling keys must survive")
	assert.Equal(t, model.DefaultPublicDisplaySettings(), got.PublicDisplaySettings)
}

// Two writers patching different sections from stale reads must both land.
func TestPatchPreference_ConcurrentSectionsDoNotClobber(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := createTestPreference(t, db, model.NewOwnerID().String(), "ext", t0)

	require.NoError(t, db.PatchPreference(ctx, p.ID, repository.PreferencePatch{
		Sections: map[model.Section]json.RawMessage{model.SectionApp: json.RawMessage(`{"theme":"dark"}`)},
	}))
	require.NoError(t, db.PatchPreference(ctx, p.ID, repository.PreferencePatch{
		Sections: map[model.Section]json.RawMessage{model.SectionPrivacy: json.RawMessage(`{"isPublic":false}`)},
	}))

	got, err := db.GetPreference(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "dark", got.AppSettings.Theme)
	assert.False(t, got.PrivacySettings.IsPublic)
}

func TestPatchPreference_NullClearsSlug(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := model.DefaultPreference(model.NewOwnerID(), "ext")
	p.PrivacySettings.CustomSlug = strPtr("going-away")
	require.NoError(t, db.CreatePreference(ctx, p))

	require.NoError(t, db.PatchPreference(ctx, p.ID, repository.PreferencePatch{
		Sections: map[model.Section]json.RawMessage{model.SectionPrivacy: json.RawMessage(`{"customSlug":null}`)},
	}))

	got, err := db.GetPreference(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PrivacySettings.CustomSlug)

	bySlug, err := db.ListPreferencesBySlug(ctx, "going-away")
	require.NoError(t, err)
	assert.Empty(t, bySlug)
}

func TestPatchPreference_SlugGuard(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	alice := model.NewOwnerID()
	bob := model.NewOwnerID()

	held := model.DefaultPreference(alice, "alice-ext")
	held.PrivacySettings.CustomSlug = strPtr("party")
	require.NoError(t, db.CreatePreference(ctx, held))
	bobs := createTestPreference(t, db, bob.String(), "bob-ext", t0)

	claim := func(owner model.OwnerID, id string) error {
		return db.PatchPreference(ctx, id, repository.PreferencePatch{
			Sections:  map[model.Section]json.RawMessage{model.SectionPrivacy: json.RawMessage(`{"customSlug":"party"}`)},
			SlugGuard: &repository.SlugGuard{Slug: "party", Owner: owner},
		})
	}

	t.Run("another owner holds it", func(t *testing.T) {
		err := claim(bob, bobs.ID)
		require.ErrorIs(t, err, apperror.ErrConflict)
		assert.True(t, apperror.IsRetryable(err))

		got, err := db.GetPreference(ctx, bobs.ID)
		require.NoError(t, err)
		assert.False(t, got.HasSlug(), "guarded write must not apply")
	})

	t.Run("same owner may rewrite it", func(t *testing.T) {
		require.NoError(t, claim(alice, held.ID))
	})

	t.Run("missing record is not found", func(t *testing.T) {
		require.ErrorIs(t, claim(bob, "missing"), apperror.ErrNotFound)
	})
}

func TestPatchPreference_NotFound(t *testing.T) {
	err := newTestDB(t).PatchPreference(context.Background(), "missing", repository.PreferencePatch{})
	require.ErrorIs(t, err, apperror.ErrNotFound)
}

// =========================================================================
// REPLACE / RELINK / DELETE
// =========================================================================

func TestReplaceSections_ResetsEverything(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := model.DefaultPreference(model.NewOwnerID(), "ext")
	p.DisplaySettings.Style = "neon"
	p.PrivacySettings.CustomSlug = strPtr("slug")
	require.NoError(t, db.CreatePreference(ctx, p))

	p.ApplyDefaults()
	require.NoError(t, db.ReplaceSections(ctx, p))

	got, err := db.GetPreference(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultStyle, got.DisplaySettings.Style)
	assert.False(t, got.HasSlug())
	assert.Equal(t, p.OwnerID, got.OwnerID)
}

func TestSetPreferenceOwnerAndExternalID(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := createTestPreference(t, db, "stale-owner", "old", t0)
	owner := model.NewOwnerID()

	require.NoError(t, db.SetPreferenceOwner(ctx, p.ID, owner))
	require.NoError(t, db.SetPreferenceExternalID(ctx, p.ID, "new"))

	got, err := db.GetPreference(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, owner.String(), got.OwnerID)
	assert.Equal(t, "new", got.ExternalID)

	require.ErrorIs(t, db.SetPreferenceOwner(ctx, "missing", owner), apperror.ErrNotFound)
	require.ErrorIs(t, db.SetPreferenceExternalID(ctx, "missing", "x"), apperror.ErrNotFound)
}

func TestDeletePreference(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := createTestPreference(t, db, model.NewOwnerID().String(), "ext", t0)

	require.NoError(t, db.DeletePreference(ctx, p.ID))
	require.ErrorIs(t, db.DeletePreference(ctx, p.ID), apperror.ErrNotFound)
}

// =========================================================================
// FIELD MIGRATION
// =========================================================================

func TestRewriteField_RenameIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := createTestPreference(t, db, model.NewOwnerID().String(), "ext", t0)
	other := createTestPreference(t, db, model.NewOwnerID().String(), "ext2", t1)

	require.NoError(t, db.PatchPreference(ctx, p.ID, repository.PreferencePatch{
		Sections: map[model.Section]json.RawMessage{model.SectionDisplay: json.RawMessage(`{"legacyColor":"red"}`)},
	}))

	found, err := db.ListPreferencesWithField(ctx, model.SectionDisplay, "$.legacyColor")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, p.ID, found[0].PreferenceID)
	assert.JSONEq(t, `"red"`, string(found[0].Value))

	changed, err := db.RewriteField(ctx, p.ID, model.SectionDisplay, "$.legacyColor", "$.accentColor", found[0].Value)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = db.RewriteField(ctx, p.ID, model.SectionDisplay, "$.legacyColor", "$.accentColor", found[0].Value)
	require.NoError(t, err)
	assert.False(t, changed, "second run finds nothing to do")

	changed, err = db.RewriteField(ctx, other.ID, model.SectionDisplay, "$.legacyColor", "", nil)
	require.NoError(t, err)
	assert.False(t, changed)

	var doc string
	require.NoError(t, db.conn.QueryRow(`SELECT display_settings FROM preferences WHERE id = ?`, p.ID).Scan(&doc))
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	assert.NotContains(t, m, "legacyColor")
	assert.Equal(t, "red", m["accentColor"])
}

func TestRewriteField_Unset(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	p := createTestPreference(t, db, model.NewOwnerID().String(), "ext", t0)

	changed, err := db.RewriteField(ctx, p.ID, model.SectionPublicDisplay, "$.showTopArtists", "", nil)
	require.NoError(t, err)
	assert.True(t, changed)

	found, err := db.ListPreferencesWithField(ctx, model.SectionPublicDisplay, "$.showTopArtists")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestListPreferencesWithField_UnknownSection(t *testing.T) {
	_, err := newTestDB(t).ListPreferencesWithField(context.Background(), model.Section("nope"), "$.x")
	require.ErrorIs(t, err, apperror.ErrValidation)
}

// =========================================================================
// VIEWS
// =========================================================================

func TestViews_IncrementCountDelete(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	owner := model.NewOwnerID()
	p := createTestPreference(t, db, owner.String(), "ext", t0)
	legacy := createTestPreference(t, db, owner.String()+"\n", "ext-legacy", t1)

	require.NoError(t, db.IncrementViews(ctx, p, "2024-03-01"))
	require.NoError(t, db.IncrementViews(ctx, p, "2024-03-01"))
	require.NoError(t, db.IncrementViews(ctx, p, "2024-03-02"))
	require.NoError(t, db.IncrementViews(ctx, legacy, "2024-03-02"))

	n, err := db.CountViews(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	deleted, err := db.DeleteViewsByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted, "rows under a padded owner belong to the same owner")

	n, err = db.CountViews(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
