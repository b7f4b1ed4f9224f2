// Package repository declares the storage contracts the services depend on.
//
// The backing store is treated as a document store: three record kinds
// (identities, accounts, preferences) with no transactions across them and no
// uniqueness guarantee on preference owners or custom slugs. Anything that must
// hold across records is the services' job.
package repository

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/sakif/nowplaying/internal/model"
)

type IdentityRepository interface {
	CreateIdentity(ctx context.Context, identity *model.Identity) error
	GetIdentity(ctx context.Context, id model.OwnerID) (*model.Identity, error)
	UpdateIdentity(ctx context.Context, identity *model.Identity) error
	DeleteIdentity(ctx context.Context, id model.OwnerID) error
	IdentityExists(ctx context.Context, id model.OwnerID) (bool, error)
}

type AccountRepository interface {
	// UpsertAccount inserts or updates by (provider, external id). On update the
	// stored ID, owner and CreatedAt are copied back into account.
	UpsertAccount(ctx context.Context, account *model.Account) error
	GetAccount(ctx context.Context, provider, externalID string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	ListAccountsByOwner(ctx context.Context, owner model.OwnerID) ([]model.Account, error)
	UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error
	// SetAccountOwner re-links an account whose owner no longer exists.
	SetAccountOwner(ctx context.Context, id string, owner model.OwnerID) error
	DeleteAccount(ctx context.Context, id string) error
}

// SlugGuard turns a preference patch into a conditional write: it only applies
// if no record owned by someone other than Owner holds Slug at commit time.
type SlugGuard struct {
	Slug  string
	Owner model.OwnerID
}

// PreferencePatch is an RFC 7396 merge patch per section. Sections not present
// in the map are left untouched; a null member removes that key.
type PreferencePatch struct {
	Sections  map[model.Section]json.RawMessage
	SlugGuard *SlugGuard
}

// FieldValue is one record's raw JSON value at a migrated path.
type FieldValue struct {
	PreferenceID string
	Value        json.RawMessage
}

type PreferenceRepository interface {
	// CreatePreference assigns ID and timestamps (CreatedAt is kept if already set).
	CreatePreference(ctx context.Context, pref *model.Preference) error
	GetPreference(ctx context.Context, id string) (*model.Preference, error)
	ListPreferences(ctx context.Context) ([]model.Preference, error)
	ListPreferencesByOwner(ctx context.Context, owner model.OwnerID) ([]model.Preference, error)
	ListPreferencesByExternalID(ctx context.Context, externalID string) ([]model.Preference, error)
	ListPreferencesBySlug(ctx context.Context, slug string) ([]model.Preference, error)

	// PatchPreference applies patch in a single statement. A failed SlugGuard
	// returns a retryable apperror conflict.
	PatchPreference(ctx context.Context, id string, patch PreferencePatch) error
	// ReplaceSections overwrites all four sections with pref's values.
	ReplaceSections(ctx context.Context, pref *model.Preference) error
	SetPreferenceOwner(ctx context.Context, id string, owner model.OwnerID) error
	SetPreferenceExternalID(ctx context.Context, id, externalID string) error
	DeletePreference(ctx context.Context, id string) error

	// ListPreferencesWithField returns every record where jsonPath exists in section.
	ListPreferencesWithField(ctx context.Context, section model.Section, jsonPath string) ([]FieldValue, error)
	// RewriteField removes fromPath and, when value is non-nil, writes value at
	// toPath. Records that no longer have fromPath are left alone (0 rows is not an error).
	RewriteField(ctx context.Context, id string, section model.Section, fromPath, toPath string, value json.RawMessage) (bool, error)
}

// ViewRepository holds the per-page view counters shown on the dashboard.
type ViewRepository interface {
	IncrementViews(ctx context.Context, pref *model.Preference, day string) error
	CountViews(ctx context.Context, preferenceID string) (int64, error)
	DeleteViewsByOwner(ctx context.Context, owner model.OwnerID) (int64, error)
}

// Store is everything the reconciliation engine touches.
type Store interface {
	IdentityRepository
	AccountRepository
	PreferenceRepository
}
