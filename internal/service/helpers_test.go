package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
	"github.com/sakif/nowplaying/internal/repository/sqlite"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================
//
// Services run against a real in-memory SQLite store: the interesting
// behaviour (json_patch merges, the slug guard) lives in SQL, so a map-based
// fake would test the fake. faultyStore wraps it to inject failures.

var errDiskFull = errors.New("disk full")

// faultyStore is repository.Store plus error injection.
//   - failDelete: DeletePreference fails for these preference ids
//   - failPatch:  PatchPreference fails for these preference ids
//   - failList:   ListPreferencesByExternalID fails for these external ids
//   - beforePatch runs before each PatchPreference; tests use it to simulate
//     another request winning a race
//   - beforeUpsert does the same for UpsertAccount
type faultyStore struct {
	*sqlite.DB
	failDelete   map[string]error
	failPatch    map[string]error
	failList     map[string]error
	failRewrite  map[string]error
	beforePatch  func(id string)
	beforeUpsert func(a *model.Account)
}

func (f *faultyStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	if hook := f.beforeUpsert; hook != nil {
		f.beforeUpsert = nil
		hook(a)
	}
	return f.DB.UpsertAccount(ctx, a)
}

func (f *faultyStore) DeletePreference(ctx context.Context, id string) error {
	if err := f.failDelete[id]; err != nil {
		return err
	}
	return f.DB.DeletePreference(ctx, id)
}

func (f *faultyStore) PatchPreference(ctx context.Context, id string, patch repository.PreferencePatch) error {
	if f.beforePatch != nil {
		f.beforePatch(id)
	}
	if err := f.failPatch[id]; err != nil {
		return err
	}
	return f.DB.PatchPreference(ctx, id, patch)
}

func (f *faultyStore) ListPreferencesByExternalID(ctx context.Context, externalID string) ([]model.Preference, error) {
	if err := f.failList[externalID]; err != nil {
		return nil, err
	}
	return f.DB.ListPreferencesByExternalID(ctx, externalID)
}

func (f *faultyStore) RewriteField(ctx context.Context, id string, section model.Section, from, to string, value json.RawMessage) (bool, error) {
	if err := f.failRewrite[id]; err != nil {
		return false, err
	}
	return f.DB.RewriteField(ctx, id, section, from, to, value)
}

func newTestStore(t *testing.T) *faultyStore {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &faultyStore{
		DB:          db,
		failDelete:  map[string]error{},
		failPatch:   map[string]error{},
		failList:    map[string]error{},
		failRewrite: map[string]error{},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var base = time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC)

// at returns base + n minutes; records created "at(0)" are oldest.
func at(n int) time.Time { return base.Add(time.Duration(n) * time.Minute) }

func strPtr(s string) *string { return &s }

func seedIdentity(t *testing.T, store *faultyStore) model.OwnerID {
	t.Helper()
	ident := &model.Identity{DisplayName: "listener", Active: true}
	require.NoError(t, store.CreateIdentity(context.Background(), ident))
	return ident.ID
}

func seedAccount(t *testing.T, store *faultyStore, owner, externalID string) *model.Account {
	t.Helper()
	a := &model.Account{OwnerID: owner, Provider: model.ProviderSpotify, ExternalID: externalID}
	require.NoError(t, store.UpsertAccount(context.Background(), a))
	return a
}

// seedPref inserts a default preference with a raw owner reference, so tests
// can plant stale or malformed owners.
func seedPref(t *testing.T, store *faultyStore, owner, externalID, slug string, createdAt time.Time) *model.Preference {
	t.Helper()
	p := &model.Preference{OwnerID: owner, ExternalID: externalID, CreatedAt: createdAt}
	p.ApplyDefaults()
	if slug != "" {
		p.PrivacySettings.CustomSlug = strPtr(slug)
	}
	require.NoError(t, store.CreatePreference(context.Background(), p))
	return p
}

func prefsFor(t *testing.T, store *faultyStore, externalID string) []model.Preference {
	t.Helper()
	prefs, err := store.ListPreferencesByExternalID(context.Background(), externalID)
	require.NoError(t, err)
	return prefs
}

func storeErr(op string) error { return apperror.Store(op, errDiskFull) }

// fixedReader yields the same bytes forever, so every generated slug is equal.
type fixedReader byte

func (r fixedReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(r)
	}
	return len(p), nil
}
