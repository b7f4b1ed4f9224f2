package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/goccy/go-json"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/metrics"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

// DuplicateGroup is a set of preference records sharing one external id,
// oldest first.
type DuplicateGroup struct {
	ExternalID string             `json:"externalId"`
	Records    []model.Preference `json:"records"`
}

// DedupReport is the outcome of ResolveDuplicates.
type DedupReport struct {
	Kept         []model.Preference `json:"kept"`
	DeletedCount int                `json:"deletedCount"`
	Errors       []string           `json:"errors"`
}

// Mislink is an account whose external id also appears on preference records
// owned by someone else.
type Mislink struct {
	Account     model.Account      `json:"account"`
	Preferences []model.Preference `json:"preferences"`
}

// OrphanReport lists records whose owner reference is broken, plus live
// records whose owner reference is padded and not stored in canonical form.
type OrphanReport struct {
	OrphanedAccounts    []model.Account    `json:"orphanedAccounts"`
	OrphanedPreferences []model.Preference `json:"orphanedPreferences"`
	MislinkedAccounts   []Mislink          `json:"mislinkedAccounts"`
	DriftedAccounts     []model.Account    `json:"driftedAccounts"`
	DriftedPreferences  []model.Preference `json:"driftedPreferences"`
}

// RepairReport is the outcome of RepairLinks and SyncExternalIDs.
type RepairReport struct {
	Fixed                    int      `json:"fixed"`
	UnrecoverableAccounts    int      `json:"unrecoverableAccounts"`
	UnrecoverablePreferences int      `json:"unrecoverablePreferences"`
	Errors                   []string `json:"errors"`
}

// PurgeReport is the outcome of PurgeOrphans.
type PurgeReport struct {
	DeletedAccounts    int      `json:"deletedAccounts"`
	DeletedPreferences int      `json:"deletedPreferences"`
	Skipped            int      `json:"skipped"`
	Errors             []string `json:"errors"`
}

// ReconcileService finds and repairs inconsistent identity data: several
// preference records for one external account, records pointing at identities
// that no longer exist, and preferences linked to a different owner than the
// account that actually signs in.
//
// Every operation works one record at a time, re-reads what it is about to
// change, and collects per-record failures instead of stopping. Running any of
// them twice in a row makes no changes the second time. Identities are never
// deleted here.
type ReconcileService struct {
	store  repository.Store
	logger *slog.Logger
}

// NewReconcileService creates a ReconcileService.
func NewReconcileService(store repository.Store, logger *slog.Logger) *ReconcileService {
	return &ReconcileService{store: store, logger: logger}
}

// =========================================================================
// DUPLICATES
// =========================================================================

// FindDuplicatePreferences groups preference records by external id and
// returns the groups with more than one record. Records without an external id
// can't be grouped and are skipped.
//
// Largest groups come first; equal sizes are ordered by their oldest record.
func (s *ReconcileService) FindDuplicatePreferences(ctx context.Context) ([]DuplicateGroup, error) {
	all, err := s.store.ListPreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/reconcile: listing preferences: %w", err)
	}

	byExternal := make(map[string][]model.Preference)
	for _, p := range all {
		if p.ExternalID == "" {
			continue
		}
		byExternal[p.ExternalID] = append(byExternal[p.ExternalID], p)
	}

	groups := []DuplicateGroup{}
	for ext, records := range byExternal {
		if len(records) < 2 {
			continue
		}
		sortOldestFirst(records)
		groups = append(groups, DuplicateGroup{ExternalID: ext, Records: records})
	}

	slices.SortFunc(groups, func(a, b DuplicateGroup) int {
		if len(a.Records) != len(b.Records) {
			return len(b.Records) - len(a.Records)
		}
		if a.Records[0].OlderThan(&b.Records[0]) {
			return -1
		}
		if b.Records[0].OlderThan(&a.Records[0]) {
			return 1
		}
		return 0
	})
	return groups, nil
}

// ResolveDuplicates keeps one record per group and deletes the rest.
//
// The keeper is the oldest record that is live and correctly linked (its owner
// parses, that identity exists, and that identity holds the account for the
// group's external id); if no record qualifies, simply the oldest. If the keeper
// has no custom slug, the first loser's slug is copied onto it before any loser
// is deleted, so a public URL never disappears.
//
// Each group is re-read from the store first, so a report from an earlier
// FindDuplicatePreferences can be replayed safely.
func (s *ReconcileService) ResolveDuplicates(ctx context.Context, groups []DuplicateGroup) (*DedupReport, error) {
	report := &DedupReport{Kept: []model.Preference{}, Errors: []string{}}

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		kept, deleted, err := s.resolveGroup(ctx, g.ExternalID)
		report.DeletedCount += deleted
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("external id %s: %v", g.ExternalID, err))
			continue
		}
		if kept != nil {
			report.Kept = append(report.Kept, *kept)
		}
	}

	metrics.RecordReconcile("dedupe", report.DeletedCount, 0, len(report.Errors))
	s.logger.Info("duplicate resolution finished",
		slog.Int("groups", len(groups)),
		slog.Int("deleted", report.DeletedCount),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// resolveGroup returns (nil, 0, nil) when the group is no longer duplicated.
func (s *ReconcileService) resolveGroup(ctx context.Context, externalID string) (*model.Preference, int, error) {
	records, err := s.store.ListPreferencesByExternalID(ctx, externalID)
	if err != nil {
		return nil, 0, err
	}
	if len(records) < 2 {
		return nil, 0, nil
	}
	sortOldestFirst(records)

	keeperIdx, err := s.pickKeeper(ctx, externalID, records)
	if err != nil {
		return nil, 0, err
	}
	keeper := records[keeperIdx]
	losers := slices.Delete(slices.Clone(records), keeperIdx, keeperIdx+1)

	if !keeper.HasSlug() {
		for _, l := range losers {
			if !l.HasSlug() {
				continue
			}
			slug := l.Slug()
			doc, err := json.Marshal(map[string]string{"customSlug": slug})
			if err != nil {
				return nil, 0, err
			}
			// No SlugGuard: the holder is a loser of this same group.
			if err := s.store.PatchPreference(ctx, keeper.ID, repository.PreferencePatch{
				Sections: map[model.Section]json.RawMessage{model.SectionPrivacy: doc},
			}); err != nil {
				return nil, 0, fmt.Errorf("moving slug %q to %s: %w", slug, keeper.ID, err)
			}
			keeper.PrivacySettings.CustomSlug = &slug
			break
		}
	}

	deleted := 0
	var errs []error
	for _, l := range losers {
		err := s.store.DeletePreference(ctx, l.ID)
		switch {
		case err == nil:
			deleted++
		case errors.Is(err, apperror.ErrNotFound):
			// already gone: a concurrent or earlier run got there first
		default:
			errs = append(errs, fmt.Errorf("deleting %s: %w", l.ID, err))
		}
	}
	if len(errs) > 0 {
		return nil, deleted, errors.Join(errs...)
	}

	s.logger.Info("duplicate group resolved",
		slog.String("externalID", externalID),
		slog.String("keptID", keeper.ID),
		slog.Int("deleted", deleted),
	)
	return &keeper, deleted, nil
}

// pickKeeper returns the index of the record to keep. records are oldest first.
func (s *ReconcileService) pickKeeper(ctx context.Context, externalID string, records []model.Preference) (int, error) {
	account, err := s.store.GetAccount(ctx, model.ProviderSpotify, externalID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return 0, err
	}

	for i, p := range records {
		owner, err := p.Owner()
		if err != nil {
			continue
		}
		if account == nil || !owner.MatchesRaw(account.OwnerID) {
			continue
		}
		exists, err := s.store.IdentityExists(ctx, owner)
		if err != nil {
			return 0, err
		}
		if exists {
			return i, nil
		}
	}
	return 0, nil
}

// =========================================================================
// ORPHANS AND MISLINKS
// =========================================================================

// FindOrphans reports accounts and preferences whose owner id doesn't parse or
// names no identity, and accounts whose external id also sits on preference
// records owned by someone else. Live records whose owner id parses but is not
// stored canonically are reported as drifted.
func (s *ReconcileService) FindOrphans(ctx context.Context) (*OrphanReport, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/reconcile: listing accounts: %w", err)
	}
	prefs, err := s.store.ListPreferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/reconcile: listing preferences: %w", err)
	}

	live := s.liveOwners()
	report := &OrphanReport{
		OrphanedAccounts:    []model.Account{},
		OrphanedPreferences: []model.Preference{},
		MislinkedAccounts:   []Mislink{},
		DriftedAccounts:     []model.Account{},
		DriftedPreferences:  []model.Preference{},
	}

	for _, a := range accounts {
		owner, ok, err := live(ctx, a.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("service/reconcile: checking owner of account %s: %w", a.ID, err)
		}
		if !ok {
			report.OrphanedAccounts = append(report.OrphanedAccounts, a)
			continue
		}
		if !owner.IsCanonical(a.OwnerID) {
			report.DriftedAccounts = append(report.DriftedAccounts, a)
		}

		var offending []model.Preference
		for _, p := range prefs {
			if p.ExternalID == a.ExternalID && !owner.MatchesRaw(p.OwnerID) {
				offending = append(offending, p)
			}
		}
		if len(offending) > 0 {
			report.MislinkedAccounts = append(report.MislinkedAccounts, Mislink{Account: a, Preferences: offending})
		}
	}

	for _, p := range prefs {
		owner, ok, err := live(ctx, p.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("service/reconcile: checking owner of preference %s: %w", p.ID, err)
		}
		switch {
		case !ok:
			report.OrphanedPreferences = append(report.OrphanedPreferences, p)
		case !owner.IsCanonical(p.OwnerID):
			report.DriftedPreferences = append(report.DriftedPreferences, p)
		}
	}

	s.logger.Info("orphan scan finished",
		slog.Int("orphanedAccounts", len(report.OrphanedAccounts)),
		slog.Int("orphanedPreferences", len(report.OrphanedPreferences)),
		slog.Int("mislinkedAccounts", len(report.MislinkedAccounts)),
		slog.Int("driftedAccounts", len(report.DriftedAccounts)),
		slog.Int("driftedPreferences", len(report.DriftedPreferences)),
	)
	return report, nil
}

// liveOwners returns a lookup that parses a raw owner reference and checks the
// identity exists, caching answers for the duration of one scan.
func (s *ReconcileService) liveOwners() func(context.Context, string) (model.OwnerID, bool, error) {
	seen := make(map[model.OwnerID]bool)
	return func(ctx context.Context, raw string) (model.OwnerID, bool, error) {
		owner, err := model.ParseOwnerID(raw)
		if err != nil {
			return model.OwnerID{}, false, nil
		}
		if exists, ok := seen[owner]; ok {
			return owner, exists, nil
		}
		exists, err := s.store.IdentityExists(ctx, owner)
		if err != nil {
			return model.OwnerID{}, false, err
		}
		seen[owner] = exists
		return owner, exists, nil
	}
}

// RepairLinks re-points each mislinked preference at its account's owner. The
// account wins because it carries the tokens of whoever really signed in.
// Drifted owner references are rewritten to their canonical form.
//
// Orphans are only counted; removing them is PurgeOrphans' job. Every record is
// re-read before it is changed and skipped if it is already consistent.
func (s *ReconcileService) RepairLinks(ctx context.Context, orphans *OrphanReport) (*RepairReport, error) {
	if orphans == nil {
		return nil, apperror.ValidationFailed("orphans", "orphan report is required")
	}
	report := &RepairReport{Errors: []string{}}
	repaired := make(map[string]bool)

	for _, m := range orphans.MislinkedAccounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		account, err := s.store.GetAccount(ctx, m.Account.Provider, m.Account.ExternalID)
		if errors.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", m.Account.ID, err))
			continue
		}
		owner, err := account.Owner()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: owner %q no longer parses", account.ID, account.OwnerID))
			continue
		}
		exists, err := s.store.IdentityExists(ctx, owner)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", account.ID, err))
			continue
		}
		if !exists {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: owner %s no longer exists", account.ID, owner))
			continue
		}

		for _, stale := range m.Preferences {
			current, err := s.store.GetPreference(ctx, stale.ID)
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", stale.ID, err))
				continue
			}
			if owner.MatchesRaw(current.OwnerID) || current.ExternalID != account.ExternalID {
				continue
			}
			if err := s.store.SetPreferenceOwner(ctx, current.ID, owner); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", current.ID, err))
				continue
			}
			repaired[current.ID] = true
			report.Fixed++
			s.logger.Info("preference re-linked",
				slog.String("preferenceID", current.ID),
				slog.String("from", current.OwnerID),
				slog.String("to", owner.String()),
			)
		}
	}

	for _, a := range orphans.DriftedAccounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fixed, err := s.canonicalizeAccount(ctx, a)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", a.ID, err))
			continue
		}
		if fixed {
			report.Fixed++
		}
	}
	for _, p := range orphans.DriftedPreferences {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if repaired[p.ID] {
			continue
		}
		fixed, err := s.canonicalizePreference(ctx, p.ID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", p.ID, err))
			continue
		}
		if fixed {
			report.Fixed++
		}
	}

	report.UnrecoverableAccounts = len(orphans.OrphanedAccounts)
	for _, p := range orphans.OrphanedPreferences {
		if !repaired[p.ID] {
			report.UnrecoverablePreferences++
		}
	}

	metrics.RecordReconcile("repair", 0, report.Fixed, len(report.Errors))
	s.logger.Info("link repair finished",
		slog.Int("fixed", report.Fixed),
		slog.Int("unrecoverableAccounts", report.UnrecoverableAccounts),
		slog.Int("unrecoverablePreferences", report.UnrecoverablePreferences),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// canonicalizeAccount rewrites a padded owner reference on the current row.
// It reports false when the row is gone or no longer needs it.
func (s *ReconcileService) canonicalizeAccount(ctx context.Context, stale model.Account) (bool, error) {
	current, err := s.store.GetAccount(ctx, stale.Provider, stale.ExternalID)
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	owner, err := current.Owner()
	if err != nil || owner.IsCanonical(current.OwnerID) {
		return false, nil
	}
	if err := s.store.SetAccountOwner(ctx, current.ID, owner); err != nil {
		return false, err
	}
	s.logger.Info("account owner normalized",
		slog.String("accountID", current.ID),
		slog.String("owner", owner.String()),
	)
	return true, nil
}

// canonicalizePreference is canonicalizeAccount for preference records.
func (s *ReconcileService) canonicalizePreference(ctx context.Context, id string) (bool, error) {
	current, err := s.store.GetPreference(ctx, id)
	if errors.Is(err, apperror.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	owner, err := current.Owner()
	if err != nil || owner.IsCanonical(current.OwnerID) {
		return false, nil
	}
	if err := s.store.SetPreferenceOwner(ctx, current.ID, owner); err != nil {
		return false, err
	}
	s.logger.Info("preference owner normalized",
		slog.String("preferenceID", current.ID),
		slog.String("owner", owner.String()),
	)
	return true, nil
}

// PurgeOrphans deletes the orphaned accounts and preferences in orphans. It is
// never run implicitly. Each record is re-checked first; one that has been
// re-linked since the scan is skipped.
func (s *ReconcileService) PurgeOrphans(ctx context.Context, orphans *OrphanReport) (*PurgeReport, error) {
	if orphans == nil {
		return nil, apperror.ValidationFailed("orphans", "orphan report is required")
	}
	report := &PurgeReport{Errors: []string{}}
	live := s.liveOwners()

	for _, a := range orphans.OrphanedAccounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		current, err := s.store.GetAccount(ctx, a.Provider, a.ExternalID)
		if errors.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", a.ID, err))
			continue
		}
		_, ok, err := live(ctx, current.OwnerID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", a.ID, err))
			continue
		}
		if ok {
			report.Skipped++
			continue
		}
		if err := s.store.DeleteAccount(ctx, current.ID); err != nil {
			if !errors.Is(err, apperror.ErrNotFound) {
				report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", a.ID, err))
			}
			continue
		}
		report.DeletedAccounts++
	}

	for _, p := range orphans.OrphanedPreferences {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		current, err := s.store.GetPreference(ctx, p.ID)
		if errors.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", p.ID, err))
			continue
		}
		_, ok, err := live(ctx, current.OwnerID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", p.ID, err))
			continue
		}
		if ok {
			report.Skipped++
			continue
		}
		if err := s.store.DeletePreference(ctx, current.ID); err != nil {
			if !errors.Is(err, apperror.ErrNotFound) {
				report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", p.ID, err))
			}
			continue
		}
		report.DeletedPreferences++
	}

	metrics.RecordReconcile("purge", report.DeletedAccounts+report.DeletedPreferences, 0, len(report.Errors))
	s.logger.Warn("orphans purged",
		slog.Int("accounts", report.DeletedAccounts),
		slog.Int("preferences", report.DeletedPreferences),
		slog.Int("skipped", report.Skipped),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

// CheckOwner returns a DuplicateData error when owner has more than one
// preference record.
func (s *ReconcileService) CheckOwner(ctx context.Context, owner model.OwnerID) error {
	prefs, err := s.store.ListPreferencesByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("service/reconcile: listing preferences for %s: %w", owner, err)
	}
	if len(prefs) > 1 {
		return apperror.DuplicateData(owner.String(), len(prefs))
	}
	return nil
}

// SyncExternalIDs refreshes the external id cached on preference records from
// the owner's account. It only acts when the answer is unambiguous: the owner
// has exactly one account and one preference record, and no other record
// already carries that external id (that case is a duplicate, not drift).
func (s *ReconcileService) SyncExternalIDs(ctx context.Context) (*RepairReport, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("service/reconcile: listing accounts: %w", err)
	}

	perOwner := make(map[model.OwnerID]int)
	for _, a := range accounts {
		if owner, err := a.Owner(); err == nil {
			perOwner[owner]++
		}
	}

	report := &RepairReport{Errors: []string{}}
	for _, a := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		owner, err := a.Owner()
		if err != nil || perOwner[owner] != 1 {
			continue
		}

		prefs, err := s.store.ListPreferencesByOwner(ctx, owner)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", a.ID, err))
			continue
		}
		if len(prefs) != 1 || prefs[0].ExternalID == a.ExternalID {
			continue
		}

		others, err := s.store.ListPreferencesByExternalID(ctx, a.ExternalID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("account %s: %v", a.ID, err))
			continue
		}
		if len(others) > 0 {
			continue
		}

		if err := s.store.SetPreferenceExternalID(ctx, prefs[0].ID, a.ExternalID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("preference %s: %v", prefs[0].ID, err))
			continue
		}
		report.Fixed++
	}

	metrics.RecordReconcile("sync", 0, report.Fixed, len(report.Errors))
	s.logger.Info("external id sync finished",
		slog.Int("fixed", report.Fixed),
		slog.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func sortOldestFirst(prefs []model.Preference) {
	slices.SortFunc(prefs, func(a, b model.Preference) int {
		if a.OlderThan(&b) {
			return -1
		}
		if b.OlderThan(&a) {
			return 1
		}
		return 0
	})
}
