package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/auth"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

// TokenRefresher builds a refreshing token source. *auth.SpotifyProvider
// satisfies it.
type TokenRefresher interface {
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// IdentityService owns the identity lifecycle: linking an OAuth login to an
// internal owner id, the signed-in profile, and account deletion.
//
// DEPENDENCIES (injected via NewIdentityService):
//   - store     repository.Store           → identities, accounts, preferences
//   - views     repository.ViewRepository  → page view counters
//   - prefs     *PreferenceService         → default preferences on first login
//   - tokens    *auth.TokenService         → session JWTs
//   - refresher TokenRefresher             → provider token refresh
type IdentityService struct {
	store     repository.Store
	views     repository.ViewRepository
	prefs     *PreferenceService
	tokens    *auth.TokenService
	refresher TokenRefresher
	logger    *slog.Logger
}

// NewIdentityService creates an IdentityService.
func NewIdentityService(
	store repository.Store,
	views repository.ViewRepository,
	prefs *PreferenceService,
	tokens *auth.TokenService,
	refresher TokenRefresher,
	logger *slog.Logger,
) *IdentityService {
	return &IdentityService{
		store:     store,
		views:     views,
		prefs:     prefs,
		tokens:    tokens,
		refresher: refresher,
		logger:    logger,
	}
}

// LinkResult is what the OAuth callback needs to finish the login.
type LinkResult struct {
	Identity   *model.Identity   `json:"identity"`
	Account    *model.Account    `json:"account"`
	Preference *model.Preference `json:"preference"`
	Token      string            `json:"-"`
	Created    bool              `json:"created"`
}

// LinkAccount handles an OAuth callback for profile.
//
// First login creates the Identity, the Account (owned by that identity) and
// the default preferences. Later logins refresh tokens and profile fields. An
// account whose owner no longer exists is re-linked to a fresh identity rather
// than failing the login; the stale preferences it leaves behind show up in the
// next orphan scan.
func (s *IdentityService) LinkAccount(ctx context.Context, profile *model.ExternalProfile, token *oauth2.Token) (*LinkResult, error) {
	if profile == nil || profile.ExternalID == "" {
		return nil, apperror.ValidationFailed("externalId", "provider profile has no account id")
	}
	if profile.Provider == "" {
		profile.Provider = model.ProviderSpotify
	}

	account, err := s.store.GetAccount(ctx, profile.Provider, profile.ExternalID)
	if err != nil && !errors.Is(err, apperror.ErrNotFound) {
		return nil, fmt.Errorf("service/identity: looking up account: %w", err)
	}

	result := &LinkResult{}
	switch {
	case account == nil:
		result.Identity, result.Account, err = s.createIdentity(ctx, profile, token)
		result.Created = true
	default:
		result.Identity, err = s.ownerOf(ctx, account, profile)
		if err == nil {
			err = s.refreshAccount(ctx, account, token)
		}
		result.Account = account
	}
	if err != nil {
		return nil, err
	}
	owner := result.Identity.ID

	result.Preference, err = s.prefs.GetOrCreate(ctx, owner, profile.ExternalID)
	if err != nil {
		return nil, err
	}

	result.Token, err = s.tokens.Generate(owner)
	if err != nil {
		return nil, fmt.Errorf("service/identity: issuing session for %s: %w", owner, err)
	}

	s.logger.Info("account linked",
		slog.String("ownerID", owner.String()),
		slog.String("provider", profile.Provider),
		slog.String("externalID", profile.ExternalID),
		slog.Bool("created", result.Created),
	)
	return result, nil
}

func (s *IdentityService) createIdentity(ctx context.Context, profile *model.ExternalProfile, token *oauth2.Token) (*model.Identity, *model.Account, error) {
	ident := &model.Identity{
		DisplayName: profile.DisplayName,
		Email:       profile.Email,
		Active:      true,
	}
	if err := s.store.CreateIdentity(ctx, ident); err != nil {
		return nil, nil, fmt.Errorf("service/identity: creating identity: %w", err)
	}

	account := &model.Account{
		OwnerID:    ident.ID.String(),
		Provider:   profile.Provider,
		ExternalID: profile.ExternalID,
	}
	applyToken(account, token)
	if err := s.store.UpsertAccount(ctx, account); err != nil {
		return nil, nil, fmt.Errorf("service/identity: creating account: %w", err)
	}

	// A concurrent first login inserted the account before us. UpsertAccount
	// turned our insert into a token update and reports the winner's owner;
	// the identity we just created owns nothing and is removed.
	if !ident.ID.MatchesRaw(account.OwnerID) {
		if err := s.store.DeleteIdentity(ctx, ident.ID); err != nil && !errors.Is(err, apperror.ErrNotFound) {
			s.logger.Warn("could not remove identity that lost a login race",
				slog.String("ownerID", ident.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		winner, err := s.ownerOf(ctx, account, profile)
		if err != nil {
			return nil, nil, err
		}
		return winner, account, nil
	}
	return ident, account, nil
}

// ownerOf loads the identity behind account, re-linking the account to a new
// identity if its owner is gone.
func (s *IdentityService) ownerOf(ctx context.Context, account *model.Account, profile *model.ExternalProfile) (*model.Identity, error) {
	owner, err := account.Owner()
	if err == nil {
		ident, err := s.store.GetIdentity(ctx, owner)
		switch {
		case err == nil:
			if ident.Locked {
				return nil, apperror.Forbidden("this account is locked")
			}
			if ident.DisplayName != profile.DisplayName || ident.Email != profile.Email || !ident.Active {
				ident.DisplayName = profile.DisplayName
				ident.Email = profile.Email
				ident.Active = true
				if err := s.store.UpdateIdentity(ctx, ident); err != nil {
					return nil, fmt.Errorf("service/identity: updating profile for %s: %w", owner, err)
				}
			}
			return ident, nil
		case !errors.Is(err, apperror.ErrNotFound):
			return nil, fmt.Errorf("service/identity: loading identity %s: %w", owner, err)
		}
	}

	ident := &model.Identity{DisplayName: profile.DisplayName, Email: profile.Email, Active: true}
	if err := s.store.CreateIdentity(ctx, ident); err != nil {
		return nil, fmt.Errorf("service/identity: creating identity: %w", err)
	}
	if err := s.store.SetAccountOwner(ctx, account.ID, ident.ID); err != nil {
		return nil, fmt.Errorf("service/identity: re-linking account %s: %w", account.ID, err)
	}
	s.logger.Warn("orphaned account re-linked to a new identity",
		slog.String("accountID", account.ID),
		slog.String("staleOwner", account.OwnerID),
		slog.String("ownerID", ident.ID.String()),
	)
	account.OwnerID = ident.ID.String()
	return ident, nil
}

func (s *IdentityService) refreshAccount(ctx context.Context, account *model.Account, token *oauth2.Token) error {
	if token == nil {
		return nil
	}
	applyToken(account, token)
	if err := s.store.UpdateAccountTokens(ctx, account.ID, account.AccessToken, account.RefreshToken, account.ExpiresAt); err != nil {
		return fmt.Errorf("service/identity: storing tokens for account %s: %w", account.ID, err)
	}
	return nil
}

// applyToken copies t onto a. Providers may omit the refresh token on later
// grants; the stored one is kept in that case.
func applyToken(a *model.Account, t *oauth2.Token) {
	if t == nil {
		return
	}
	a.AccessToken = t.AccessToken
	if t.RefreshToken != "" {
		a.RefreshToken = t.RefreshToken
	}
	if !t.Expiry.IsZero() {
		a.ExpiresAt = t.Expiry.Unix()
	}
}

// Profile is the signed-in user's view of their own data.
type Profile struct {
	Identity         *model.Identity   `json:"identity"`
	Accounts         []model.Account   `json:"accounts"`
	Preference       *model.Preference `json:"preference,omitempty"`
	Views            int64             `json:"views"`
	SpotifyConnected bool              `json:"spotifyConnected"`
}

// Profile loads the identity with its accounts, preferences and view count.
// SpotifyConnected reports whether the stored Spotify grant still yields a
// valid access token; an expired token is refreshed and written back here.
func (s *IdentityService) Profile(ctx context.Context, owner model.OwnerID) (*Profile, error) {
	ident, err := s.store.GetIdentity(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("service/identity: loading identity %s: %w", owner, err)
	}
	accounts, err := s.store.ListAccountsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("service/identity: loading accounts for %s: %w", owner, err)
	}

	p := &Profile{Identity: ident, Accounts: accounts}
	if len(accounts) > 0 {
		p.SpotifyConnected = s.spotifyConnected(ctx, owner)
	}
	pref, err := s.prefs.Get(ctx, owner)
	switch {
	case err == nil:
		p.Preference = pref
		if p.Views, err = s.views.CountViews(ctx, pref.ID); err != nil {
			return nil, fmt.Errorf("service/identity: counting views for %s: %w", pref.ID, err)
		}
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, err
	}
	return p, nil
}

func (s *IdentityService) spotifyConnected(ctx context.Context, owner model.OwnerID) bool {
	src, err := s.TokenSource(ctx, owner)
	if err != nil {
		return false
	}
	t, err := src.Token()
	if err != nil {
		s.logger.Warn("spotify token refresh failed",
			slog.String("ownerID", owner.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return t.Valid()
}

// DeletionReport counts what DeleteIdentity removed.
type DeletionReport struct {
	OwnerID         string `json:"ownerId"`
	ViewRows        int64  `json:"viewRows"`
	Preferences     int    `json:"preferences"`
	Accounts        int    `json:"accounts"`
	IdentityDeleted bool   `json:"identityDeleted"`
}

// DeleteIdentity removes everything that belongs to owner. The store has no
// cascading delete, so dependents are enumerated and deleted here: view
// counters, preference records, accounts, and the identity last. Records that
// are already gone are skipped, so a failed deletion can simply be retried.
func (s *IdentityService) DeleteIdentity(ctx context.Context, owner model.OwnerID) (*DeletionReport, error) {
	if owner.IsZero() {
		return nil, apperror.ValidationFailed("ownerId", "owner id must not be empty")
	}
	report := &DeletionReport{OwnerID: owner.String()}

	n, err := s.views.DeleteViewsByOwner(ctx, owner)
	if err != nil {
		return report, fmt.Errorf("service/identity: deleting views for %s: %w", owner, err)
	}
	report.ViewRows = n

	prefs, err := s.store.ListPreferencesByOwner(ctx, owner)
	if err != nil {
		return report, fmt.Errorf("service/identity: listing preferences for %s: %w", owner, err)
	}
	for _, p := range prefs {
		if err := s.store.DeletePreference(ctx, p.ID); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			return report, fmt.Errorf("service/identity: deleting preference %s: %w", p.ID, err)
		}
		report.Preferences++
	}

	accounts, err := s.store.ListAccountsByOwner(ctx, owner)
	if err != nil {
		return report, fmt.Errorf("service/identity: listing accounts for %s: %w", owner, err)
	}
	for _, a := range accounts {
		if err := s.store.DeleteAccount(ctx, a.ID); err != nil {
			if errors.Is(err, apperror.ErrNotFound) {
				continue
			}
			return report, fmt.Errorf("service/identity: deleting account %s: %w", a.ID, err)
		}
		report.Accounts++
	}

	switch err := s.store.DeleteIdentity(ctx, owner); {
	case err == nil:
		report.IdentityDeleted = true
	case !errors.Is(err, apperror.ErrNotFound):
		return report, fmt.Errorf("service/identity: deleting identity %s: %w", owner, err)
	}

	s.logger.Warn("identity deleted",
		slog.String("ownerID", owner.String()),
		slog.Int("preferences", report.Preferences),
		slog.Int("accounts", report.Accounts),
		slog.Int64("viewRows", report.ViewRows),
	)
	return report, nil
}

// TokenSource returns a token source for owner's Spotify account. Tokens the
// provider refreshes are written back to the account.
func (s *IdentityService) TokenSource(ctx context.Context, owner model.OwnerID) (oauth2.TokenSource, error) {
	accounts, err := s.store.ListAccountsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("service/identity: loading accounts for %s: %w", owner, err)
	}
	for _, a := range accounts {
		if a.Provider != model.ProviderSpotify {
			continue
		}
		current := &oauth2.Token{
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       a.Expiry(),
		}
		return &persistingTokenSource{
			base:      s.refresher.TokenSource(ctx, current),
			ctx:       ctx,
			accounts:  s.store,
			accountID: a.ID,
			last:      current,
			logger:    s.logger,
		}, nil
	}
	return nil, apperror.NotFound("spotify account for owner", owner.String())
}

// persistingTokenSource stores every newly issued token on the account.
type persistingTokenSource struct {
	mu        sync.Mutex
	base      oauth2.TokenSource
	ctx       context.Context
	accounts  repository.AccountRepository
	accountID string
	last      *oauth2.Token
	logger    *slog.Logger
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if p.last != nil && t.AccessToken == p.last.AccessToken {
		return t, nil
	}

	refresh := t.RefreshToken
	if refresh == "" && p.last != nil {
		refresh = p.last.RefreshToken
	}
	var expiresAt int64
	if !t.Expiry.IsZero() {
		expiresAt = t.Expiry.Unix()
	}
	if err := p.accounts.UpdateAccountTokens(p.ctx, p.accountID, t.AccessToken, refresh, expiresAt); err != nil {
		// The token is still good for this call; the next refresh retries the write.
		p.logger.Error("failed to persist refreshed token",
			slog.String("accountID", p.accountID),
			slog.String("error", err.Error()),
		)
		return t, nil
	}
	p.last = t
	return t, nil
}
