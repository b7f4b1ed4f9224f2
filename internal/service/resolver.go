package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/metrics"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
	"github.com/sakif/nowplaying/internal/validation"
)

// MatchedBy says which key a public identifier resolved through.
type MatchedBy string

const (
	MatchSlug       MatchedBy = "slug"
	MatchExternalID MatchedBy = "external_id"
)

// Generated slug shape: 12 characters over [0-9A-Za-z], 10 tries.
const (
	GeneratedSlugLength   = 12
	SlugGenerationRetries = 10
	slugAlphabet          = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// ErrSlugGenerationExhausted means every generated candidate was taken.
// With 62^12 candidates this needs a broken random source or a very full store;
// it is an internal error, not a user mistake.
var ErrSlugGenerationExhausted = errors.New("service/resolver: could not generate an unused slug")

// Resolution is a resolved public identifier.
type Resolution struct {
	Preference *model.Preference `json:"preference"`
	MatchedBy  MatchedBy         `json:"matchedBy"`
}

// ResolverService maps public identifiers to preference records and mints new ones.
//
// It reads only records whose slug or external id equals the identifier, so the
// answer for a given identifier never depends on unrelated records.
type ResolverService struct {
	prefs  repository.PreferenceRepository
	random io.Reader
	logger *slog.Logger
}

// NewResolverService creates a ResolverService reading from crypto/rand.
func NewResolverService(prefs repository.PreferenceRepository, logger *slog.Logger) *ResolverService {
	return &ResolverService{
		prefs:  prefs,
		random: rand.Reader,
		logger: logger,
	}
}

// WithRandom replaces the random source. Tests use it to force collisions.
func (s *ResolverService) WithRandom(r io.Reader) *ResolverService {
	s.random = r
	return s
}

// ResolveIdentifier looks identifier up as a custom slug first, then as an
// external account id. A slug that happens to equal someone else's external id
// wins, since slugs are the handle users chose on purpose.
//
// Before reconciliation several records may share a key; the oldest is returned.
func (s *ResolverService) ResolveIdentifier(ctx context.Context, identifier string) (*Resolution, error) {
	if identifier == "" {
		return nil, apperror.NotFound("public page", identifier)
	}

	bySlug, err := s.prefs.ListPreferencesBySlug(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("service/resolver: looking up slug %q: %w", identifier, err)
	}
	if p := oldest(bySlug); p != nil {
		metrics.RecordResolution(string(MatchSlug))
		return &Resolution{Preference: p, MatchedBy: MatchSlug}, nil
	}

	byExternal, err := s.prefs.ListPreferencesByExternalID(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("service/resolver: looking up external id %q: %w", identifier, err)
	}
	if p := oldest(byExternal); p != nil {
		metrics.RecordResolution(string(MatchExternalID))
		return &Resolution{Preference: p, MatchedBy: MatchExternalID}, nil
	}

	metrics.RecordResolution("")
	return nil, apperror.NotFound("public page", identifier)
}

// IsIdentifierTaken reports whether any record not owned by excludeOwner holds
// candidate as its custom slug. Pass a zero OwnerID to count every record.
//
// This is a pre-check only. The write that sets a slug repeats the test inside
// its own statement (see repository.SlugGuard).
func (s *ResolverService) IsIdentifierTaken(ctx context.Context, candidate string, excludeOwner model.OwnerID) (bool, error) {
	holders, err := s.prefs.ListPreferencesBySlug(ctx, candidate)
	if err != nil {
		return false, fmt.Errorf("service/resolver: checking slug %q: %w", candidate, err)
	}
	for _, p := range holders {
		if !excludeOwner.MatchesRaw(p.OwnerID) {
			return true, nil
		}
	}
	return false, nil
}

// GenerateUniqueSlug draws random slugs until one is unused, up to
// SlugGenerationRetries times. No backoff: a collision is already unlikely.
func (s *ResolverService) GenerateUniqueSlug(ctx context.Context) (string, error) {
	for attempt := 1; attempt <= SlugGenerationRetries; attempt++ {
		metrics.SlugGenerationAttempts.Inc()

		candidate, err := randomSlug(s.random)
		if err != nil {
			return "", fmt.Errorf("service/resolver: %w", err)
		}

		taken, err := s.IsIdentifierTaken(ctx, candidate, model.OwnerID{})
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		s.logger.Warn("generated slug collided",
			slog.Int("attempt", attempt),
		)
	}
	return "", ErrSlugGenerationExhausted
}

// ValidateSlug checks charset and length only. Run it before IsIdentifierTaken.
func (s *ResolverService) ValidateSlug(slug string) error {
	return ValidateSlug(slug)
}

// ValidateSlug is the package-level form used by the preference service.
func ValidateSlug(slug string) error {
	if validation.ValidSlug(slug) {
		return nil
	}
	return apperror.ValidationFailed(slugField, fmt.Sprintf(
		"customSlug must be %d-%d characters of letters, digits, '_' or '-'",
		validation.SlugMinLength, validation.SlugMaxLength))
}

const slugField = "privacySettings.customSlug"

// randomSlug draws GeneratedSlugLength characters by rejection sampling, so
// every character of the alphabet is equally likely.
func randomSlug(r io.Reader) (string, error) {
	const maxUnbiased = 256 - 256%len(slugAlphabet) // 248

	out := make([]byte, 0, GeneratedSlugLength)
	buf := make([]byte, GeneratedSlugLength*2)
	for len(out) < GeneratedSlugLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("reading random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxUnbiased {
				continue
			}
			out = append(out, slugAlphabet[int(b)%len(slugAlphabet)])
			if len(out) == GeneratedSlugLength {
				break
			}
		}
	}
	return string(out), nil
}

// oldest returns the first record in creation order, or nil for an empty slice.
func oldest(prefs []model.Preference) *model.Preference {
	if len(prefs) == 0 {
		return nil
	}
	best := &prefs[0]
	for i := range prefs[1:] {
		if p := &prefs[i+1]; p.OlderThan(best) {
			best = p
		}
	}
	return best
}
