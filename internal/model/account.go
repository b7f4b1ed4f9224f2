package model

import "time"

// ProviderSpotify is the only external provider wired today.
const ProviderSpotify = "spotify"

// Account is one linked external OAuth identity, owned by exactly one Identity.
//
// OwnerID is kept as the raw stored string on purpose: reconciliation has to be able
// to load rows whose owner reference no longer parses. Use Owner() to compare.
//
// The (Provider, ExternalID) pair is UNIQUE in the database, so one external
// account can never be linked twice.
type Account struct {
	ID           string    `json:"id"         db:"id"`
	OwnerID      string    `json:"ownerId"    db:"owner_id"`
	Provider     string    `json:"provider"   db:"provider"`
	ExternalID   string    `json:"externalId" db:"external_id"` // provider-assigned, stable
	AccessToken  string    `json:"-"          db:"access_token"`
	RefreshToken string    `json:"-"          db:"refresh_token"`
	ExpiresAt    int64     `json:"expiresAt"  db:"expires_at"` // epoch seconds
	CreatedAt    time.Time `json:"createdAt"  db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt"  db:"updated_at"`
}

// Owner parses the stored owner reference.
func (a *Account) Owner() (OwnerID, error) {
	return ParseOwnerID(a.OwnerID)
}

// Expiry converts ExpiresAt to a time.Time; zero when unset.
func (a *Account) Expiry() time.Time {
	if a.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(a.ExpiresAt, 0)
}

// ExternalProfile is what an OAuth provider tells us about the signed-in user.
type ExternalProfile struct {
	Provider    string `json:"provider"`
	ExternalID  string `json:"externalId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}
