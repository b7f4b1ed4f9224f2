package model

import "time"

// Section names a top-level subsection of a preference document. Each section is
// stored as its own JSON document so sections can be merged independently.
type Section string

const (
	SectionDisplay       Section = "displaySettings"
	SectionPublicDisplay Section = "publicDisplaySettings"
	SectionPrivacy       Section = "privacySettings"
	SectionApp           Section = "appSettings"
)

// Sections lists every mutable section in document order.
var Sections = []Section{SectionDisplay, SectionPublicDisplay, SectionPrivacy, SectionApp}

// Valid reports whether s is one of the known sections.
func (s Section) Valid() bool {
	for _, known := range Sections {
		if s == known {
			return true
		}
	}
	return false
}

// DisplaySettings controls the stream overlay page (the one embedded in
// broadcasting software).
type DisplaySettings struct {
	ShowCurrentTrack  bool   `json:"showCurrentTrack"`
	ShowProgressBar   bool   `json:"showProgressBar"`
	ShowAlbumArt      bool   `json:"showAlbumArt"`
	ShowRecentTracks  bool   `json:"showRecentTracks"`
	RecentTracksCount int    `json:"recentTracksCount"`
	Style             string `json:"style"`
	CustomCSS         string `json:"customCss"`
	BackgroundImage   string `json:"backgroundImage"`
	FixedPosition     string `json:"fixedPosition"`
}

// PublicDisplaySettings controls what the public display page shows.
type PublicDisplaySettings struct {
	ShowCurrentTrack  bool `json:"showCurrentTrack"`
	ShowRecentTracks  bool `json:"showRecentTracks"`
	RecentTracksCount int  `json:"recentTracksCount"`
	ShowProfile       bool `json:"showProfile"`
	ShowTopArtists    bool `json:"showTopArtists"`
}

// PrivacySettings decides whether and how the public pages are reachable.
// CustomSlug is a pointer because "no slug" and "empty slug" must not be confused.
type PrivacySettings struct {
	IsPublic       bool    `json:"isPublic"`
	CustomSlug     *string `json:"customSlug,omitempty"`
	HideExternalID bool    `json:"hideExternalId"`
}

// AppSettings holds settings for the private (logged-in) UI.
type AppSettings struct {
	Theme string `json:"theme"`
}

// Preference is one user's display/privacy configuration document.
//
// OwnerID is the raw stored reference (see Account for why). ExternalID is a
// denormalized copy of the owning Account's external id, used by the public
// resolver and by reconciliation; it is a cache, not a source of truth.
type Preference struct {
	ID                    string                `json:"id"`
	OwnerID               string                `json:"ownerId"`
	ExternalID            string                `json:"externalId"`
	DisplaySettings       DisplaySettings       `json:"displaySettings"`
	PublicDisplaySettings PublicDisplaySettings `json:"publicDisplaySettings"`
	PrivacySettings       PrivacySettings       `json:"privacySettings"`
	AppSettings           AppSettings           `json:"appSettings"`
	CreatedAt             time.Time             `json:"createdAt"`
	UpdatedAt             time.Time             `json:"updatedAt"`
}

// Owner parses the stored owner reference.
func (p *Preference) Owner() (OwnerID, error) {
	return ParseOwnerID(p.OwnerID)
}

// Slug returns the custom slug or "" when none is set.
func (p *Preference) Slug() string {
	if p.PrivacySettings.CustomSlug == nil {
		return ""
	}
	return *p.PrivacySettings.CustomSlug
}

// HasSlug reports whether a non-empty custom slug is set.
func (p *Preference) HasSlug() bool {
	return p.Slug() != ""
}

// OlderThan orders records by creation time, falling back to id so the order is total.
func (p *Preference) OlderThan(other *Preference) bool {
	if !p.CreatedAt.Equal(other.CreatedAt) {
		return p.CreatedAt.Before(other.CreatedAt)
	}
	return p.ID < other.ID
}

// Defaults for a freshly created preference document.
//
// New users are public by default (IsPublic=true). That is a product decision
// carried over from the existing service, not an oversight; the test suite pins it.
const (
	DefaultStyle             = "default"
	DefaultFixedPosition     = "none"
	DefaultTheme             = "system"
	DefaultRecentTracksCount = 5
)

// DefaultDisplaySettings returns the overlay defaults.
func DefaultDisplaySettings() DisplaySettings {
	return DisplaySettings{
		ShowCurrentTrack:  true,
		ShowProgressBar:   true,
		ShowAlbumArt:      true,
		ShowRecentTracks:  false,
		RecentTracksCount: DefaultRecentTracksCount,
		Style:             DefaultStyle,
		FixedPosition:     DefaultFixedPosition,
	}
}

// DefaultPublicDisplaySettings returns the public page defaults.
func DefaultPublicDisplaySettings() PublicDisplaySettings {
	return PublicDisplaySettings{
		ShowCurrentTrack:  true,
		ShowRecentTracks:  true,
		RecentTracksCount: DefaultRecentTracksCount,
		ShowProfile:       true,
		ShowTopArtists:    false,
	}
}

// DefaultPrivacySettings returns the privacy defaults: public, no slug.
func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{IsPublic: true}
}

// DefaultAppSettings returns the private UI defaults.
func DefaultAppSettings() AppSettings {
	return AppSettings{Theme: DefaultTheme}
}

// DefaultPreference builds the default document for an owner. Identity fields
// (ID, timestamps) are filled in by the repository on insert.
func DefaultPreference(owner OwnerID, externalID string) *Preference {
	p := &Preference{
		OwnerID:    owner.String(),
		ExternalID: externalID,
	}
	p.ApplyDefaults()
	return p
}

// ApplyDefaults overwrites every mutable section, leaving ID, OwnerID,
// ExternalID and CreatedAt alone.
func (p *Preference) ApplyDefaults() {
	p.DisplaySettings = DefaultDisplaySettings()
	p.PublicDisplaySettings = DefaultPublicDisplaySettings()
	p.PrivacySettings = DefaultPrivacySettings()
	p.AppSettings = DefaultAppSettings()
}
