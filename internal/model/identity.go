// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data. There is no inheritance, so shared
// behaviour (like owner-id comparison) lives on small value types instead.
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/xid"
)

// ErrInvalidOwnerID is returned by ParseOwnerID for anything that is not a
// canonical xid string.
var ErrInvalidOwnerID = errors.New("model: invalid owner id")

// OwnerID is the canonical reference to an Identity.
//
// WHY A DEDICATED TYPE?
// Owner references are stored as free TEXT in the accounts and preferences tables.
// Historical rows may carry values in other shapes (stale ids, ids from an older
// scheme, stray whitespace). Comparing those raw strings against each other is how
// duplicates and mislinks went unnoticed in the first place, so every comparison
// goes through this type and its single parser.
//
// The zero value is not a valid owner id; IsZero reports it.
type OwnerID struct {
	id xid.ID
}

// NewOwnerID mints a fresh owner id for a new Identity.
func NewOwnerID() OwnerID {
	return OwnerID{id: xid.New()}
}

// OwnerIDPadding is the set of characters ParseOwnerID strips from both ends of
// a stored reference. The SQL owner lookups trim exactly this set, so a row a
// query finds always parses to the owner it was queried for, and the reverse.
const OwnerIDPadding = " \t\n\v\f\r"

// ParseOwnerID is the only way to turn stored or user-supplied text into an OwnerID.
// ASCII whitespace (OwnerIDPadding) around the id is ignored; everything else
// must be a valid xid (20 chars, lowercase base32hex).
func ParseOwnerID(raw string) (OwnerID, error) {
	raw = strings.Trim(raw, OwnerIDPadding)
	if raw == "" {
		return OwnerID{}, ErrInvalidOwnerID
	}
	id, err := xid.FromString(raw)
	if err != nil {
		return OwnerID{}, ErrInvalidOwnerID
	}
	return OwnerID{id: id}, nil
}

// MustParseOwnerID is ParseOwnerID for constants in tests and fixtures.
func MustParseOwnerID(raw string) OwnerID {
	o, err := ParseOwnerID(raw)
	if err != nil {
		panic(err)
	}
	return o
}

// String returns the canonical textual form.
func (o OwnerID) String() string {
	if o.IsZero() {
		return ""
	}
	return o.id.String()
}

// IsZero reports whether o was never set.
func (o OwnerID) IsZero() bool {
	return o.id.IsNil()
}

// Equal compares two parsed owner ids. Two zero ids are never equal, so an
// unparsable reference never "matches" another unparsable reference.
func (o OwnerID) Equal(other OwnerID) bool {
	if o.IsZero() || other.IsZero() {
		return false
	}
	return o.id == other.id
}

// IsCanonical reports whether raw is exactly o's canonical form. A reference
// that matches o but is not canonical is drift that reconciliation rewrites.
func (o OwnerID) IsCanonical(raw string) bool {
	return !o.IsZero() && raw == o.String()
}

// MatchesRaw reports whether a stored raw owner reference points at o.
func (o OwnerID) MatchesRaw(raw string) bool {
	parsed, err := ParseOwnerID(raw)
	if err != nil {
		return false
	}
	return o.Equal(parsed)
}

// Time returns the creation time embedded in the xid.
func (o OwnerID) Time() time.Time {
	return o.id.Time()
}

// Identity is the canonical internal user record.
// Exactly one Identity should exist per real-world external account.
type Identity struct {
	ID          OwnerID   `json:"id"          db:"id"`
	DisplayName string    `json:"displayName" db:"display_name"`
	Email       string    `json:"email"       db:"email"` // may be empty
	Active      bool      `json:"active"      db:"active"`
	Locked      bool      `json:"locked"      db:"locked"`
	CreatedAt   time.Time `json:"createdAt"   db:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt"   db:"updated_at"`
}

// MarshalText lets OwnerID serialize as its canonical string in JSON bodies.
func (o OwnerID) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses through ParseOwnerID so decoded ids are always canonical.
func (o *OwnerID) UnmarshalText(b []byte) error {
	parsed, err := ParseOwnerID(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
