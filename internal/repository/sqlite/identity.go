package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

// compile-time check that *DB implements repository.IdentityRepository
var _ repository.IdentityRepository = (*DB)(nil)

// CreateIdentity inserts a new identity. A zero ID gets a fresh one; timestamps
// are set here unless the caller already set CreatedAt (imports, fixtures).
func (db *DB) CreateIdentity(ctx context.Context, identity *model.Identity) error {
	if identity.ID.IsZero() {
		identity.ID = model.NewOwnerID()
	}
	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO identities (id, display_name, email, active, locked, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		identity.ID.String(),
		identity.DisplayName,
		identity.Email,
		identity.Active,
		identity.Locked,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return apperror.Store("creating identity "+identity.ID.String(), err)
	}
	return nil
}

// GetIdentity retrieves an identity by owner id.
// Returns apperror.ErrNotFound if no identity exists with that ID.
func (db *DB) GetIdentity(ctx context.Context, id model.OwnerID) (*model.Identity, error) {
	var (
		rawID string
		ident model.Identity
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, display_name, email, active, locked, created_at, updated_at
		 FROM identities WHERE id = ?`,
		id.String(),
	).Scan(
		&rawID,
		&ident.DisplayName,
		&ident.Email,
		&ident.Active,
		&ident.Locked,
		&ident.CreatedAt,
		&ident.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("identity", id.String())
		}
		return nil, apperror.Store("getting identity "+id.String(), err)
	}

	ident.ID, err = model.ParseOwnerID(rawID)
	if err != nil {
		return nil, apperror.Store("parsing identity id "+rawID, err)
	}
	return &ident, nil
}

// UpdateIdentity writes the profile fields and lifecycle flags.
func (db *DB) UpdateIdentity(ctx context.Context, identity *model.Identity) error {
	identity.UpdatedAt = time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE identities
		 SET display_name = ?, email = ?, active = ?, locked = ?, updated_at = ?
		 WHERE id = ?`,
		identity.DisplayName,
		identity.Email,
		identity.Active,
		identity.Locked,
		identity.UpdatedAt,
		identity.ID.String(),
	)
	if err != nil {
		return apperror.Store("updating identity "+identity.ID.String(), err)
	}
	return expectOneRow(result, "identity", identity.ID.String())
}

// DeleteIdentity removes only the identity row. Dependent accounts and
// preferences are the caller's to enumerate and delete first; there is no
// cascading delete in this store.
func (db *DB) DeleteIdentity(ctx context.Context, id model.OwnerID) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id.String())
	if err != nil {
		return apperror.Store("deleting identity "+id.String(), err)
	}
	return expectOneRow(result, "identity", id.String())
}

// IdentityExists is the cheap existence probe reconciliation uses for every record.
func (db *DB) IdentityExists(ctx context.Context, id model.OwnerID) (bool, error) {
	if id.IsZero() {
		return false, nil
	}
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identities WHERE id = ?`, id.String(),
	).Scan(&n)
	if err != nil {
		return false, apperror.Store("checking identity "+id.String(), err)
	}
	return n > 0, nil
}

// expectOneRow maps "0 rows affected" to NotFound, the way every UPDATE/DELETE
// by id in this package reports a missing record.
func expectOneRow(result sql.Result, resource, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apperror.Store("checking rows affected", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound(resource, id)
	}
	return nil
}
