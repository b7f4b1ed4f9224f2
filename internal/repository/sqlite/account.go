package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, owner_id, provider, external_id, access_token, refresh_token,
	expires_at, created_at, updated_at`

// UpsertAccount inserts or updates an account keyed by (provider, external_id).
//
// One INSERT ... ON CONFLICT statement, so two first logins racing for the same
// external account both succeed: the first insert wins and the second becomes a
// token update. The owner of an existing link is never changed here; moving a
// link to another identity is a reconciliation decision, not a login side effect.
// account is refreshed from the stored row, so the caller sees the winning ID
// and owner.
func (db *DB) UpsertAccount(ctx context.Context, account *model.Account) error {
	access, refresh, err := db.sealTokens(account.AccessToken, account.RefreshToken)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (provider, external_id) DO UPDATE SET
			access_token  = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at    = excluded.expires_at,
			updated_at    = excluded.updated_at`,
		xid.New().String(),
		account.OwnerID,
		account.Provider,
		account.ExternalID,
		access,
		refresh,
		account.ExpiresAt,
		now,
		now,
	)
	if err != nil {
		return apperror.Store(fmt.Sprintf("upserting account (%s/%s)", account.Provider, account.ExternalID), err)
	}

	stored, err := db.GetAccount(ctx, account.Provider, account.ExternalID)
	if err != nil {
		return err
	}
	account.ID = stored.ID
	account.OwnerID = stored.OwnerID
	account.CreatedAt = stored.CreatedAt
	account.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetAccount looks an account up by its natural key.
func (db *DB) GetAccount(ctx context.Context, provider, externalID string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND external_id = ?`,
		provider, externalID,
	)
	a, err := db.scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", provider+"/"+externalID)
		}
		return nil, apperror.Store("getting account "+provider+"/"+externalID, err)
	}
	return a, nil
}

// ListAccounts returns every account, oldest first.
func (db *DB) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return db.queryAccounts(ctx, "listing accounts",
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at, id`)
}

// ListAccountsByOwner matches the owner after stripping model.OwnerIDPadding.
// Rows whose owner does not parse at all are not returned; reconciliation
// finds those.
func (db *DB) ListAccountsByOwner(ctx context.Context, owner model.OwnerID) ([]model.Account, error) {
	return db.queryAccounts(ctx, "listing accounts for owner "+owner.String(),
		`SELECT `+accountColumns+` FROM accounts WHERE `+ownerMatch("owner_id")+` = ? ORDER BY created_at, id`,
		owner.String())
}

// UpdateAccountTokens stores refreshed tokens.
func (db *DB) UpdateAccountTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt int64) error {
	access, refresh, err := db.sealTokens(accessToken, refreshToken)
	if err != nil {
		return err
	}
	result, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		access, refresh, expiresAt, time.Now().UTC(), id,
	)
	if err != nil {
		return apperror.Store("updating tokens for account "+id, err)
	}
	return expectOneRow(result, "account", id)
}

// SetAccountOwner points an account at another identity.
func (db *DB) SetAccountOwner(ctx context.Context, id string, owner model.OwnerID) error {
	result, err := db.conn.ExecContext(ctx,
		`UPDATE accounts SET owner_id = ?, updated_at = ? WHERE id = ?`,
		owner.String(), time.Now().UTC(), id,
	)
	if err != nil {
		return apperror.Store("setting owner of account "+id, err)
	}
	return expectOneRow(result, "account", id)
}

// DeleteAccount removes one account by id.
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return apperror.Store("deleting account "+id, err)
	}
	return expectOneRow(result, "account", id)
}

func (db *DB) queryAccounts(ctx context.Context, op, query string, args ...any) ([]model.Account, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.Store(op, err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		a, err := db.scanAccount(rows)
		if err != nil {
			return nil, apperror.Store(op, err)
		}
		accounts = append(accounts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.Store(op, err)
	}
	return accounts, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	if err := row.Scan(
		&a.ID,
		&a.OwnerID,
		&a.Provider,
		&a.ExternalID,
		&a.AccessToken,
		&a.RefreshToken,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if a.AccessToken, err = db.sealer.Open(a.AccessToken); err != nil {
		return nil, fmt.Errorf("opening access token for account %s: %w", a.ID, err)
	}
	if a.RefreshToken, err = db.sealer.Open(a.RefreshToken); err != nil {
		return nil, fmt.Errorf("opening refresh token for account %s: %w", a.ID, err)
	}
	return &a, nil
}

func (db *DB) sealTokens(access, refresh string) (string, string, error) {
	sealedAccess, err := db.sealer.Seal(access)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: sealing access token: %w", err)
	}
	sealedRefresh, err := db.sealer.Seal(refresh)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: sealing refresh token: %w", err)
	}
	return sealedAccess, sealedRefresh, nil
}
