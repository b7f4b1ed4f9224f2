package sqlite

import (
	"context"

	"github.com/sakif/nowplaying/internal/apperror"
	"github.com/sakif/nowplaying/internal/model"
	"github.com/sakif/nowplaying/internal/repository"
)

// compile-time check that *DB implements repository.ViewRepository
var _ repository.ViewRepository = (*DB)(nil)

// IncrementViews bumps the counter for pref on day (YYYY-MM-DD, UTC).
// The owner is copied onto the row so an account deletion can find it later.
func (db *DB) IncrementViews(ctx context.Context, pref *model.Preference, day string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO page_views (preference_id, owner_id, day, views) VALUES (?, ?, ?, 1)
		 ON CONFLICT (preference_id, day) DO UPDATE SET views = views + 1`,
		pref.ID, pref.OwnerID, day,
	)
	if err != nil {
		return apperror.Store("incrementing views for preference "+pref.ID, err)
	}
	return nil
}

// CountViews sums every day's counter for one preference.
func (db *DB) CountViews(ctx context.Context, preferenceID string) (int64, error) {
	var total int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(views), 0) FROM page_views WHERE preference_id = ?`, preferenceID,
	).Scan(&total)
	if err != nil {
		return 0, apperror.Store("counting views for preference "+preferenceID, err)
	}
	return total, nil
}

// DeleteViewsByOwner removes every counter row attributed to owner.
func (db *DB) DeleteViewsByOwner(ctx context.Context, owner model.OwnerID) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM page_views WHERE `+ownerMatch("owner_id")+` = ?`, owner.String())
	if err != nil {
		return 0, apperror.Store("deleting views for owner "+owner.String(), err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperror.Store("checking rows affected", err)
	}
	return n, nil
}
