package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ttc-alerts/incidents/internal/model"
)

// UpsertClosures inserts or refreshes scraped maintenance closures by content key
func (db *DB) UpsertClosures(ctx context.Context, closures []model.MaintenanceClosure, now time.Time) error {
	if len(closures) == 0 {
		return nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO maintenance_closures (closure_key, route, route_name, title, url, starts_at, ends_at,
			is_active, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (closure_key) DO UPDATE SET
			route_name = excluded.route_name,
			url = excluded.url,
			is_active = excluded.is_active,
			last_seen_at = excluded.last_seen_at
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare closure statement: %w", err)
	}
	defer stmt.Close()

	ts := formatTime(now)
	for _, c := range closures {
		active := c.EndsAt.IsZero() || c.EndsAt.After(now)
		if _, err := stmt.ExecContext(ctx,
			c.ClosureKey, c.Route, c.RouteName, c.Title, c.URL,
			formatTime(c.StartsAt), formatTime(c.EndsAt), boolInt(active), ts, ts,
		); err != nil {
			return fmt.Errorf("failed to upsert closure %s: %w", c.ClosureKey, err)
		}
	}

	return tx.Commit()
}

// DeactivateClosures marks closures inactive when their end time has passed
// or they are missing from the latest complete scrape (seenKeys)
func (db *DB) DeactivateClosures(ctx context.Context, seenKeys []string, now time.Time) (int64, error) {
	db.LockWrite()
	defer db.UnlockWrite()

	query := `UPDATE maintenance_closures SET is_active = 0 WHERE is_active = 1`
	args := []any{formatTime(now)}
	if len(seenKeys) > 0 {
		query += fmt.Sprintf(` AND ((ends_at <> '' AND ends_at <= ?) OR closure_key NOT IN (%s))`, placeholders(len(seenKeys)))
		for _, k := range seenKeys {
			args = append(args, k)
		}
	} else {
		// Nothing listed upstream: every closure is over
		args = nil
	}

	res, err := db.conn.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate closures: %w", err)
	}
	return res.RowsAffected()
}

// ListClosures returns closures ordered by start time
func (db *DB) ListClosures(ctx context.Context, activeOnly bool) ([]model.MaintenanceClosure, error) {
	query := `SELECT closure_key, route, route_name, title, url, starts_at, ends_at, is_active, first_seen_at, last_seen_at
		FROM maintenance_closures`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY starts_at, closure_key`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query closures: %w", err)
	}
	defer rows.Close()

	var closures []model.MaintenanceClosure
	for rows.Next() {
		var (
			c                                     model.MaintenanceClosure
			active                                int
			startsAt, endsAt, firstSeen, lastSeen string
		)
		if err := rows.Scan(&c.ClosureKey, &c.Route, &c.RouteName, &c.Title, &c.URL,
			&startsAt, &endsAt, &active, &firstSeen, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan closure: %w", err)
		}
		c.StartsAt = parseTime(startsAt)
		c.EndsAt = parseTime(endsAt)
		c.IsActive = active == 1
		c.FirstSeenAt = parseTime(firstSeen)
		c.LastSeenAt = parseTime(lastSeen)
		closures = append(closures, c)
	}
	return closures, rows.Err()
}
