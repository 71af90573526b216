package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ttc-alerts/incidents/internal/accuracy"
	"github.com/ttc-alerts/incidents/internal/model"
)

// RecordCheck stores one raw accuracy check
func (db *DB) RecordCheck(ctx context.Context, c accuracy.Check) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO accuracy_checks (check_id, checked_at, source, upstream_count, stored_count, matched,
			completeness, precision_pct, severity, unmatched_upstream, unmatched_stored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		c.CheckID, formatTime(c.CheckedAt), string(c.Source), c.UpstreamCount, c.StoredCount, c.Matched,
		c.Completeness, c.Precision, string(c.Severity), encodeList(c.UnmatchedUpstream), encodeList(c.UnmatchedStored),
	)
	if err != nil {
		return fmt.Errorf("failed to insert accuracy check %s: %w", c.CheckID, err)
	}
	return nil
}

// GetDaily loads the running aggregate for a day, nil when none exists
func (db *DB) GetDaily(ctx context.Context, day string, source model.Source) (*accuracy.DailyAggregate, error) {
	row := db.conn.QueryRowContext(ctx, db.rebind(`
		SELECT day, source, check_count, completeness_mean, completeness_m2, precision_mean, precision_m2,
			min_completeness, min_precision, updated_at
		FROM accuracy_daily WHERE day = ? AND source = ?
	`), day, string(source))

	d, err := scanDaily(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily aggregate: %w", err)
	}
	return &d, nil
}

// SaveDaily upserts a running aggregate
func (db *DB) SaveDaily(ctx context.Context, d accuracy.DailyAggregate) error {
	db.LockWrite()
	defer db.UnlockWrite()

	_, err := db.conn.ExecContext(ctx, db.rebind(`
		INSERT INTO accuracy_daily (day, source, check_count, completeness_mean, completeness_m2,
			precision_mean, precision_m2, min_completeness, min_precision, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (day, source) DO UPDATE SET
			check_count = excluded.check_count,
			completeness_mean = excluded.completeness_mean,
			completeness_m2 = excluded.completeness_m2,
			precision_mean = excluded.precision_mean,
			precision_m2 = excluded.precision_m2,
			min_completeness = excluded.min_completeness,
			min_precision = excluded.min_precision,
			updated_at = excluded.updated_at
	`),
		d.Day, string(d.Source), d.Completeness.Count, d.Completeness.Mean, d.Completeness.M2,
		d.Precision.Mean, d.Precision.M2, d.MinCompleteness, d.MinPrecision, formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save daily aggregate: %w", err)
	}
	return nil
}

// ListDaily returns the most recent daily aggregates
func (db *DB) ListDaily(ctx context.Context, limit int) ([]accuracy.DailyAggregate, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT day, source, check_count, completeness_mean, completeness_m2, precision_mean, precision_m2,
			min_completeness, min_precision, updated_at
		FROM accuracy_daily ORDER BY day DESC, source LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily aggregates: %w", err)
	}
	defer rows.Close()

	var out []accuracy.DailyAggregate
	for rows.Next() {
		d, err := scanDaily(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily aggregate: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RecentChecks returns the newest raw checks
func (db *DB) RecentChecks(ctx context.Context, limit int) ([]accuracy.Check, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`
		SELECT check_id, checked_at, source, upstream_count, stored_count, matched,
			completeness, precision_pct, severity, unmatched_upstream, unmatched_stored
		FROM accuracy_checks ORDER BY checked_at DESC, check_id LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accuracy checks: %w", err)
	}
	defer rows.Close()

	var out []accuracy.Check
	for rows.Next() {
		var (
			c                     accuracy.Check
			checkedAt, up, stored string
		)
		if err := rows.Scan(&c.CheckID, &checkedAt, &c.Source, &c.UpstreamCount, &c.StoredCount, &c.Matched,
			&c.Completeness, &c.Precision, &c.Severity, &up, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan accuracy check: %w", err)
		}
		c.CheckedAt = parseTime(checkedAt)
		c.UnmatchedUpstream = decodeList(up)
		c.UnmatchedStored = decodeList(stored)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanDaily(row scanner) (accuracy.DailyAggregate, error) {
	var (
		d         accuracy.DailyAggregate
		updatedAt string
	)
	err := row.Scan(&d.Day, &d.Source, &d.Completeness.Count, &d.Completeness.Mean, &d.Completeness.M2,
		&d.Precision.Mean, &d.Precision.M2, &d.MinCompleteness, &d.MinPrecision, &updatedAt)
	if err != nil {
		return d, err
	}
	d.Precision.Count = d.Completeness.Count
	d.UpdatedAt = parseTime(updatedAt)
	return d, nil
}
