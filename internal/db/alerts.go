package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ttc-alerts/incidents/internal/model"
)

const alertColumns = `alert_id, thread_id, source, header_text, description_text, effect,
	categories, affected_routes, is_latest, created_at, updated_at`

func scanAlert(row scanner) (model.Alert, error) {
	var (
		a                    model.Alert
		threadID             sql.NullString
		categories, routes   string
		latest               int
		createdAt, updatedAt string
	)
	err := row.Scan(&a.AlertID, &threadID, &a.Source, &a.HeaderText, &a.DescriptionText, &a.Effect,
		&categories, &routes, &latest, &createdAt, &updatedAt)
	if err != nil {
		return a, err
	}
	a.ThreadID = threadID.String
	a.Categories = decodeList(categories)
	a.AffectedRoutes = decodeList(routes)
	a.IsLatest = latest == 1
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

// GetAlert loads one alert by id
func (db *DB) GetAlert(ctx context.Context, alertID string) (*model.Alert, error) {
	query := db.rebind(`SELECT ` + alertColumns + ` FROM incident_alerts WHERE alert_id = ?`)
	a, err := scanAlert(db.conn.QueryRowContext(ctx, query, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert %s: %w", alertID, err)
	}
	return &a, nil
}

// ListAlerts returns alerts matching the filter, newest first
func (db *DB) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if f.Effect != "" {
		where = append(where, "effect = ?")
		args = append(args, string(f.Effect))
	}
	if f.Latest != nil {
		where = append(where, "is_latest = ?")
		args = append(args, boolInt(*f.Latest))
	}

	query := `SELECT ` + alertColumns + ` FROM incident_alerts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, alert_id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// ThreadAlerts returns every alert linked to a thread, oldest first
func (db *DB) ThreadAlerts(ctx context.Context, threadID string) ([]model.Alert, error) {
	query := db.rebind(`SELECT ` + alertColumns + ` FROM incident_alerts WHERE thread_id = ? ORDER BY created_at, alert_id`)
	rows, err := db.conn.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts for thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// VisibleLatestAlerts returns the latest alert of every visible, unresolved
// thread of source. These are the alerts a user currently sees.
func (db *DB) VisibleLatestAlerts(ctx context.Context, source model.Source) ([]model.Alert, error) {
	cols := "a." + strings.Join(strings.Fields(strings.ReplaceAll(alertColumns, ",", " ")), ", a.")
	query := db.rebind(`SELECT ` + cols + `
		FROM incident_alerts a
		JOIN incident_threads t ON t.thread_id = a.thread_id
		WHERE a.is_latest = 1 AND t.is_hidden = 0 AND t.is_resolved = 0 AND t.source = ?
		ORDER BY a.alert_id`)
	rows, err := db.conn.QueryContext(ctx, query, string(source))
	if err != nil {
		return nil, fmt.Errorf("failed to query visible alerts: %w", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
