package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ttc-alerts/incidents/internal/model"
)

const threadColumns = `thread_id, source, title, affected_routes, categories, is_resolved, is_hidden,
	missed_polls, key_fallback, created_at, updated_at, last_seen_at, resolved_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (model.Thread, error) {
	var (
		t                            model.Thread
		routes, categories           string
		resolved, hidden, fallback   int
		createdAt, updatedAt, seenAt string
		resolvedAt                   sql.NullString
	)
	err := row.Scan(&t.ThreadID, &t.Source, &t.Title, &routes, &categories, &resolved, &hidden,
		&t.MissedPolls, &fallback, &createdAt, &updatedAt, &seenAt, &resolvedAt)
	if err != nil {
		return t, err
	}
	t.AffectedRoutes = decodeList(routes)
	t.Categories = decodeList(categories)
	t.IsResolved = resolved == 1
	t.IsHidden = hidden == 1
	t.KeyFallback = fallback == 1
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.LastSeenAt = parseTime(seenAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		ts := parseTime(resolvedAt.String)
		t.ResolvedAt = &ts
	}
	return t, nil
}

// GetThread loads one thread by its deterministic key
func (db *DB) GetThread(ctx context.Context, threadID string) (*model.Thread, error) {
	query := db.rebind(`SELECT ` + threadColumns + ` FROM incident_threads WHERE thread_id = ?`)
	t, err := scanThread(db.conn.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread %s: %w", threadID, err)
	}
	return &t, nil
}

// ListThreads returns threads matching the filter, most recently updated first
func (db *DB) ListThreads(ctx context.Context, f model.ThreadFilter) ([]model.Thread, error) {
	var (
		where []string
		args  []any
	)
	if f.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.Resolved != nil {
		where = append(where, "is_resolved = ?")
		args = append(args, boolInt(*f.Resolved))
	}
	if f.Hidden != nil {
		where = append(where, "is_hidden = ?")
		args = append(args, boolInt(*f.Hidden))
	}
	if f.Route != "" {
		where = append(where, "affected_routes LIKE ?")
		args = append(args, `%"`+strings.ToUpper(strings.TrimSpace(f.Route))+`"%`)
	}
	if f.Category != "" {
		where = append(where, "categories LIKE ?")
		args = append(args, `%"`+strings.ToUpper(strings.TrimSpace(f.Category))+`"%`)
	}

	query := `SELECT ` + threadColumns + ` FROM incident_threads`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, thread_id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// RecordObservation writes one sighting: the thread row is upserted first,
// then the alert is inserted (a no-op when its id already exists) and made
// the thread's only latest alert. Reports whether the alert row is new.
func (db *DB) RecordObservation(ctx context.Context, t model.Thread, a model.Alert) (bool, error) {
	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var resolvedAt any
	if t.ResolvedAt != nil {
		resolvedAt = formatTime(*t.ResolvedAt)
	}

	_, err = tx.ExecContext(ctx, db.rebind(`
		INSERT INTO incident_threads (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			title = excluded.title,
			affected_routes = excluded.affected_routes,
			categories = excluded.categories,
			is_resolved = excluded.is_resolved,
			is_hidden = excluded.is_hidden,
			missed_polls = excluded.missed_polls,
			key_fallback = excluded.key_fallback,
			updated_at = excluded.updated_at,
			last_seen_at = excluded.last_seen_at,
			resolved_at = excluded.resolved_at
	`),
		t.ThreadID, string(t.Source), t.Title, encodeList(t.AffectedRoutes), encodeList(t.Categories),
		boolInt(t.IsResolved), boolInt(t.IsHidden), t.MissedPolls, boolInt(t.KeyFallback),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTime(t.LastSeenAt), resolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert thread %s: %w", t.ThreadID, err)
	}

	res, err := tx.ExecContext(ctx, db.rebind(`
		INSERT INTO incident_alerts (alert_id, thread_id, source, header_text, description_text, effect,
			categories, affected_routes, is_latest, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (alert_id) DO NOTHING
	`),
		a.AlertID, t.ThreadID, string(a.Source), a.HeaderText, a.DescriptionText, string(a.Effect),
		encodeList(a.Categories), encodeList(a.AffectedRoutes), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert alert %s: %w", a.AlertID, err)
	}
	n, _ := res.RowsAffected()
	inserted := n > 0

	if !inserted {
		// Relink an alert whose thread was removed by cleanup
		if _, err := tx.ExecContext(ctx, db.rebind(
			`UPDATE incident_alerts SET thread_id = ? WHERE alert_id = ? AND thread_id IS NULL`),
			t.ThreadID, a.AlertID,
		); err != nil {
			return false, fmt.Errorf("failed to relink alert %s: %w", a.AlertID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE incident_alerts SET is_latest = CASE WHEN alert_id = ? THEN 1 ELSE 0 END
		WHERE thread_id = ? AND (is_latest = 1 OR alert_id = ?)
	`), a.AlertID, t.ThreadID, a.AlertID); err != nil {
		return false, fmt.Errorf("failed to set latest alert for thread %s: %w", t.ThreadID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit observation %s: %w", a.AlertID, err)
	}
	return inserted, nil
}

// MissResult lists the threads touched by one miss-accounting pass
type MissResult struct {
	Missed []string // counter incremented, still visible
	Hidden []string // reached the grace limit and were hidden
}

// ApplyMisses increments missed_polls for every visible thread of source
// that was not seen this pass, hiding those that reach grace
func (db *DB) ApplyMisses(ctx context.Context, source model.Source, seen []string, grace int, now time.Time) (MissResult, error) {
	var result MissResult

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, db.rebind(
		`SELECT thread_id, missed_polls FROM incident_threads WHERE source = ? AND is_hidden = 0`),
		string(source),
	)
	if err != nil {
		return result, fmt.Errorf("failed to query visible threads: %w", err)
	}

	seenSet := make(map[string]bool, len(seen))
	for _, id := range seen {
		seenSet[id] = true
	}
	type miss struct {
		id     string
		missed int
	}
	var misses []miss
	for rows.Next() {
		var m miss
		if err := rows.Scan(&m.id, &m.missed); err != nil {
			rows.Close()
			return result, fmt.Errorf("failed to scan thread: %w", err)
		}
		if !seenSet[m.id] {
			m.missed++
			misses = append(misses, m)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return result, err
	}

	ts := formatTime(now)
	for _, m := range misses {
		hide := m.missed >= grace
		query, args := `UPDATE incident_threads SET missed_polls = ? WHERE thread_id = ?`, []any{m.missed, m.id}
		if hide {
			query = `UPDATE incident_threads SET missed_polls = ?, is_hidden = 1, updated_at = ? WHERE thread_id = ?`
			args = []any{m.missed, ts, m.id}
		}
		if _, err := tx.ExecContext(ctx, db.rebind(query), args...); err != nil {
			return result, fmt.Errorf("failed to record miss for thread %s: %w", m.id, err)
		}
		if hide {
			result.Hidden = append(result.Hidden, m.id)
		} else {
			result.Missed = append(result.Missed, m.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit miss accounting: %w", err)
	}
	return result, nil
}

// HideThreads hides visible threads, and resolves them too when resolve is set
func (db *DB) HideThreads(ctx context.Context, threadIDs []string, resolve bool, now time.Time) (int64, error) {
	if len(threadIDs) == 0 {
		return 0, nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	ts := formatTime(now)
	set := "is_hidden = 1, updated_at = ?"
	args := []any{ts}
	if resolve {
		set += ", is_resolved = 1, resolved_at = COALESCE(resolved_at, ?)"
		args = append(args, ts)
	}
	for _, id := range threadIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`UPDATE incident_threads SET %s WHERE is_hidden = 0 AND thread_id IN (%s)`,
		set, placeholders(len(threadIDs)))
	res, err := db.conn.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to hide threads: %w", err)
	}
	return res.RowsAffected()
}

// RestoreThreads returns threads to open-visible and clears their miss counter
func (db *DB) RestoreThreads(ctx context.Context, threadIDs []string, now time.Time) (int64, error) {
	if len(threadIDs) == 0 {
		return 0, nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	args := []any{formatTime(now)}
	for _, id := range threadIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`UPDATE incident_threads
		SET is_hidden = 0, is_resolved = 0, resolved_at = NULL, missed_polls = 0, updated_at = ?
		WHERE thread_id IN (%s)`, placeholders(len(threadIDs)))
	res, err := db.conn.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to restore threads: %w", err)
	}
	return res.RowsAffected()
}

func encodeList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeList(s string) []string {
	var list []string
	if s == "" {
		return list
	}
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	return list
}
