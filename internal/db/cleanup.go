package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// CleanupResult counts the rows removed by one cleanup run and names the
// deleted alerts and threads so their removal can be published
type CleanupResult struct {
	Alerts   int64
	Unlinked int64
	Threads  int64
	Closures int64

	AlertIDs  []string
	ThreadIDs []string
}

// Cleanup removes rows past their retention window. The latest alert of a
// thread is kept for context. Expired threads (hidden or resolved, untouched
// for threadTTL) have their alerts unlinked before the thread row goes, so
// no alert is left pointing at a missing thread.
func (db *DB) Cleanup(ctx context.Context, retention, threadTTL time.Duration, now time.Time) (CleanupResult, error) {
	var result CleanupResult

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	alertCutoff := formatTime(now.Add(-retention))
	threadCutoff := formatTime(now.Add(-threadTTL))
	const expired = `SELECT thread_id FROM incident_threads WHERE (is_hidden = 1 OR is_resolved = 1) AND updated_at < ?`

	const oldAlerts = `FROM incident_alerts WHERE created_at < ? AND is_latest = 0`

	// ids are read before their rows go, inside the same transaction
	if result.AlertIDs, err = db.collectIDs(ctx, tx, `SELECT alert_id `+oldAlerts, alertCutoff); err != nil {
		return result, fmt.Errorf("failed to list expired alerts: %w", err)
	}
	if result.ThreadIDs, err = db.collectIDs(ctx, tx, expired, threadCutoff); err != nil {
		return result, fmt.Errorf("failed to list expired threads: %w", err)
	}

	steps := []struct {
		name  string
		query string
		arg   string
		count *int64
	}{
		{"alerts", `DELETE ` + oldAlerts, alertCutoff, &result.Alerts},
		{"unlink", `UPDATE incident_alerts SET thread_id = NULL, is_latest = 0 WHERE thread_id IN (` + expired + `)`, threadCutoff, &result.Unlinked},
		{"threads", `DELETE FROM incident_threads WHERE thread_id IN (` + expired + `)`, threadCutoff, &result.Threads},
		{"closures", `DELETE FROM maintenance_closures WHERE is_active = 0 AND last_seen_at < ?`, alertCutoff, &result.Closures},
	}
	for _, s := range steps {
		res, err := tx.ExecContext(ctx, db.rebind(s.query), s.arg)
		if err != nil {
			return result, fmt.Errorf("failed to cleanup %s: %w", s.name, err)
		}
		*s.count, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	if result.Alerts+result.Threads+result.Closures > 0 {
		db.log.WithFields(logrus.Fields{
			"alerts":   result.Alerts,
			"unlinked": result.Unlinked,
			"threads":  result.Threads,
			"closures": result.Closures,
		}).Info("cleanup removed expired rows")
	}
	return result, nil
}

func (db *DB) collectIDs(ctx context.Context, tx *sql.Tx, query, arg string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, db.rebind(query), arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
