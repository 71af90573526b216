package db

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func setupPostgres(t *testing.T) *DB {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" || !strings.HasPrefix(databaseURL, "postgres") {
		t.Skip("DATABASE_URL not set to a PostgreSQL DSN - skipping integration test")
	}

	ctx := context.Background()
	log := logrus.New()
	log.SetOutput(io.Discard)
	db, err := Open(ctx, "postgres", databaseURL, log)
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}
	return db
}

func TestPostgresObservationRoundTrip(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	// Unique ids keep reruns against a shared database independent
	suffix := uuid.NewString()
	threadID := "it:" + suffix
	th := testThread(threadID, now)
	a := testAlert("it-"+suffix, now)

	inserted, err := db.RecordObservation(ctx, th, a)
	if err != nil {
		t.Fatalf("RecordObservation failed: %v", err)
	}
	if !inserted {
		t.Error("first observation should insert the alert")
	}

	got, err := db.GetThread(ctx, threadID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
	if ids := latestIDs(t, db, threadID); len(ids) != 1 || ids[0] != a.AlertID {
		t.Errorf("latest = %v, want [%s]", ids, a.AlertID)
	}

	if _, err := db.HideThreads(ctx, []string{threadID}, true, now); err != nil {
		t.Fatalf("HideThreads failed: %v", err)
	}
	res, err := db.Cleanup(ctx, time.Hour, time.Nanosecond, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	t.Logf("cleanup removed %d threads, unlinked %d alerts", res.Threads, res.Unlinked)
	if _, err := db.GetThread(ctx, threadID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired thread still present: %v", err)
	}
}
