// Package verify reconciles stored thread visibility against a fresh
// upstream snapshot, treating upstream as ground truth.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/events"
	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
	"github.com/ttc-alerts/incidents/internal/threading"
)

// ErrUnknownTarget is returned for a target name with no registered fetcher
var ErrUnknownTarget = errors.New("unknown verification target")

// Fetcher returns the normalized upstream snapshot for a target
type Fetcher func(ctx context.Context) ([]model.Alert, error)

// Target is one verifiable category of threads
type Target struct {
	Name   string
	Source model.Source
	Fetch  Fetcher

	// ResolveStale also resolves the stale threads it hides
	ResolveStale bool
}

// Store is the persistence the verifier reads and corrects
type Store interface {
	ListThreads(ctx context.Context, f model.ThreadFilter) ([]model.Thread, error)
	HideThreads(ctx context.Context, threadIDs []string, resolve bool, now time.Time) (int64, error)
	RestoreThreads(ctx context.Context, threadIDs []string, now time.Time) (int64, error)
}

// Ingester creates threads for upstream alerts that have none
type Ingester interface {
	Process(ctx context.Context, alerts []model.Alert, now time.Time) threading.PassResult
}

// Report is the diff and correction outcome of one verification
type Report struct {
	Target        string    `json:"target"`
	CheckedAt     time.Time `json:"checked_at"`
	UpstreamCount int       `json:"upstream_count"`
	VisibleBefore int       `json:"visible_before"`
	VisibleAfter  int       `json:"visible_after"`

	MissingInDB []string `json:"missing_in_db"`
	StaleInDB   []string `json:"stale_in_db"`
	Created     []string `json:"created"`
	Restored    []string `json:"restored"`
	Hidden      []string `json:"hidden"`
	Failed      []string `json:"failed"`

	Success bool   `json:"success"`
	Summary string `json:"summary"`
}

// Verifier runs reconciliation for registered targets
type Verifier struct {
	store   Store
	ingest  Ingester
	log     logrus.FieldLogger
	metrics metrics.Recorder
	events  events.Publisher
	targets map[string]Target
}

// New creates a verifier. rec and pub may be nil. Threads the verifier
// restores or hides are published on pub; created threads are published by
// the ingester.
func New(store Store, ingest Ingester, log logrus.FieldLogger, rec metrics.Recorder, pub events.Publisher, targets ...Target) *Verifier {
	if rec == nil {
		rec = metrics.Noop{}
	}
	if pub == nil {
		pub = events.Noop{}
	}
	v := &Verifier{
		store:   store,
		ingest:  ingest,
		log:     log,
		metrics: rec,
		events:  pub,
		targets: make(map[string]Target, len(targets)),
	}
	for _, t := range targets {
		v.targets[t.Name] = t
	}
	return v
}

// Targets returns the registered target names, sorted
func (v *Verifier) Targets() []string {
	names := make([]string, 0, len(v.targets))
	for name := range v.targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expected derives the thread keys that should be visible from an upstream
// snapshot: alerts of source active at now, excluding resumed notices.
// Keys come from the same derivation the ingestion path uses.
func Expected(alerts []model.Alert, source model.Source, now time.Time) ([]string, map[string]model.Alert) {
	byKey := make(map[string]model.Alert)
	var keys []string
	for _, a := range normalize.FilterActive(alerts, now) {
		if a.Source != source || a.HasCategory(model.CategoryServiceResumed) {
			continue
		}
		if _, ok := byKey[a.ThreadID]; ok {
			continue
		}
		byKey[a.ThreadID] = a
		keys = append(keys, a.ThreadID)
	}
	sort.Strings(keys)
	return keys, byKey
}

// Verify reconciles one target. An error means the snapshot or the stored
// state could not be read; correction failures are reported, not returned.
func (v *Verifier) Verify(ctx context.Context, name string, now time.Time) (Report, error) {
	report := Report{Target: name, CheckedAt: now.UTC()}
	target, ok := v.targets[name]
	if !ok {
		return report, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
	}
	log := v.log.WithField("target", name)

	alerts, err := target.Fetch(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch upstream for %s: %w", name, err)
	}
	keys, byKey := Expected(alerts, target.Source, now)
	report.UpstreamCount = len(keys)

	stored, err := v.store.ListThreads(ctx, model.ThreadFilter{Source: target.Source})
	if err != nil {
		return report, fmt.Errorf("failed to load stored threads for %s: %w", name, err)
	}
	storedByKey := make(map[string]model.Thread, len(stored))
	for _, t := range stored {
		storedByKey[t.ThreadID] = t
		if !t.IsHidden {
			report.VisibleBefore++
		}
	}

	var create []model.Alert
	var restore []string
	for _, key := range keys {
		t, ok := storedByKey[key]
		switch {
		case !ok:
			report.MissingInDB = append(report.MissingInDB, key)
			create = append(create, byKey[key])
		case t.IsHidden || t.IsResolved:
			report.MissingInDB = append(report.MissingInDB, key)
			restore = append(restore, key)
		}
	}
	for _, t := range stored {
		if _, ok := byKey[t.ThreadID]; !ok && !t.IsHidden {
			report.StaleInDB = append(report.StaleInDB, t.ThreadID)
		}
	}
	sort.Strings(report.StaleInDB)

	if len(create) > 0 {
		res := v.ingest.Process(ctx, create, now)
		failed := make(map[string]bool, len(res.Failures))
		for _, f := range res.Failures {
			failed[f.ThreadID] = true
			report.Failed = append(report.Failed, f.ThreadID)
		}
		for _, a := range create {
			if !failed[a.ThreadID] {
				report.Created = append(report.Created, a.ThreadID)
			}
		}
	}
	if len(restore) > 0 {
		if _, err := v.store.RestoreThreads(ctx, restore, now); err != nil {
			log.WithError(err).WithField("threads", restore).Error("failed to restore threads")
			report.Failed = append(report.Failed, restore...)
		} else {
			report.Restored = restore
			for _, id := range restore {
				v.publish(ctx, log, id, map[string]any{"thread_id": id, "is_hidden": false, "is_resolved": false}, now)
			}
		}
	}
	if len(report.StaleInDB) > 0 {
		if _, err := v.store.HideThreads(ctx, report.StaleInDB, target.ResolveStale, now); err != nil {
			log.WithError(err).WithField("threads", report.StaleInDB).Error("failed to hide stale threads")
			report.Failed = append(report.Failed, report.StaleInDB...)
		} else {
			report.Hidden = report.StaleInDB
			for _, id := range report.Hidden {
				change := map[string]any{"thread_id": id, "is_hidden": true}
				if target.ResolveStale {
					change["is_resolved"] = true
				}
				v.publish(ctx, log, id, change, now)
			}
		}
	}
	v.metrics.Add(metrics.VerifierCorrections, uint64(len(report.Created)+len(report.Restored)+len(report.Hidden)))

	visible := false
	after, err := v.store.ListThreads(ctx, model.ThreadFilter{Source: target.Source, Hidden: &visible})
	if err != nil {
		return report, fmt.Errorf("failed to recount threads for %s: %w", name, err)
	}
	report.VisibleAfter = len(after)
	report.Success = report.VisibleAfter == report.UpstreamCount && sameKeys(keys, after)
	report.Summary = summarize(report)

	entry := log.WithFields(logrus.Fields{
		"upstream": report.UpstreamCount,
		"missing":  len(report.MissingInDB),
		"stale":    len(report.StaleInDB),
		"visible":  report.VisibleAfter,
	})
	if report.Success {
		entry.Info("verification passed")
	} else {
		entry.Warn("verification failed")
	}
	return report, nil
}

// publish reports a corrected thread. Delivery failures are logged only; the
// correction itself is already stored.
func (v *Verifier) publish(ctx context.Context, log logrus.FieldLogger, threadID string, change map[string]any, now time.Time) {
	ev, err := events.New(events.TableThreads, events.OpUpdate, threadID, change, now)
	if err == nil {
		err = v.events.Publish(ctx, ev)
	}
	if err != nil {
		log.WithError(err).WithField("thread_id", threadID).Warn("failed to publish correction")
		return
	}
	v.metrics.Add(metrics.EventsPublished, 1)
}

func sameKeys(keys []string, threads []model.Thread) bool {
	if len(keys) != len(threads) {
		return false
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	for _, t := range threads {
		if !want[t.ThreadID] {
			return false
		}
	}
	return true
}

func summarize(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d upstream, %d visible before, %d visible after", r.Target, r.UpstreamCount, r.VisibleBefore, r.VisibleAfter)
	if len(r.MissingInDB) > 0 {
		fmt.Fprintf(&b, "; %d missing (%d created, %d restored)", len(r.MissingInDB), len(r.Created), len(r.Restored))
	}
	if len(r.StaleInDB) > 0 {
		fmt.Fprintf(&b, "; %d stale hidden", len(r.Hidden))
	}
	if len(r.Failed) > 0 {
		fmt.Fprintf(&b, "; %d corrections failed", len(r.Failed))
	}
	if r.Success {
		b.WriteString("; in sync")
	} else {
		b.WriteString("; OUT OF SYNC")
	}
	return b.String()
}
