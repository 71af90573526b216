// Package threading maps each poll's normalized alerts onto persistent
// incident threads and manages the thread lifecycle: open, resolved, hidden.
package threading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/db"
	"github.com/ttc-alerts/incidents/internal/events"
	"github.com/ttc-alerts/incidents/internal/extract"
	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
)

// DefaultGrace is the number of consecutive missed polls before a thread is hidden
const DefaultGrace = 2

// Store is the persistence the engine needs
type Store interface {
	GetThread(ctx context.Context, threadID string) (*model.Thread, error)
	GetAlert(ctx context.Context, alertID string) (*model.Alert, error)
	ListThreads(ctx context.Context, f model.ThreadFilter) ([]model.Thread, error)
	RecordObservation(ctx context.Context, t model.Thread, a model.Alert) (bool, error)
	ApplyMisses(ctx context.Context, source model.Source, seen []string, grace int, now time.Time) (db.MissResult, error)
}

// SourceBatch is one source's contribution to a pass. A non-nil Err means
// the fetch failed: its threads get no miss accounting this pass.
type SourceBatch struct {
	Source model.Source
	Alerts []model.Alert
	Err    error
}

// Failure is one alert that could not be written
type Failure struct {
	AlertID  string
	ThreadID string
	Err      error
}

// PassResult summarizes one ingestion pass
type PassResult struct {
	Inserted   int
	Duplicates int
	Skipped    int
	Created    int
	Resolved   int
	Reopened   int
	Unhidden   int
	Hidden     int

	// Seen lists the thread ids observed per source
	Seen          map[model.Source][]string
	FailedSources []model.Source
	Failures      []Failure
}

func (r *PassResult) seen(source model.Source, threadID string) {
	if r.Seen == nil {
		r.Seen = make(map[model.Source][]string)
	}
	for _, id := range r.Seen[source] {
		if id == threadID {
			return
		}
	}
	r.Seen[source] = append(r.Seen[source], threadID)
}

// Engine is the incident threading state machine
type Engine struct {
	store   Store
	log     logrus.FieldLogger
	metrics metrics.Recorder
	events  events.Publisher
	grace   func(time.Time) int
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics sets the counter sink
func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithEvents sets the live-update publisher
func WithEvents(p events.Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithGrace sets the grace period lookup, evaluated once per source per pass
func WithGrace(grace func(time.Time) int) Option {
	return func(e *Engine) { e.grace = grace }
}

// NewEngine creates an engine over store
func NewEngine(store Store, log logrus.FieldLogger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		log:     log,
		metrics: metrics.Noop{},
		events:  events.Noop{},
		grace:   func(time.Time) int { return DefaultGrace },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunPass ingests every successful source batch, then records missed polls
// for the threads each successful source did not report
func (e *Engine) RunPass(ctx context.Context, batches []SourceBatch, now time.Time) PassResult {
	var res PassResult
	var ok []model.Source

	for _, b := range batches {
		if b.Err != nil {
			e.log.WithError(b.Err).WithField("source", b.Source).Warn("source failed, skipping miss accounting")
			e.metrics.Add(metrics.SourceFailures, 1)
			res.FailedSources = append(res.FailedSources, b.Source)
			continue
		}
		e.process(ctx, b.Alerts, now, &res)
		ok = append(ok, b.Source)
	}

	for _, source := range ok {
		grace := e.grace(now)
		miss, err := e.store.ApplyMisses(ctx, source, res.Seen[source], grace, now)
		if err != nil {
			e.log.WithError(err).WithField("source", source).Error("failed to record missed polls")
			continue
		}
		res.Hidden += len(miss.Hidden)
		e.metrics.Add(metrics.ThreadsHidden, uint64(len(miss.Hidden)))
		for _, id := range miss.Hidden {
			e.log.WithFields(logrus.Fields{"source": source, "thread_id": id, "grace": grace}).Info("thread hidden after missed polls")
			e.publish(ctx, events.TableThreads, events.OpUpdate, id, map[string]any{"thread_id": id, "is_hidden": true}, now)
		}
	}

	return res
}

// Process ingests alerts without miss accounting. Used for single-alert
// corrections where the rest of the source was not observed.
func (e *Engine) Process(ctx context.Context, alerts []model.Alert, now time.Time) PassResult {
	var res PassResult
	e.process(ctx, alerts, now, &res)
	return res
}

func (e *Engine) process(ctx context.Context, alerts []model.Alert, now time.Time, res *PassResult) {
	skipped := res.Skipped
	defer func() { e.metrics.Add(metrics.AlertsSkipped, uint64(res.Skipped-skipped)) }()

	for _, a := range alerts {
		if !a.ActiveAt(now) {
			res.Skipped++
			continue
		}
		if err := e.observe(ctx, a, now, res); err != nil {
			res.Failures = append(res.Failures, Failure{AlertID: a.AlertID, ThreadID: a.ThreadID, Err: err})
			e.metrics.Add(metrics.UpsertFailures, 1)
			e.log.WithError(err).WithFields(logrus.Fields{
				"source":    a.Source,
				"alert_id":  a.AlertID,
				"thread_id": a.ThreadID,
				"payload":   a,
			}).Error("failed to record alert")
		}
	}
}

// observe applies one alert: resolve its thread, pick its alert id, merge
// the thread state and write both in order
func (e *Engine) observe(ctx context.Context, a model.Alert, now time.Time, res *PassResult) error {
	resumed := a.HasCategory(model.CategoryServiceResumed)
	if resumed {
		target, err := e.resumeTarget(ctx, a)
		if err != nil {
			return err
		}
		if target == "" {
			res.Skipped++
			e.log.WithFields(logrus.Fields{"source": a.Source, "alert_id": a.AlertID}).Debug("resumed alert matches no open thread")
			return nil
		}
		a.ThreadID = target
	}

	if a.KeyFallback {
		e.metrics.Add(metrics.ElevatorFallbackKey, 1)
		e.log.WithFields(logrus.Fields{"thread_id": a.ThreadID, "key_path": "fallback"}).Warn("elevator keyed without equipment code")
	}

	fresh := true
	prev, err := e.store.GetAlert(ctx, a.AlertID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return err
	case prev.HeaderText != a.HeaderText || prev.DescriptionText != a.DescriptionText:
		a.AlertID = normalize.RevisionID(a.AlertID, a.HeaderText, a.DescriptionText)
		if _, err := e.store.GetAlert(ctx, a.AlertID); err == nil {
			fresh = false
		} else if !errors.Is(err, db.ErrNotFound) {
			return err
		}
	default:
		fresh = false
	}

	thread, created, err := e.mergeThread(ctx, a, resumed, fresh, now, res)
	if err != nil {
		return err
	}

	inserted, err := e.store.RecordObservation(ctx, thread, a)
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	res.seen(a.Source, thread.ThreadID)

	if inserted {
		res.Inserted++
		e.metrics.Add(metrics.AlertsIngested, 1)
		a.ThreadID = thread.ThreadID
		a.IsLatest = true
		e.publish(ctx, events.TableAlerts, events.OpInsert, a.AlertID, a, now)
	} else {
		res.Duplicates++
		e.metrics.Add(metrics.AlertDuplicates, 1)
	}
	if created {
		e.publish(ctx, events.TableThreads, events.OpInsert, thread.ThreadID, thread, now)
	} else if inserted || thread.UpdatedAt.Equal(now) {
		e.publish(ctx, events.TableThreads, events.OpUpdate, thread.ThreadID, thread, now)
	}
	return nil
}

// mergeThread builds the thread row to write for alert a
func (e *Engine) mergeThread(ctx context.Context, a model.Alert, resumed, fresh bool, now time.Time, res *PassResult) (model.Thread, bool, error) {
	existing, err := e.store.GetThread(ctx, a.ThreadID)
	if errors.Is(err, db.ErrNotFound) {
		res.Created++
		e.metrics.Add(metrics.ThreadsCreated, 1)
		t := model.Thread{
			ThreadID:       a.ThreadID,
			Source:         a.Source,
			Title:          a.HeaderText,
			AffectedRoutes: a.AffectedRoutes,
			Categories:     a.Categories,
			KeyFallback:    a.KeyFallback,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastSeenAt:     now,
		}
		return t, true, nil
	}
	if err != nil {
		return model.Thread{}, false, err
	}

	t := *existing
	changed := fresh
	log := e.log.WithFields(logrus.Fields{"source": t.Source, "thread_id": t.ThreadID})

	if a.HeaderText != "" {
		t.Title = a.HeaderText
	}
	t.Categories = a.Categories
	t.AffectedRoutes = extract.MergeRoutes(t.AffectedRoutes, a.AffectedRoutes)
	t.KeyFallback = t.KeyFallback || a.KeyFallback
	t.LastSeenAt = now
	t.MissedPolls = 0

	if t.IsHidden {
		t.IsHidden = false
		changed = true
		res.Unhidden++
		e.metrics.Add(metrics.ThreadsUnhidden, 1)
		log.Info("thread visible again")
	}
	switch {
	case resumed && !t.IsResolved:
		t.IsResolved = true
		t.ResolvedAt = &now
		changed = true
		res.Resolved++
		e.metrics.Add(metrics.ThreadsResolved, 1)
		log.Info("thread resolved")
	case !resumed && t.IsResolved:
		t.IsResolved = false
		t.ResolvedAt = nil
		changed = true
		res.Reopened++
		e.metrics.Add(metrics.ThreadsReopened, 1)
		log.Info("thread reopened")
	}

	if changed {
		t.UpdatedAt = now
	}
	return t, false, nil
}

// resumeTarget finds the thread a resumed alert closes: the thread its
// upstream id is already stored in, else its own key when that thread is
// open, else the most recently updated open visible thread of the same
// source whose base routes overlap. An id already linked to a thread is
// never moved to another one.
func (e *Engine) resumeTarget(ctx context.Context, a model.Alert) (string, error) {
	if prev, err := e.store.GetAlert(ctx, a.AlertID); err == nil {
		if prev.ThreadID != "" {
			return prev.ThreadID, nil
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	if t, err := e.store.GetThread(ctx, a.ThreadID); err == nil {
		if !t.IsResolved && !t.IsHidden {
			return t.ThreadID, nil
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}

	if len(a.AffectedRoutes) == 0 {
		return "", nil
	}
	open, visible := false, false
	threads, err := e.store.ListThreads(ctx, model.ThreadFilter{Source: a.Source, Resolved: &open, Hidden: &visible})
	if err != nil {
		return "", fmt.Errorf("list open threads: %w", err)
	}
	for _, t := range threads {
		if extract.BaseRoutesOverlap(a.AffectedRoutes, t.AffectedRoutes) {
			return t.ThreadID, nil
		}
	}
	return "", nil
}

func (e *Engine) publish(ctx context.Context, table string, op events.Op, key string, v any, now time.Time) {
	ev, err := events.New(table, op, key, v, now)
	if err != nil {
		e.log.WithError(err).Warn("failed to build event")
		return
	}
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.WithError(err).WithField("key", key).Warn("failed to publish event")
		return
	}
	e.metrics.Add(metrics.EventsPublished, 1)
}
