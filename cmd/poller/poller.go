package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/accuracy"
	"github.com/ttc-alerts/incidents/internal/config"
	"github.com/ttc-alerts/incidents/internal/db"
	"github.com/ttc-alerts/incidents/internal/events"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
	"github.com/ttc-alerts/incidents/internal/sources"
	"github.com/ttc-alerts/incidents/internal/threading"
	"github.com/ttc-alerts/incidents/internal/verify"
)

type poller struct {
	cfg         *config.Config
	db          *db.DB
	log         logrus.FieldLogger
	events      events.Publisher
	fetchers    []sources.Fetcher
	engine      *threading.Engine
	verifier    *verify.Verifier
	monitor     *accuracy.Monitor
	maintenance *sources.Maintenance

	lastAccuracy time.Time
}

// loop runs fn every interval until ctx is done
func (p *poller) loop(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	if interval <= 0 {
		p.log.WithField("loop", name).Info("Loop disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			p.log.WithField("loop", name).Info("Loop stopped")
			return
		}
	}
}

// pollOnce fetches every source, runs one threading pass and, when due,
// scores the visible alerts against what upstream just returned
func (p *poller) pollOnce(ctx context.Context) {
	now := time.Now().UTC()
	log := p.log.WithField("run_id", uuid.NewString())
	start := time.Now()

	results := sources.FetchAll(ctx, p.fetchers, p.cfg.SourceTimeout, now, log)
	batches := make([]threading.SourceBatch, 0, len(results))
	for _, r := range results {
		batches = append(batches, threading.SourceBatch{Source: r.Source, Alerts: r.Alerts, Err: r.Err})
	}

	res := p.engine.RunPass(ctx, batches, now)
	for _, f := range res.Failures {
		log.WithError(f.Err).WithFields(logrus.Fields{
			"alert_id":  f.AlertID,
			"thread_id": f.ThreadID,
		}).Error("Failed to store alert")
	}
	log.WithFields(logrus.Fields{
		"inserted":       res.Inserted,
		"duplicates":     res.Duplicates,
		"skipped":        res.Skipped,
		"created":        res.Created,
		"resolved":       res.Resolved,
		"reopened":       res.Reopened,
		"unhidden":       res.Unhidden,
		"hidden":         res.Hidden,
		"failed_sources": res.FailedSources,
		"failures":       len(res.Failures),
		"duration":       time.Since(start).Round(time.Millisecond),
	}).Info("Poll pass complete")

	if p.cfg.AccuracyInterval > 0 && now.Sub(p.lastAccuracy) >= p.cfg.AccuracyInterval {
		p.lastAccuracy = now
		p.checkAccuracy(ctx, results, now, log)
	}
}

func (p *poller) checkAccuracy(ctx context.Context, results []sources.Result, now time.Time, log logrus.FieldLogger) {
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		upstream := upstreamVisible(r.Alerts, now)
		stored, err := p.db.VisibleLatestAlerts(ctx, r.Source)
		if err != nil {
			log.WithError(err).WithField("source", r.Source).Error("Failed to load visible alerts")
			continue
		}
		if _, err := p.monitor.Run(ctx, r.Source, upstream, stored); err != nil {
			log.WithError(err).WithField("source", r.Source).Error("Accuracy check failed")
		}
	}
}

// upstreamVisible keeps the upstream alerts a user should currently see
func upstreamVisible(alerts []model.Alert, now time.Time) []model.Alert {
	var out []model.Alert
	for _, a := range normalize.FilterActive(alerts, now) {
		if !a.HasCategory(model.CategoryServiceResumed) {
			out = append(out, a)
		}
	}
	return out
}

func (p *poller) verifyAll(ctx context.Context) {
	for _, target := range p.verifier.Targets() {
		report, err := p.verifier.Verify(ctx, target, time.Now().UTC())
		log := p.log.WithField("target", target)
		if err != nil {
			log.WithError(err).Error("Verification failed")
			continue
		}
		entry := log.WithFields(logrus.Fields{
			"upstream":       report.UpstreamCount,
			"visible_before": report.VisibleBefore,
			"visible_after":  report.VisibleAfter,
			"created":        len(report.Created),
			"restored":       len(report.Restored),
			"hidden":         len(report.Hidden),
		})
		if report.Success {
			entry.Info(report.Summary)
		} else {
			entry.WithField("failed", report.Failed).Warn(report.Summary)
		}
	}
}

func (p *poller) scrapeMaintenance(ctx context.Context) {
	if p.maintenance == nil {
		return
	}
	now := time.Now().UTC()
	res := p.maintenance.Scrape(ctx, p.cfg.MaintenanceRoutes, now)
	if err := p.db.UpsertClosures(ctx, res.Closures, now); err != nil {
		p.log.WithError(err).Error("Failed to store maintenance closures")
		return
	}

	fields := logrus.Fields{"closures": len(res.Closures), "failed_routes": res.Failed}
	// A partial scrape cannot prove a closure was withdrawn
	if len(res.Failed) == 0 {
		keys := make([]string, 0, len(res.Closures))
		for _, c := range res.Closures {
			keys = append(keys, c.ClosureKey)
		}
		n, err := p.db.DeactivateClosures(ctx, keys, now)
		if err != nil {
			p.log.WithError(err).Error("Failed to deactivate maintenance closures")
		}
		fields["deactivated"] = n
	}
	p.log.WithFields(fields).Info("Maintenance scrape complete")
}

func (p *poller) cleanup(ctx context.Context) {
	now := time.Now().UTC()
	res, err := p.db.Cleanup(ctx, p.cfg.RetentionDuration, p.cfg.ThreadTTL, now)
	if err != nil {
		p.log.WithError(err).Error("Cleanup failed")
		return
	}
	published := p.publishDeletes(ctx, events.TableAlerts, res.AlertIDs, now) +
		p.publishDeletes(ctx, events.TableThreads, res.ThreadIDs, now)
	p.log.WithFields(logrus.Fields{
		"alerts":    res.Alerts,
		"unlinked":  res.Unlinked,
		"threads":   res.Threads,
		"closures":  res.Closures,
		"published": published,
	}).Info("Cleanup complete")
}

// publishDeletes announces removed rows and returns how many were delivered
func (p *poller) publishDeletes(ctx context.Context, table string, ids []string, now time.Time) int {
	if p.events == nil {
		return 0
	}
	n := 0
	for _, id := range ids {
		ev, err := events.New(table, events.OpDelete, id, nil, now)
		if err == nil {
			err = p.events.Publish(ctx, ev)
		}
		if err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{"table": table, "key": id}).Warn("Failed to publish delete")
			continue
		}
		n++
	}
	return n
}
