// Package accuracy scores how closely the stored, user-visible alerts track
// the upstream feed. It only observes; nothing here mutates thread state.
package accuracy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/model"
)

// SimilarityThreshold is the minimum Jaccard similarity for a text match
const SimilarityThreshold = 0.3

// Severity classifies a check for alerting consumers
type Severity string

const (
	SeverityHealthy  Severity = "healthy"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Check is the raw result of one comparison
type Check struct {
	CheckID           string       `json:"check_id"`
	CheckedAt         time.Time    `json:"checked_at"`
	Source            model.Source `json:"source"`
	UpstreamCount     int          `json:"upstream_count"`
	StoredCount       int          `json:"stored_count"`
	Matched           int          `json:"matched"`
	Completeness      float64      `json:"completeness"`
	Precision         float64      `json:"precision"`
	Severity          Severity     `json:"severity"`
	UnmatchedUpstream []string     `json:"unmatched_upstream"`
	UnmatchedStored   []string     `json:"unmatched_stored"`
}

// DailyAggregate is the running average of one day's checks for a source
type DailyAggregate struct {
	Day             string       `json:"day"`
	Source          model.Source `json:"source"`
	Completeness    RunningStat  `json:"completeness"`
	Precision       RunningStat  `json:"precision"`
	MinCompleteness float64      `json:"min_completeness"`
	MinPrecision    float64      `json:"min_precision"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Store persists raw checks and daily aggregates
type Store interface {
	RecordCheck(ctx context.Context, c Check) error
	// GetDaily returns nil, nil when no aggregate exists yet
	GetDaily(ctx context.Context, day string, source model.Source) (*DailyAggregate, error)
	SaveDaily(ctx context.Context, d DailyAggregate) error
}

// Compare greedily matches each upstream alert to at most one stored alert
// sharing a route (case-insensitive) with text similarity >= SimilarityThreshold
func Compare(source model.Source, upstream, stored []model.Alert) Check {
	c := Check{
		Source:        source,
		UpstreamCount: len(upstream),
		StoredCount:   len(stored),
	}

	used := make([]bool, len(stored))
	for _, u := range upstream {
		best, bestScore := -1, 0.0
		for j, s := range stored {
			if used[j] || !routesOverlap(u.AffectedRoutes, s.AffectedRoutes) {
				continue
			}
			score := Jaccard(u.HeaderText+" "+u.DescriptionText, s.HeaderText+" "+s.DescriptionText)
			if score >= SimilarityThreshold && score > bestScore {
				best, bestScore = j, score
			}
		}
		if best < 0 {
			c.UnmatchedUpstream = append(c.UnmatchedUpstream, u.AlertID)
			continue
		}
		used[best] = true
		c.Matched++
	}
	for j, s := range stored {
		if !used[j] {
			c.UnmatchedStored = append(c.UnmatchedStored, s.AlertID)
		}
	}

	c.Completeness = percent(c.Matched, c.UpstreamCount)
	c.Precision = percent(c.Matched, c.StoredCount)
	c.Severity = Classify(c.Completeness, c.Precision)
	return c
}

// Classify maps scores to a severity
func Classify(completeness, precision float64) Severity {
	switch {
	case completeness >= 95 && precision >= 98:
		return SeverityHealthy
	case completeness >= 80 && precision >= 90:
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

// Jaccard is the similarity of the lowercase whitespace-separated word sets of a and b
func Jaccard(a, b string) float64 {
	setA, setB := wordSet(a), wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = true
	}
	return set
}

func routesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(strings.TrimSpace(x), strings.TrimSpace(y)) {
				return true
			}
		}
	}
	return false
}

// percent is num/den as a percentage rounded to 2 decimals, 100 for an empty denominator
func percent(num, den int) float64 {
	if den == 0 {
		return 100
	}
	return math.Round(float64(num)/float64(den)*10000) / 100
}

// Monitor runs comparisons and keeps the daily aggregate current
type Monitor struct {
	store Store
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewMonitor creates a monitor writing to store
func NewMonitor(store Store, log logrus.FieldLogger) *Monitor {
	return &Monitor{store: store, log: log, now: time.Now}
}

// Run compares one source's upstream and visible alerts, records the raw
// check and folds it into the day's running average
func (m *Monitor) Run(ctx context.Context, source model.Source, upstream, stored []model.Alert) (Check, error) {
	now := m.now().UTC()
	c := Compare(source, upstream, stored)
	c.CheckID = uuid.NewString()
	c.CheckedAt = now

	if err := m.store.RecordCheck(ctx, c); err != nil {
		return c, fmt.Errorf("failed to record accuracy check: %w", err)
	}

	day := now.Format("2006-01-02")
	agg, err := m.store.GetDaily(ctx, day, source)
	if err != nil {
		return c, fmt.Errorf("failed to load daily aggregate: %w", err)
	}
	if agg == nil {
		agg = &DailyAggregate{Day: day, Source: source, MinCompleteness: 100, MinPrecision: 100}
	}
	agg.Completeness.Update(c.Completeness)
	agg.Precision.Update(c.Precision)
	agg.MinCompleteness = math.Min(agg.MinCompleteness, c.Completeness)
	agg.MinPrecision = math.Min(agg.MinPrecision, c.Precision)
	agg.UpdatedAt = now
	if err := m.store.SaveDaily(ctx, *agg); err != nil {
		return c, fmt.Errorf("failed to save daily aggregate: %w", err)
	}

	entry := m.log.WithFields(logrus.Fields{
		"source":       source,
		"completeness": c.Completeness,
		"precision":    c.Precision,
		"severity":     c.Severity,
	})
	switch c.Severity {
	case SeverityHealthy:
		entry.Debug("accuracy check")
	case SeverityWarning:
		entry.Warn("accuracy check degraded")
	default:
		entry.WithField("unmatched_upstream", c.UnmatchedUpstream).Error("accuracy check critical")
	}
	return c, nil
}
