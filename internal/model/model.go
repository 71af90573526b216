// Package model holds the canonical records shared by the ingestion engine,
// the reconciliation verifier and the API.
package model

import (
	"strings"
	"time"
)

// Source identifies the upstream feed an alert was observed on
type Source string

const (
	SourceLive     Source = "live"
	SourceRSZ      Source = "rsz"
	SourceElevator Source = "elevator"
	SourceGTFSRT   Source = "gtfsrt"
)

// AllSources returns every upstream source type
func AllSources() []Source {
	return []Source{SourceLive, SourceRSZ, SourceElevator, SourceGTFSRT}
}

// Effect is the upstream effect code, normalized to the GTFS-RT vocabulary
type Effect string

const (
	EffectNoService         Effect = "NO_SERVICE"
	EffectReducedService    Effect = "REDUCED_SERVICE"
	EffectSignificantDelays Effect = "SIGNIFICANT_DELAYS"
	EffectDetour            Effect = "DETOUR"
	EffectAdditionalService Effect = "ADDITIONAL_SERVICE"
	EffectModifiedService   Effect = "MODIFIED_SERVICE"
	EffectOtherEffect       Effect = "OTHER_EFFECT"
	EffectUnknownEffect     Effect = "UNKNOWN_EFFECT"
	EffectStopMoved         Effect = "STOP_MOVED"
	EffectNoEffect          Effect = "NO_EFFECT"
	EffectAccessibility     Effect = "ACCESSIBILITY_ISSUE"
	EffectReducedSpeedZone  Effect = "REDUCED_SPEED_ZONE"
)

// Category tags. An alert carries one primary category and, except for
// accessibility and resumed alerts, one severity tier.
const (
	CategoryServiceResumed    = "SERVICE_RESUMED"
	CategoryReducedSpeedZone  = "RSZ"
	CategoryAccessibility     = "ACCESSIBILITY"
	CategoryServiceDisruption = "SERVICE_DISRUPTION"
	CategoryDelay             = "DELAY"
	CategoryDiversion         = "DIVERSION"
	CategoryPlannedClosure    = "PLANNED_CLOSURE"
	CategoryUnknown           = "UNKNOWN"

	TierMajor = "MAJOR"
	TierMinor = "MINOR"
)

// Window is a declared active period. A zero Start or End is unbounded on that side.
type Window struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

// Alert is one immutable observation of service state
type Alert struct {
	AlertID         string    `json:"alert_id"`
	ThreadID        string    `json:"thread_id,omitempty"`
	Source          Source    `json:"source"`
	HeaderText      string    `json:"header_text"`
	DescriptionText string    `json:"description_text"`
	Effect          Effect    `json:"effect"`
	Categories      []string  `json:"categories"`
	AffectedRoutes  []string  `json:"affected_routes"`
	IsLatest        bool      `json:"is_latest"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Not persisted. Windows gate whether a scheduled alert counts as active,
	// KeyFallback marks ids derived from the approximate elevator fallback.
	Windows     []Window `json:"-"`
	KeyFallback bool     `json:"-"`
}

// ActiveAt reports whether the alert is currently in effect. Alerts without
// declared windows are always active.
func (a Alert) ActiveAt(t time.Time) bool {
	if len(a.Windows) == 0 {
		return true
	}
	for _, w := range a.Windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// HasCategory reports whether the alert carries the given tag
func (a Alert) HasCategory(c string) bool {
	return containsFold(a.Categories, c)
}

// ThreadState is the lifecycle position of a thread, derived from the two stored flags
type ThreadState string

const (
	StateOpen     ThreadState = "open"
	StateResolved ThreadState = "resolved"
	StateHidden   ThreadState = "hidden"
)

// Thread groups the alerts believed to describe one real-world disruption
type Thread struct {
	ThreadID       string     `json:"thread_id"`
	Source         Source     `json:"source"`
	Title          string     `json:"title"`
	AffectedRoutes []string   `json:"affected_routes"`
	Categories     []string   `json:"categories"`
	IsResolved     bool       `json:"is_resolved"`
	IsHidden       bool       `json:"is_hidden"`
	MissedPolls    int        `json:"missed_polls"`
	KeyFallback    bool       `json:"key_fallback"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// State collapses the stored flags into one lifecycle state
func (t Thread) State() ThreadState {
	switch {
	case t.IsHidden:
		return StateHidden
	case t.IsResolved:
		return StateResolved
	default:
		return StateOpen
	}
}

// HasCategory reports whether the thread carries the given tag
func (t Thread) HasCategory(c string) bool {
	return containsFold(t.Categories, c)
}

// MaintenanceClosure is a planned, dated closure scraped from the agency site
type MaintenanceClosure struct {
	ClosureKey  string    `json:"closure_key"`
	Route       string    `json:"route"`
	RouteName   string    `json:"route_name"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	IsActive    bool      `json:"is_active"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// ThreadFilter selects stored threads. Nil flags match both values.
type ThreadFilter struct {
	Source   Source
	Resolved *bool
	Hidden   *bool
	Route    string
	Category string
	Limit    int
}

// AlertFilter selects stored alerts
type AlertFilter struct {
	ThreadID string
	Since    time.Time
	Until    time.Time
	Effect   Effect
	Latest   *bool
	Limit    int
}
