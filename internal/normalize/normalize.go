// Package normalize converts each upstream alert shape into the canonical
// model.Alert with a deterministic id. Shape quirks (object-or-array fields,
// string-or-number ids, loose timestamps) stop at this boundary.
package normalize

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ttc-alerts/incidents/internal/extract"
	"github.com/ttc-alerts/incidents/internal/model"
)

var (
	textPolicy = bluemonday.StrictPolicy()
	spaceRegex = regexp.MustCompile(`\s+`)

	// rszLocationRegex parses "Southbound Eglinton to Davisville"
	rszLocationRegex = regexp.MustCompile(`(?i)^\s*((?:north|south|east|west)bound)?\s*(.+?)\s+to\s+(.+?)\s*$`)
)

// Skip records an upstream record that could not be normalized
type Skip struct {
	Source model.Source
	ID     string
	Reason string
}

// Batch is the result of normalizing one upstream payload
type Batch struct {
	Alerts  []model.Alert
	Skipped []Skip
}

func (b *Batch) skip(source model.Source, id, reason string) {
	b.Skipped = append(b.Skipped, Skip{Source: source, ID: id, Reason: reason})
}

// EffectMap maps upstream effect spellings onto the canonical vocabulary
var EffectMap = map[string]model.Effect{
	"NO_SERVICE":          model.EffectNoService,
	"REDUCED_SERVICE":     model.EffectReducedService,
	"SIGNIFICANT_DELAYS":  model.EffectSignificantDelays,
	"SIGNIFICANT_DELAY":   model.EffectSignificantDelays,
	"DELAY":               model.EffectSignificantDelays,
	"DELAYS":              model.EffectSignificantDelays,
	"DETOUR":              model.EffectDetour,
	"ADDITIONAL_SERVICE":  model.EffectAdditionalService,
	"MODIFIED_SERVICE":    model.EffectModifiedService,
	"OTHER_EFFECT":        model.EffectOtherEffect,
	"UNKNOWN_EFFECT":      model.EffectUnknownEffect,
	"STOP_MOVED":          model.EffectStopMoved,
	"NO_EFFECT":           model.EffectNoEffect,
	"ACCESSIBILITY_ISSUE": model.EffectAccessibility,
	"ACCESSIBILITY":       model.EffectAccessibility,
	"ELEVATOR":            model.EffectAccessibility,
	"REDUCED_SPEED_ZONE":  model.EffectReducedSpeedZone,
	"REDUCED_SPEED":       model.EffectReducedSpeedZone,
	"RSZ":                 model.EffectReducedSpeedZone,
}

// ParseEffect normalizes an upstream effect code. Unknown codes are kept
// verbatim so the category extractor scores them conservatively.
func ParseEffect(raw string) model.Effect {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.NewReplacer(" ", "_", "-", "_").Replace(code)
	if code == "" {
		return model.EffectUnknownEffect
	}
	if e, ok := EffectMap[code]; ok {
		return e
	}
	return model.Effect(code)
}

// CleanText strips markup and collapses whitespace
func CleanText(s string) string {
	s = html.UnescapeString(textPolicy.Sanitize(s))
	return strings.TrimSpace(spaceRegex.ReplaceAllString(s, " "))
}

// Live normalizes the routes and accessibility arrays of a live-alerts payload
func Live(feed LiveFeed, now time.Time) Batch {
	batch := Batch{Skipped: append([]Skip(nil), feed.Rejected...)}
	for _, item := range feed.Routes {
		alert, reason := liveAlert(item, now)
		if reason != "" {
			batch.skip(model.SourceLive, item.ID.String(), reason)
			continue
		}
		batch.Alerts = append(batch.Alerts, alert)
	}
	elevators := Elevators(feed.Accessibility, now)
	batch.Alerts = append(batch.Alerts, elevators.Alerts...)
	batch.Skipped = append(batch.Skipped, elevators.Skipped...)
	return batch
}

func liveAlert(item LiveItem, now time.Time) (model.Alert, string) {
	id := item.ID.String()
	if id == "" {
		return model.Alert{}, "missing id"
	}

	header := CleanText(item.HeaderText)
	if header == "" {
		header = CleanText(item.Title)
	}
	description := CleanText(item.Description)
	if description == "" {
		description = CleanText(item.EffectDesc)
	}

	windows, err := windowsOf(item.ChildAlerts, item.ActivePeriod)
	if err != nil {
		return model.Alert{}, err.Error()
	}

	var upstreamRoutes []string
	for _, r := range strings.Split(item.Route.String(), ",") {
		if r = strings.TrimSpace(r); r != "" {
			upstreamRoutes = append(upstreamRoutes, r)
		}
	}
	routes := extract.MergeRoutes(upstreamRoutes, extract.Routes(header))

	var stops []string
	for _, s := range item.Stops {
		if name := strings.TrimSpace(s.Name); name != "" {
			stops = append(stops, name)
		}
	}

	effect := ParseEffect(item.Effect)
	return model.Alert{
		AlertID:         LiveAlertID(id),
		ThreadID:        IncidentThreadID(model.SourceLive, routes, header, stops, id),
		Source:          model.SourceLive,
		HeaderText:      header,
		DescriptionText: description,
		Effect:          effect,
		Categories:      extract.Categorize(header, description, effect),
		AffectedRoutes:  routes,
		CreatedAt:       now,
		UpdatedAt:       now,
		Windows:         windows,
	}, ""
}

// windowsOf collects scheduled windows. One unparseable timestamp rejects the record.
func windowsOf(children []ChildAlert, periods []Period) ([]model.Window, error) {
	var windows []model.Window
	add := func(start, end FlexTime) error {
		if start.Invalid || end.Invalid {
			return fmt.Errorf("unparseable active window %q..%q", start.Raw, end.Raw)
		}
		if start.Time.IsZero() && end.Time.IsZero() {
			return nil
		}
		windows = append(windows, model.Window{Start: start.Time, End: end.Time})
		return nil
	}
	for _, c := range children {
		if err := add(c.StartTime, c.EndTime); err != nil {
			return nil, err
		}
	}
	for _, p := range periods {
		if err := add(p.Start, p.End); err != nil {
			return nil, err
		}
	}
	return windows, nil
}

// Elevators normalizes elevator/escalator status entries
func Elevators(items []ElevatorItem, now time.Time) Batch {
	var batch Batch
	for _, item := range items {
		header := CleanText(item.HeaderText)
		if header == "" {
			batch.skip(model.SourceElevator, item.ID.String(), "missing header text")
			continue
		}
		station := strings.TrimSpace(item.Station)
		if station == "" {
			station, _ = extract.At(header)
		}
		code := strings.TrimSpace(item.ElevatorCode)
		if code == "" && station == "" {
			batch.skip(model.SourceElevator, item.ID.String(), "no equipment code or station")
			continue
		}

		alertID, threadID, fallback := ElevatorIDs(code, station, header)
		effect := ParseEffect(item.Effect)
		if effect == model.EffectUnknownEffect {
			effect = model.EffectAccessibility
		}
		batch.Alerts = append(batch.Alerts, model.Alert{
			AlertID:        alertID,
			ThreadID:       threadID,
			Source:         model.SourceElevator,
			HeaderText:     header,
			Effect:         effect,
			Categories:     extract.Categorize(header, "", effect),
			AffectedRoutes: extract.Routes(header),
			CreatedAt:      now,
			UpdatedAt:      now,
			KeyFallback:    fallback,
		})
	}
	return batch
}

// RSZ normalizes scraped reduced-speed-zone rows
func RSZ(rows []RSZRow, now time.Time) Batch {
	var batch Batch
	for _, row := range rows {
		location := strings.TrimSpace(spaceRegex.ReplaceAllString(row.Location, " "))
		m := rszLocationRegex.FindStringSubmatch(location)
		line := extract.MergeRoutes([]string{row.Line}, nil)
		if m == nil || len(line) == 0 {
			batch.skip(model.SourceRSZ, row.Line+"/"+row.Location, "unparseable location")
			continue
		}
		direction, from, to := m[1], m[2], m[3]

		alertID, threadID := RSZIDs(line[0], from, to)
		header := fmt.Sprintf("Line %s: Reduced speed zone %s", line[0], location)
		description := rszDescription(row, direction)

		batch.Alerts = append(batch.Alerts, model.Alert{
			AlertID:         alertID,
			ThreadID:        threadID,
			Source:          model.SourceRSZ,
			HeaderText:      header,
			DescriptionText: description,
			Effect:          model.EffectReducedSpeedZone,
			Categories:      extract.Categorize(header, description, model.EffectReducedSpeedZone),
			AffectedRoutes:  line,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	return batch
}

func rszDescription(row RSZRow, direction string) string {
	var parts []string
	if direction != "" {
		parts = append(parts, "Direction: "+direction)
	}
	if v := strings.ReplaceAll(strings.TrimSpace(row.DefectLength), ",", ""); v != "" {
		parts = append(parts, "Defect length: "+v+" m")
	}
	if v := strings.TrimSpace(row.PercentAffected); v != "" {
		parts = append(parts, "Track affected: "+v)
	}
	if v := strings.TrimSpace(row.ReducedSpeed); v != "" {
		parts = append(parts, "Reduced speed: "+v)
	}
	if v := strings.TrimSpace(row.NormalSpeed); v != "" {
		parts = append(parts, "Normal speed: "+v)
	}
	if v := CleanText(row.Reason); v != "" {
		parts = append(parts, "Reason: "+v)
	}
	if v := strings.TrimSpace(row.TargetRemoval); v != "" {
		parts = append(parts, "Target removal: "+v)
	}
	return strings.Join(parts, "; ")
}

// GTFSRT normalizes unpacked GTFS-RT service alert entities
func GTFSRT(items []GTFSRTItem, now time.Time) Batch {
	var batch Batch
	for _, item := range items {
		header := CleanText(item.Header)
		if item.EntityID == "" || header == "" {
			batch.skip(model.SourceGTFSRT, item.EntityID, "missing id or header text")
			continue
		}
		windows, err := windowsOf(nil, item.Periods)
		if err != nil {
			batch.skip(model.SourceGTFSRT, item.EntityID, err.Error())
			continue
		}
		description := CleanText(item.Description)
		routes := extract.MergeRoutes(item.RouteIDs, extract.Routes(header))
		effect := ParseEffect(item.Effect)

		batch.Alerts = append(batch.Alerts, model.Alert{
			AlertID:         GTFSRTAlertID(item.EntityID),
			ThreadID:        IncidentThreadID(model.SourceGTFSRT, routes, header, nil, item.EntityID),
			Source:          model.SourceGTFSRT,
			HeaderText:      header,
			DescriptionText: description,
			Effect:          effect,
			Categories:      extract.Categorize(header, description, effect),
			AffectedRoutes:  routes,
			CreatedAt:       now,
			UpdatedAt:       now,
			Windows:         windows,
		})
	}
	return batch
}

// FilterActive keeps the alerts whose declared windows include now
func FilterActive(alerts []model.Alert, now time.Time) []model.Alert {
	active := make([]model.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.ActiveAt(now) {
			active = append(active, a)
		}
	}
	return active
}
