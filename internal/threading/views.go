package threading

import (
	"strings"

	"github.com/ttc-alerts/incidents/internal/extract"
	"github.com/ttc-alerts/incidents/internal/model"
)

// planned reports whether any category marks a scheduled disruption
func planned(t model.Thread) bool {
	for _, c := range t.Categories {
		if strings.Contains(strings.ToUpper(c), "PLANNED") {
			return true
		}
	}
	return false
}

// malformed reports whether a thread lacks what the live view needs to render it
func malformed(t model.Thread) bool {
	return t.CreatedAt.IsZero() || t.UpdatedAt.IsZero() || strings.TrimSpace(t.Title) == ""
}

// LiveView keeps the visible, well-formed, unplanned threads. Each exclusion
// on its own is enough to drop a thread.
func LiveView(threads []model.Thread) []model.Thread {
	out := make([]model.Thread, 0, len(threads))
	for _, t := range threads {
		if t.IsHidden || malformed(t) || planned(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ScheduledView keeps the visible planned threads
func ScheduledView(threads []model.Thread) []model.Thread {
	out := make([]model.Thread, 0)
	for _, t := range threads {
		if t.IsHidden || malformed(t) || !planned(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Group is a set of threads shown together because their base routes overlap.
// Stored rows are never merged.
type Group struct {
	BaseRoute string         `json:"base_route"`
	Threads   []model.Thread `json:"threads"`
}

// GroupByBaseRoute clusters threads whose base routes overlap. Threads
// without routes each form their own group. Input order is kept within
// and across groups.
func GroupByBaseRoute(threads []model.Thread) []Group {
	var groups []Group
	var bases [][]string

	for _, t := range threads {
		idx := -1
		if len(t.AffectedRoutes) > 0 {
			for i, b := range bases {
				if extract.BaseRoutesOverlap(b, t.AffectedRoutes) {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			groups = append(groups, Group{BaseRoute: groupLabel(t.AffectedRoutes)})
			bases = append(bases, nil)
			idx = len(groups) - 1
		}
		groups[idx].Threads = append(groups[idx].Threads, t)
		bases[idx] = extract.MergeRoutes(bases[idx], t.AffectedRoutes)
	}
	return groups
}

func groupLabel(routes []string) string {
	if len(routes) == 0 {
		return ""
	}
	return extract.BaseRoute(routes[0])
}
