package verify

import (
	"context"
	"time"

	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/sources"
)

// resolveByDefault lists targets whose stale threads are resolved as well as
// hidden unless overridden. Elevator outages and speed zones have no
// "resumed" notice upstream, so absence is the only end signal.
var resolveByDefault = map[model.Source]bool{
	model.SourceElevator: true,
	model.SourceRSZ:      true,
}

// OptionsFunc returns per-target overrides: disabled and an optional
// resolve-stale flag
type OptionsFunc func(target string) (disabled bool, resolveStale *bool)

// SourceTargets builds one target per source carried by the fetchers. A
// fetcher carrying several sources is fetched once per verification of
// each. opts may be nil.
func SourceTargets(fetchers []sources.Fetcher, opts OptionsFunc) []Target {
	var targets []Target
	for _, f := range fetchers {
		for _, source := range f.Sources() {
			name := string(source)
			resolve := resolveByDefault[source]
			if opts != nil {
				disabled, override := opts(name)
				if disabled {
					continue
				}
				if override != nil {
					resolve = *override
				}
			}
			targets = append(targets, Target{
				Name:   name,
				Source: source,
				Fetch: func(ctx context.Context) ([]model.Alert, error) {
					ctx, cancel := context.WithTimeout(ctx, sources.DefaultTimeout)
					defer cancel()
					return f.Fetch(ctx, time.Now().UTC())
				},
				ResolveStale: resolve,
			})
		}
	}
	return targets
}
