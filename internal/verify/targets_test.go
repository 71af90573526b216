package verify

import (
	"context"
	"testing"
	"time"

	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/sources"
)

type multiFetcher struct {
	name    string
	sources []model.Source
	calls   int
}

func (f *multiFetcher) Name() string            { return f.name }
func (f *multiFetcher) Sources() []model.Source { return f.sources }
func (f *multiFetcher) Fetch(context.Context, time.Time) ([]model.Alert, error) {
	f.calls++
	return []model.Alert{{AlertID: "a1", ThreadID: "live:1", Source: model.SourceLive}}, nil
}

func TestSourceTargets(t *testing.T) {
	live := &multiFetcher{name: "live", sources: []model.Source{model.SourceLive, model.SourceElevator}}
	rsz := &multiFetcher{name: "rsz", sources: []model.Source{model.SourceRSZ}}
	keep := false

	tests := []struct {
		name        string
		opts        OptionsFunc
		wantTargets map[string]bool // name -> ResolveStale
	}{
		{
			name: "defaults",
			wantTargets: map[string]bool{
				"live":     false,
				"elevator": true,
				"rsz":      true,
			},
		},
		{
			name: "overrides",
			opts: func(target string) (bool, *bool) {
				switch target {
				case "elevator":
					return true, nil
				case "rsz":
					return false, &keep
				}
				return false, nil
			},
			wantTargets: map[string]bool{
				"live": false,
				"rsz":  false,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			targets := SourceTargets([]sources.Fetcher{live, rsz}, tt.opts)
			if len(targets) != len(tt.wantTargets) {
				t.Fatalf("got %d targets, want %d", len(targets), len(tt.wantTargets))
			}
			for _, target := range targets {
				want, ok := tt.wantTargets[target.Name]
				if !ok {
					t.Errorf("unexpected target %s", target.Name)
					continue
				}
				if target.ResolveStale != want {
					t.Errorf("%s: ResolveStale = %v, want %v", target.Name, target.ResolveStale, want)
				}
				if string(target.Source) != target.Name {
					t.Errorf("%s: source = %s", target.Name, target.Source)
				}
			}
		})
	}

	live.calls = 0
	targets := SourceTargets([]sources.Fetcher{live}, nil)
	if _, err := targets[1].Fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if live.calls != 1 {
		t.Errorf("elevator target fetched %d times, want 1", live.calls)
	}
}
