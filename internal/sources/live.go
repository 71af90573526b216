package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
)

// Live fetches the live-alerts JSON, which carries both route alerts and
// the accessibility (elevator) array
type Live struct {
	httpClient
	url string
}

// NewLive creates a live-alerts client. client and rec may be nil.
func NewLive(url string, client *http.Client, log logrus.FieldLogger, rec metrics.Recorder) *Live {
	return &Live{httpClient: newHTTPClient(client, log, rec), url: url}
}

func (l *Live) Name() string { return "live" }

func (l *Live) Sources() []model.Source {
	return []model.Source{model.SourceLive, model.SourceElevator}
}

// FetchFeed returns the decoded payload. Only a malformed document fails;
// single records that do not decode are carried in feed.Rejected.
func (l *Live) FetchFeed(ctx context.Context) (normalize.LiveFeed, error) {
	var feed normalize.LiveFeed
	body, err := l.get(ctx, l.url, "application/json")
	if err != nil {
		return feed, err
	}
	if err := json.Unmarshal(body, &feed); err != nil {
		return feed, fmt.Errorf("failed to decode live alerts: %w", err)
	}
	return feed, nil
}

func (l *Live) Fetch(ctx context.Context, now time.Time) ([]model.Alert, error) {
	feed, err := l.FetchFeed(ctx)
	if err != nil {
		return nil, err
	}
	batch := normalize.Live(feed, now)
	l.logSkipped(batch.Skipped)
	return batch.Alerts, nil
}
