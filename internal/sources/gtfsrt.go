package sources

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"

	"github.com/ttc-alerts/incidents/internal/metrics"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/normalize"
)

// GTFSRT fetches a GTFS-Realtime service alerts feed
type GTFSRT struct {
	httpClient
	url string
}

// NewGTFSRT creates a GTFS-RT alerts client. client and rec may be nil.
func NewGTFSRT(url string, client *http.Client, log logrus.FieldLogger, rec metrics.Recorder) *GTFSRT {
	return &GTFSRT{httpClient: newHTTPClient(client, log, rec), url: url}
}

func (g *GTFSRT) Name() string { return "gtfsrt" }

func (g *GTFSRT) Sources() []model.Source { return []model.Source{model.SourceGTFSRT} }

func (g *GTFSRT) Fetch(ctx context.Context, now time.Time) ([]model.Alert, error) {
	body, err := g.get(ctx, g.url, "application/x-protobuf")
	if err != nil {
		return nil, err
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}
	batch := normalize.GTFSRT(UnpackAlerts(feed), now)
	g.logSkipped(batch.Skipped)
	return batch.Alerts, nil
}

// UnpackAlerts flattens the alert entities of a feed
func UnpackAlerts(feed *gtfs.FeedMessage) []normalize.GTFSRTItem {
	var items []normalize.GTFSRTItem
	for _, entity := range feed.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil {
			continue
		}
		item := normalize.GTFSRTItem{
			EntityID:    entity.GetId(),
			Header:      translation(alert.GetHeaderText()),
			Description: translation(alert.GetDescriptionText()),
			Effect:      alert.GetEffect().String(),
		}
		for _, ie := range alert.GetInformedEntity() {
			if ie.RouteId != nil && *ie.RouteId != "" {
				item.RouteIDs = append(item.RouteIDs, *ie.RouteId)
			}
		}
		for _, period := range alert.GetActivePeriod() {
			var p normalize.Period
			if period.Start != nil {
				p.Start.Time = time.Unix(int64(period.GetStart()), 0).UTC()
			}
			if period.End != nil {
				p.End.Time = time.Unix(int64(period.GetEnd()), 0).UTC()
			}
			item.Periods = append(item.Periods, p)
		}
		items = append(items, item)
	}
	return items
}

// translation picks the English text, falling back to the first translation
func translation(ts *gtfs.TranslatedString) string {
	var first string
	for _, t := range ts.GetTranslation() {
		if t.GetText() == "" {
			continue
		}
		if t.GetLanguage() == "en" || t.GetLanguage() == "en-CA" {
			return t.GetText()
		}
		if first == "" {
			first = t.GetText()
		}
	}
	return first
}
