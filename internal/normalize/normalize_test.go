package normalize

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ttc-alerts/incidents/internal/model"
)

var testNow = time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC)

func decodeFeed(t *testing.T, raw string) LiveFeed {
	t.Helper()
	var feed LiveFeed
	if err := json.Unmarshal([]byte(raw), &feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	return feed
}

func TestOneOrMany(t *testing.T) {
	single := decodeFeed(t, `{"routes": {"id": 1, "headerText": "504 King: Delays"}}`)
	if len(single.Routes) != 1 || single.Routes[0].ID != "1" {
		t.Fatalf("single object: got %+v", single.Routes)
	}

	many := decodeFeed(t, `{"routes": [{"id": "a"}, {"id": "b"}], "accessibility": null}`)
	if len(many.Routes) != 2 || many.Routes[1].ID != "b" {
		t.Fatalf("array: got %+v", many.Routes)
	}
	if many.Accessibility != nil {
		t.Errorf("null accessibility should decode to nil, got %+v", many.Accessibility)
	}
}

func TestFlexTime(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Time
		invalid bool
	}{
		{`"2026-03-02T08:00:00Z"`, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), false},
		{`"2026-03-02 08:00:00"`, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), false},
		{`1772438400`, time.Unix(1772438400, 0).UTC(), false},
		{`1772438400000`, time.UnixMilli(1772438400000).UTC(), false},
		{`"1772438400"`, time.Unix(1772438400, 0).UTC(), false},
		{`""`, time.Time{}, false},
		{`null`, time.Time{}, false},
		{`"next tuesday"`, time.Time{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			var ft FlexTime
			if err := json.Unmarshal([]byte(tc.raw), &ft); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ft.Invalid != tc.invalid {
				t.Errorf("Invalid = %v, want %v", ft.Invalid, tc.invalid)
			}
			if !ft.Time.Equal(tc.want) {
				t.Errorf("Time = %v, want %v", ft.Time, tc.want)
			}
		})
	}
}

func TestLive(t *testing.T) {
	feed := decodeFeed(t, `{
		"routes": [
			{"id": 9911, "headerText": "504 King: No service between Dufferin and Lansdowne",
			 "description": "<p>Shuttle buses   operating</p>", "effect": "NO_SERVICE", "route": "504"},
			{"id": "bad", "headerText": "505 Dundas: Detour",
			 "activePeriod": {"start": "whenever", "end": ""}},
			{"headerText": "no id at all"}
		],
		"accessibility": [
			{"id": "e1", "headerText": "Elevator out of service at Union Station", "elevatorCode": "UN-12", "station": "Union"}
		]
	}`)

	batch := Live(feed, testNow)
	if len(batch.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %+v", len(batch.Alerts), batch.Alerts)
	}
	if len(batch.Skipped) != 2 {
		t.Fatalf("expected 2 skipped records, got %+v", batch.Skipped)
	}

	king := batch.Alerts[0]
	if king.AlertID != "live-9911" {
		t.Errorf("AlertID = %q", king.AlertID)
	}
	if king.ThreadID != "live:504:dufferin-lansdowne" {
		t.Errorf("ThreadID = %q", king.ThreadID)
	}
	if king.DescriptionText != "Shuttle buses operating" {
		t.Errorf("DescriptionText = %q", king.DescriptionText)
	}
	if !reflect.DeepEqual(king.AffectedRoutes, []string{"504"}) {
		t.Errorf("AffectedRoutes = %v", king.AffectedRoutes)
	}
	if !reflect.DeepEqual(king.Categories, []string{model.CategoryServiceDisruption, model.TierMajor}) {
		t.Errorf("Categories = %v", king.Categories)
	}

	elev := batch.Alerts[1]
	if elev.AlertID != "elev-un12" || elev.ThreadID != "elevator:un12" || elev.KeyFallback {
		t.Errorf("elevator ids = %q %q fallback=%v", elev.AlertID, elev.ThreadID, elev.KeyFallback)
	}
	if elev.Effect != model.EffectAccessibility {
		t.Errorf("elevator effect = %q", elev.Effect)
	}
}

func TestLiveIsIdempotent(t *testing.T) {
	raw := `{"routes": [{"id": 7, "headerText": "Line 2: Delays between Kipling and Islington", "effect": "SIGNIFICANT_DELAYS"}]}`
	first := Live(decodeFeed(t, raw), testNow)
	second := Live(decodeFeed(t, raw), testNow.Add(time.Minute))
	if first.Alerts[0].AlertID != second.Alerts[0].AlertID || first.Alerts[0].ThreadID != second.Alerts[0].ThreadID {
		t.Errorf("keys differ across polls: %+v vs %+v", first.Alerts[0], second.Alerts[0])
	}
}

func TestLiveRejectsBadRecordOnly(t *testing.T) {
	feed := decodeFeed(t, `{
		"routes": [
			{"id": "ok", "headerText": "504 King: Delays near Spadina", "effect": "SIGNIFICANT_DELAYS"},
			{"id": 42, "headerText": "505 Dundas: Detour", "stops": [42]},
			{"id": "typed", "headerText": {"en": "nested"}}
		],
		"accessibility": [
			{"id": "E1", "elevatorCode": "77", "headerText": "Elevator out of service at Union"},
			{"id": "E2", "station": ["Union"]}
		]
	}`)

	batch := Live(feed, testNow)
	if len(batch.Alerts) != 2 {
		t.Fatalf("alerts = %d, want 2: %+v", len(batch.Alerts), batch.Alerts)
	}
	if batch.Alerts[0].AlertID != "live-ok" {
		t.Errorf("first alert = %q", batch.Alerts[0].AlertID)
	}

	want := map[string]model.Source{"42": model.SourceLive, "typed": model.SourceLive, "E2": model.SourceElevator}
	if len(batch.Skipped) != len(want) {
		t.Fatalf("skipped = %+v, want %d entries", batch.Skipped, len(want))
	}
	for _, s := range batch.Skipped {
		if want[s.ID] != s.Source {
			t.Errorf("unexpected skip %+v", s)
		}
		if !strings.HasPrefix(s.Reason, "undecodable record") {
			t.Errorf("%s: reason = %q", s.ID, s.Reason)
		}
	}
}

func TestStationPairOrderIndependent(t *testing.T) {
	a := IncidentThreadID(model.SourceLive, []string{"2"}, "Line 2: No service between Kipling and Islington", nil, "1")
	b := IncidentThreadID(model.SourceLive, []string{"2"}, "Line 2: Shuttles between Islington and Kipling", nil, "2")
	if a != b {
		t.Errorf("expected same thread key, got %q and %q", a, b)
	}
}

func TestRSZDedup(t *testing.T) {
	poll1 := []RSZRow{
		{Line: "1", Location: "Southbound Eglinton to Davisville", DefectLength: "1,200", ReducedSpeed: "25 km/h"},
		{Line: "1", Location: "Northbound St Clair to Summerhill"},
	}
	poll2 := []RSZRow{
		{Line: "Line 1", Location: "Northbound  St Clair to Summerhill "},
		{Line: "1", Location: " Southbound   Eglinton to Davisville", DefectLength: "1,200", ReducedSpeed: "25 km/h"},
	}

	first := RSZ(poll1, testNow)
	second := RSZ(poll2, testNow.Add(10*time.Minute))
	if len(first.Alerts) != 2 || len(second.Alerts) != 2 {
		t.Fatalf("expected 2 alerts each, got %d and %d", len(first.Alerts), len(second.Alerts))
	}

	ids := func(b Batch) map[string]string {
		m := make(map[string]string)
		for _, a := range b.Alerts {
			m[a.AlertID] = a.ThreadID
		}
		return m
	}
	if !reflect.DeepEqual(ids(first), ids(second)) {
		t.Errorf("ids differ across scrapes: %v vs %v", ids(first), ids(second))
	}

	eglinton := first.Alerts[0]
	if eglinton.AlertID != "rsz-1-eglinton-davisville" || eglinton.ThreadID != "rsz:1:eglinton-davisville" {
		t.Errorf("ids = %q %q", eglinton.AlertID, eglinton.ThreadID)
	}
	if !eglinton.HasCategory(model.CategoryReducedSpeedZone) || !eglinton.HasCategory(model.TierMinor) {
		t.Errorf("categories = %v", eglinton.Categories)
	}
	if !strings.Contains(eglinton.DescriptionText, "Defect length: 1200 m") {
		t.Errorf("description = %q", eglinton.DescriptionText)
	}
}

func TestRSZSkipsUnparseable(t *testing.T) {
	batch := RSZ([]RSZRow{{Line: "1", Location: "Somewhere"}}, testNow)
	if len(batch.Alerts) != 0 || len(batch.Skipped) != 1 {
		t.Errorf("expected one skip, got %+v", batch)
	}
}

func TestElevatorFallback(t *testing.T) {
	batch := Elevators([]ElevatorItem{
		{ID: "x", HeaderText: "Elevator between concourse and platform out of service", ElevatorCode: "Non-TTC", Station: "Vaughan Metropolitan Centre"},
	}, testNow)
	if len(batch.Alerts) != 1 {
		t.Fatalf("expected 1 alert, got %+v", batch)
	}
	a := batch.Alerts[0]
	if !a.KeyFallback {
		t.Error("expected fallback key")
	}
	if a.ThreadID != "elevator:vaughanmetropolitancentre-concourse-platformoutofservice" {
		t.Errorf("ThreadID = %q", a.ThreadID)
	}
}

func TestElevatorIDsTruncatesDetail(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"ascii", "Union " + strings.Repeat("long words here ", 10)},
		{"accented", "Union " + strings.Repeat("é", 39) + "ô côté"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, threadID, fallback := ElevatorIDs("", "Union", tt.header)
			if !fallback {
				t.Fatal("expected fallback")
			}
			if !utf8.ValidString(threadID) {
				t.Fatalf("thread id %q is not valid UTF-8", threadID)
			}
			detail := strings.TrimPrefix(threadID, "elevator:union-")
			if n := utf8.RuneCountInString(detail); n != elevatorDetailLen {
				t.Errorf("detail length = %d runes, want %d", n, elevatorDetailLen)
			}
		})
	}
}

func TestGTFSRT(t *testing.T) {
	batch := GTFSRT([]GTFSRTItem{
		{EntityID: "123", Header: "510 Spadina: Detour at Queen", Effect: "DETOUR", RouteIDs: []string{"510"}},
		{EntityID: "", Header: "no id"},
	}, testNow)
	if len(batch.Alerts) != 1 || len(batch.Skipped) != 1 {
		t.Fatalf("got %+v", batch)
	}
	a := batch.Alerts[0]
	if a.AlertID != "gtfsrt-123" || a.ThreadID != "gtfsrt:510:queen" {
		t.Errorf("ids = %q %q", a.AlertID, a.ThreadID)
	}
}

func TestFilterActive(t *testing.T) {
	alerts := []model.Alert{
		{AlertID: "always"},
		{AlertID: "now", Windows: []model.Window{{Start: testNow.Add(-time.Hour), End: testNow.Add(time.Hour)}}},
		{AlertID: "later", Windows: []model.Window{{Start: testNow.Add(24 * time.Hour)}}},
		{AlertID: "over", Windows: []model.Window{{End: testNow}}},
	}
	got := FilterActive(alerts, testNow)
	if len(got) != 2 || got[0].AlertID != "always" || got[1].AlertID != "now" {
		t.Errorf("FilterActive = %+v", got)
	}
}

func TestParseEffect(t *testing.T) {
	tests := map[string]model.Effect{
		"no service":         model.EffectNoService,
		"Significant-Delays": model.EffectSignificantDelays,
		"":                   model.EffectUnknownEffect,
		"weird":              model.Effect("WEIRD"),
	}
	for in, want := range tests {
		if got := ParseEffect(in); got != want {
			t.Errorf("ParseEffect(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRevisionID(t *testing.T) {
	a := RevisionID("live-1", "504 King: Delays", "")
	b := RevisionID("live-1", "504 King: Delays ", "")
	c := RevisionID("live-1", "504 King: Delays cleared", "")
	if a != b {
		t.Error("revision id should ignore surrounding whitespace")
	}
	if a == c {
		t.Error("different text should give a different revision id")
	}
	if !strings.HasPrefix(a, "live-1-") || len(a) != len("live-1-")+64 {
		t.Errorf("unexpected revision id %q", a)
	}
}
