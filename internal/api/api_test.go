package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/db"
	"github.com/ttc-alerts/incidents/internal/events"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/verify"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type stubVerifier struct {
	report verify.Report
	err    error
}

func (s stubVerifier) Verify(_ context.Context, target string, _ time.Time) (verify.Report, error) {
	if target != "live" {
		return verify.Report{Target: target}, fmt.Errorf("%w: %s", verify.ErrUnknownTarget, target)
	}
	return s.report, s.err
}

func (stubVerifier) Targets() []string { return []string{"live"} }

type testServer struct {
	store  *db.DB
	broker *events.Broker
	srv    *httptest.Server
}

func newTestServer(t *testing.T, v Verifier) *testServer {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "api.db"), quietLog())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	broker := events.NewBroker()
	t.Cleanup(broker.Close)

	router := NewRouter(
		NewIncidentHandler(store),
		NewOpsHandler(store, store, v, store, quietLog()),
		NewEventsHandler(broker, quietLog()),
		[]string{"*"},
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{store: store, broker: broker, srv: srv}
}

func (ts *testServer) seed(t *testing.T, th model.Thread, alertID string) {
	t.Helper()
	a := model.Alert{
		AlertID:        alertID,
		Source:         th.Source,
		HeaderText:     th.Title,
		Effect:         model.EffectNoService,
		Categories:     th.Categories,
		AffectedRoutes: th.AffectedRoutes,
		CreatedAt:      th.UpdatedAt,
		UpdatedAt:      th.UpdatedAt,
	}
	if _, err := ts.store.RecordObservation(context.Background(), th, a); err != nil {
		t.Fatalf("seed %s: %v", th.ThreadID, err)
	}
}

func thread(id, title string, routes, categories []string, at time.Time) model.Thread {
	return model.Thread{
		ThreadID:       id,
		Source:         model.SourceLive,
		Title:          title,
		AffectedRoutes: routes,
		Categories:     categories,
		CreatedAt:      at,
		UpdatedAt:      at,
		LastSeenAt:     at,
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestGetThreads(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seed(t, thread("live:504", "504 King: No service", []string{"504"},
		[]string{model.CategoryServiceDisruption, model.TierMajor}, t0), "a1")
	ts.seed(t, thread("live:504b", "504B King: Detour", []string{"504B"},
		[]string{model.CategoryDiversion, model.TierMinor}, t0.Add(time.Minute)), "a2")
	ts.seed(t, thread("live:1:closure", "Line 1 weekend closure", []string{"1"},
		[]string{model.CategoryPlannedClosure, model.TierMajor}, t0.Add(2*time.Minute)), "a3")

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all", "", []string{"live:1:closure", "live:504b", "live:504"}},
		{"live view drops planned", "?view=live", []string{"live:504b", "live:504"}},
		{"scheduled view", "?view=scheduled", []string{"live:1:closure"}},
		{"route filter", "?route=504", []string{"live:504"}},
		{"category filter", "?category=diversion", []string{"live:504b"}},
		{"limit", "?limit=1", []string{"live:1:closure"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp ThreadsResponse
			getJSON(t, ts.srv.URL+"/api/threads"+tt.query, http.StatusOK, &resp)
			var got []string
			for _, th := range resp.Threads {
				got = append(got, th.ThreadID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("threads = %v, want %v", got, tt.want)
			}
			if resp.Count != len(tt.want) {
				t.Errorf("count = %d, want %d", resp.Count, len(tt.want))
			}
		})
	}

	t.Run("grouped", func(t *testing.T) {
		var resp ThreadsResponse
		getJSON(t, ts.srv.URL+"/api/threads?view=live&grouped=true", http.StatusOK, &resp)
		if len(resp.Groups) != 1 || resp.Groups[0].BaseRoute != "504" || len(resp.Groups[0].Threads) != 2 {
			t.Errorf("groups = %+v, want one 504 group with two threads", resp.Groups)
		}
	})

	for _, q := range []string{"?resolved=maybe", "?limit=-1", "?view=everything"} {
		t.Run("bad "+q, func(t *testing.T) {
			var resp ErrorResponse
			getJSON(t, ts.srv.URL+"/api/threads"+q, http.StatusBadRequest, &resp)
			if resp.Error == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestGetThread(t *testing.T) {
	ts := newTestServer(t, nil)
	th := thread("live:504", "504 King: No service", []string{"504"},
		[]string{model.CategoryServiceDisruption, model.TierMajor}, t0)
	ts.seed(t, th, "a1")

	th.Title = "504 King: Regular service has resumed"
	th.UpdatedAt = t0.Add(10 * time.Minute)
	th.IsResolved = true
	ts.seed(t, th, "a2")

	var resp ThreadDetailResponse
	getJSON(t, ts.srv.URL+"/api/threads/live:504", http.StatusOK, &resp)
	if resp.State != model.StateResolved {
		t.Errorf("state = %s, want resolved", resp.State)
	}
	if len(resp.Alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(resp.Alerts))
	}
	if resp.Alerts[0].IsLatest || !resp.Alerts[1].IsLatest {
		t.Errorf("latest flags = %v,%v, want only the newest", resp.Alerts[0].IsLatest, resp.Alerts[1].IsLatest)
	}

	getJSON(t, ts.srv.URL+"/api/threads/live:missing", http.StatusNotFound, nil)
}

func TestGetAlerts(t *testing.T) {
	ts := newTestServer(t, nil)
	th := thread("live:504", "504 King: No service", []string{"504"}, []string{model.CategoryServiceDisruption}, t0)
	ts.seed(t, th, "a1")
	th.UpdatedAt = t0.Add(time.Hour)
	ts.seed(t, th, "a2")

	var all AlertsResponse
	getJSON(t, ts.srv.URL+"/api/alerts?thread_id=live:504", http.StatusOK, &all)
	if all.Count != 2 {
		t.Errorf("count = %d, want 2", all.Count)
	}

	var latest AlertsResponse
	getJSON(t, ts.srv.URL+"/api/alerts?latest=true", http.StatusOK, &latest)
	if latest.Count != 1 || latest.Alerts[0].AlertID != "a2" {
		t.Errorf("latest = %+v, want a2 only", latest.Alerts)
	}

	getJSON(t, ts.srv.URL+"/api/alerts?since=yesterday", http.StatusBadRequest, nil)
}

func TestGetMaintenance(t *testing.T) {
	ts := newTestServer(t, nil)
	now := time.Now().UTC()
	closures := []model.MaintenanceClosure{
		{ClosureKey: "k1", Route: "1", Title: "Line 1 closure", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(24 * time.Hour)},
		{ClosureKey: "k2", Route: "2", Title: "Line 2 closure", StartsAt: now.Add(-48 * time.Hour), EndsAt: now.Add(-24 * time.Hour)},
	}
	if err := ts.store.UpsertClosures(context.Background(), closures, now); err != nil {
		t.Fatal(err)
	}

	var active MaintenanceResponse
	getJSON(t, ts.srv.URL+"/api/maintenance", http.StatusOK, &active)
	if active.Count != 1 || active.Closures[0].ClosureKey != "k1" {
		t.Errorf("active closures = %+v, want k1", active.Closures)
	}

	var all MaintenanceResponse
	getJSON(t, ts.srv.URL+"/api/maintenance?all=true", http.StatusOK, &all)
	if all.Count != 2 {
		t.Errorf("all closures = %d, want 2", all.Count)
	}
}

func TestGetVerify(t *testing.T) {
	tests := []struct {
		name     string
		verifier Verifier
		target   string
		status   int
	}{
		{"in sync", stubVerifier{report: verify.Report{Target: "live", Success: true}}, "live", http.StatusOK},
		{"diff is still 200", stubVerifier{report: verify.Report{Target: "live", MissingInDB: []string{"live:1"}}}, "live", http.StatusOK},
		{"unknown target", stubVerifier{}, "subway", http.StatusNotFound},
		{"upstream failure", stubVerifier{err: errors.New("upstream down")}, "live", http.StatusInternalServerError},
		{"disabled", nil, "live", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.verifier)
			getJSON(t, ts.srv.URL+"/api/verify/"+tt.target, tt.status, nil)
		})
	}
}

func TestGetAccuracyEmpty(t *testing.T) {
	ts := newTestServer(t, nil)
	var resp AccuracyResponse
	getJSON(t, ts.srv.URL+"/api/accuracy", http.StatusOK, &resp)
	if resp.Daily == nil || resp.Recent == nil {
		t.Errorf("expected empty arrays, got %+v", resp)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	var resp map[string]any
	getJSON(t, ts.srv.URL+"/health", http.StatusOK, &resp)
	if resp["database"] != "connected" {
		t.Errorf("database = %v, want connected", resp["database"])
	}

	ts.store.Close()
	getJSON(t, ts.srv.URL+"/health", http.StatusServiceUnavailable, nil)
}

func TestEventStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/api/events?table="+events.TableThreads, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("first line = %q", line)
	}

	alertEvent, _ := events.New(events.TableAlerts, events.OpInsert, "a1", map[string]string{"alert_id": "a1"}, t0)
	threadEvent, _ := events.New(events.TableThreads, events.OpUpdate, "live:504", map[string]string{"thread_id": "live:504"}, t0)
	ts.broker.Publish(ctx, alertEvent)
	ts.broker.Publish(ctx, threadEvent)

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			dataLine = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	if eventLine != events.TableThreads+".update" {
		t.Errorf("event = %q, want the thread update (alert events filtered out)", eventLine)
	}
	var got events.Event
	if err := json.Unmarshal([]byte(dataLine), &got); err != nil {
		t.Fatal(err)
	}
	if got.Key != "live:504" {
		t.Errorf("key = %q, want live:504", got.Key)
	}
}
