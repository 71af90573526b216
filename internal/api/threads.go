package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ttc-alerts/incidents/internal/db"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/threading"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

// IncidentRepository defines the read operations over threads and alerts
type IncidentRepository interface {
	ListThreads(ctx context.Context, f model.ThreadFilter) ([]model.Thread, error)
	GetThread(ctx context.Context, threadID string) (*model.Thread, error)
	ThreadAlerts(ctx context.Context, threadID string) ([]model.Alert, error)
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error)
}

// IncidentHandler handles HTTP requests for threads and alerts
type IncidentHandler struct {
	repo IncidentRepository
}

// NewIncidentHandler creates a new handler with the given repository
func NewIncidentHandler(repo IncidentRepository) *IncidentHandler {
	return &IncidentHandler{repo: repo}
}

// ThreadsResponse is the JSON response for GET /api/threads
type ThreadsResponse struct {
	Threads     []model.Thread    `json:"threads"`
	Groups      []threading.Group `json:"groups,omitempty"`
	Count       int               `json:"count"`
	GeneratedAt time.Time         `json:"generatedAt"`
}

// ThreadDetailResponse is the JSON response for GET /api/threads/{threadID}
type ThreadDetailResponse struct {
	Thread model.Thread      `json:"thread"`
	State  model.ThreadState `json:"state"`
	Alerts []model.Alert     `json:"alerts"`
}

// AlertsResponse is the JSON response for GET /api/alerts
type AlertsResponse struct {
	Alerts []model.Alert `json:"alerts"`
	Count  int           `json:"count"`
}

// GetThreads handles GET /api/threads
// Filters: resolved, hidden, route, category, limit. view=live|scheduled
// applies the display filters; grouped=true clusters by base route.
func (h *IncidentHandler) GetThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.ThreadFilter{Route: q.Get("route"), Category: q.Get("category")}

	var err error
	if f.Resolved, err = queryBool(r, "resolved"); err != nil {
		writeError(w, http.StatusBadRequest, "resolved must be a boolean", nil)
		return
	}
	if f.Hidden, err = queryBool(r, "hidden"); err != nil {
		writeError(w, http.StatusBadRequest, "hidden must be a boolean", nil)
		return
	}
	if f.Limit, err = queryLimit(r, defaultListLimit, maxListLimit); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
		return
	}
	grouped, err := queryBool(r, "grouped")
	if err != nil {
		writeError(w, http.StatusBadRequest, "grouped must be a boolean", nil)
		return
	}

	view := q.Get("view")
	switch view {
	case "", "all":
	case "live", "scheduled":
		visible := false
		f.Hidden = &visible
	default:
		writeError(w, http.StatusBadRequest, "view must be live, scheduled or all", map[string]any{"view": view})
		return
	}

	threads, err := h.repo.ListThreads(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve threads", map[string]any{"internal": err.Error()})
		return
	}
	switch view {
	case "live":
		threads = threading.LiveView(threads)
	case "scheduled":
		threads = threading.ScheduledView(threads)
	}
	if threads == nil {
		threads = []model.Thread{}
	}

	resp := ThreadsResponse{Count: len(threads), GeneratedAt: time.Now().UTC()}
	if grouped != nil && *grouped {
		resp.Groups = threading.GroupByBaseRoute(threads)
	} else {
		resp.Threads = threads
	}

	w.Header().Set("Cache-Control", "public, max-age=15, stale-while-revalidate=10")
	writeJSON(w, http.StatusOK, resp)
}

// GetThread handles GET /api/threads/{threadID}
// Returns the thread and its alerts, oldest first
func (h *IncidentHandler) GetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "threadID parameter is required", nil)
		return
	}

	thread, err := h.repo.GetThread(r.Context(), threadID)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Thread not found", map[string]any{"threadID": threadID})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve thread", map[string]any{"internal": err.Error()})
		return
	}

	alerts, err := h.repo.ThreadAlerts(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve thread alerts", map[string]any{"internal": err.Error()})
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}

	w.Header().Set("Cache-Control", "public, max-age=10, stale-while-revalidate=5")
	writeJSON(w, http.StatusOK, ThreadDetailResponse{Thread: *thread, State: thread.State(), Alerts: alerts})
}

// GetAlerts handles GET /api/alerts
// Filters: thread_id, since, until (RFC3339), effect, latest, limit
func (h *IncidentHandler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AlertFilter{ThreadID: q.Get("thread_id"), Effect: model.Effect(q.Get("effect"))}

	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp", nil)
		return
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		writeError(w, http.StatusBadRequest, "until must be an RFC3339 timestamp", nil)
		return
	}
	if f.Latest, err = queryBool(r, "latest"); err != nil {
		writeError(w, http.StatusBadRequest, "latest must be a boolean", nil)
		return
	}
	if f.Limit, err = queryLimit(r, defaultListLimit, maxListLimit); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve alerts", map[string]any{"internal": err.Error()})
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}

	w.Header().Set("Cache-Control", "public, max-age=15, stale-while-revalidate=10")
	writeJSON(w, http.StatusOK, AlertsResponse{Alerts: alerts, Count: len(alerts)})
}
