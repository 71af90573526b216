package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ttc-alerts/incidents/internal/accuracy"
	"github.com/ttc-alerts/incidents/internal/model"
	"github.com/ttc-alerts/incidents/internal/verify"
)

// MaintenanceRepository reads scraped planned closures
type MaintenanceRepository interface {
	ListClosures(ctx context.Context, activeOnly bool) ([]model.MaintenanceClosure, error)
}

// AccuracyRepository reads accuracy history
type AccuracyRepository interface {
	ListDaily(ctx context.Context, limit int) ([]accuracy.DailyAggregate, error)
	RecentChecks(ctx context.Context, limit int) ([]accuracy.Check, error)
}

// Verifier runs reconciliation on demand
type Verifier interface {
	Verify(ctx context.Context, target string, now time.Time) (verify.Report, error)
	Targets() []string
}

// Pinger checks store connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// OpsHandler handles closures, verification, accuracy and health
type OpsHandler struct {
	closures MaintenanceRepository
	accuracy AccuracyRepository
	verifier Verifier
	db       Pinger
	log      logrus.FieldLogger
}

// NewOpsHandler creates the handler. verifier may be nil to disable /api/verify.
func NewOpsHandler(closures MaintenanceRepository, acc AccuracyRepository, verifier Verifier, db Pinger, log logrus.FieldLogger) *OpsHandler {
	return &OpsHandler{closures: closures, accuracy: acc, verifier: verifier, db: db, log: log}
}

// MaintenanceResponse is the JSON response for GET /api/maintenance
type MaintenanceResponse struct {
	Closures []model.MaintenanceClosure `json:"closures"`
	Count    int                        `json:"count"`
}

// AccuracyResponse is the JSON response for GET /api/accuracy
type AccuracyResponse struct {
	Daily  []accuracy.DailyAggregate `json:"daily"`
	Recent []accuracy.Check          `json:"recent"`
}

// GetMaintenance handles GET /api/maintenance
// Active closures only unless all=true
func (h *OpsHandler) GetMaintenance(w http.ResponseWriter, r *http.Request) {
	all, err := queryBool(r, "all")
	if err != nil {
		writeError(w, http.StatusBadRequest, "all must be a boolean", nil)
		return
	}
	closures, err := h.closures.ListClosures(r.Context(), all == nil || !*all)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve closures", map[string]any{"internal": err.Error()})
		return
	}
	if closures == nil {
		closures = []model.MaintenanceClosure{}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, MaintenanceResponse{Closures: closures, Count: len(closures)})
}

// GetVerify handles GET /api/verify/{target}
// 200 with the diff report, whether or not it is in sync; 500 when the
// upstream snapshot or stored state could not be read
func (h *OpsHandler) GetVerify(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if h.verifier == nil {
		writeError(w, http.StatusNotFound, "Verification is not enabled", nil)
		return
	}

	report, err := h.verifier.Verify(r.Context(), target, time.Now().UTC())
	if errors.Is(err, verify.ErrUnknownTarget) {
		writeError(w, http.StatusNotFound, "Unknown verification target", map[string]any{
			"target":  target,
			"targets": h.verifier.Targets(),
		})
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("target", target).Error("verification failed")
		writeError(w, http.StatusInternalServerError, "Verification failed", map[string]any{
			"internal": err.Error(),
			"report":   report,
		})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, report)
}

// GetAccuracy handles GET /api/accuracy
func (h *OpsHandler) GetAccuracy(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 30, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", nil)
		return
	}
	daily, err := h.accuracy.ListDaily(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve accuracy aggregates", map[string]any{"internal": err.Error()})
		return
	}
	recent, err := h.accuracy.RecentChecks(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve accuracy checks", map[string]any{"internal": err.Error()})
		return
	}
	if daily == nil {
		daily = []accuracy.DailyAggregate{}
	}
	if recent == nil {
		recent = []accuracy.Check{}
	}
	writeJSON(w, http.StatusOK, AccuracyResponse{Daily: daily, Recent: recent})
}

// GetHealth handles GET /health with a database connectivity check
func (h *OpsHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}
