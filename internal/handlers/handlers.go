package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"go-wisp/internal/database"
	"go-wisp/internal/models"
)

// FleetService is the monitor surface exposed over HTTP
type FleetService interface {
	TriggerManualPoll(ctx context.Context, host string) (models.DeviceStatus, error)
	FleetStatus(ctx context.Context) (*models.FleetStatus, error)
}

// SnapshotHistory reads stored poll snapshots
type SnapshotHistory interface {
	QueryLatest(ctx context.Context, host string) (*models.StatusSnapshot, error)
	QueryRange(ctx context.Context, host string, from, to time.Time) ([]*models.StatusSnapshot, error)
}

// BillingService is the reconciliation surface exposed over HTTP
type BillingService interface {
	Reconcile(ctx context.Context, today time.Time) (models.ReconcileStats, error)
	ReconcileBillingDay(ctx context.Context, day int, today time.Time) (models.ReconcileStats, error)
	ApplyPayment(ctx context.Context, p *models.Payment) (*models.Payment, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	DB      *database.DB
	Fleet   FleetService
	History SnapshotHistory
	Billing BillingService
	WSHub   http.Handler
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHandler creates a new Handler
func NewHandler(db *database.DB, fleet FleetService, history SnapshotHistory, billing BillingService, wsHub http.Handler, logger zerolog.Logger) *Handler {
	return &Handler{
		DB:      db,
		Fleet:   fleet,
		History: history,
		Billing: billing,
		WSHub:   wsHub,
		logger:  logger,
		now:     time.Now,
	}
}

// RegisterRoutes mounts every endpoint on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	if h.WSHub != nil {
		r.Handle("/ws", h.WSHub)
	}

	api := r.PathPrefix("/api").Subrouter()

	// Fleet
	api.HandleFunc("/fleet/status", h.GetFleetStatus).Methods("GET")
	api.HandleFunc("/fleet/devices", h.ListDevices).Methods("GET")
	api.HandleFunc("/fleet/devices", h.SaveDevice).Methods("POST")
	api.HandleFunc("/fleet/devices/{host}", h.DeleteDevice).Methods("DELETE")
	api.HandleFunc("/fleet/devices/{host}/poll", h.PollDevice).Methods("POST")
	api.HandleFunc("/fleet/devices/{host}/logs", h.GetDeviceLogs).Methods("GET")
	api.HandleFunc("/fleet/devices/{host}/latest", h.GetLatestSnapshot).Methods("GET")
	api.HandleFunc("/fleet/devices/{host}/snapshots", h.GetSnapshots).Methods("GET")

	// Billing
	api.HandleFunc("/billing/reconcile", h.RunReconciliation).Methods("POST")
	api.HandleFunc("/billing/clients", h.CreateClient).Methods("POST")
	api.HandleFunc("/billing/clients/{id}", h.GetClient).Methods("GET")
	api.HandleFunc("/billing/clients/{id}/bindings", h.GetBindings).Methods("GET")
	api.HandleFunc("/billing/clients/{id}/bindings", h.CreateBinding).Methods("POST")
	api.HandleFunc("/billing/clients/{id}/payments", h.GetPayments).Methods("GET")
	api.HandleFunc("/billing/clients/{id}/payments", h.CreatePayment).Methods("POST")
	api.HandleFunc("/billing/failures", h.GetEnforcementFailures).Methods("GET")

	// Settings
	api.HandleFunc("/settings", h.GetSettings).Methods("GET")
	api.HandleFunc("/settings", h.SaveSettings).Methods("PUT")
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============== Helper Functions ==============

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps persistence errors onto status codes
func (h *Handler) respondStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, database.ErrStoreUnavailable):
		h.logger.Error().Err(err).Msg("store unavailable")
		respondError(w, http.StatusServiceUnavailable, "Store unavailable, retry later")
	default:
		h.logger.Error().Err(err).Str("resource", what).Msg("request failed")
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func getPathInt64(r *http.Request, key string) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)[key], 10, 64)
	return id
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
