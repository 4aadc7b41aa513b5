package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"go-wisp/internal/models"
	"go-wisp/internal/timeseries"
)

// deviceRequest carries credentials, which models.Device never serializes
type deviceRequest struct {
	Host                string            `json:"host"`
	Kind                models.DeviceKind `json:"kind"`
	Name                string            `json:"name"`
	Username            string            `json:"username"`
	Password            string            `json:"password"`
	Port                int               `json:"port"`
	Enabled             *bool             `json:"enabled"`
	PollIntervalSeconds int               `json:"pollIntervalSeconds"`
}

// GetFleetStatus returns every registered device with the last cycle stats
func (h *Handler) GetFleetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Fleet.FleetStatus(r.Context())
	if err != nil {
		h.respondStoreError(w, err, "Fleet")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ListDevices returns the device registry
func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.DB.ListDevices(r.Context())
	if err != nil {
		h.respondStoreError(w, err, "Devices")
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

// SaveDevice registers or updates a device
func (h *Handler) SaveDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Host == "" || !req.Kind.Valid() {
		respondError(w, http.StatusBadRequest, "host and a kind of ap or router are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	dev := &models.Device{
		Host: req.Host,
		Kind: req.Kind,
		Name: req.Name,
		Credentials: models.Credentials{
			Username: req.Username,
			Password: req.Password,
			Port:     req.Port,
		},
		Enabled:             enabled,
		PollIntervalSeconds: req.PollIntervalSeconds,
	}
	if err := h.DB.UpsertDevice(r.Context(), dev); err != nil {
		h.respondStoreError(w, err, "Device")
		return
	}

	saved, err := h.DB.GetDevice(r.Context(), req.Host)
	if err != nil {
		h.respondStoreError(w, err, "Device")
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

// DeleteDevice removes a device from the registry
func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.DeleteDevice(r.Context(), mux.Vars(r)["host"]); err != nil {
		h.respondStoreError(w, err, "Device")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Device deleted"})
}

// PollDevice polls one device immediately
func (h *Handler) PollDevice(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	status, err := h.Fleet.TriggerManualPoll(r.Context(), host)
	if err != nil {
		h.respondStoreError(w, err, "Device")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"host":   host,
		"status": status,
	})
}

// GetDeviceLogs returns the status transitions of a device
func (h *Handler) GetDeviceLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.DB.GetDeviceLogs(r.Context(), mux.Vars(r)["host"], queryInt(r, "limit", 100))
	if err != nil {
		h.respondStoreError(w, err, "Device logs")
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

// GetLatestSnapshot returns this month's newest snapshot of a device
func (h *Handler) GetLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.History.QueryLatest(r.Context(), mux.Vars(r)["host"])
	if errors.Is(err, timeseries.ErrNoSnapshots) {
		respondError(w, http.StatusNotFound, "No snapshots this month")
		return
	}
	if err != nil {
		h.respondStoreError(w, err, "Snapshot")
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// GetSnapshots returns snapshots between from and to (RFC 3339). The
// window defaults to the last 24 hours.
func (h *Handler) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	to := h.now()
	from := to.Add(-24 * time.Hour)

	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "from must be RFC 3339")
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			respondError(w, http.StatusBadRequest, "to must be RFC 3339")
			return
		}
	}
	if to.Before(from) {
		respondError(w, http.StatusBadRequest, "to is before from")
		return
	}

	snaps, err := h.History.QueryRange(r.Context(), mux.Vars(r)["host"], from, to)
	if err != nil {
		h.respondStoreError(w, err, "Snapshots")
		return
	}
	respondJSON(w, http.StatusOK, snaps)
}
