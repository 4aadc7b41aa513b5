package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go-wisp/internal/billing"
	"go-wisp/internal/config"
	"go-wisp/internal/models"
)

// RunReconciliation runs the billing audit now, optionally for one
// billing-day cohort (?day=N)
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var (
		stats models.ReconcileStats
		err   error
	)
	if v := r.URL.Query().Get("day"); v != "" {
		day, convErr := strconv.Atoi(v)
		if convErr != nil || day < 1 || day > 31 {
			respondError(w, http.StatusBadRequest, "day must be between 1 and 31")
			return
		}
		stats, err = h.Billing.ReconcileBillingDay(r.Context(), day, h.now())
	} else {
		stats, err = h.Billing.Reconcile(r.Context(), h.now())
	}
	if err != nil {
		h.respondStoreError(w, err, "Reconciliation")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// CreateClient adds a billed client
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var c models.ClientAccount
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if c.Name == "" || c.BillingDay < 1 || c.BillingDay > 31 {
		respondError(w, http.StatusBadRequest, "name and a billingDay between 1 and 31 are required")
		return
	}

	created, err := h.DB.CreateClient(r.Context(), &c)
	if err != nil {
		h.respondStoreError(w, err, "Client")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetClient returns one client
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id := getPathInt64(r, "id")
	if id == 0 {
		respondError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}

	c, err := h.DB.GetClient(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "Client")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// GetBindings lists the router services of a client
func (h *Handler) GetBindings(w http.ResponseWriter, r *http.Request) {
	id := getPathInt64(r, "id")
	if id == 0 {
		respondError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}

	bindings, err := h.DB.ListServiceBindings(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "Bindings")
		return
	}
	respondJSON(w, http.StatusOK, bindings)
}

// CreateBinding attaches a router service to a client
func (h *Handler) CreateBinding(w http.ResponseWriter, r *http.Request) {
	id := getPathInt64(r, "id")
	if id == 0 {
		respondError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}

	var b models.ServiceBinding
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if b.RouterHost == "" || b.ExternalServiceRef == "" {
		respondError(w, http.StatusBadRequest, "routerHost and externalServiceRef are required")
		return
	}
	if _, err := h.DB.GetClient(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "Client")
		return
	}

	b.ClientID = id
	created, err := h.DB.CreateServiceBinding(r.Context(), &b)
	if err != nil {
		h.respondStoreError(w, err, "Binding")
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetPayments lists a client's payments
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	id := getPathInt64(r, "id")
	if id == 0 {
		respondError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}

	payments, err := h.DB.GetPayments(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "Payments")
		return
	}
	respondJSON(w, http.StatusOK, payments)
}

// CreatePayment records a payment and restores service if it was cut. A
// failed reactivation still acknowledges the payment.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	id := getPathInt64(r, "id")
	if id == 0 {
		respondError(w, http.StatusBadRequest, "Invalid client ID")
		return
	}

	var p models.Payment
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if p.Amount <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	p.ClientID = id

	created, err := h.Billing.ApplyPayment(r.Context(), &p)
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, created)
	case created != nil:
		// stored; a retry would record the payment twice
		h.logger.Warn().Err(err).Int64("client_id", id).Int64("payment_id", created.ID).Msg("payment recorded but reactivation failed")
		respondJSON(w, http.StatusCreated, map[string]interface{}{
			"payment": created,
			"warning": billing.ReactivationWarning,
		})
	default:
		h.respondStoreError(w, err, "Client")
	}
}

// GetEnforcementFailures lists router calls awaiting manual review
func (h *Handler) GetEnforcementFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := h.DB.ListEnforcementFailures(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		h.respondStoreError(w, err, "Enforcement failures")
		return
	}
	respondJSON(w, http.StatusOK, failures)
}

// editableSettings are the runtime keys operators may change
var editableSettings = map[string]bool{
	config.KeyMonitorInterval:   true,
	config.KeyDaysBeforeDue:     true,
	config.KeySuspensionRunHour: true,
	config.KeyTelegramToken:     true,
	config.KeyTelegramChatID:    true,
}

// GetSettings returns the runtime settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.DB.GetSettings()
	if err != nil {
		h.respondStoreError(w, err, "Settings")
		return
	}
	if _, ok := settings[config.KeyTelegramToken]; ok {
		settings[config.KeyTelegramToken] = "********"
	}
	respondJSON(w, http.StatusOK, settings)
}

// SaveSettings stores runtime settings; they apply on the next cycle
func (h *Handler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	for k := range req {
		if !editableSettings[k] {
			respondError(w, http.StatusBadRequest, "Unknown setting "+k)
			return
		}
	}
	if v, ok := req[config.KeySuspensionRunHour]; ok {
		if _, _, err := config.ParseClock(v); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	for k, v := range req {
		if err := h.DB.SaveSetting(k, v); err != nil {
			h.respondStoreError(w, err, "Settings")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Settings saved"})
}
