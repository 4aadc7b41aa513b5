package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-wisp/internal/billing"
	"go-wisp/internal/config"
	"go-wisp/internal/database"
	"go-wisp/internal/logger"
	"go-wisp/internal/models"
	"go-wisp/internal/security"
	"go-wisp/internal/timeseries"
)

type fakeFleet struct {
	polled []string
}

func (f *fakeFleet) TriggerManualPoll(_ context.Context, host string) (models.DeviceStatus, error) {
	if host == "10.9.9.9" {
		return models.StatusUnknown, database.ErrNotFound
	}
	f.polled = append(f.polled, host)
	return models.StatusOnline, nil
}

func (f *fakeFleet) FleetStatus(context.Context) (*models.FleetStatus, error) {
	return &models.FleetStatus{Online: 2, Offline: 1}, nil
}

type fakeHistory struct {
	from, to time.Time
}

func (f *fakeHistory) QueryLatest(_ context.Context, host string) (*models.StatusSnapshot, error) {
	if host != "10.0.0.5" {
		return nil, timeseries.ErrNoSnapshots
	}
	return &models.StatusSnapshot{DeviceHost: host, Online: true, Metrics: map[string]float64{models.MetricOnlineClientCount: 4}}, nil
}

func (f *fakeHistory) QueryRange(_ context.Context, host string, from, to time.Time) ([]*models.StatusSnapshot, error) {
	f.from, f.to = from, to
	return []*models.StatusSnapshot{{DeviceHost: host}}, nil
}

type fakeBilling struct {
	day        int
	paymentErr error
}

func (f *fakeBilling) Reconcile(context.Context, time.Time) (models.ReconcileStats, error) {
	return models.ReconcileStats{RunID: "run-all", Processed: 3}, nil
}

func (f *fakeBilling) ReconcileBillingDay(_ context.Context, day int, _ time.Time) (models.ReconcileStats, error) {
	f.day = day
	return models.ReconcileStats{RunID: fmt.Sprintf("run-day-%d", day)}, nil
}

func (f *fakeBilling) ApplyPayment(_ context.Context, p *models.Payment) (*models.Payment, error) {
	if p.ClientID == 404 {
		return nil, database.ErrNotFound
	}
	out := *p
	out.ID = 1
	if f.paymentErr != nil {
		out.Notes = billing.ReactivationWarning
		return &out, f.paymentErr
	}
	return &out, nil
}

type testEnv struct {
	router  *mux.Router
	db      *database.DB
	fleet   *fakeFleet
	history *fakeHistory
	billing *fakeBilling
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.InitDB(filepath.Join(t.TempDir(), "wisp.db"), security.NewCipher("k"), logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, fleet: &fakeFleet{}, history: &fakeHistory{}, billing: &fakeBilling{}}
	h := NewHandler(db, env.fleet, env.history, env.billing, nil, logger.NewTestLogger())
	h.now = func() time.Time { return time.Date(2026, time.October, 6, 12, 0, 0, 0, time.UTC) }
	env.router = mux.NewRouter()
	h.RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

func TestPollDevice(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/fleet/devices/10.0.0.5/poll", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "online", decode[map[string]string](t, rec)["status"])
	assert.Equal(t, []string{"10.0.0.5"}, env.fleet.polled)

	rec = env.do(t, http.MethodPost, "/api/fleet/devices/10.9.9.9/poll", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFleetStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/fleet/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[models.FleetStatus](t, rec)
	assert.Equal(t, 2, status.Online)
	assert.Equal(t, 1, status.Offline)
}

func TestDeviceRegistryRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/fleet/devices", map[string]interface{}{
		"host": "10.0.0.1", "kind": "router", "name": "core", "username": "admin", "password": "s3cret",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cret")
	saved := decode[models.Device](t, rec)
	assert.True(t, saved.Enabled)
	assert.Equal(t, models.KindRouter, saved.Kind)

	rec = env.do(t, http.MethodPost, "/api/fleet/devices", map[string]interface{}{"host": "10.0.0.2", "kind": "switch"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/fleet/devices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Device](t, rec), 1)

	require.NoError(t, env.db.SetStatus(context.Background(), "10.0.0.1", models.StatusOnline, nil, time.Now()))
	rec = env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.DeviceLog](t, rec), 1)

	rec = env.do(t, http.MethodDelete, "/api/fleet/devices/10.0.0.1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/fleet/devices/10.0.0.1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.5/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[models.StatusSnapshot](t, rec)
	assert.Equal(t, float64(4), snap.Metrics[models.MetricOnlineClientCount])

	rec = env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.6/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.5/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 24*time.Hour, env.history.to.Sub(env.history.from))

	rec = env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.5/snapshots?from=2026-09-01T00:00:00Z&to=2026-10-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC), env.history.from)

	rec = env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.5/snapshots?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/fleet/devices/10.0.0.5/snapshots?from=2026-10-01T00:00:00Z&to=2026-09-01T00:00:00Z", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunReconciliation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/billing/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-all", decode[models.ReconcileStats](t, rec).RunID)

	rec = env.do(t, http.MethodPost, "/api/billing/reconcile?day=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, env.billing.day)

	rec = env.do(t, http.MethodPost, "/api/billing/reconcile?day=40", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientAndBindingRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/billing/clients", map[string]interface{}{"name": "Ana", "billingDay": 5})
	require.Equal(t, http.StatusCreated, rec.Code)
	client := decode[models.ClientAccount](t, rec)
	assert.Equal(t, models.ServiceActive, client.ServiceStatus)

	rec = env.do(t, http.MethodPost, "/api/billing/clients", map[string]interface{}{"name": "Bad", "billingDay": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	path := fmt.Sprintf("/api/billing/clients/%d", client.ID)
	rec = env.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, path+"/bindings", map[string]interface{}{"routerHost": "10.0.0.1", "externalServiceRef": "ana"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, models.EnforcementPPPoESecret, decode[models.ServiceBinding](t, rec).EnforcementMethod)

	rec = env.do(t, http.MethodGet, path+"/bindings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.ServiceBinding](t, rec), 1)

	rec = env.do(t, http.MethodPost, "/api/billing/clients/999/bindings", map[string]interface{}{"routerHost": "10.0.0.1", "externalServiceRef": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/billing/clients/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePayment(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/billing/clients/42/payments", map[string]interface{}{"amount": 25})
	require.Equal(t, http.StatusCreated, rec.Code)
	p := decode[models.Payment](t, rec)
	assert.Equal(t, int64(42), p.ClientID)

	rec = env.do(t, http.MethodPost, "/api/billing/clients/42/payments", map[string]interface{}{"amount": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/billing/clients/404/payments", map[string]interface{}{"amount": 25})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.billing.paymentErr = fmt.Errorf("%w: enable binding 1 on 10.0.0.1: router is offline", billing.ErrEnforcementFailed)
	rec = env.do(t, http.MethodPost, "/api/billing/clients/42/payments", map[string]interface{}{"amount": 25})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode[map[string]json.RawMessage](t, rec)
	assert.JSONEq(t, fmt.Sprintf("%q", billing.ReactivationWarning), string(body["warning"]))

	// a store failure after the payment row exists is still a 201
	env.billing.paymentErr = fmt.Errorf("%w: %w", billing.ErrEnforcementFailed, database.ErrStoreUnavailable)
	rec = env.do(t, http.MethodPost, "/api/billing/clients/42/payments", map[string]interface{}{"amount": 25})
	require.Equal(t, http.StatusCreated, rec.Code)
	body = decode[map[string]json.RawMessage](t, rec)
	assert.Contains(t, body, "payment")
}

func TestEnforcementFailuresRoute(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.db.RecordEnforcementFailure(context.Background(), &models.EnforcementFailure{
		RunID: "r1", ClientID: 1, BindingID: 2, RouterHost: "10.0.0.1", Action: "disable", Error: "timeout",
	}))

	rec := env.do(t, http.MethodGet, "/api/billing/failures?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failures := decode[[]models.EnforcementFailure](t, rec)
	require.Len(t, failures, 1)
	assert.Equal(t, "r1", failures[0].RunID)
}

func TestSettingsRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/settings", map[string]string{
		config.KeyDaysBeforeDue:     "3",
		config.KeySuspensionRunHour: "03:15",
		config.KeyTelegramToken:     "123:abc",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]string](t, rec)
	assert.Equal(t, "3", got[config.KeyDaysBeforeDue])
	assert.Equal(t, "********", got[config.KeyTelegramToken])

	settings := config.NewSettings(env.db, logger.NewTestLogger())
	assert.Equal(t, 3, settings.GracePeriodDays())
	h, m := settings.AuditRunTime()
	assert.Equal(t, []int{3, 15}, []int{h, m})

	rec = env.do(t, http.MethodPut, "/api/settings", map[string]string{"admin_password": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/settings", map[string]string{config.KeySuspensionRunHour: "25:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreErrorsMapToServiceUnavailable(t *testing.T) {
	h := &Handler{logger: logger.NewTestLogger()}
	rec := httptest.NewRecorder()
	h.respondStoreError(rec, fmt.Errorf("%w: set status: disk I/O error", database.ErrStoreUnavailable), "Device")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.respondStoreError(rec, errors.New("boom"), "Device")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
