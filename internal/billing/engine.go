// Package billing derives each client's service state from the payment
// ledger and enforces it on the routers that carry the client's services.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go-wisp/internal/database"
	"go-wisp/internal/device"
	"go-wisp/internal/models"
)

// ErrEnforcementFailed marks a router call that did not change a service
var ErrEnforcementFailed = errors.New("enforcement failed")

// EventReconcile is published with the stats of every finished run
const EventReconcile = "billing.reconcile"

// ReactivationWarning is appended to a payment whose reactivation failed
const ReactivationWarning = "WARN: technical reactivation failed"

const (
	actionEnable  = "enable"
	actionDisable = "disable"
)

// Ledger is the billing store
type Ledger interface {
	GetClient(ctx context.Context, id int64) (*models.ClientAccount, error)
	ListAllActiveAccounts(ctx context.Context) ([]*models.ClientAccount, error)
	ListClientsByBillingDay(ctx context.Context, day int) ([]*models.ClientAccount, error)
	HasPaymentForCycle(ctx context.Context, clientID int64, cycle string) (bool, error)
	SetClientStatus(ctx context.Context, id int64, status models.ServiceStatus) error
	ListServiceBindings(ctx context.Context, clientID int64) ([]*models.ServiceBinding, error)
	CreatePayment(ctx context.Context, p *models.Payment) (*models.Payment, error)
	AnnotatePayment(ctx context.Context, paymentID int64, note string) error
	RecordEnforcementFailure(ctx context.Context, f *models.EnforcementFailure) error
}

// Registry answers whether a router can be enforced against right now
type Registry interface {
	GetDevice(ctx context.Context, host string) (*models.Device, error)
}

// Settings provides the warning window before the due date
type Settings interface {
	GracePeriodDays() int
}

// EventPublisher receives reconciliation results
type EventPublisher interface {
	Publish(eventType string, payload any)
}

// Options tunes the engine
type Options struct {
	// EnforceTimeout bounds a single SetServiceEnabled call
	EnforceTimeout time.Duration
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.EnforceTimeout <= 0 {
		o.EnforceTimeout = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Engine reconciles the ledger with the routers
type Engine struct {
	ledger   Ledger
	registry Registry
	enforcer device.Enforcer
	settings Settings
	opts     Options
	logger   zerolog.Logger

	// mu keeps runs and payment reactivations from interleaving
	mu        sync.Mutex
	publisher EventPublisher

	statsMu sync.Mutex
	lastRun *models.ReconcileStats
}

// New creates an engine
func New(ledger Ledger, registry Registry, enforcer device.Enforcer, settings Settings, opts Options, logger zerolog.Logger) *Engine {
	opts.setDefaults()
	return &Engine{
		ledger:   ledger,
		registry: registry,
		enforcer: enforcer,
		settings: settings,
		opts:     opts,
		logger:   logger,
	}
}

// SetEventPublisher attaches a publisher for run results
func (e *Engine) SetEventPublisher(p EventPublisher) {
	e.publisher = p
}

// LastRun returns the stats of the most recent run
func (e *Engine) LastRun() (models.ReconcileStats, bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if e.lastRun == nil {
		return models.ReconcileStats{}, false
	}
	return *e.lastRun, true
}

// DueDate clamps billingDay into the month of today. A billing day of 31
// falls on the last day of shorter months.
func DueDate(today time.Time, billingDay int) time.Time {
	y, m, _ := today.Date()
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
	day := billingDay
	if day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

// DaysUntilDue counts calendar days from today to due; negative once overdue
func DaysUntilDue(today, due time.Time) int {
	y, m, d := today.Date()
	from := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(due.Sub(from).Hours() / 24)
}

// BillingCycle is the YYYY-MM label payments are recorded against
func BillingCycle(due time.Time) string {
	return due.Format("2006-01")
}

// Classify returns the status a non-cancelled client should move to.
// Without a payment a suspended client stays suspended until it pays.
func Classify(current models.ServiceStatus, paid bool, daysUntilDue, graceDays int) models.ServiceStatus {
	switch {
	case paid:
		return models.ServiceActive
	case daysUntilDue < 0:
		return models.ServiceSuspended
	case daysUntilDue <= graceDays:
		if current == models.ServiceSuspended {
			return current
		}
		return models.ServicePending
	default:
		if current == models.ServicePending {
			return models.ServiceActive
		}
		return current
	}
}

// Reconcile audits every non-cancelled client against today's date
func (e *Engine) Reconcile(ctx context.Context, today time.Time) (models.ReconcileStats, error) {
	return e.run(ctx, today, "all", e.ledger.ListAllActiveAccounts)
}

// ReconcileBillingDay audits only the clients billed on day
func (e *Engine) ReconcileBillingDay(ctx context.Context, day int, today time.Time) (models.ReconcileStats, error) {
	if day < 1 || day > 31 {
		return models.ReconcileStats{}, fmt.Errorf("billing day %d out of range", day)
	}
	return e.run(ctx, today, fmt.Sprintf("day %d", day), func(ctx context.Context) ([]*models.ClientAccount, error) {
		return e.ledger.ListClientsByBillingDay(ctx, day)
	})
}

func (e *Engine) run(ctx context.Context, today time.Time, scope string, list func(context.Context) ([]*models.ClientAccount, error)) (models.ReconcileStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := models.ReconcileStats{
		RunID:     uuid.NewString(),
		StartedAt: e.opts.Now(),
	}
	log := e.logger.With().Str("run_id", stats.RunID).Str("scope", scope).Logger()

	clients, err := list(ctx)
	if err != nil {
		return stats, fmt.Errorf("%w: list clients: %v", database.ErrStoreUnavailable, err)
	}

	grace := e.settings.GracePeriodDays()
	log.Info().Int("clients", len(clients)).Int("grace_days", grace).Msg("Starting billing reconciliation")

	var errs []error
	for _, client := range clients {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if client.ServiceStatus == models.ServiceCancelled {
			continue
		}
		if client.BillingDay < 1 || client.BillingDay > 31 {
			log.Warn().Int64("client_id", client.ID).Int("billing_day", client.BillingDay).Msg("skipping client with invalid billing day")
			continue
		}

		status, failed, err := e.reconcileClient(ctx, stats.RunID, client, today, grace, log)
		if err != nil {
			errs = append(errs, err)
		}
		stats.EnforcementFailures += failed

		switch status {
		case models.ServiceActive:
			stats.Active++
		case models.ServicePending:
			stats.Pending++
		case models.ServiceSuspended:
			stats.Suspended++
		}
		stats.Processed++
	}

	log.Info().
		Int("processed", stats.Processed).
		Int("active", stats.Active).
		Int("pending", stats.Pending).
		Int("suspended", stats.Suspended).
		Int("enforcement_failures", stats.EnforcementFailures).
		Msg("Billing reconciliation finished")

	last := stats
	e.statsMu.Lock()
	e.lastRun = &last
	e.statsMu.Unlock()
	if e.publisher != nil {
		e.publisher.Publish(EventReconcile, stats)
	}
	return stats, errors.Join(errs...)
}

// reconcileClient returns the status the client holds after this run
func (e *Engine) reconcileClient(ctx context.Context, runID string, client *models.ClientAccount, today time.Time, grace int, log zerolog.Logger) (models.ServiceStatus, int, error) {
	current := client.ServiceStatus
	due := DueDate(today, client.BillingDay)
	days := DaysUntilDue(today, due)
	cycle := BillingCycle(due)

	paid, err := e.ledger.HasPaymentForCycle(ctx, client.ID, cycle)
	if err != nil {
		return current, 0, fmt.Errorf("%w: payment lookup for client %d: %v", database.ErrStoreUnavailable, client.ID, err)
	}

	target := Classify(current, paid, days, grace)
	if target == current {
		return current, 0, nil
	}

	clog := log.With().Int64("client_id", client.ID).Str("cycle", cycle).Int("days_until_due", days).Logger()

	// Pending is advisory. Active and suspended must match the routers first.
	if (target == models.ServiceActive && paid) || target == models.ServiceSuspended {
		enabled := target == models.ServiceActive
		failures, err := e.enforce(ctx, runID, client.ID, enabled, clog)
		if err != nil {
			return current, 0, err
		}
		if len(failures) > 0 {
			clog.Warn().
				Str("from", string(current)).
				Str("to", string(target)).
				Int("failed_bindings", len(failures)).
				Msg("enforcement incomplete, ledger status unchanged")
			return current, len(failures), nil
		}
	}

	if err := e.ledger.SetClientStatus(ctx, client.ID, target); err != nil {
		return current, 0, fmt.Errorf("%w: set status of client %d: %v", database.ErrStoreUnavailable, client.ID, err)
	}
	clog.Info().Str("from", string(current)).Str("to", string(target)).Msg("client status changed")
	return target, 0, nil
}

// ApplyPayment records a payment and restores service when the client was
// cut off. The payment is kept even when reactivation fails; it is then
// annotated and the returned error wraps ErrEnforcementFailed.
func (e *Engine) ApplyPayment(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	client, err := e.ledger.GetClient(ctx, p.ClientID)
	if err != nil {
		return nil, err
	}

	pay := *p
	now := e.opts.Now()
	if pay.PaidAt.IsZero() {
		pay.PaidAt = now
	}
	if pay.BillingCycle == "" {
		pay.BillingCycle = BillingCycle(DueDate(now, client.BillingDay))
	}

	created, err := e.ledger.CreatePayment(ctx, &pay)
	if err != nil {
		return nil, fmt.Errorf("%w: create payment: %v", database.ErrStoreUnavailable, err)
	}

	log := e.logger.With().Int64("client_id", client.ID).Int64("payment_id", created.ID).Logger()
	log.Info().Str("cycle", created.BillingCycle).Str("previous_status", string(client.ServiceStatus)).Msg("payment recorded")

	switch client.ServiceStatus {
	case models.ServiceSuspended, models.ServiceCancelled:
	default:
		if client.ServiceStatus != models.ServiceActive {
			if err := e.ledger.SetClientStatus(ctx, client.ID, models.ServiceActive); err != nil {
				return e.reactivationFailed(ctx, created, log, fmt.Errorf("%w: set status of client %d: %v", database.ErrStoreUnavailable, client.ID, err))
			}
		}
		return created, nil
	}

	runID := uuid.NewString()
	failures, err := e.enforce(ctx, runID, client.ID, true, log.With().Str("run_id", runID).Logger())
	if err != nil {
		return e.reactivationFailed(ctx, created, log, err)
	}
	if len(failures) > 0 {
		return e.reactivationFailed(ctx, created, log, failures...)
	}

	if err := e.ledger.SetClientStatus(ctx, client.ID, models.ServiceActive); err != nil {
		return e.reactivationFailed(ctx, created, log, fmt.Errorf("%w: set status of client %d: %v", database.ErrStoreUnavailable, client.ID, err))
	}
	log.Info().Msg("client reactivated")
	return created, nil
}

// reactivationFailed annotates a stored payment whose service could not be
// restored. The payment stays recorded, so callers must not retry it; the
// returned error always wraps ErrEnforcementFailed.
func (e *Engine) reactivationFailed(ctx context.Context, created *models.Payment, log zerolog.Logger, causes ...error) (*models.Payment, error) {
	if err := e.ledger.AnnotatePayment(ctx, created.ID, ReactivationWarning); err != nil {
		log.Error().Err(err).Msg("failed to annotate payment")
	}
	if created.Notes == "" {
		created.Notes = ReactivationWarning
	} else {
		created.Notes += " | " + ReactivationWarning
	}

	err := errors.Join(causes...)
	if !errors.Is(err, ErrEnforcementFailed) {
		err = fmt.Errorf("%w: %w", ErrEnforcementFailed, err)
	}
	log.Warn().Err(err).Msg("payment recorded, service not restored")
	return created, err
}
