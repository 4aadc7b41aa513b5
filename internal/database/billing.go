package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-wisp/internal/models"
)

// CreateClient inserts a new client account
func (db *DB) CreateClient(ctx context.Context, c *models.ClientAccount) (*models.ClientAccount, error) {
	if c.BillingDay < 1 || c.BillingDay > 31 {
		return nil, fmt.Errorf("billing day %d out of range", c.BillingDay)
	}
	if c.ServiceStatus == "" {
		c.ServiceStatus = models.ServiceActive
	}
	if !c.ServiceStatus.Valid() {
		return nil, fmt.Errorf("invalid service status %q", c.ServiceStatus)
	}

	res, err := db.ExecContext(ctx,
		"INSERT INTO clients (name, billing_day, service_status) VALUES (?, ?, ?)",
		c.Name, c.BillingDay, c.ServiceStatus)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return db.GetClient(ctx, id)
}

// GetClient retrieves a client account by id
func (db *DB) GetClient(ctx context.Context, id int64) (*models.ClientAccount, error) {
	row := db.QueryRowContext(ctx,
		"SELECT id, name, billing_day, service_status, created_at, updated_at FROM clients WHERE id = ?", id)
	c, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListAllActiveAccounts returns every client that is not cancelled
func (db *DB) ListAllActiveAccounts(ctx context.Context) ([]*models.ClientAccount, error) {
	return db.queryClients(ctx,
		"SELECT id, name, billing_day, service_status, created_at, updated_at FROM clients WHERE service_status != ? ORDER BY id",
		models.ServiceCancelled)
}

// ListClientsByBillingDay returns the non-cancelled clients of one billing cohort
func (db *DB) ListClientsByBillingDay(ctx context.Context, day int) ([]*models.ClientAccount, error) {
	return db.queryClients(ctx,
		"SELECT id, name, billing_day, service_status, created_at, updated_at FROM clients WHERE billing_day = ? AND service_status != ? ORDER BY id",
		day, models.ServiceCancelled)
}

func (db *DB) queryClients(ctx context.Context, query string, args ...any) ([]*models.ClientAccount, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	clients := make([]*models.ClientAccount, 0)
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

func scanClient(row rowScanner) (*models.ClientAccount, error) {
	var c models.ClientAccount
	var createdAt, updatedAt sql.NullTime
	if err := row.Scan(&c.ID, &c.Name, &c.BillingDay, &c.ServiceStatus, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = createdAt.Time
	c.UpdatedAt = updatedAt.Time
	return &c, nil
}

// SetClientStatus moves a client to a new service status
func (db *DB) SetClientStatus(ctx context.Context, id int64, status models.ServiceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid service status %q", status)
	}
	res, err := db.ExecContext(ctx,
		"UPDATE clients SET service_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateServiceBinding attaches an enforceable router service to a client
func (db *DB) CreateServiceBinding(ctx context.Context, b *models.ServiceBinding) (*models.ServiceBinding, error) {
	if b.EnforcementMethod == "" {
		b.EnforcementMethod = models.EnforcementPPPoESecret
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO service_bindings (client_id, router_host, enforcement_method, external_service_ref)
		VALUES (?, ?, ?, ?)
	`, b.ClientID, b.RouterHost, b.EnforcementMethod, b.ExternalServiceRef)
	if err != nil {
		return nil, err
	}
	out := *b
	out.ID, err = res.LastInsertId()
	return &out, err
}

// ListServiceBindings returns the router services bound to a client
func (db *DB) ListServiceBindings(ctx context.Context, clientID int64) ([]*models.ServiceBinding, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, router_host, enforcement_method, external_service_ref, created_at
		FROM service_bindings WHERE client_id = ? ORDER BY id
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bindings := make([]*models.ServiceBinding, 0)
	for rows.Next() {
		var b models.ServiceBinding
		var createdAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.ClientID, &b.RouterHost, &b.EnforcementMethod, &b.ExternalServiceRef, &createdAt); err != nil {
			return nil, err
		}
		b.CreatedAt = createdAt.Time
		bindings = append(bindings, &b)
	}
	return bindings, rows.Err()
}

// CreatePayment records a payment for a billing cycle
func (db *DB) CreatePayment(ctx context.Context, p *models.Payment) (*models.Payment, error) {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO payments (client_id, amount, billing_cycle, paid_at, notes)
		VALUES (?, ?, ?, ?, ?)
	`, p.ClientID, p.Amount, p.BillingCycle, p.PaidAt.UTC(), p.Notes)
	if err != nil {
		return nil, err
	}
	out := *p
	out.ID, err = res.LastInsertId()
	return &out, err
}

// HasPaymentForCycle reports whether the client paid the given YYYY-MM cycle
func (db *DB) HasPaymentForCycle(ctx context.Context, clientID int64, cycle string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE client_id = ? AND billing_cycle = ?", clientID, cycle).Scan(&count)
	return count > 0, err
}

// AnnotatePayment appends a note to an existing payment
func (db *DB) AnnotatePayment(ctx context.Context, paymentID int64, note string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payments SET notes = CASE WHEN notes = '' THEN ? ELSE notes || ' | ' || ? END
		WHERE id = ?
	`, note, note, paymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetPayments lists a client's payments, newest first
func (db *DB) GetPayments(ctx context.Context, clientID int64) ([]*models.Payment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, amount, billing_cycle, paid_at, notes
		FROM payments WHERE client_id = ? ORDER BY paid_at DESC, id DESC
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]*models.Payment, 0)
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.ClientID, &p.Amount, &p.BillingCycle, &p.PaidAt, &p.Notes); err != nil {
			return nil, err
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// RecordEnforcementFailure queues a failed router call for manual review
func (db *DB) RecordEnforcementFailure(ctx context.Context, f *models.EnforcementFailure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO enforcement_failures (run_id, client_id, binding_id, router_host, action, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.RunID, f.ClientID, f.BindingID, f.RouterHost, f.Action, f.Error, f.CreatedAt.UTC())
	return err
}

// ListEnforcementFailures returns the newest failures awaiting review
func (db *DB) ListEnforcementFailures(ctx context.Context, limit int) ([]*models.EnforcementFailure, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, run_id, client_id, binding_id, router_host, action, error, created_at
		FROM enforcement_failures ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	failures := make([]*models.EnforcementFailure, 0)
	for rows.Next() {
		var f models.EnforcementFailure
		if err := rows.Scan(&f.ID, &f.RunID, &f.ClientID, &f.BindingID, &f.RouterHost, &f.Action, &f.Error, &f.CreatedAt); err != nil {
			return nil, err
		}
		failures = append(failures, &f)
	}
	return failures, rows.Err()
}
