package models

import "time"

// ServiceStatus is the ledger's view of a client's service
type ServiceStatus string

const (
	ServiceActive    ServiceStatus = "active"
	ServicePending   ServiceStatus = "pending"
	ServiceSuspended ServiceStatus = "suspended"
	ServiceCancelled ServiceStatus = "cancelled"
)

// Valid reports whether s is one of the known service states
func (s ServiceStatus) Valid() bool {
	switch s {
	case ServiceActive, ServicePending, ServiceSuspended, ServiceCancelled:
		return true
	}
	return false
}

// EnforcementPPPoESecret disables the PPP secret named by the binding's ref
const EnforcementPPPoESecret = "pppoe_secret_disable"

// ClientAccount is a billed customer
type ClientAccount struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	BillingDay    int           `json:"billingDay"`
	ServiceStatus ServiceStatus `json:"serviceStatus"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ServiceBinding ties a client to one enforceable service on a router
type ServiceBinding struct {
	ID                 int64     `json:"id"`
	ClientID           int64     `json:"clientId"`
	RouterHost         string    `json:"routerHost"`
	EnforcementMethod  string    `json:"enforcementMethod"`
	ExternalServiceRef string    `json:"externalServiceRef"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Payment is a recorded payment for one billing cycle
type Payment struct {
	ID           int64     `json:"id"`
	ClientID     int64     `json:"clientId"`
	Amount       float64   `json:"amount"`
	BillingCycle string    `json:"billingCycle"` // YYYY-MM
	PaidAt       time.Time `json:"paidAt"`
	Notes        string    `json:"notes"`
}

// EnforcementFailure is queued for manual review when a router call fails
type EnforcementFailure struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"runId"`
	ClientID   int64     `json:"clientId"`
	BindingID  int64     `json:"bindingId"`
	RouterHost string    `json:"routerHost"`
	Action     string    `json:"action"` // enable or disable
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ReconcileStats are the counters of one reconciliation run
type ReconcileStats struct {
	RunID               string    `json:"runId"`
	StartedAt           time.Time `json:"startedAt"`
	Active              int       `json:"active"`
	Pending             int       `json:"pending"`
	Suspended           int       `json:"suspended"`
	Processed           int       `json:"processed"`
	EnforcementFailures int       `json:"enforcementFailures"`
}
