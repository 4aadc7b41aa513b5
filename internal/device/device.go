// Package device defines the contract every managed-device family implements.
package device

import (
	"context"
	"errors"
	"fmt"

	"go-wisp/internal/models"
)

var (
	// ErrUnreachable covers network, authentication and parse failures
	ErrUnreachable = errors.New("device unreachable")
	// ErrServiceNotFound means the referenced service does not exist on the device
	ErrServiceNotFound = errors.New("service not found on device")
)

// Adapter fetches a status snapshot from one device family. Implementations
// authenticate on every call and return errors wrapping ErrUnreachable.
type Adapter interface {
	FetchStatus(ctx context.Context, dev models.Device) (*models.StatusSnapshot, error)
}

// Enforcer toggles a client service on a routing device. Calls are
// idempotent: enabling an enabled service succeeds without a write.
type Enforcer interface {
	SetServiceEnabled(ctx context.Context, dev models.Device, ref string, enabled bool) error
}

// UnreachableError carries the host and the underlying cause
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("device %s unreachable: %v", e.Host, e.Err)
}

func (e *UnreachableError) Unwrap() []error {
	return []error{ErrUnreachable, e.Err}
}

// Unreachable wraps err so that errors.Is(err, ErrUnreachable) holds
func Unreachable(host string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UnreachableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnreachableError{Host: host, Err: err}
}
