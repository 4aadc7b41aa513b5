package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"go-wisp/internal/database"
	"go-wisp/internal/models"
)

// enforce applies enabled to every binding of the client. It returns one
// error per binding that failed; each was recorded for manual review. A
// non-nil second result means the bindings could not be listed at all.
func (e *Engine) enforce(ctx context.Context, runID string, clientID int64, enabled bool, log zerolog.Logger) ([]error, error) {
	bindings, err := e.ledger.ListServiceBindings(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%w: list bindings of client %d: %v", database.ErrStoreUnavailable, clientID, err)
	}

	action := actionDisable
	if enabled {
		action = actionEnable
	}

	var failures []error
	for _, b := range bindings {
		err := e.applyBinding(ctx, b, enabled)
		if err == nil {
			log.Info().Int64("binding_id", b.ID).Str("router", b.RouterHost).Str("action", action).Msg("service enforced")
			continue
		}

		err = fmt.Errorf("%w: %s binding %d on %s: %v", ErrEnforcementFailed, action, b.ID, b.RouterHost, err)
		failures = append(failures, err)
		log.Error().Err(err).Int64("binding_id", b.ID).Str("router", b.RouterHost).Msg("enforcement call failed")

		rec := &models.EnforcementFailure{
			RunID:      runID,
			ClientID:   clientID,
			BindingID:  b.ID,
			RouterHost: b.RouterHost,
			Action:     action,
			Error:      err.Error(),
			CreatedAt:  e.opts.Now(),
		}
		if rerr := e.ledger.RecordEnforcementFailure(ctx, rec); rerr != nil {
			log.Error().Err(rerr).Int64("binding_id", b.ID).Msg("failed to record enforcement failure")
		}
	}
	return failures, nil
}

// applyBinding checks the router against the registry before dialing it
func (e *Engine) applyBinding(ctx context.Context, b *models.ServiceBinding, enabled bool) error {
	if b.EnforcementMethod != "" && b.EnforcementMethod != models.EnforcementPPPoESecret {
		return fmt.Errorf("unsupported enforcement method %q", b.EnforcementMethod)
	}
	if b.ExternalServiceRef == "" {
		return errors.New("binding has no service reference")
	}

	dev, err := e.registry.GetDevice(ctx, b.RouterHost)
	if errors.Is(err, database.ErrNotFound) {
		return errors.New("router not registered")
	}
	if err != nil {
		return fmt.Errorf("registry lookup: %w", err)
	}
	switch {
	case dev.Kind != models.KindRouter:
		return fmt.Errorf("device is a %s, not a router", dev.Kind)
	case !dev.Enabled:
		return errors.New("router is disabled")
	case dev.LastStatus == models.StatusOffline:
		return errors.New("router is offline")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.EnforceTimeout)
	defer cancel()
	return e.enforcer.SetServiceEnabled(callCtx, *dev, b.ExternalServiceRef, enabled)
}
