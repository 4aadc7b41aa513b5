package monitor

import (
	"context"
	"fmt"
	"strings"

	"go-wisp/internal/models"
)

func kindLabel(k models.DeviceKind) string {
	return strings.ToUpper(string(k))
}

func displayName(dev models.Device, snap *models.StatusSnapshot) string {
	if dev.Name != "" {
		return dev.Name
	}
	if snap != nil && snap.Metadata[models.MetaHostname] != "" {
		return snap.Metadata[models.MetaHostname]
	}
	if dev.Hostname != "" {
		return dev.Hostname
	}
	return dev.Host
}

func recoveredMessage(dev models.Device, snap *models.StatusSnapshot) string {
	return fmt.Sprintf("✅ *%s RECOVERED*\n\nThe %s *%s* (`%s`) is back online.",
		kindLabel(dev.Kind), kindLabel(dev.Kind), displayName(dev, snap), dev.Host)
}

func downMessage(dev models.Device) string {
	return fmt.Sprintf("❌ *ALERT: %s DOWN*\n\nCould not reach the %s *%s* (`%s`).",
		kindLabel(dev.Kind), kindLabel(dev.Kind), displayName(dev, nil), dev.Host)
}

type alert struct {
	ctx     context.Context
	host    string
	message string
}

// notify queues an alert after the status it describes was persisted. It
// never blocks: alerts are delivered in order by a single drain goroutine
// outside the worker pool, so a hung sink cannot hold a poll slot.
func (m *Monitor) notify(ctx context.Context, host, message string) {
	m.alertWG.Add(1)

	m.alertMu.Lock()
	m.alertQueue = append(m.alertQueue, alert{ctx: context.WithoutCancel(ctx), host: host, message: message})
	start := !m.draining
	m.draining = true
	m.alertMu.Unlock()

	if start {
		go m.drainAlerts()
	}
}

func (m *Monitor) drainAlerts() {
	for {
		m.alertMu.Lock()
		if len(m.alertQueue) == 0 {
			m.draining = false
			m.alertMu.Unlock()
			return
		}
		a := m.alertQueue[0]
		m.alertQueue = m.alertQueue[1:]
		m.alertMu.Unlock()

		m.deliver(a)
		m.alertWG.Done()
	}
}

// WaitAlerts blocks until every queued alert has been attempted
func (m *Monitor) WaitAlerts() {
	m.alertWG.Wait()
}

// deliver sends one alert. Delivery problems are logged here and never
// reach the poller.
func (m *Monitor) deliver(a alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("host", a.host).Interface("panic", r).Msg("alert sink panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(a.ctx, m.opts.AlertTimeout)
	defer cancel()

	if err := m.sink.Notify(ctx, a.message); err != nil {
		m.logger.Warn().Err(err).Str("host", a.host).Msg("alert delivery failed")
	}
}
