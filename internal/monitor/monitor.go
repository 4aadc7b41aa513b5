// Package monitor polls the AP and router fleet, persists what it sees and
// alerts operators when a device goes down or comes back.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-wisp/internal/database"
	"go-wisp/internal/device"
	"go-wisp/internal/models"
	"go-wisp/internal/notification"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Registry is the device inventory the monitor reads and updates
type Registry interface {
	ListEnabledDevices(ctx context.Context, kind models.DeviceKind) ([]*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	GetDevice(ctx context.Context, host string) (*models.Device, error)
	GetStatus(ctx context.Context, host string) (models.DeviceStatus, error)
	SetStatus(ctx context.Context, host string, status models.DeviceStatus, meta map[string]string, at time.Time) error
}

// SnapshotStore receives every online observation
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, snap *models.StatusSnapshot) error
}

// EventPublisher receives live fleet events, e.g. a websocket hub
type EventPublisher interface {
	Publish(eventType string, payload any)
}

const (
	EventDeviceStatus = "device.status"
	EventCycle        = "fleet.cycle"
)

// StatusEvent is published on every status transition
type StatusEvent struct {
	Host     string              `json:"host"`
	Name     string              `json:"name"`
	Kind     models.DeviceKind   `json:"kind"`
	Status   models.DeviceStatus `json:"status"`
	Previous models.DeviceStatus `json:"previous"`
	At       time.Time           `json:"at"`
}

type Options struct {
	// Workers is the fixed concurrency ceiling of a cycle
	Workers       int
	PollTimeout   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	AlertTimeout  time.Duration
	// DriftTolerance lets a device be polled slightly before its own
	// interval elapses so it does not slip a whole cycle
	DriftTolerance time.Duration
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.Workers < 1 {
		o.Workers = 10
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 15 * time.Second
	}
	if o.RetryAttempts < 1 {
		o.RetryAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.AlertTimeout <= 0 {
		o.AlertTimeout = 10 * time.Second
	}
	if o.DriftTolerance <= 0 {
		o.DriftTolerance = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Monitor struct {
	registry Registry
	store    SnapshotStore
	sink     notification.Sink
	adapters map[models.DeviceKind]device.Adapter
	events   EventPublisher
	opts     Options
	logger   zerolog.Logger
	locks    *hostLocks

	mu        sync.RWMutex
	lastCycle *models.CycleStats

	alertMu    sync.Mutex
	alertQueue []alert
	draining   bool
	alertWG    sync.WaitGroup
}

func New(registry Registry, store SnapshotStore, sink notification.Sink, adapters map[models.DeviceKind]device.Adapter, opts Options, logger zerolog.Logger) *Monitor {
	opts.setDefaults()
	if sink == nil {
		sink = notification.Nop{}
	}
	return &Monitor{
		registry: registry,
		store:    store,
		sink:     sink,
		adapters: adapters,
		opts:     opts,
		logger:   logger,
		locks:    newHostLocks(),
	}
}

// SetEventPublisher attaches a live event consumer
func (m *Monitor) SetEventPublisher(p EventPublisher) {
	m.events = p
}

func (m *Monitor) publish(eventType string, payload any) {
	if m.events != nil {
		m.events.Publish(eventType, payload)
	}
}

// RunCycle polls every enabled device that is due and waits for all of them.
// Adapter failures become offline transitions; only persistence failures are
// returned, joined and wrapping database.ErrStoreUnavailable.
func (m *Monitor) RunCycle(ctx context.Context) (models.CycleStats, error) {
	started := m.opts.Now()
	stats := models.CycleStats{StartedAt: started}

	// one batch covers both families
	var devices []*models.Device
	for _, kind := range models.DeviceKinds {
		var batch []*models.Device
		err := m.withRetry(ctx, func() error {
			var err error
			batch, err = m.registry.ListEnabledDevices(ctx, kind)
			return err
		})
		if err != nil {
			return stats, fmt.Errorf("%w: list %s devices: %v", database.ErrStoreUnavailable, kind, err)
		}
		devices = append(devices, batch...)
	}

	due := make([]*models.Device, 0, len(devices))
	for _, d := range devices {
		if m.isDue(d, started) {
			due = append(due, d)
		}
	}
	stats.Skipped = len(devices) - len(due)

	var (
		online, offline, failed atomic.Int64
		errMu                   sync.Mutex
		errs                    []error
	)

	g := errgroup.Group{}
	g.SetLimit(m.opts.Workers)
	for _, d := range due {
		dev := *d
		g.Go(func() error {
			status, err := m.PollDevice(ctx, dev)
			switch status {
			case models.StatusOnline:
				online.Add(1)
			case models.StatusOffline:
				offline.Add(1)
			}
			if err != nil {
				failed.Add(1)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			// one device never aborts the batch
			return nil
		})
	}
	g.Wait()

	stats.Polled = len(due)
	stats.Online = int(online.Load())
	stats.Offline = int(offline.Load())
	stats.Errors = int(failed.Load())
	stats.Duration = m.opts.Now().Sub(started)

	m.mu.Lock()
	last := stats
	m.lastCycle = &last
	m.mu.Unlock()

	m.logger.Info().
		Int("polled", stats.Polled).
		Int("online", stats.Online).
		Int("offline", stats.Offline).
		Int("skipped", stats.Skipped).
		Int("errors", stats.Errors).
		Dur("duration", stats.Duration).
		Msg("poll cycle finished")
	m.publish(EventCycle, stats)

	return stats, errors.Join(errs...)
}

// isDue reports whether dev's own poll interval has elapsed
func (m *Monitor) isDue(dev *models.Device, now time.Time) bool {
	if dev.PollIntervalSeconds <= 0 || dev.LastCheckedAt == nil {
		return true
	}
	interval := time.Duration(dev.PollIntervalSeconds) * time.Second
	return now.Sub(*dev.LastCheckedAt) >= interval-m.opts.DriftTolerance
}

// TriggerManualPoll polls one registered device immediately
func (m *Monitor) TriggerManualPoll(ctx context.Context, host string) (models.DeviceStatus, error) {
	dev, err := m.registry.GetDevice(ctx, host)
	if err != nil {
		return models.StatusUnknown, err
	}
	return m.PollDevice(ctx, *dev)
}

// PollDevice runs one poll of dev end to end: read the previous status,
// fetch, persist the snapshot and status, then alert on a transition.
// The returned status is what was observed; a non-nil error means the
// observation could not be fully persisted.
func (m *Monitor) PollDevice(ctx context.Context, dev models.Device) (models.DeviceStatus, error) {
	unlock := m.locks.lock(dev.Host)
	defer unlock()

	log := m.logger.With().Str("host", dev.Host).Str("kind", string(dev.Kind)).Logger()

	var previous models.DeviceStatus
	err := m.withRetry(ctx, func() error {
		var err error
		previous, err = m.registry.GetStatus(ctx, dev.Host)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return models.StatusUnknown, err
	}
	if err != nil {
		return models.StatusUnknown, fmt.Errorf("%w: read status of %s: %v", database.ErrStoreUnavailable, dev.Host, err)
	}

	snap, pollErr := m.fetch(ctx, dev)
	if pollErr != nil && ctx.Err() != nil {
		// shutting down; the device was not observed
		return models.StatusUnknown, ctx.Err()
	}

	now := m.opts.Now()
	current := models.StatusOnline
	var meta map[string]string
	var errs []error

	if pollErr != nil {
		current = models.StatusOffline
		log.Warn().Err(pollErr).Msg("device offline")
	} else {
		meta = snap.Metadata
		log.Debug().Float64("clients", snap.Metrics[models.MetricOnlineClientCount]).Msg("device online")
		if err := m.withRetry(ctx, func() error { return m.store.AppendSnapshot(ctx, snap) }); err != nil {
			log.Error().Err(err).Msg("failed to store snapshot")
			errs = append(errs, fmt.Errorf("%w: append snapshot for %s: %v", database.ErrStoreUnavailable, dev.Host, err))
		}
	}

	err = m.withRetry(ctx, func() error {
		return m.registry.SetStatus(ctx, dev.Host, current, meta, now)
	})
	if err != nil {
		log.Error().Err(err).Str("status", string(current)).Msg("failed to persist device status")
		errs = append(errs, fmt.Errorf("%w: set status of %s: %v", database.ErrStoreUnavailable, dev.Host, err))
		// no alert for a transition that was not recorded; the next
		// poll sees the old status and reports it again
		return current, errors.Join(errs...)
	}

	switch {
	case current == models.StatusOnline && previous == models.StatusOffline:
		log.Info().Msg("device recovered")
		m.notify(ctx, dev.Host, recoveredMessage(dev, snap))
	case current == models.StatusOffline && previous != models.StatusOffline:
		log.Warn().Str("previous", string(previous)).Msg("device went down")
		m.notify(ctx, dev.Host, downMessage(dev))
	}

	if current != previous {
		m.publish(EventDeviceStatus, StatusEvent{
			Host:     dev.Host,
			Name:     displayName(dev, snap),
			Kind:     dev.Kind,
			Status:   current,
			Previous: previous,
			At:       now,
		})
	}

	return current, errors.Join(errs...)
}

type fetchResult struct {
	snap *models.StatusSnapshot
	err  error
}

// fetch calls the adapter under the poll timeout. An adapter that ignores
// its context is abandoned once the timeout fires so the worker slot frees.
func (m *Monitor) fetch(ctx context.Context, dev models.Device) (*models.StatusSnapshot, error) {
	adapter, ok := m.adapters[dev.Kind]
	if !ok {
		return nil, device.Unreachable(dev.Host, fmt.Errorf("no adapter for kind %q", dev.Kind))
	}

	callCtx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetchResult{err: fmt.Errorf("adapter panic: %v", r)}
			}
		}()
		snap, err := adapter.FetchStatus(callCtx, dev)
		ch <- fetchResult{snap: snap, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, device.Unreachable(dev.Host, r.err)
		}
		if r.snap == nil {
			return nil, device.Unreachable(dev.Host, errors.New("adapter returned no snapshot"))
		}
		return normalize(r.snap, dev, m.opts.Now()), nil
	case <-callCtx.Done():
		return nil, device.Unreachable(dev.Host, callCtx.Err())
	}
}

// normalize fills identity fields an adapter left empty
func normalize(snap *models.StatusSnapshot, dev models.Device, now time.Time) *models.StatusSnapshot {
	out := *snap
	out.DeviceHost = dev.Host
	out.Kind = dev.Kind
	out.Online = true
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	if out.Metrics == nil {
		out.Metrics = map[string]float64{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	return &out
}

// withRetry retries fn for transient store failures. Missing rows are not
// transient and return at once.
func (m *Monitor) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < m.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(m.opts.RetryBackoff * time.Duration(attempt)):
			}
		}
		if err = fn(); err == nil || errors.Is(err, database.ErrNotFound) {
			return err
		}
	}
	return err
}

// FleetStatus returns every registered device with the last cycle's stats
func (m *Monitor) FleetStatus(ctx context.Context) (*models.FleetStatus, error) {
	devices, err := m.registry.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	fs := &models.FleetStatus{Devices: devices}
	for _, d := range devices {
		switch d.LastStatus {
		case models.StatusOnline:
			fs.Online++
		case models.StatusOffline:
			fs.Offline++
		default:
			fs.Unknown++
		}
	}

	m.mu.RLock()
	if m.lastCycle != nil {
		last := *m.lastCycle
		fs.LastCycle = &last
	}
	m.mu.RUnlock()

	return fs, nil
}

// LastCycle returns the stats of the most recent cycle, if any
func (m *Monitor) LastCycle() (models.CycleStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastCycle == nil {
		return models.CycleStats{}, false
	}
	return *m.lastCycle, true
}
