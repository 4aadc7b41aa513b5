package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go-wisp/internal/models"
)

// FleetMonitor runs one polling sweep
type FleetMonitor interface {
	RunCycle(ctx context.Context) (models.CycleStats, error)
}

// Reconciler runs one billing audit
type Reconciler interface {
	Reconcile(ctx context.Context, today time.Time) (models.ReconcileStats, error)
}

// Settings are re-read before every wait so changes apply without a restart
type Settings interface {
	MonitorInterval() time.Duration
	AuditRunTime() (hour, minute int)
}

// Options tunes the loops
type Options struct {
	// CheckInterval is how often the audit loop looks at the clock
	CheckInterval time.Duration
	// ErrorPause is the wait after a failed or panicked cycle
	ErrorPause time.Duration
	Now        func() time.Time
}

func (o *Options) setDefaults() {
	if o.CheckInterval <= 0 {
		o.CheckInterval = 30 * time.Minute
	}
	if o.ErrorPause <= 0 {
		o.ErrorPause = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Scheduler manages the monitor and billing loops
type Scheduler struct {
	monitor    FleetMonitor
	reconciler Reconciler
	settings   Settings
	opts       Options
	logger     zerolog.Logger

	wg sync.WaitGroup

	mu        sync.Mutex
	lastAudit string
}

// New creates a new Scheduler. Either loop is skipped when its
// collaborator is nil.
func New(monitor FleetMonitor, reconciler Reconciler, settings Settings, opts Options, logger zerolog.Logger) *Scheduler {
	opts.setDefaults()
	return &Scheduler{
		monitor:    monitor,
		reconciler: reconciler,
		settings:   settings,
		opts:       opts,
		logger:     logger,
	}
}

// Start starts the loops. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s.monitor != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitorLoop(ctx)
		}()
	}
	if s.reconciler != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.auditLoop(ctx)
		}()
	}
}

// Wait blocks until every loop has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) monitorLoop(ctx context.Context) {
	s.logger.Info().Msg("Fleet monitor loop started")
	for {
		err := s.safeRun("monitor", func() error {
			stats, err := s.monitor.RunCycle(ctx)
			s.logger.Info().
				Int("polled", stats.Polled).
				Int("online", stats.Online).
				Int("offline", stats.Offline).
				Int("skipped", stats.Skipped).
				Dur("duration", stats.Duration).
				Msg("Fleet cycle finished")
			return err
		})
		if ctx.Err() != nil {
			s.logger.Info().Msg("Fleet monitor loop stopped")
			return
		}

		pause := s.settings.MonitorInterval()
		if err != nil {
			s.logger.Error().Err(err).Dur("pause", s.opts.ErrorPause).Msg("Fleet cycle failed")
			pause = s.opts.ErrorPause
		}

		if !sleep(ctx, pause) {
			s.logger.Info().Msg("Fleet monitor loop stopped")
			return
		}
	}
}

func (s *Scheduler) auditLoop(ctx context.Context) {
	s.logger.Info().Dur("check_interval", s.opts.CheckInterval).Msg("Billing audit loop started")
	for {
		pause := s.opts.CheckInterval

		now := s.opts.Now()
		if s.auditDue(now) {
			err := s.safeRun("audit", func() error {
				stats, err := s.reconciler.Reconcile(ctx, now)
				s.logger.Info().
					Str("run_id", stats.RunID).
					Int("processed", stats.Processed).
					Int("suspended", stats.Suspended).
					Int("enforcement_failures", stats.EnforcementFailures).
					Msg("Billing audit finished")
				return err
			})
			switch {
			case ctx.Err() != nil:
			case err != nil:
				s.logger.Error().Err(err).Dur("pause", s.opts.ErrorPause).Msg("Billing audit failed")
				pause = s.opts.ErrorPause
			default:
				s.markAudited(now)
			}
		}

		if !sleep(ctx, pause) {
			s.logger.Info().Msg("Billing audit loop stopped")
			return
		}
	}
}

// auditDue reports whether today's run time has passed and today has not
// been audited yet
func (s *Scheduler) auditDue(now time.Time) bool {
	hour, minute := s.settings.AuditRunTime()
	y, m, d := now.Date()
	runAt := time.Date(y, m, d, hour, minute, 0, 0, now.Location())
	if now.Before(runAt) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAudit != now.Format(time.DateOnly)
}

func (s *Scheduler) markAudited(now time.Time) {
	s.mu.Lock()
	s.lastAudit = now.Format(time.DateOnly)
	s.mu.Unlock()
}

// safeRun turns a panic in fn into an error so the loop keeps going
func (s *Scheduler) safeRun(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("loop", name).Interface("panic", r).Msg("Recovered from panic")
			err = fmt.Errorf("%s cycle panicked: %v", name, r)
		}
	}()
	return fn()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
