package regression

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/robfig/cron/v3"
)

// DefaultLockTTL bounds how long one replica holds a service's sweep lock.
const DefaultLockTTL = time.Minute

// Checker runs one regression check. *Detector satisfies it.
type Checker interface {
	CheckForRegressions(ctx context.Context, serviceName, deployVersion string) ([]uuid.UUID, error)
}

// Locker grants a short-lived exclusive lock. cache.Cache satisfies it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Scheduler runs regression sweeps on a cron schedule. When several replicas
// share a Redis, the per-service lock lets only one of them sweep a service
// in each lock window.
type Scheduler struct {
	checker  Checker
	locker   Locker
	services []string
	lockTTL  time.Duration

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a Scheduler over services. An empty list sweeps all
// services in one check. A nil locker disables locking.
func NewScheduler(checker Checker, locker Locker, services []string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		checker:  checker,
		locker:   locker,
		services: services,
		lockTTL:  DefaultLockTTL,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start registers the sweep under schedule and starts the cron runner. An
// empty schedule leaves the scheduler idle.
func (s *Scheduler) Start(schedule string) error {
	if schedule == "" {
		slog.Info("regression sweep disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(s.ctx) }); err != nil {
		return fmt.Errorf("schedule regression sweep %q: %w", schedule, err)
	}
	s.cron.Start()
	slog.Info("regression sweep scheduled", "schedule", schedule, "services", s.services)
	return nil
}

// Stop halts the schedule and cancels a running sweep, then waits for it to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep checks every configured service once. Services whose lock is held
// elsewhere are skipped.
func (s *Scheduler) Sweep(ctx context.Context) {
	services := s.services
	if len(services) == 0 {
		services = []string{""}
	}

	for _, svc := range services {
		if ctx.Err() != nil {
			return
		}
		if !s.acquire(ctx, svc) {
			continue
		}
		if _, err := s.checker.CheckForRegressions(ctx, svc, ""); err != nil {
			slog.ErrorContext(ctx, "regression sweep failed", "service", svc, "error", err)
		}
	}
}

func (s *Scheduler) acquire(ctx context.Context, service string) bool {
	if s.locker == nil {
		return true
	}
	ok, err := s.locker.TryLock(ctx, cache.RegressionLockKey(service), s.lockTTL)
	if err != nil {
		slog.WarnContext(ctx, "regression lock unavailable", "service", service, "error", err)
		return false
	}
	if !ok {
		slog.DebugContext(ctx, "regression sweep held by another replica", "service", service)
	}
	return ok
}
