package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agrifin/internal/common/lock"
)

const lockKey = "agrifin:reconciliation:run"

// Runner runs one reconciliation pass.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs the job periodically. With a locker, a tick is skipped while
// another replica holds the run lock; correctness never depends on the lock.
type Scheduler struct {
	runner Runner
	locker lock.Locker
	cfg    Config
	logger *slog.Logger
}

// NewScheduler creates a scheduler. locker may be nil.
func NewScheduler(runner Runner, locker lock.Locker, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.RunTimeout
	}
	return &Scheduler{runner: runner, locker: locker, cfg: cfg, logger: logger}
}

// Start blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("reconciliation scheduler started", "interval", s.cfg.Interval)
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one pass under the optional lock.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.locker != nil {
		token, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug("reconciliation already running elsewhere, skipping tick")
			return
		}
		if err != nil {
			// run anyway, reconciliation is idempotent
			s.logger.Warn("reconciliation lock unavailable", "error", err)
		} else {
			defer func() {
				if err := s.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
					s.logger.Warn("releasing reconciliation lock", "error", err)
				}
			}()
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	if _, err := s.runner.Run(runCtx); err != nil {
		s.logger.Error("scheduled reconciliation failed", "error", err)
	}
}
