package tier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/metrics"
)

// Locker guards a sweep against a concurrent run on another instance.
// Overlapping sweeps are safe without it; the lock only saves work.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), acquired bool, err error)
}

const (
	sweepLockKey = "tiergate:sweep"
	sweepLockTTL = 5 * time.Minute
)

// Sweeper downgrades accounts whose grace window has elapsed.
type Sweeper struct {
	store      ledger.Store
	controller *Controller
	locker     Locker
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper creates a grace period sweeper.
func NewSweeper(store ledger.Store, controller *Controller, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		controller: controller,
		batch:      100,
		logger:     loggerOr(logger),
		now:        time.Now,
	}
}

// WithLocker adds a distributed lock so only one instance sweeps at a time.
func (s *Sweeper) WithLocker(l Locker) *Sweeper {
	s.locker = l
	return s
}

// Sweep finalizes every expired grace window and returns how many accounts
// moved to FREE. Accounts another sweep already handled are skipped.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		switch {
		case err != nil:
			s.logger.Warn("sweep lock unavailable, sweeping without it", "error", err)
		case !ok:
			s.logger.Debug("sweep already running elsewhere, skipping")
			return 0, nil
		default:
			defer unlock()
		}
	}

	var (
		total int
		errs  []error
	)
	for {
		ids, err := s.store.ListGraceExpired(ctx, s.now(), s.batch)
		if err != nil {
			return total, errors.Join(append(errs, err)...)
		}

		moved := 0
		for _, id := range ids {
			res, err := s.controller.FinalizeDowngrade(ctx, id, ledger.ReasonGraceExpired)
			if err != nil {
				s.logger.Warn("grace downgrade failed", "user_id", id, "error", err)
				errs = append(errs, err)
				continue
			}
			if res != nil {
				moved++
				metrics.SweepDowngradesTotal.Inc()
			}
		}
		total += moved

		// A short page is the last one. A page with no progress would be
		// returned again unchanged, so stop rather than spin.
		if len(ids) < s.batch || moved == 0 {
			break
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}

	if total > 0 {
		s.logger.Info("grace sweep finished", "downgraded", total, "duration", time.Since(start))
	}
	return total, errors.Join(errs...)
}
