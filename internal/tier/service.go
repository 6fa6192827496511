package tier

import (
	"context"
	"log/slog"

	"github.com/mbd888/tiergate/internal/circuitbreaker"
	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/metrics"
)

// Service wires the accessor, policy, engine, controller and sweeper over
// one ledger store. It is the API surface used by HTTP handlers, the
// payment webhook and the operator CLI.
type Service struct {
	store      ledger.Store
	accessor   *Accessor
	policy     *Policy
	engine     *Engine
	controller *Controller
	sweeper    *Sweeper
}

// NewService creates the tier engine.
func NewService(store ledger.Store, models Classifier, opts Options, logger *slog.Logger) *Service {
	logger = loggerOr(logger)
	policy := NewPolicy(models)
	controller := NewController(store, opts, logger)
	return &Service{
		store:      store,
		accessor:   NewAccessor(store, nil, opts.Seed, logger),
		policy:     policy,
		engine:     NewEngine(store, policy, controller, opts, logger),
		controller: controller,
		sweeper:    NewSweeper(store, controller, logger),
	}
}

// WithNotifier routes notifications to n.
func (s *Service) WithNotifier(n Notifier) *Service {
	if n != nil {
		s.controller.notifier = n
		s.engine.notifier = n
	}
	return s
}

// WithPublisher pushes balance changes to p.
func (s *Service) WithPublisher(p Publisher) *Service {
	if p != nil {
		s.controller.publisher = p
		s.engine.publisher = p
	}
	return s
}

// WithBreaker guards snapshot reads with b.
func (s *Service) WithBreaker(b *circuitbreaker.Breaker) *Service {
	s.accessor.breaker = b
	return s
}

// WithLocker makes sweeps take a distributed lock.
func (s *Service) WithLocker(l Locker) *Service {
	s.sweeper.WithLocker(l)
	return s
}

// Snapshot returns the fail-closed view of userID.
func (s *Service) Snapshot(ctx context.Context, userID string) TierSnapshot {
	return s.accessor.Snapshot(ctx, userID)
}

// Decide snapshots userID and decides access to modelID.
func (s *Service) Decide(ctx context.Context, userID, modelID string) (TierSnapshot, Decision) {
	snap := s.accessor.Snapshot(ctx, userID)
	d := s.policy.Decide(snap, modelID)
	metrics.DecisionsTotal.WithLabelValues(metrics.BoolLabel(d.Allowed), string(d.Currency)).Inc()
	return snap, d
}

// Charge debits a completed request.
func (s *Service) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return s.engine.Charge(ctx, req)
}

// Refund credits back a failed request.
func (s *Service) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return s.engine.Refund(ctx, req)
}

// UpgradeToPaid applies a purchase.
func (s *Service) UpgradeToPaid(ctx context.Context, userID string, tokens int64, paymentRef string) (*ledger.PurchaseResult, error) {
	return s.controller.UpgradeToPaid(ctx, userID, tokens, paymentRef)
}

// StartGracePeriod opens a grace window on a depleted account.
func (s *Service) StartGracePeriod(ctx context.Context, userID string, hours int) (*ledger.GraceResult, error) {
	return s.controller.StartGracePeriod(ctx, userID, hours)
}

// FinalizeDowngrade moves an account to FREE; nil result means no-op.
func (s *Service) FinalizeDowngrade(ctx context.Context, userID string, reason ledger.Reason) (*ledger.DowngradeResult, error) {
	return s.controller.FinalizeDowngrade(ctx, userID, reason)
}

// Sweep finalizes expired grace windows.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.sweeper.Sweep(ctx)
}

// Sweeper exposes the sweeper for scheduling.
func (s *Service) Sweeper() *Sweeper {
	return s.sweeper
}

// Transitions lists the audit trail for userID, newest first.
func (s *Service) Transitions(ctx context.Context, userID string, limit int) ([]*ledger.TransitionEvent, error) {
	return s.store.ListTransitions(ctx, userID, limit)
}
