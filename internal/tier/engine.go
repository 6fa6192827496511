package tier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/metrics"
	"github.com/mbd888/tiergate/internal/notify"
	"github.com/mbd888/tiergate/internal/traces"
)

// ChargeRequest debits Cost for one completed request. Currency is the
// choice made at decision time; empty re-decides from a fresh read.
type ChargeRequest struct {
	UserID   string          `json:"userId" binding:"required"`
	ModelID  string          `json:"modelId" binding:"required"`
	Cost     int64           `json:"cost" binding:"required"`
	Currency ledger.Currency `json:"currency"`
}

// ChargeResult reports balances after a successful charge.
type ChargeResult struct {
	Success        bool            `json:"success"`
	Currency       ledger.Currency `json:"currency"`
	NewPaidBalance int64           `json:"newPaidBalance"`
	NewFreeBalance int64           `json:"newFreeBalance"`
	Transitioned   bool            `json:"transitioned"`
	GraceDeadline  *time.Time      `json:"graceDeadline,omitempty"`
}

// RefundRequest credits back a charge whose provider call failed.
type RefundRequest struct {
	UserID   string          `json:"userId" binding:"required"`
	Amount   int64           `json:"amount" binding:"required"`
	Currency ledger.Currency `json:"currency" binding:"required"`
}

// RefundResult reports balances after a refund.
type RefundResult struct {
	NewPaidBalance int64 `json:"newPaidBalance"`
	NewFreeBalance int64 `json:"newFreeBalance"`
	Transitioned   bool  `json:"transitioned"`
}

// Engine debits and credits the ledger for metered requests.
type Engine struct {
	store      ledger.Store
	policy     *Policy
	controller *Controller
	notifier   Notifier
	publisher  Publisher
	opts       Options
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates a deduction engine.
func NewEngine(store ledger.Store, policy *Policy, controller *Controller, opts Options, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		policy:     policy,
		controller: controller,
		notifier:   nopNotifier{},
		publisher:  nopPublisher{},
		opts:       opts,
		logger:     loggerOr(logger),
		now:        time.Now,
	}
}

// Charge debits req.Cost atomically. A concurrent charge that drained the
// balance first yields ledger.ErrInsufficientBalance; balances never go
// negative. When the debit takes a PAID account's paid balance to exactly
// zero a grace window opens in the same ledger unit.
func (e *Engine) Charge(ctx context.Context, req ChargeRequest) (res *ChargeResult, err error) {
	ctx, span := traces.StartSpan(ctx, "tier.Charge",
		traces.UserID(req.UserID), traces.ModelID(req.ModelID), traces.Tokens(req.Cost))
	defer func() {
		traces.End(span, err)
		metrics.ChargesTotal.WithLabelValues(chargeOutcome(err), string(req.Currency)).Inc()
	}()

	if req.UserID == "" {
		return nil, ErrInvalidUserID
	}
	if req.Cost <= 0 {
		return nil, ErrInvalidCost
	}
	if req.Currency != "" && !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}

	// Fresh read; the snapshot used for the decision may be stale.
	acct, err := e.store.EnsureAccount(ctx, req.UserID, e.opts.Seed)
	if err != nil {
		return nil, err
	}

	if req.Currency == "" {
		d := e.policy.Decide(SnapshotOf(acct), req.ModelID)
		if !d.Allowed {
			return nil, &DeniedError{Decision: d}
		}
		req.Currency = d.Currency
	} else if req.Currency == ledger.CurrencyFree && e.policy.RequiresPremium(req.ModelID) {
		return nil, &DeniedError{Decision: Decision{
			Currency:        ledger.CurrencyNone,
			Reason:          ReasonPremiumRequiresPaid,
			RequiresPremium: true,
		}}
	}

	if acct.Balance(req.Currency) < req.Cost {
		return nil, ledger.ErrInsufficientBalance
	}

	deadline := e.now().Add(e.opts.GracePeriod)
	debit, err := e.store.Debit(ctx, ledger.DebitRequest{
		UserID:        req.UserID,
		Currency:      req.Currency,
		Amount:        req.Cost,
		GraceDeadline: &deadline,
	})
	if err != nil {
		return nil, err
	}
	metrics.TokensConsumedTotal.WithLabelValues(string(req.Currency)).Add(float64(req.Cost))

	after := debit.Account
	transitioned := false
	if debit.GraceStarted {
		transitioned = true
		if e.opts.GracePeriod > 0 {
			e.controller.graceStarted(ctx, after)
		} else if down, derr := e.controller.FinalizeDowngrade(ctx, req.UserID, ledger.ReasonDepletion); derr != nil || down == nil {
			// The window is already expired; the sweeper finalizes it.
			withRequest(ctx, e.logger).Warn("immediate downgrade failed", "user_id", req.UserID, "error", derr)
			e.controller.graceStarted(ctx, after)
		} else {
			after = down.Account
		}
	}

	if req.Currency == ledger.CurrencyPaid && crossedLowBalance(debit.Before.PaidTokenBalance, after.PaidTokenBalance, e.opts.LowBalanceThreshold) {
		subject, body := lowBalanceMessage(after.PaidTokenBalance)
		e.notifier.Enqueue(ctx, req.UserID, notify.TypeTokensLow, subject, body)
	}

	e.publisher.PublishBalance(balanceUpdate(after, "charge"))
	return &ChargeResult{
		Success:        true,
		Currency:       req.Currency,
		NewPaidBalance: after.PaidTokenBalance,
		NewFreeBalance: after.FreeTotal(),
		Transitioned:   transitioned,
		GraceDeadline:  after.GraceDeadline,
	}, nil
}

// Refund returns amount to the given balance. A paid refund closes any open
// grace window and brings a FREE account back to PAID.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (res *RefundResult, err error) {
	ctx, span := traces.StartSpan(ctx, "tier.Refund",
		traces.UserID(req.UserID), traces.Tokens(req.Amount), traces.Currency(string(req.Currency)))
	defer func() { traces.End(span, err) }()

	if req.UserID == "" {
		return nil, ErrInvalidUserID
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidCost
	}
	if !req.Currency.Valid() {
		return nil, ErrInvalidCurrency
	}

	credit, err := e.store.Credit(ctx, ledger.CreditRequest{
		UserID:   req.UserID,
		Currency: req.Currency,
		Amount:   req.Amount,
		Seed:     e.opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	metrics.RefundsTotal.WithLabelValues(string(req.Currency)).Inc()

	if credit.ReenteredPaid {
		e.controller.recordTransition(ledger.TierFree, ledger.TierPaid, ledger.ReasonRefund)
		e.publisher.PublishTier(balanceUpdate(credit.Account, string(ledger.ReasonRefund)))
	}
	if req.Currency == ledger.CurrencyPaid {
		subject, body := refundedMessage(req.Amount, req.Currency)
		e.notifier.Enqueue(ctx, req.UserID, notify.TypeTokensRefunded, subject, body)
	}
	e.publisher.PublishBalance(balanceUpdate(credit.Account, "refund"))

	return &RefundResult{
		NewPaidBalance: credit.Account.PaidTokenBalance,
		NewFreeBalance: credit.Account.FreeTotal(),
		Transitioned:   credit.ReenteredPaid || credit.GraceCleared,
	}, nil
}

// crossedLowBalance reports whether a paid balance moved from at-or-above
// threshold to below it without reaching zero.
func crossedLowBalance(before, after, threshold int64) bool {
	return threshold > 0 && before >= threshold && after < threshold && after > 0
}

func chargeOutcome(err error) string {
	var denied *DeniedError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.As(err, &denied):
		return "denied"
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
