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

// Controller performs tier transitions. Each transition is one ledger unit
// (balances, grace, allowlist and audit event together); notifications and
// live pushes follow the commit and never fail the transition.
type Controller struct {
	store     ledger.Store
	notifier  Notifier
	publisher Publisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewController creates a transition controller.
func NewController(store ledger.Store, opts Options, logger *slog.Logger) *Controller {
	return &Controller{
		store:     store,
		notifier:  nopNotifier{},
		publisher: nopPublisher{},
		opts:      opts,
		logger:    loggerOr(logger),
		now:       time.Now,
	}
}

// UpgradeToPaid credits tokensPurchased for paymentRef. A FREE account
// enters PAID; a PAID account is topped up and any grace window cleared.
// Replaying the same paymentRef and amount is a successful no-op reported
// through Duplicate; the same ref with another amount is ErrPaymentConflict.
func (c *Controller) UpgradeToPaid(ctx context.Context, userID string, tokensPurchased int64, paymentRef string) (res *ledger.PurchaseResult, err error) {
	ctx, span := traces.StartSpan(ctx, "tier.UpgradeToPaid",
		traces.UserID(userID), traces.Tokens(tokensPurchased), traces.PaymentRef(paymentRef))
	defer func() { traces.End(span, err) }()

	res, err = c.store.ApplyPurchase(ctx, ledger.Purchase{
		UserID:     userID,
		Tokens:     tokensPurchased,
		PaymentRef: paymentRef,
		Seed:       c.opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		metrics.DuplicatePaymentsTotal.Inc()
		withRequest(ctx, c.logger).Info("duplicate payment ignored", "user_id", userID, "payment_ref", paymentRef)
		return res, nil
	}

	c.recordTransition(res.FromTier, ledger.TierPaid, ledger.ReasonPurchase)
	withRequest(ctx, c.logger).Info("tokens purchased",
		"user_id", userID, "tokens", tokensPurchased, "from", res.FromTier,
		"paid_balance", res.Account.PaidTokenBalance, "payment_ref", paymentRef)

	subject, body := purchasedMessage(tokensPurchased, res.Account.PaidTokenBalance)
	c.notifier.Enqueue(ctx, userID, notify.TypeTokensPurchased, subject, body)
	c.publisher.PublishTier(balanceUpdate(res.Account, string(ledger.ReasonPurchase)))
	return res, nil
}

// StartGracePeriod opens a grace window of hours on a depleted PAID
// account. An open window is never extended; a call that changes nothing
// returns Started=false. hours <= 0 uses the configured grace period.
func (c *Controller) StartGracePeriod(ctx context.Context, userID string, hours int) (res *ledger.GraceResult, err error) {
	ctx, span := traces.StartSpan(ctx, "tier.StartGracePeriod", traces.UserID(userID))
	defer func() { traces.End(span, err) }()

	window := c.opts.GracePeriod
	if hours > 0 {
		window = time.Duration(hours) * time.Hour
	}
	res, err = c.store.StartGrace(ctx, userID, c.now().Add(window))
	if err != nil {
		return nil, err
	}
	if res.Started {
		c.graceStarted(ctx, res.Account)
	}
	return res, nil
}

// FinalizeDowngrade moves a PAID account to FREE, reseeding the free
// allowance. It returns nil, nil when there is nothing to do: the account
// is already FREE or the reason's precondition no longer holds.
func (c *Controller) FinalizeDowngrade(ctx context.Context, userID string, reason ledger.Reason) (res *ledger.DowngradeResult, err error) {
	ctx, span := traces.StartSpan(ctx, "tier.FinalizeDowngrade", traces.UserID(userID), traces.Reason(string(reason)))
	defer func() { traces.End(span, err) }()

	res, err = c.store.Downgrade(ctx, ledger.Downgrade{
		UserID: userID,
		Reason: reason,
		Seed:   c.opts.Seed,
		Now:    c.now(),
	})
	if errors.Is(err, ledger.ErrNoTransition) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.recordTransition(ledger.TierPaid, ledger.TierFree, reason)
	withRequest(ctx, c.logger).Info("account downgraded",
		"user_id", userID, "reason", reason, "forfeited", res.Forfeited)

	subject, body := downgradedMessage(reason, res.Forfeited)
	c.notifier.Enqueue(ctx, userID, notify.TypeAccountDowngraded, subject, body)
	c.publisher.PublishTier(balanceUpdate(res.Account, string(reason)))
	return res, nil
}

// graceStarted runs the side effects of a newly opened grace window.
func (c *Controller) graceStarted(ctx context.Context, acct *ledger.Account) {
	c.recordTransition(ledger.TierPaid, ledger.TierPaid, ledger.ReasonDepletion)
	withRequest(ctx, c.logger).Info("grace period started",
		"user_id", acct.UserID, "deadline", acct.GraceDeadline)

	subject, body := depletedMessage(acct.GraceDeadline)
	c.notifier.Enqueue(ctx, acct.UserID, notify.TypeTokensDepleted, subject, body)
	c.publisher.PublishTier(balanceUpdate(acct, string(ledger.ReasonDepletion)))
}

func (c *Controller) recordTransition(from, to ledger.Tier, reason ledger.Reason) {
	metrics.TransitionsTotal.WithLabelValues(string(from), string(to), string(reason)).Inc()
}
