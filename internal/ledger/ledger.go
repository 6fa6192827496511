// Package ledger is the durable record of tier state and token balances.
//
// Every mutation is one atomic unit against the store: a conditional update
// or a single transaction holding the account row lock. Callers never
// read-modify-write balances themselves.
//
// Account invariants maintained by every Store implementation:
//
//	tier == free            => paid == 0 && grace == nil
//	grace != nil            => tier == paid && paid == 0
//	paid, daily, monthly    >= 0
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrPaymentConflict     = errors.New("payment reference already used with a different amount")
	ErrNoTransition        = errors.New("no transition applicable")
	ErrStoreUnavailable    = errors.New("ledger store unavailable")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidCurrency     = errors.New("invalid currency")
	ErrInvalidReason       = errors.New("invalid transition reason")
	ErrInvalidUserID       = errors.New("user id is required")
	ErrInvalidPaymentRef   = errors.New("payment reference is required")
)

// Tier is the coarse account classification.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Currency identifies which balance a charge draws from.
type Currency string

const (
	CurrencyPaid Currency = "paid"
	CurrencyFree Currency = "free"
	CurrencyNone Currency = "none"
)

// Valid reports whether c names a debitable balance.
func (c Currency) Valid() bool {
	return c == CurrencyPaid || c == CurrencyFree
}

// Reason explains a TransitionEvent.
type Reason string

const (
	ReasonPurchase     Reason = "purchase"
	ReasonDepletion    Reason = "depletion"
	ReasonGraceExpired Reason = "grace_expired"
	ReasonManual       Reason = "manual"
	ReasonRefund       Reason = "refund"
)

// IsDowngrade reports whether r may be passed to Store.Downgrade.
func (r Reason) IsDowngrade() bool {
	return r == ReasonDepletion || r == ReasonGraceExpired || r == ReasonManual
}

// Account is one user's tier and balance state.
type Account struct {
	UserID                  string     `json:"userId"`
	Tier                    Tier       `json:"tier"`
	PaidTokenBalance        int64      `json:"paidTokenBalance"`
	FreeTokenBalance        int64      `json:"freeTokenBalance"`
	FreeTokenBalanceMonthly int64      `json:"freeTokenBalanceMonthly"`
	GraceDeadline           *time.Time `json:"graceDeadline,omitempty"`
	PremiumListed           bool       `json:"premiumListed"`
	LifetimePurchased       int64      `json:"lifetimePurchased"`
	LifetimeConsumed        int64      `json:"lifetimeConsumed"`
	LifetimeRefunded        int64      `json:"lifetimeRefunded"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// FreeTotal is the spendable free balance, daily plus monthly.
func (a *Account) FreeTotal() int64 {
	return a.FreeTokenBalance + a.FreeTokenBalanceMonthly
}

// InGrace reports whether a grace window is open.
func (a *Account) InGrace() bool {
	return a.GraceDeadline != nil
}

// Balance returns the spendable balance for c.
func (a *Account) Balance(c Currency) int64 {
	switch c {
	case CurrencyPaid:
		return a.PaidTokenBalance
	case CurrencyFree:
		return a.FreeTotal()
	}
	return 0
}

// CheckInvariants returns an error describing the first violated invariant.
func (a *Account) CheckInvariants() error {
	switch {
	case a.PaidTokenBalance < 0 || a.FreeTokenBalance < 0 || a.FreeTokenBalanceMonthly < 0:
		return fmt.Errorf("account %s: negative balance", a.UserID)
	case a.Tier == TierFree && a.PaidTokenBalance != 0:
		return fmt.Errorf("account %s: free tier holds paid tokens", a.UserID)
	case a.Tier == TierFree && a.GraceDeadline != nil:
		return fmt.Errorf("account %s: free tier has grace deadline", a.UserID)
	case a.GraceDeadline != nil && a.PaidTokenBalance != 0:
		return fmt.Errorf("account %s: grace deadline with paid balance", a.UserID)
	case a.Tier != TierFree && a.Tier != TierPaid:
		return fmt.Errorf("account %s: unknown tier %q", a.UserID, a.Tier)
	}
	return nil
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	cp := *a
	if a.GraceDeadline != nil {
		d := *a.GraceDeadline
		cp.GraceDeadline = &d
	}
	return &cp
}

// FreeAllowance seeds free balances at provisioning and downgrade.
type FreeAllowance struct {
	Daily   int64 `json:"daily"`
	Monthly int64 `json:"monthly"`
}

// TransitionEvent is one append-only audit record. TokensAtTransition is
// the paid balance immediately before the transition was applied.
type TransitionEvent struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	FromTier           Tier      `json:"fromTier"`
	ToTier             Tier      `json:"toTier"`
	Reason             Reason    `json:"reason"`
	TokensAtTransition int64     `json:"tokensAtTransition"`
	PaymentRef         string    `json:"paymentRef,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// DebitRequest removes Amount from one balance. When GraceDeadline is set
// and the debit takes a paid-tier account's paid balance to exactly zero
// with no grace window open, the window is opened in the same unit.
type DebitRequest struct {
	UserID        string
	Currency      Currency
	Amount        int64
	GraceDeadline *time.Time
}

// DebitResult is the account state after a debit.
type DebitResult struct {
	Account      *Account
	Before       *Account
	GraceStarted bool
	Event        *TransitionEvent
}

// CreditRequest returns Amount to one balance (a refund). A free refund
// refills the monthly allowance up to Seed.Monthly before the daily one.
type CreditRequest struct {
	UserID   string
	Currency Currency
	Amount   int64
	Seed     FreeAllowance
}

// CreditResult is the account state after a credit.
type CreditResult struct {
	Account       *Account
	GraceCleared  bool
	ReenteredPaid bool
	Event         *TransitionEvent
}

// Purchase credits paid tokens for an external payment.
type Purchase struct {
	UserID     string
	Tokens     int64
	PaymentRef string
	Seed       FreeAllowance
}

// PurchaseResult is the outcome of ApplyPurchase. Duplicate is true when
// PaymentRef was already applied with the same amount; nothing changed.
type PurchaseResult struct {
	Account   *Account
	FromTier  Tier
	Event     *TransitionEvent
	Duplicate bool
}

// GraceResult is the outcome of StartGrace.
type GraceResult struct {
	Account *Account
	Started bool
	Event   *TransitionEvent
}

// Downgrade moves a paid account to the free tier.
type Downgrade struct {
	UserID string
	Reason Reason
	Seed   FreeAllowance
	Now    time.Time
}

// DowngradeResult is the outcome of a successful downgrade. Forfeited is
// the paid balance discarded by a manual downgrade.
type DowngradeResult struct {
	Account   *Account
	Event     *TransitionEvent
	Forfeited int64
}

// Store persists accounts, transition events, payment dedup keys and
// premium allowlist membership.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	EnsureAccount(ctx context.Context, userID string, seed FreeAllowance) (*Account, error)
	Debit(ctx context.Context, req DebitRequest) (*DebitResult, error)
	Credit(ctx context.Context, req CreditRequest) (*CreditResult, error)
	ApplyPurchase(ctx context.Context, p Purchase) (*PurchaseResult, error)
	StartGrace(ctx context.Context, userID string, deadline time.Time) (*GraceResult, error)
	Downgrade(ctx context.Context, d Downgrade) (*DowngradeResult, error)
	ListGraceExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	ListTransitions(ctx context.Context, userID string, limit int) ([]*TransitionEvent, error)
}

func validateDebit(req DebitRequest) error {
	if req.UserID == "" {
		return ErrInvalidUserID
	}
	if req.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !req.Currency.Valid() {
		return ErrInvalidCurrency
	}
	return nil
}

func validateCredit(req CreditRequest) error {
	return validateDebit(DebitRequest{UserID: req.UserID, Currency: req.Currency, Amount: req.Amount})
}

func validatePurchase(p Purchase) error {
	if p.UserID == "" {
		return ErrInvalidUserID
	}
	if p.Tokens <= 0 {
		return ErrInvalidAmount
	}
	if p.PaymentRef == "" {
		return ErrInvalidPaymentRef
	}
	return nil
}

// splitFree returns how much of amount comes from the daily allowance and
// how much from the monthly one. Daily is drawn first.
func splitFree(daily, amount int64) (fromDaily, fromMonthly int64) {
	fromDaily = min(daily, amount)
	return fromDaily, amount - fromDaily
}

// splitFreeRefund undoes splitFree in reverse order: the monthly allowance
// is refilled up to monthlyCap first, the rest goes to the daily one.
func splitFreeRefund(monthly, monthlyCap, amount int64) (toDaily, toMonthly int64) {
	toMonthly = min(max(monthlyCap-monthly, 0), amount)
	return amount - toMonthly, toMonthly
}

