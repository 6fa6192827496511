// Package tier is the access control engine that gates every metered
// request. It reads the ledger into a TierSnapshot, decides whether a model
// may be used and which currency pays for it, debits the ledger, and drives
// the account through FREE → PAID → PAID+GRACE → PAID|FREE.
//
// Read paths fail closed: any doubt about an account resolves to the free
// default. Write paths on balances always surface their errors.
package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/logging"
	"github.com/mbd888/tiergate/internal/notify"
	"github.com/mbd888/tiergate/internal/realtime"
)

var (
	ErrInvalidCost     = errors.New("cost must be positive")
	ErrInvalidUserID   = errors.New("user id is required")
	ErrInvalidCurrency = errors.New("currency must be paid or free")
)

// DeniedError is returned by Charge when the policy refuses the request.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("request denied: %s", e.Decision.Reason)
}

// TierSnapshot is the normalized, read-only view of one account that every
// decision is made from. It is computed fresh per request.
type TierSnapshot struct {
	UserID                 string      `json:"userId"`
	Tier                   ledger.Tier `json:"tier"`
	PaidTokenBalance       int64       `json:"paidTokenBalance"`
	FreeTokenBalance       int64       `json:"freeTokenBalance"`
	InGracePeriod          bool        `json:"inGracePeriod"`
	GraceDeadline          *time.Time  `json:"graceDeadline,omitempty"`
	CanAccessPremiumModels bool        `json:"canAccessPremiumModels"`
	Degraded               bool        `json:"degraded,omitempty"`
}

// SnapshotOf derives a snapshot from a ledger account. Premium access
// requires the paid tier, a non-zero paid balance and allowlist membership.
func SnapshotOf(a *ledger.Account) TierSnapshot {
	return TierSnapshot{
		UserID:                 a.UserID,
		Tier:                   a.Tier,
		PaidTokenBalance:       a.PaidTokenBalance,
		FreeTokenBalance:       a.FreeTotal(),
		InGracePeriod:          a.InGrace(),
		GraceDeadline:          a.GraceDeadline,
		CanAccessPremiumModels: a.Tier == ledger.TierPaid && a.PaidTokenBalance > 0 && a.PremiumListed,
	}
}

// DefaultSnapshot is the conservative view of an account that is missing or
// cannot be read.
func DefaultSnapshot(userID string, seed ledger.FreeAllowance) TierSnapshot {
	return TierSnapshot{
		UserID:           userID,
		Tier:             ledger.TierFree,
		FreeTokenBalance: seed.Daily + seed.Monthly,
	}
}

// Options tunes the engine.
type Options struct {
	// GracePeriod is how long a depleted paid account keeps its tier.
	// Zero downgrades immediately on depletion.
	GracePeriod time.Duration
	// Seed is the free allowance granted at provisioning and downgrade.
	Seed ledger.FreeAllowance
	// LowBalanceThreshold triggers a tokens_low notification when a paid
	// balance drops below it. Zero disables the warning.
	LowBalanceThreshold int64
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		GracePeriod:         24 * time.Hour,
		Seed:                ledger.FreeAllowance{Daily: 50},
		LowBalanceThreshold: 100,
	}
}

// Notifier enqueues user-facing notifications. Implementations must not
// fail the caller.
type Notifier interface {
	Enqueue(ctx context.Context, userID string, typ notify.Type, subject, body string)
}

// Publisher pushes balance changes to live subscribers.
type Publisher interface {
	PublishBalance(u realtime.BalanceUpdate)
	PublishTier(u realtime.BalanceUpdate)
}

type nopNotifier struct{}

func (nopNotifier) Enqueue(context.Context, string, notify.Type, string, string) {}

type nopPublisher struct{}

func (nopPublisher) PublishBalance(realtime.BalanceUpdate) {}
func (nopPublisher) PublishTier(realtime.BalanceUpdate)    {}

func balanceUpdate(a *ledger.Account, cause string) realtime.BalanceUpdate {
	return realtime.BalanceUpdate{
		UserID:           a.UserID,
		Tier:             string(a.Tier),
		PaidTokenBalance: a.PaidTokenBalance,
		FreeTokenBalance: a.FreeTotal(),
		InGracePeriod:    a.InGrace(),
		GraceDeadline:    a.GraceDeadline,
		Cause:            cause,
	}
}

// withRequest tags l with the request id carried by ctx, if any.
func withRequest(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return l.With("request_id", id)
	}
	return l
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
