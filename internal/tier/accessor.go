package tier

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mbd888/tiergate/internal/circuitbreaker"
	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/metrics"
)

// breakerKey names the ledger read path in the circuit breaker.
const breakerKey = "ledger_read"

// Accessor is the single authority for "what tier is this user on".
type Accessor struct {
	store   ledger.Store
	breaker *circuitbreaker.Breaker
	seed    ledger.FreeAllowance
	logger  *slog.Logger
}

// NewAccessor creates a balance accessor. breaker may be nil.
func NewAccessor(store ledger.Store, breaker *circuitbreaker.Breaker, seed ledger.FreeAllowance, logger *slog.Logger) *Accessor {
	return &Accessor{store: store, breaker: breaker, seed: seed, logger: loggerOr(logger)}
}

// Snapshot reads the account for userID. It never fails: a missing account
// yields the default snapshot and any read error yields the default
// snapshot marked Degraded.
func (a *Accessor) Snapshot(ctx context.Context, userID string) TierSnapshot {
	var acct *ledger.Account
	read := func() error {
		var err error
		acct, err = a.store.GetAccount(ctx, userID)
		return err
	}

	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(breakerKey, countsAgainstBreaker, read)
	} else {
		err = read()
	}

	switch {
	case err == nil:
		return SnapshotOf(acct)
	case errors.Is(err, ledger.ErrAccountNotFound):
		return DefaultSnapshot(userID, a.seed)
	case errors.Is(err, circuitbreaker.ErrOpen):
		return a.failClosed(ctx, userID, "breaker_open", err)
	default:
		return a.failClosed(ctx, userID, "store_error", err)
	}
}

func (a *Accessor) failClosed(ctx context.Context, userID, cause string, err error) TierSnapshot {
	metrics.SnapshotFailClosedTotal.WithLabelValues(cause).Inc()
	withRequest(ctx, a.logger).Warn("snapshot failed closed", "user_id", userID, "cause", cause, "error", err)
	s := DefaultSnapshot(userID, a.seed)
	s.Degraded = true
	return s
}

func countsAgainstBreaker(err error) bool {
	return !errors.Is(err, ledger.ErrAccountNotFound) &&
		!errors.Is(err, context.Canceled)
}
