package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSeed = FreeAllowance{Daily: 50, Monthly: 20}

// runStoreContract exercises behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("EnsureAccountSeedsOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetAccount(ctx, "u1")
		assert.ErrorIs(t, err, ErrAccountNotFound)

		a, err := s.EnsureAccount(ctx, "u1", testSeed)
		require.NoError(t, err)
		assert.Equal(t, TierFree, a.Tier)
		assert.Equal(t, int64(50), a.FreeTokenBalance)
		assert.Equal(t, int64(20), a.FreeTokenBalanceMonthly)
		assert.False(t, a.PremiumListed)

		a, err = s.EnsureAccount(ctx, "u1", FreeAllowance{Daily: 999})
		require.NoError(t, err)
		assert.Equal(t, int64(50), a.FreeTokenBalance, "existing account is not reseeded")
	})

	t.Run("DebitFreeDrawsDailyThenMonthly", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureAccount(ctx, "u1", testSeed)
		require.NoError(t, err)

		res, err := s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyFree, Amount: 60})
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.Account.FreeTokenBalance)
		assert.Equal(t, int64(10), res.Account.FreeTokenBalanceMonthly)
		assert.Equal(t, int64(60), res.Account.LifetimeConsumed)
		assert.Equal(t, int64(70), res.Before.FreeTotal())

		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyFree, Amount: 11})
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		a, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), a.FreeTotal(), "failed debit leaves balance untouched")
	})

	t.Run("DebitValidation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyFree, Amount: 0})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyNone, Amount: 1})
		assert.ErrorIs(t, err, ErrInvalidCurrency)
		_, err = s.Debit(ctx, DebitRequest{UserID: "ghost", Currency: CurrencyFree, Amount: 1})
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("PurchaseUpgradesAndDedups", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 1000, PaymentRef: "pi_1", Seed: testSeed})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, TierFree, res.FromTier)
		assert.Equal(t, TierPaid, res.Account.Tier)
		assert.Equal(t, int64(1000), res.Account.PaidTokenBalance)
		assert.Equal(t, int64(1000), res.Account.LifetimePurchased)
		assert.True(t, res.Account.PremiumListed)
		assert.Equal(t, int64(50), res.Account.FreeTokenBalance, "new account seeded before upgrade")
		require.NotNil(t, res.Event)
		assert.Equal(t, ReasonPurchase, res.Event.Reason)
		assert.Equal(t, "pi_1", res.Event.PaymentRef)

		dup, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 1000, PaymentRef: "pi_1", Seed: testSeed})
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)
		assert.Equal(t, int64(1000), dup.Account.PaidTokenBalance)

		_, err = s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 5, PaymentRef: "pi_1", Seed: testSeed})
		assert.ErrorIs(t, err, ErrPaymentConflict)

		top, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 250, PaymentRef: "pi_2", Seed: testSeed})
		require.NoError(t, err)
		assert.Equal(t, TierPaid, top.FromTier)
		assert.Equal(t, int64(1250), top.Account.PaidTokenBalance)

		events, err := s.ListTransitions(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, events, 2, "duplicate writes no event")
		assert.Equal(t, "pi_2", events[0].PaymentRef, "newest first")
	})

	t.Run("PaidDepletionStartsGraceAtomically", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 500, PaymentRef: "pi_g", Seed: testSeed})
		require.NoError(t, err)

		deadline := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
		res, err := s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 200, GraceDeadline: &deadline})
		require.NoError(t, err)
		assert.False(t, res.GraceStarted, "balance still positive")

		res, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 300, GraceDeadline: &deadline})
		require.NoError(t, err)
		assert.True(t, res.GraceStarted)
		require.NotNil(t, res.Account.GraceDeadline)
		assert.True(t, deadline.Equal(*res.Account.GraceDeadline))
		assert.Equal(t, TierPaid, res.Account.Tier)
		require.NotNil(t, res.Event)
		assert.Equal(t, ReasonDepletion, res.Event.Reason)
		assert.Equal(t, int64(300), res.Event.TokensAtTransition)
		require.NoError(t, res.Account.CheckInvariants())

		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 1, GraceDeadline: &deadline})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("StartGraceIsNotExtended", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 10, PaymentRef: "pi_s", Seed: testSeed})
		require.NoError(t, err)

		g, err := s.StartGrace(ctx, "u1", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, g.Started, "paid balance is non-zero")

		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 10})
		require.NoError(t, err)

		first := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
		g, err = s.StartGrace(ctx, "u1", first)
		require.NoError(t, err)
		assert.True(t, g.Started)

		g, err = s.StartGrace(ctx, "u1", first.Add(5*time.Hour))
		require.NoError(t, err)
		assert.False(t, g.Started)
		assert.True(t, first.Equal(*g.Account.GraceDeadline))

		_, err = s.StartGrace(ctx, "ghost", first)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})

	t.Run("GraceExpiredDowngrade", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 5, PaymentRef: "pi_d", Seed: FreeAllowance{}})
		require.NoError(t, err)
		deadline := time.Now().Add(time.Hour)
		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 5, GraceDeadline: &deadline})
		require.NoError(t, err)

		_, err = s.Downgrade(ctx, Downgrade{UserID: "u1", Reason: ReasonGraceExpired, Seed: testSeed, Now: time.Now()})
		assert.ErrorIs(t, err, ErrNoTransition, "deadline not reached")

		res, err := s.Downgrade(ctx, Downgrade{UserID: "u1", Reason: ReasonGraceExpired, Seed: testSeed, Now: deadline.Add(time.Second)})
		require.NoError(t, err)
		assert.Equal(t, TierFree, res.Account.Tier)
		assert.Nil(t, res.Account.GraceDeadline)
		assert.False(t, res.Account.PremiumListed)
		assert.Equal(t, int64(50), res.Account.FreeTokenBalance)
		assert.Equal(t, int64(20), res.Account.FreeTokenBalanceMonthly)
		assert.Equal(t, ReasonGraceExpired, res.Event.Reason)
		require.NoError(t, res.Account.CheckInvariants())

		_, err = s.Downgrade(ctx, Downgrade{UserID: "u1", Reason: ReasonGraceExpired, Seed: testSeed, Now: deadline.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrNoTransition)

		events, err := s.ListTransitions(ctx, "u1", 0)
		require.NoError(t, err)
		var downgrades int
		for _, ev := range events {
			if ev.ToTier == TierFree {
				downgrades++
			}
		}
		assert.Equal(t, 1, downgrades)
	})

	t.Run("DowngradePreconditions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 40, PaymentRef: "pi_m", Seed: testSeed})
		require.NoError(t, err)

		_, err = s.Downgrade(ctx, Downgrade{UserID: "u1", Reason: ReasonDepletion, Seed: testSeed, Now: time.Now()})
		assert.ErrorIs(t, err, ErrNoTransition, "depletion needs zero paid balance")

		_, err = s.Downgrade(ctx, Downgrade{UserID: "u1", Reason: ReasonRefund, Seed: testSeed, Now: time.Now()})
		assert.ErrorIs(t, err, ErrInvalidReason)

		res, err := s.Downgrade(ctx, Downgrade{UserID: "u1", Reason: ReasonManual, Seed: testSeed, Now: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, int64(40), res.Forfeited)
		assert.Equal(t, int64(40), res.Event.TokensAtTransition)
		assert.Equal(t, int64(0), res.Account.PaidTokenBalance)
	})

	t.Run("RefundPaid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: 30, PaymentRef: "pi_r", Seed: testSeed})
		require.NoError(t, err)
		deadline := time.Now().Add(time.Hour)
		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 30, GraceDeadline: &deadline})
		require.NoError(t, err)

		res, err := s.Credit(ctx, CreditRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 30})
		require.NoError(t, err)
		assert.True(t, res.GraceCleared)
		assert.False(t, res.ReenteredPaid)
		assert.Equal(t, int64(30), res.Account.PaidTokenBalance)
		assert.Equal(t, int64(30), res.Account.LifetimeConsumed, "consumption is never decremented")
		assert.Equal(t, int64(30), res.Account.LifetimeRefunded)
		require.NoError(t, res.Account.CheckInvariants())
	})

	t.Run("RefundPaidOnFreeReentersPaid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureAccount(ctx, "u1", testSeed)
		require.NoError(t, err)

		res, err := s.Credit(ctx, CreditRequest{UserID: "u1", Currency: CurrencyPaid, Amount: 7})
		require.NoError(t, err)
		assert.True(t, res.ReenteredPaid)
		assert.Equal(t, TierPaid, res.Account.Tier)
		assert.True(t, res.Account.PremiumListed)
		require.NotNil(t, res.Event)
		assert.Equal(t, ReasonRefund, res.Event.Reason)

		free, err := s.Credit(ctx, CreditRequest{UserID: "u1", Currency: CurrencyFree, Amount: 5})
		require.NoError(t, err)
		assert.Equal(t, int64(55), free.Account.FreeTokenBalance)
	})

	t.Run("RefundFreeRefillsMonthlyFirst", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.EnsureAccount(ctx, "u1", testSeed)
		require.NoError(t, err)

		// 50 from daily, 10 from monthly
		_, err = s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyFree, Amount: 60})
		require.NoError(t, err)

		res, err := s.Credit(ctx, CreditRequest{UserID: "u1", Currency: CurrencyFree, Amount: 15, Seed: testSeed})
		require.NoError(t, err)
		assert.Equal(t, int64(20), res.Account.FreeTokenBalanceMonthly, "monthly draw restored first")
		assert.Equal(t, int64(5), res.Account.FreeTokenBalance)

		res, err = s.Credit(ctx, CreditRequest{UserID: "u1", Currency: CurrencyFree, Amount: 5, Seed: testSeed})
		require.NoError(t, err)
		assert.Equal(t, int64(20), res.Account.FreeTokenBalanceMonthly, "monthly never exceeds its allowance")
		assert.Equal(t, int64(10), res.Account.FreeTokenBalance)
		assert.Equal(t, int64(20), res.Account.LifetimeRefunded)
		require.NoError(t, res.Account.CheckInvariants())
	})

	t.Run("ListGraceExpired", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()
		for i, id := range []string{"late", "early", "future"} {
			_, err := s.ApplyPurchase(ctx, Purchase{UserID: id, Tokens: 1, PaymentRef: "pi_" + id, Seed: testSeed})
			require.NoError(t, err)
			d := []time.Time{now.Add(-time.Minute), now.Add(-time.Hour), now.Add(time.Hour)}[i]
			_, err = s.Debit(ctx, DebitRequest{UserID: id, Currency: CurrencyPaid, Amount: 1, GraceDeadline: &d})
			require.NoError(t, err)
		}

		ids, err := s.ListGraceExpired(ctx, now, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "late"}, ids)

		ids, err = s.ListGraceExpired(ctx, now, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"early"}, ids)
	})

	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const (
			n    = 20
			k    = 7
			cost = 13
		)
		_, err := s.ApplyPurchase(ctx, Purchase{UserID: "u1", Tokens: k * cost, PaymentRef: "pi_c", Seed: FreeAllowance{}})
		require.NoError(t, err)
		deadline := time.Now().Add(time.Hour)

		var ok, insufficient atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Debit(ctx, DebitRequest{UserID: "u1", Currency: CurrencyPaid, Amount: cost, GraceDeadline: &deadline})
				switch {
				case err == nil:
					ok.Add(1)
				case assert.ErrorIs(t, err, ErrInsufficientBalance):
					insufficient.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(k), ok.Load())
		assert.Equal(t, int32(n-k), insufficient.Load())
		a, err := s.GetAccount(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), a.PaidTokenBalance)
		assert.NotNil(t, a.GraceDeadline, "exactly one debit reached zero and opened grace")
		assert.Equal(t, int64(k*cost), a.LifetimeConsumed)
	})
}
