package tier

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiergate/internal/ledger"
	"github.com/mbd888/tiergate/internal/notify"
)

func TestScenario_FreeAccountPremiumModel(t *testing.T) {
	f := newFixture(t, testOptions())

	snap, d := f.svc.Decide(context.Background(), "new-user", "premium")
	assert.Equal(t, ledger.TierFree, snap.Tier)
	assert.False(t, d.Allowed)
	assert.Equal(t, "premium model requires paid tokens", d.Reason)
}

func TestScenario_SpendToZeroStartsGrace(t *testing.T) {
	f := newFixture(t, testOptions())
	f.purchase(t, "u1", 500)

	_, d := f.svc.Decide(context.Background(), "u1", "premium")
	require.True(t, d.Allowed)

	res, err := f.svc.Charge(context.Background(), ChargeRequest{UserID: "u1", ModelID: "premium", Cost: 500, Currency: d.Currency})
	require.NoError(t, err)
	assert.Zero(t, res.NewPaidBalance)
	require.NotNil(t, res.GraceDeadline)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *res.GraceDeadline, time.Minute)
	assert.Equal(t, 1, f.notifier.count(notify.TypeTokensDepleted))
}

func TestScenario_GraceSweep(t *testing.T) {
	f := newFixture(t, testOptions())
	enterGrace(t, f, "u1")

	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, ledger.TierPaid, f.account(t, "u1").Tier)

	f.expireGrace(t, "u1")
	n, err = f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a := f.account(t, "u1")
	assert.Equal(t, ledger.TierFree, a.Tier)
	assert.Nil(t, a.GraceDeadline)
	assert.Equal(t, testSeed.Daily+testSeed.Monthly, a.FreeTotal())
}

func TestScenario_TopUpDuringGrace(t *testing.T) {
	f := newFixture(t, testOptions())
	enterGrace(t, f, "u1")

	res, err := f.svc.UpgradeToPaid(context.Background(), "u1", 1000, "pay_topup")
	require.NoError(t, err)
	assert.Equal(t, ledger.TierPaid, res.FromTier)

	a := f.account(t, "u1")
	assert.Equal(t, ledger.TierPaid, a.Tier)
	assert.Nil(t, a.GraceDeadline)
	assert.Equal(t, int64(1000), a.PaidTokenBalance)

	// The cleared window is no longer swept.
	f.svc.sweeper.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	n, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

// Random operation sequences must never leave an account in an
// unreachable state.
func TestScenario_RandomWalkKeepsInvariants(t *testing.T) {
	for _, grace := range []time.Duration{0, time.Hour} {
		t.Run(fmt.Sprintf("grace=%s", grace), func(t *testing.T) {
			opts := testOptions()
			opts.GracePeriod = grace
			f := newFixture(t, opts)
			rng := rand.New(rand.NewSource(42))
			ctx := context.Background()
			users := []string{"a", "b", "c"}
			clock := time.Now()
			f.svc.sweeper.now = func() time.Time { return clock }
			f.svc.controller.now = f.svc.sweeper.now

			for i := 0; i < 500; i++ {
				u := users[rng.Intn(len(users))]
				switch rng.Intn(7) {
				case 0:
					_, _ = f.svc.UpgradeToPaid(ctx, u, int64(1+rng.Intn(200)), fmt.Sprintf("pay_%d", i))
				case 1, 2:
					_, _ = f.svc.Charge(ctx, ChargeRequest{UserID: u, ModelID: "premium", Cost: int64(1 + rng.Intn(80))})
				case 3:
					_, _ = f.svc.Charge(ctx, ChargeRequest{UserID: u, ModelID: "basic", Cost: int64(1 + rng.Intn(30))})
				case 4:
					cur := ledger.CurrencyPaid
					if rng.Intn(2) == 0 {
						cur = ledger.CurrencyFree
					}
					_, _ = f.svc.Refund(ctx, RefundRequest{UserID: u, Amount: int64(1 + rng.Intn(20)), Currency: cur})
				case 5:
					clock = clock.Add(time.Duration(rng.Intn(3)) * time.Hour)
					_, err := f.svc.Sweep(ctx)
					require.NoError(t, err)
				case 6:
					_, err := f.svc.FinalizeDowngrade(ctx, u, ledger.ReasonManual)
					if err != nil {
						require.ErrorIs(t, err, ledger.ErrAccountNotFound)
					}
				}

				for _, id := range users {
					a, err := f.store.GetAccount(ctx, id)
					if err != nil {
						require.ErrorIs(t, err, ledger.ErrAccountNotFound)
						continue
					}
					require.NoError(t, a.CheckInvariants(), "after step %d", i)
					snap := SnapshotOf(a)
					if snap.CanAccessPremiumModels {
						require.Equal(t, ledger.TierPaid, snap.Tier)
						require.Positive(t, snap.PaidTokenBalance)
					}
				}
			}
		})
	}
}
