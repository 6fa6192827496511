//go:build integration

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiergate/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return NewPostgresStore(db)
	})
}

func TestPostgresStore_MigrateIsIdempotent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestPostgresStore_CheckConstraintBlocksOverdraw(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()

	s := NewPostgresStore(db)
	_, err := s.EnsureAccount(ctx, "u1", FreeAllowance{Daily: 1})
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE accounts SET free_token_balance = -1 WHERE user_id = 'u1'`)
	require.Error(t, err)
	assert.ErrorIs(t, s.mapErr("raw", err), ErrInsufficientBalance)
}

func TestPostgresStore_MapErr(t *testing.T) {
	s := &PostgresStore{}
	assert.NoError(t, s.mapErr("op", nil))
	assert.ErrorIs(t, s.mapErr("op", ErrNoTransition), ErrNoTransition)
	assert.ErrorIs(t, s.mapErr("op", errors.New("connection reset")), ErrStoreUnavailable)
	assert.ErrorIs(t, s.mapErr("op", context.Canceled), context.Canceled)
	assert.NotErrorIs(t, s.mapErr("op", context.Canceled), ErrStoreUnavailable)
}
