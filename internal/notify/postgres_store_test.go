//go:build integration

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiergate/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	s := NewPostgresStore(db)
	require.NoError(t, s.Migrate(ctx))

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range []string{"00000000-0000-0000-0000-000000000001", "00000000-0000-0000-0000-000000000002"} {
		require.NoError(t, s.Append(ctx, &Notification{
			ID: id, UserID: "u1", Type: TypeTokensLow, Subject: "s", Body: "b",
			Status: StatusPending, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	pending, err := s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "00000000-0000-0000-0000-000000000001", pending[0].ID)

	require.NoError(t, s.MarkSent(ctx, pending[0].ID, base))
	require.NoError(t, s.MarkSent(ctx, pending[0].ID, base.Add(time.Hour)))
	assert.ErrorIs(t, s.MarkSent(ctx, "00000000-0000-0000-0000-00000000ffff", base), ErrNotFound)

	pending, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkFailed(ctx, pending[0].ID))
	require.NoError(t, s.MarkFailed(ctx, "00000000-0000-0000-0000-000000000001"), "sent row is left alone")
	assert.ErrorIs(t, s.MarkFailed(ctx, "00000000-0000-0000-0000-00000000ffff"), ErrNotFound)

	pending, err = s.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var status string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status FROM notification_queue WHERE id = $1`, "00000000-0000-0000-0000-000000000001").Scan(&status))
	assert.Equal(t, "sent", status)
}
