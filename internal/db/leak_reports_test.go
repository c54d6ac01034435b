package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/vmail-leases/internal/lease"
	"github.com/vdavid/vmail-leases/internal/testutil"
)

func newTestStore(t *testing.T) (*LeakReportStore, *lease.Holder[*pgxpool.Pool]) {
	t.Helper()
	pool := testutil.NewTestDB(t)

	holder := lease.NewHolder[*pgxpool.Pool]("postgres", nil)
	t.Cleanup(holder.Close)
	require.True(t, holder.Publish(pool))

	store := NewLeakReportStore(holder)
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, store.EnsureSchema(context.Background()), "schema creation is idempotent")
	return store, holder
}

func testReport(borrower string, reclaimedAt time.Time) lease.LeakReport {
	return lease.LeakReport{
		Info: lease.Info{
			ID:         uuid.New(),
			Holder:     "imap:user-1",
			Borrower:   lease.Borrower(borrower),
			AcquiredAt: reclaimedAt.Add(-90 * time.Second),
			Stack:      "main.handler\n\t/app/handler.go:42\n",
		},
		HeldFor:     90 * time.Second,
		ReclaimedAt: reclaimedAt,
	}
}

func TestLeakReportStore(t *testing.T) {
	store, holder := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("saves and lists newest first", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			require.NoError(t, store.LeakDetected(ctx, testReport(fmt.Sprintf("worker-%d", i), base.Add(time.Duration(i)*time.Minute))))
		}

		reports, err := store.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, reports, 3)

		assert.Equal(t, lease.Borrower("worker-2"), reports[0].Borrower)
		assert.Equal(t, lease.Borrower("worker-0"), reports[2].Borrower)
		assert.Equal(t, "imap:user-1", reports[0].Holder)
		assert.Equal(t, 90*time.Second, reports[0].HeldFor)
		assert.Contains(t, reports[0].Stack, "handler.go:42")
		assert.True(t, base.Add(2*time.Minute).Equal(reports[0].ReclaimedAt))
		assert.NotEqual(t, uuid.Nil, reports[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		reports, err := store.ListRecent(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, reports, 2)

		reports, err = store.ListRecent(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, reports, 3, "non-positive limit falls back to the default")
	})

	t.Run("releases its leases", func(t *testing.T) {
		assert.Equal(t, int64(0), holder.Active())
	})

	t.Run("unavailable once the pool is retracted", func(t *testing.T) {
		require.NoError(t, holder.Retract(ctx))

		err := store.Report(ctx, testReport("late", base))
		assert.ErrorIs(t, err, ErrDatabaseUnavailable)

		_, err = store.ListRecent(ctx, 10)
		assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	})
}
