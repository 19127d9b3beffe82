package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/stretchr/testify/require"
)

func TestMigrationStore_ClaimAndTransition(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	st := NewMigrationStore(clock.Now)

	_, err := st.Get(ctx, "d1")
	require.ErrorIs(t, err, store.ErrMigrationNotFound)

	rec, err := st.Claim(ctx, "d1", "run-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, models.MigrationPending, rec.State)
	require.Equal(t, 1, rec.Attempts)

	t.Run("claim while leased is rejected", func(t *testing.T) {
		_, err := st.Claim(ctx, "d1", "run-2", time.Minute)
		require.ErrorIs(t, err, store.ErrMigrationInProgress)
	})

	t.Run("transition requires matching state and run", func(t *testing.T) {
		_, err := st.Transition(ctx, "d1", "run-2", models.MigrationPending, models.MigrationReading, store.MigrationUpdate{})
		require.ErrorIs(t, err, store.ErrMigrationConflict)

		_, err = st.Transition(ctx, "d1", "run-1", models.MigrationWriting, models.MigrationVerifying, store.MigrationUpdate{})
		require.ErrorIs(t, err, store.ErrMigrationConflict)

		count := int64(42)
		rec, err := st.Transition(ctx, "d1", "run-1", models.MigrationPending, models.MigrationReading, store.MigrationUpdate{
			SourceRowCount: &count,
			SourceBBox:     models.NewBBox(0, 0, 1, 1),
		})
		require.NoError(t, err)
		require.Equal(t, models.MigrationReading, rec.State)
		require.Equal(t, int64(42), rec.SourceRowCount)
	})

	t.Run("expired lease can be taken over", func(t *testing.T) {
		clock.Advance(2 * time.Minute)

		rec, err := st.Claim(ctx, "d1", "run-2", time.Minute)
		require.NoError(t, err)
		require.Equal(t, "run-2", rec.RunID)
		require.Equal(t, 2, rec.Attempts)

		_, err = st.Transition(ctx, "d1", "run-1", models.MigrationReading, models.MigrationWriting, store.MigrationUpdate{})
		require.ErrorIs(t, err, store.ErrMigrationConflict, "the old run lost ownership")
	})

	t.Run("committed record short-circuits claim", func(t *testing.T) {
		_, err := st.Transition(ctx, "d1", "run-2", models.MigrationPending, models.MigrationCommitted, store.MigrationUpdate{})
		require.NoError(t, err)

		rec, err := st.Claim(ctx, "d1", "run-3", time.Minute)
		require.NoError(t, err)
		require.Equal(t, models.MigrationCommitted, rec.State)
		require.Equal(t, "run-2", rec.RunID)
	})

	list, err := st.List(ctx, models.MigrationCommitted)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestPointerStore(t *testing.T) {
	ctx := context.Background()
	st := NewPointerStore()

	b, err := st.GetBackend(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.BackendLegacy, b)

	require.NoError(t, st.SetBackend(ctx, "d1", models.BackendLakehouse))
	b, err = st.GetBackend(ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.BackendLakehouse, b)

	boom := errors.New("boom")
	st.FailSet["d2"] = boom
	require.ErrorIs(t, st.SetBackend(ctx, "d2", models.BackendLakehouse), boom)
}
