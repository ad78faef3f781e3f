package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// runStoreSuite exercises the Store contract against a fresh store.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	base := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())

	t.Run("create and get", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		id, err := s.CreateReminder(ctx, 42, "call mom", base)
		require.NoError(t, err)
		assert.Greater(t, int64(id), int64(0))

		r, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, r.ID)
		assert.Equal(t, int64(42), r.Owner)
		assert.Equal(t, "call mom", r.Content)
		assert.Equal(t, reminder.StatePending, r.State)
		assert.True(t, r.FireAt.Equal(base), "fire_at=%s want %s", r.FireAt, base)
		assert.False(t, r.CreatedAt.IsZero())

		id2, err := s.CreateReminder(ctx, 42, "buy milk", base)
		require.NoError(t, err)
		assert.Greater(t, int64(id2), int64(id))
	})

	t.Run("unknown id", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.Get(ctx, 999)
		assert.ErrorIs(t, err, reminder.ErrNotFound)
		assert.ErrorIs(t, s.MarkFired(ctx, 999, time.Now()), reminder.ErrNotFound)
		assert.ErrorIs(t, s.MarkDelivered(ctx, 999, time.Now()), reminder.ErrNotFound)
		assert.ErrorIs(t, s.MarkCancelled(ctx, 999), reminder.ErrNotFound)
		assert.ErrorIs(t, s.DeleteReminder(ctx, 999), reminder.ErrNotFound)
	})

	t.Run("lifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.CreateReminder(ctx, 1, "stretch", base)
		require.NoError(t, err)

		assert.ErrorIs(t, s.MarkDelivered(ctx, id, time.Now()), reminder.ErrNotFired)

		firedAt := time.UnixMilli(base.UnixMilli() + 10)
		require.NoError(t, s.MarkFired(ctx, id, firedAt))
		assert.ErrorIs(t, s.MarkFired(ctx, id, firedAt), reminder.ErrNotPending)
		assert.ErrorIs(t, s.MarkCancelled(ctx, id), reminder.ErrNotPending)

		deliveredAt := time.UnixMilli(base.UnixMilli() + 20)
		require.NoError(t, s.MarkDelivered(ctx, id, deliveredAt))
		assert.ErrorIs(t, s.MarkDelivered(ctx, id, deliveredAt), reminder.ErrNotFired)

		r, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, reminder.StateDelivered, r.State)
		assert.True(t, r.FiredAt.Equal(firedAt))
		assert.True(t, r.DeliveredAt.Equal(deliveredAt))
	})

	t.Run("cancel only once", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.CreateReminder(ctx, 1, "water plants", base)
		require.NoError(t, err)

		require.NoError(t, s.MarkCancelled(ctx, id))
		assert.ErrorIs(t, s.MarkCancelled(ctx, id), reminder.ErrNotPending)
		assert.ErrorIs(t, s.MarkFired(ctx, id, time.Now()), reminder.ErrNotPending)
	})

	t.Run("list by state", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		late, err := s.CreateReminder(ctx, 1, "late", base.Add(2*time.Hour))
		require.NoError(t, err)
		early, err := s.CreateReminder(ctx, 2, "early", base)
		require.NoError(t, err)
		mid, err := s.CreateReminder(ctx, 1, "mid", base.Add(time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.MarkCancelled(ctx, mid))

		pending, err := s.ListByState(ctx, reminder.StatePending, 0)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, early, pending[0].ID)
		assert.Equal(t, late, pending[1].ID)

		limited, err := s.ListByState(ctx, reminder.StatePending, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, early, limited[0].ID)

		fired, err := s.ListByState(ctx, reminder.StateFired, 0)
		require.NoError(t, err)
		assert.Empty(t, fired)
	})

	t.Run("list for owner", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		a, err := s.CreateReminder(ctx, 7, "a", base.Add(time.Hour))
		require.NoError(t, err)
		b, err := s.CreateReminder(ctx, 7, "b", base)
		require.NoError(t, err)
		_, err = s.CreateReminder(ctx, 8, "other", base)
		require.NoError(t, err)
		require.NoError(t, s.MarkCancelled(ctx, a))

		all, err := s.ListForOwner(ctx, 7)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, b, all[0].ID)
		assert.Equal(t, a, all[1].ID)

		pending, err := s.ListForOwner(ctx, 7, reminder.StatePending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, b, pending[0].ID)

		none, err := s.ListForOwner(ctx, 9, reminder.StatePending)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		id, err := s.CreateReminder(ctx, 1, "gone", base)
		require.NoError(t, err)

		require.NoError(t, s.DeleteReminder(ctx, id))
		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, reminder.ErrNotFound)

		rows, err := s.ListForOwner(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("prune finished", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		keep, err := s.CreateReminder(ctx, 1, "pending", base)
		require.NoError(t, err)
		cancelled, err := s.CreateReminder(ctx, 1, "cancelled", base)
		require.NoError(t, err)
		delivered, err := s.CreateReminder(ctx, 1, "delivered", base)
		require.NoError(t, err)
		fired, err := s.CreateReminder(ctx, 1, "fired", base)
		require.NoError(t, err)

		require.NoError(t, s.MarkCancelled(ctx, cancelled))
		require.NoError(t, s.MarkFired(ctx, delivered, time.Now()))
		require.NoError(t, s.MarkDelivered(ctx, delivered, time.Now()))
		require.NoError(t, s.MarkFired(ctx, fired, time.Now()))

		n, err := s.PruneFinished(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.PruneFinished(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []reminder.ID{keep, fired} {
			_, err := s.Get(ctx, id)
			assert.NoError(t, err)
		}
		for _, id := range []reminder.ID{cancelled, delivered} {
			_, err := s.Get(ctx, id)
			assert.ErrorIs(t, err, reminder.ErrNotFound)
		}
	})
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "bot.db")}
	fireAt := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())

	s, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	id, err := s.CreateReminder(ctx, 5, "persist me", fireAt)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	r, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "persist me", r.Content)
	assert.True(t, r.FireAt.Equal(fireAt))
}

func TestOpen_UnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage driver")
}

func TestOpen_MissingSettings(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite", "postgres", "redis"} {
		_, err := Open(context.Background(), Config{Driver: driver}, logx.Nop())
		assert.Error(t, err, driver)
	}
}
