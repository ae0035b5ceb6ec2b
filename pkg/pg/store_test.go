package pg_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/drip/pkg/driptest"
	"github.com/malbeclabs/drip/pkg/pg"
	"github.com/malbeclabs/drip/pkg/schedule"
)

const week = 604800

func newTestStore(t *testing.T) *pg.Store {
	t.Helper()
	pool := driptest.NewMigratedPool(t, testDB)
	store, err := pg.NewStore(pg.StoreConfig{
		Logger: driptest.NewLogger(),
		Pool:   pool,
	})
	require.NoError(t, err)
	return store
}

func TestDrip_PG_StoreConfigValidate(t *testing.T) {
	t.Run("requires logger", func(t *testing.T) {
		pool := driptest.NewMigratedPool(t, testDB)
		_, err := pg.NewStore(pg.StoreConfig{Pool: pool})
		require.Error(t, err)
	})

	t.Run("requires pool", func(t *testing.T) {
		_, err := pg.NewStore(pg.StoreConfig{Logger: driptest.NewLogger()})
		require.Error(t, err)
	})
}

func TestDrip_PG_StoreRoundTrip(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)
	id := schedule.ID{Receiver: "pool-a", Asset: "tkn"}

	t.Run("absent slot reads as zero node", func(t *testing.T) {
		n, err := store.Node(ctx, id, schedule.Key(week))
		require.NoError(t, err)
		require.Equal(t, schedule.Node{}, n)
	})

	t.Run("write then read", func(t *testing.T) {
		want := schedule.Node{Amount: 100, Next: schedule.Key(2 * week)}
		require.NoError(t, store.PutNode(ctx, id, schedule.Key(week), want))

		got, err := store.Node(ctx, id, schedule.Key(week))
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		require.NoError(t, store.PutNode(ctx, id, schedule.Key(week), schedule.Node{Amount: 150, Next: schedule.KeyNone}))

		got, err := store.Node(ctx, id, schedule.Key(week))
		require.NoError(t, err)
		require.Equal(t, uint64(150), got.Amount)
		require.Equal(t, schedule.KeyNone, got.Next)
	})

	t.Run("top-bit amounts survive the bigint bit cast", func(t *testing.T) {
		want := schedule.Node{Amount: math.MaxUint64, Next: schedule.Key(3 * week)}
		require.NoError(t, store.PutNode(ctx, id, schedule.Key(2*week), want))

		got, err := store.Node(ctx, id, schedule.Key(2*week))
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("pairs do not collide", func(t *testing.T) {
		other := schedule.ID{Receiver: "pool-a", Asset: "other"}
		n, err := store.Node(ctx, other, schedule.Key(week))
		require.NoError(t, err)
		require.Equal(t, schedule.Node{}, n)
	})
}

func TestDrip_PG_BookOverPostgres(t *testing.T) {
	ctx := t.Context()
	store := newTestStore(t)
	id := schedule.ID{Receiver: "pool-b", Asset: "tkn"}

	book, err := schedule.NewBook(schedule.BookConfig{
		Logger: driptest.NewLogger(),
		Store:  store,
	})
	require.NoError(t, err)

	require.NoError(t, book.Insert(ctx, id, schedule.Key(2*week), 50))
	require.NoError(t, book.Insert(ctx, id, schedule.Key(week), 100))
	require.NoError(t, book.Insert(ctx, id, schedule.Key(week), 25))

	next, total, err := book.PendingThrough(ctx, id, schedule.Key(week))
	require.NoError(t, err)
	require.Equal(t, uint64(125), total)
	require.Equal(t, schedule.Key(2*week), next)

	total, err = book.Drain(ctx, id, schedule.Key(week))
	require.NoError(t, err)
	require.Equal(t, uint64(125), total)

	// The cursor advance is durable: a fresh Book over the same pool sees it.
	book2, err := schedule.NewBook(schedule.BookConfig{
		Logger: driptest.NewLogger(),
		Store:  store,
	})
	require.NoError(t, err)

	total, err = book2.Drain(ctx, id, schedule.Key(week))
	require.NoError(t, err)
	require.Zero(t, total)

	total, err = book2.Drain(ctx, id, schedule.KeyMax)
	require.NoError(t, err)
	require.Equal(t, uint64(50), total)
}
