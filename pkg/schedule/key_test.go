package schedule_test

import (
	"testing"
	"time"

	"github.com/malbeclabs/drip/pkg/schedule"
	"github.com/stretchr/testify/require"
)

func TestDrip_Schedule_KeyAt(t *testing.T) {
	t.Parallel()

	// 2026-01-08T00:00:00Z is a Thursday, the unix week boundary weekday.
	boundary := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	require.Zero(t, boundary.Unix()%week)

	t.Run("floors into the containing epoch", func(t *testing.T) {
		t.Parallel()
		midWeek := boundary.Add(3*24*time.Hour + 5*time.Hour)
		require.Equal(t, schedule.Key(boundary.Unix()), schedule.KeyAt(midWeek, schedule.DefaultEpoch))
	})

	t.Run("boundary maps to itself", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, schedule.Key(boundary.Unix()), schedule.KeyAt(boundary, schedule.DefaultEpoch))
	})
}

func TestDrip_Schedule_KeyAligned(t *testing.T) {
	t.Parallel()

	require.True(t, wk(1).Aligned(schedule.DefaultEpoch))
	require.True(t, schedule.KeyNone.Aligned(schedule.DefaultEpoch))
	require.False(t, (wk(1) + 1).Aligned(schedule.DefaultEpoch))
	require.False(t, wk(1).Aligned(0))
}

func TestDrip_Schedule_KeyTime(t *testing.T) {
	t.Parallel()

	k := schedule.KeyAt(time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC), schedule.DefaultEpoch)
	require.Equal(t, time.UTC, k.Time().Location())
	require.Equal(t, int64(k), k.Time().Unix())
}
