package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsefit/billing/pkg/schedule"
)

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("named cadences", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"hourly", "daily", "weekly", "Weekly", " daily "} {
			s, err := schedule.Parse(name)
			require.NoError(t, err, name)
			require.NotNil(t, s)
		}
	})

	t.Run("durations", func(t *testing.T) {
		t.Parallel()
		s, err := schedule.Parse("90m")
		require.NoError(t, err)
		from := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
		assert.Equal(t, from.Add(90*time.Minute), s.Next(from))
	})

	t.Run("rejects garbage and non-positive durations", func(t *testing.T) {
		t.Parallel()
		for _, bad := range []string{"", "fortnightly", "-1h", "0s"} {
			_, err := schedule.Parse(bad)
			assert.ErrorIs(t, err, schedule.ErrInvalidCadence, bad)
		}
	})
}

func TestWeeklyOn(t *testing.T) {
	t.Parallel()

	s := schedule.WeeklyOn(time.Sunday, 0, 0)

	t.Run("advances to the next Sunday", func(t *testing.T) {
		t.Parallel()
		// 2025-03-05 is a Wednesday.
		from := time.Date(2025, time.March, 5, 10, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2025, time.March, 9, 0, 0, 0, 0, time.UTC), s.Next(from))
	})

	t.Run("same day after fire time rolls a full week", func(t *testing.T) {
		t.Parallel()
		// 2025-03-09 is a Sunday; midnight already passed.
		from := time.Date(2025, time.March, 9, 0, 0, 1, 0, time.UTC)
		assert.Equal(t, time.Date(2025, time.March, 16, 0, 0, 0, 0, time.UTC), s.Next(from))
	})
}

func TestDailyAt(t *testing.T) {
	t.Parallel()

	s := schedule.DailyAt(3, 30)
	from := time.Date(2025, time.March, 5, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, time.March, 6, 3, 30, 0, 0, time.UTC), s.Next(from))
}
