package generic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartOfDay(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)

	tests := []struct {
		name string
		in   time.Time
		want time.Time
	}{
		{"midnight stays", NewDate(2025, 3, 10), NewDate(2025, 3, 10)},
		{"afternoon truncates", time.Date(2025, 3, 10, 15, 4, 5, 6, time.UTC), NewDate(2025, 3, 10)},
		// 21:00 EST is 02:00 UTC the next day
		{"converted to UTC first", time.Date(2025, 3, 10, 21, 0, 0, 0, est), NewDate(2025, 3, 11)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(StartOfDay(tt.in)), "got %s", StartOfDay(tt.in))
		})
	}
}

func TestDaysBetween(t *testing.T) {
	base := time.Date(2025, 3, 10, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, 0, DaysBetween(base, NewDate(2025, 3, 10)))
	assert.Equal(t, 1, DaysBetween(base, time.Date(2025, 3, 11, 0, 5, 0, 0, time.UTC)))
	assert.Equal(t, 30, DaysBetween(base, NewDate(2025, 4, 9)))
	assert.Equal(t, -4, DaysBetween(base, NewDate(2025, 3, 6)))
	// Across a leap day
	assert.Equal(t, 2, DaysBetween(NewDate(2024, 2, 28), NewDate(2024, 3, 1)))
}

func TestClock_Now(t *testing.T) {
	t.Run("pinned", func(t *testing.T) {
		pinned := NewDate(2025, 1, 1)
		c := Clock(func() time.Time { return pinned })
		assert.Equal(t, pinned, c.Now())
	})

	t.Run("nil falls back to the wall clock", func(t *testing.T) {
		var c Clock
		before := time.Now().UTC()
		got := c.Now()
		assert.False(t, got.Before(before.Add(-time.Second)))
		assert.Equal(t, time.UTC, got.Location())
	})
}
