package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverageLoginTimes(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db.Users(), "stats@x.com")

	// 2026-02-20: 1, 2026-02-27: 2, 2026-03-01: 4, 2026-03-05: 1
	logins := map[string]int{"2026-02-20": 1, "2026-02-27": 2, "2026-03-01": 4, "2026-03-05": 1}
	for date, n := range logins {
		for i := 0; i < n; i++ {
			require.NoError(t, db.Users().IncrementLoginCounters(ctx, user.ID, date))
		}
	}

	tests := []struct {
		name     string
		from, to string
		want     float64
	}{
		{"window with two rows", "2026-02-24", "2026-03-02", 3},
		{"bounds are inclusive", "2026-02-27", "2026-03-01", 3},
		{"single day", "2026-03-05", "2026-03-05", 1},
		{"everything", "2026-01-01", "2026-12-31", 2},
		{"no rows", "2025-01-01", "2025-01-07", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.Statistics().AverageLoginTimes(ctx, tt.from, tt.to)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestGetDailyStatistic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db.Users(), "daily@x.com")

	require.NoError(t, db.Users().IncrementLoginCounters(ctx, user.ID, "2026-03-01"))

	got, err := db.Statistics().GetDailyStatistic(ctx, "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", got.Date)
	assert.EqualValues(t, 1, got.LoginTimes)
}
