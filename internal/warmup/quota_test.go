package warmup

import (
	"testing"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDailyQuota(t *testing.T) {
	tests := []struct {
		name       string
		day        int
		base       int
		multiplier float64
		limit      int
		want       int
	}{
		{"day zero is base", 0, 10, 1.5, 1000, 10},
		{"day one", 1, 10, 1.5, 1000, 15},
		{"day two floors", 2, 10, 1.5, 1000, 22},
		{"day three floors", 3, 10, 1.5, 1000, 33},
		{"capped", 20, 10, 1.5, 1000, 1000},
		{"flat ramp", 7, 50, 1, 1000, 50},
		{"huge day does not overflow", 100000, 10, 1.5, 1000, 1000},
		{"zero cap", 0, 10, 1.5, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DailyQuota(tt.day, tt.base, tt.multiplier, tt.limit)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDailyQuota_InvalidArgument(t *testing.T) {
	tests := []struct {
		name       string
		day        int
		base       int
		multiplier float64
		limit      int
	}{
		{"negative day", -1, 10, 1.5, 1000},
		{"negative base", 0, -1, 1.5, 1000},
		{"zero multiplier", 0, 10, 0, 1000},
		{"negative cap", 0, 10, 1.5, -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DailyQuota(tt.day, tt.base, tt.multiplier, tt.limit)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestDailyQuota_CappedAndMonotonic(t *testing.T) {
	for _, multiplier := range []float64{1, 1.1, 1.5, 2, 3.7} {
		prev := 0
		for day := 0; day < 60; day++ {
			quota, err := DailyQuota(day, 10, multiplier, 500)
			require.NoError(t, err)
			assert.LessOrEqual(t, quota, 500)
			assert.GreaterOrEqual(t, quota, prev, "multiplier %v day %d", multiplier, day)
			prev = quota
		}
	}
}

func TestGenerateSchedule(t *testing.T) {
	got, err := GenerateSchedule(6, DefaultBase, DefaultMultiplier, 50)
	require.NoError(t, err)

	want := []int{10, 15, 22, 33, 50, 50}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateSchedule_MatchesDailyQuota(t *testing.T) {
	schedule, err := GenerateSchedule(30, 7, 1.3, 400)
	require.NoError(t, err)
	require.Len(t, schedule, 30)

	for day, quota := range schedule {
		want, err := DailyQuota(day, 7, 1.3, 400)
		require.NoError(t, err)
		assert.Equal(t, want, quota, "day %d", day)
	}
}

func TestGenerateSchedule_InvalidDays(t *testing.T) {
	for _, days := range []int{0, -3} {
		_, err := GenerateSchedule(days, DefaultBase, DefaultMultiplier, DefaultCap)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	}
}

func TestNewPlan_Defaults(t *testing.T) {
	start := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	plan := NewPlan(domain.WarmupSettings{StartDate: start})

	want := Plan{Start: start, Base: DefaultBase, Multiplier: DefaultMultiplier, Cap: DefaultCap}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestPlan_DayIndex(t *testing.T) {
	plan := Plan{Start: time.Date(2026, 3, 1, 22, 30, 0, 0, time.UTC)}

	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"same day", time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC), 0},
		{"before start clamps to zero", time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC), 0},
		{"next calendar day", time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC), 1},
		{"non utc input", time.Date(2026, 3, 5, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)), 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, plan.DayIndex(tt.at))
		})
	}
}

func TestPlan_Remaining(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	plan := NewPlan(domain.WarmupSettings{StartDate: start})
	dayTwo := start.AddDate(0, 0, 2).Add(10 * time.Hour)

	remaining, err := plan.Remaining(dayTwo, 5)
	require.NoError(t, err)
	assert.Equal(t, 17, remaining)

	remaining, err = plan.Remaining(dayTwo, 40)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestNextDayStart(t *testing.T) {
	at := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), NextDayStart(at))
}
