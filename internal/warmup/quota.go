// Package warmup computes per-day send quotas for sender identities
// that are still building reputation.
package warmup

import (
	"fmt"
	"math"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
)

// Default ramp parameters.
const (
	DefaultBase       = 10
	DefaultMultiplier = 1.5
	DefaultCap        = 1000
)

// DailyQuota returns min(cap, floor(base * multiplier^day)) for a zero-based day.
func DailyQuota(day, base int, multiplier float64, limit int) (int, error) {
	if day < 0 {
		return 0, fmt.Errorf("%w: day must be non-negative", domain.ErrInvalidArgument)
	}
	if err := validateParams(base, multiplier, limit); err != nil {
		return 0, err
	}

	quota := math.Floor(float64(base) * math.Pow(multiplier, float64(day)))
	if quota >= float64(limit) || math.IsInf(quota, 1) || math.IsNaN(quota) {
		return limit, nil
	}
	return int(quota), nil
}

// GenerateSchedule returns the quotas for days [0, days).
func GenerateSchedule(days, base int, multiplier float64, limit int) ([]int, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days must be at least 1", domain.ErrInvalidArgument)
	}

	schedule := make([]int, 0, days)
	for day := 0; day < days; day++ {
		quota, err := DailyQuota(day, base, multiplier, limit)
		if err != nil {
			return nil, err
		}
		schedule = append(schedule, quota)
	}
	return schedule, nil
}

func validateParams(base int, multiplier float64, limit int) error {
	if base < 0 {
		return fmt.Errorf("%w: base must be non-negative", domain.ErrInvalidArgument)
	}
	if multiplier <= 0 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return fmt.Errorf("%w: multiplier must be positive", domain.ErrInvalidArgument)
	}
	if limit < 0 {
		return fmt.Errorf("%w: cap must be non-negative", domain.ErrInvalidArgument)
	}
	return nil
}

// Plan binds ramp parameters to a start date so quotas can be looked up by calendar day.
// Days are counted in UTC.
type Plan struct {
	Start      time.Time
	Base       int
	Multiplier float64
	Cap        int
}

// NewPlan builds a plan from identity settings, filling zero values with defaults.
func NewPlan(settings domain.WarmupSettings) Plan {
	p := Plan{
		Start:      settings.StartDate,
		Base:       settings.Base,
		Multiplier: settings.Multiplier,
		Cap:        settings.Cap,
	}
	if p.Base == 0 {
		p.Base = DefaultBase
	}
	if p.Multiplier == 0 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Cap == 0 {
		p.Cap = DefaultCap
	}
	return p
}

// DayIndex returns the zero-based warm-up day containing t.
// Instants before the start date map to day 0.
func (p Plan) DayIndex(t time.Time) int {
	start := DayStart(p.Start)
	day := int(DayStart(t).Sub(start) / (24 * time.Hour))
	if day < 0 {
		return 0
	}
	return day
}

// QuotaOn returns the daily quota for the calendar day containing t.
func (p Plan) QuotaOn(t time.Time) (int, error) {
	return DailyQuota(p.DayIndex(t), p.Base, p.Multiplier, p.Cap)
}

// Remaining returns how many more sends are allowed on t's day after sentToday.
func (p Plan) Remaining(t time.Time, sentToday int) (int, error) {
	quota, err := p.QuotaOn(t)
	if err != nil {
		return 0, err
	}
	if sentToday >= quota {
		return 0, nil
	}
	return quota - sentToday, nil
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextDayStart returns the next UTC midnight after t.
func NextDayStart(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}
