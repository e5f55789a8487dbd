package pacing

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
)

// DefaultMaxJitter is the spread applied to window campaigns without an explicit jitter.
const DefaultMaxJitter = 300 * time.Second

// Selector picks randomized send times. The zero value is not usable; use NewSelector.
type Selector struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewSelector creates a selector reading the wall clock.
func NewSelector() *Selector {
	return NewSelectorWithSource(rand.NewPCG(rand.Uint64(), rand.Uint64()), time.Now)
}

// NewSelectorWithSource creates a selector with a fixed randomness source and clock.
func NewSelectorWithSource(src rand.Source, now func() time.Time) *Selector {
	return &Selector{
		rnd: rand.New(src),
		now: now,
	}
}

// NextSendTime picks a uniformly random second inside [startHour, endHour) of the
// local day in timezone. If that instant is not after now, the same wall-clock
// time tomorrow is used. The result is in UTC.
func (s *Selector) NextSendTime(startHour, endHour int, timezone string) (time.Time, error) {
	loc, err := loadWindow(startHour, endHour, timezone)
	if err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	hour := startHour + s.rnd.IntN(endHour-startHour)
	minute := s.rnd.IntN(60)
	second := s.rnd.IntN(60)
	s.mu.Unlock()

	now := s.now().In(loc)
	y, m, d := now.Date()
	candidate := time.Date(y, m, d, hour, minute, second, 0, loc)
	if !candidate.After(now) {
		candidate = time.Date(y, m, d+1, hour, minute, second, 0, loc)
	}
	return candidate.UTC(), nil
}

// AddJitter delays base by a uniform random offset in [0, maxSeconds] seconds.
func (s *Selector) AddJitter(base time.Time, maxSeconds int) (time.Time, error) {
	if maxSeconds < 0 {
		return time.Time{}, fmt.Errorf("%w: max jitter must be non-negative", domain.ErrInvalidArgument)
	}

	s.mu.Lock()
	offset := s.rnd.IntN(maxSeconds + 1)
	s.mu.Unlock()

	return base.Add(time.Duration(offset) * time.Second), nil
}

// InWindow reports whether t falls inside [startHour, endHour) local time in timezone.
func InWindow(t time.Time, startHour, endHour int, timezone string) (bool, error) {
	loc, err := loadWindow(startHour, endHour, timezone)
	if err != nil {
		return false, err
	}
	hour := t.In(loc).Hour()
	return hour >= startHour && hour < endHour, nil
}

func loadWindow(startHour, endHour int, timezone string) (*time.Location, error) {
	if endHour <= startHour {
		return nil, fmt.Errorf("%w: end hour must be greater than start hour", domain.ErrInvalidArgument)
	}
	if startHour < 0 || endHour > 24 {
		return nil, fmt.Errorf("%w: window hours must be within 0..24", domain.ErrInvalidArgument)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalidArgument, timezone)
	}
	return loc, nil
}
