// Package profile holds the resolved, immutable per-profile settings shared by
// the scheduler and the session executor.
package profile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"drillbot/internal/mistake"
	"drillbot/internal/quiz"
)

// Clock is a time of day.
type Clock struct {
	Hour, Minute, Second int
}

// ParseClock accepts "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM or HH:MM:SS)", s)
	}
	var vals [3]int
	limits := [3]int{23, 59, 59}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return Clock{}, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	return Clock{Hour: vals[0], Minute: vals[1], Second: vals[2]}, nil
}

// On returns the instant of c on the calendar day of day, in day's location.
func (c Clock) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, c.Second, 0, day.Location())
}

func (c Clock) seconds() int { return c.Hour*3600 + c.Minute*60 + c.Second }

// Before reports whether c is earlier in the day than o.
func (c Clock) Before(o Clock) bool { return c.seconds() < o.seconds() }

func (c Clock) String() string {
	if c.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	}
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Window is the time-of-day interval runs may start in.
type Window struct {
	Start, End Clock
}

// Bounds returns the window's instants on day.
func (w Window) Bounds(day time.Time) (time.Time, time.Time) {
	return w.Start.On(day), w.End.On(day)
}

func (w Window) String() string { return w.Start.String() + "-" + w.End.String() }

// Rand is the random source used for delay draws.
type Rand interface {
	Int63n(n int64) int64
}

// Range is an inclusive [Min, Max] duration range.
type Range struct {
	Min, Max time.Duration
}

// Draw returns a uniformly random duration within the range.
func (r Range) Draw(rng Rand) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rng.Int63n(int64(r.Max-r.Min)+1))
}

// Delays are the simulated human timings.
type Delays struct {
	MarketingSkip Range
	Initial       Range
	ExtraThink    Range
	TypingPerChar Range
	GiveUp        Range
	NextQuestion  Range
	FirstSession  Range
	NextSession   Range
	Distraction   Range
}

// DefaultDelays mirrors a moderately paced human.
func DefaultDelays() Delays {
	ms := func(a, b int) Range {
		return Range{Min: time.Duration(a) * time.Millisecond, Max: time.Duration(b) * time.Millisecond}
	}
	return Delays{
		MarketingSkip: ms(500, 2000),
		Initial:       ms(1000, 4000),
		ExtraThink:    ms(2000, 10000),
		TypingPerChar: ms(150, 600),
		GiveUp:        ms(5000, 15000),
		NextQuestion:  ms(1000, 3000),
		FirstSession:  ms(1000, 10000),
		NextSession:   ms(5000, 60000),
		Distraction:   ms(15000, 60000),
	}
}

// Profile is one configured account. Values are replaced wholesale on reload
// and never mutated in place.
type Profile struct {
	Name              string
	Credentials       quiz.Credentials
	UserAgent         string
	APITimeout        time.Duration
	Window            Window
	Runs              int
	Sessions          int
	DistractionChance float64
	Policy            mistake.Policy
	Delays            Delays
}

// Enabled reports whether the scheduler plans runs for the profile.
func (p Profile) Enabled() bool { return p.Runs > 0 }

// SameSchedule reports whether p and o plan identical days.
func (p Profile) SameSchedule(o Profile) bool {
	return p.Window == o.Window && p.Runs == o.Runs
}
