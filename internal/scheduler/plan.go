package scheduler

import (
	"sort"
	"time"

	"drillbot/internal/profile"
)

// PlanDay draws p.Runs distinct start times uniformly within p's window on
// day, at one-second resolution, sorted ascending. Only the part of the
// window at or after now is used. pastWindow reports that nothing of the
// window was left.
func PlanDay(p profile.Profile, day, now time.Time, rng profile.Rand) (times []time.Time, pastWindow bool) {
	if p.Runs <= 0 {
		return nil, false
	}
	start, end := p.Window.Bounds(day)
	if now.After(start) {
		start = now.Truncate(time.Second)
		if start.Before(now) {
			start = start.Add(time.Second)
		}
	}
	if start.After(end) {
		return nil, true
	}

	span := int64(end.Sub(start) / time.Second)
	k := p.Runs
	if int64(k) > span+1 {
		k = int(span + 1)
	}
	picked := make(map[int64]struct{}, k)
	for len(picked) < k {
		picked[rng.Int63n(span+1)] = struct{}{}
	}
	offsets := make([]int64, 0, k)
	for o := range picked {
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	times = make([]time.Time, len(offsets))
	for i, o := range offsets {
		times[i] = start.Add(time.Duration(o) * time.Second)
	}
	return times, false
}
