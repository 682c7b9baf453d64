package notifier

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Scheduled announces a planned run.
func Scheduled(profile string, at, now time.Time) Message {
	return Message{
		Kind:    KindScheduled,
		Profile: profile,
		Text: fmt.Sprintf("Profile `%s` has been scheduled to run at %s (%s).",
			profile, at.Format("2006-01-02 15:04:05 MST"), humanize.RelTime(at, now, "ago", "from now")),
	}
}

// PastWindow reports that today's window already closed when planning.
func PastWindow(profile string, end time.Time) Message {
	return Message{
		Kind:    KindPastWindow,
		Profile: profile,
		Text: fmt.Sprintf("Profile `%s` was not scheduled today: it is past the max start time %s.",
			profile, end.Format("15:04:05")),
	}
}

// Unscheduled reports a pending run removed before it started.
func Unscheduled(profile string, at time.Time) Message {
	return Message{
		Kind:    KindCancelled,
		Profile: profile,
		Text: fmt.Sprintf("Scheduled run of profile `%s` at %s has been cancelled.",
			profile, at.Format("2006-01-02 15:04:05 MST")),
	}
}

// Finished reports the end of a run. outcome is "completed", "unavailable",
// "failed" or "cancelled".
func Finished(profile, outcome string, elapsed time.Duration, tasks int) Message {
	m := Message{Profile: profile}
	switch outcome {
	case "completed":
		m.Kind = KindFinished
		m.Text = fmt.Sprintf("Solver for profile `%s` has finished after %s (%s tasks).",
			profile, FormatElapsed(elapsed), humanize.Comma(int64(tasks)))
	case "unavailable":
		m.Kind = KindFinished
		m.Text = fmt.Sprintf("Solver for profile `%s` found no session to solve after %s.", profile, FormatElapsed(elapsed))
	case "cancelled":
		m.Kind = KindCancelled
		m.Text = fmt.Sprintf("Solver for profile `%s` has been cancelled after %s.", profile, FormatElapsed(elapsed))
	default:
		m.Kind = KindCrashed
		m.Text = fmt.Sprintf("Solver for profile `%s` has crashed after %s.", profile, FormatElapsed(elapsed))
	}
	return m
}

// FormatElapsed renders d as "Xm Ys", or "Xh Ym Zs" past an hour.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	return fmt.Sprintf("%dm %ds", m, s)
}
