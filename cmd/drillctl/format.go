package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"drillbot/internal/control"
	"drillbot/internal/scheduler"
)

func printRun(w io.Writer, r scheduler.RunInfo) {
	fmt.Fprintf(w, "%s %s %s at %s", r.Profile, r.ID, r.State, r.At.Format("2006-01-02 15:04:05"))
	if r.CancelRequested {
		fmt.Fprint(w, " (cancel requested)")
	}
	fmt.Fprintln(w)
}

func printReload(w io.Writer, r control.ReloadResult) {
	if !r.Changed {
		fmt.Fprintln(w, "config unchanged")
		return
	}
	fmt.Fprintf(w, "config reloaded: %s\n", strings.Join(r.Sections, ", "))
	p := r.Profiles
	for _, row := range []struct {
		label string
		names []string
	}{{"added", p.Added}, {"removed", p.Removed}, {"changed", p.Changed}} {
		if len(row.names) > 0 {
			fmt.Fprintf(w, "  %s: %s\n", row.label, strings.Join(row.names, ", "))
		}
	}
	if r.Cancelled > 0 {
		fmt.Fprintf(w, "  cancelled pending runs: %d\n", r.Cancelled)
	}
}

func printStatus(w io.Writer, st scheduler.Status, now time.Time) {
	fmt.Fprintf(w, "day %s, next rollover %s\n\n", st.Day, humanize.RelTime(st.NextRollover, now, "ago", "from now"))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROFILE\tSTATE\tWINDOW\tRUNS\tCURRENT\tNEXT\tLAST")
	for _, p := range st.Profiles {
		state := string(p.State)
		switch {
		case p.Removed:
			state += " (removed)"
		case !p.Enabled:
			state = "disabled"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			p.Name, state, p.Window, p.Runs,
			current(p.Active), next(p.Pending, now), last(p.Last, now))
	}
	_ = tw.Flush()

	for _, p := range st.Profiles {
		if len(p.Pending) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s pending:\n", p.Name)
		for _, r := range p.Pending {
			fmt.Fprintf(w, "  %s  %s  %s\n", r.ID, r.At.Format("15:04:05"), r.Cause)
		}
	}
}

func current(r *scheduler.RunInfo) string {
	if r == nil {
		return "-"
	}
	s := r.ID
	if r.Phase != "" {
		s += " " + r.Phase
	}
	if r.Tasks > 0 {
		s += fmt.Sprintf(" (%d tasks)", r.Tasks)
	}
	if r.CancelRequested {
		s += " cancelling"
	}
	return s
}

func next(pending []scheduler.RunInfo, now time.Time) string {
	if len(pending) == 0 {
		return "-"
	}
	return humanize.RelTime(pending[0].At, now, "ago", "from now")
}

func last(r *scheduler.RunInfo, now time.Time) string {
	if r == nil {
		return "-"
	}
	at := r.At
	if r.EndedAt != nil {
		at = *r.EndedAt
	}
	s := string(r.State) + " " + humanize.RelTime(at, now, "ago", "from now")
	if r.Error != "" {
		s += ": " + r.Error
	}
	return s
}
