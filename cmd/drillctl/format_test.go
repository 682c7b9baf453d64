package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"drillbot/internal/config"
	"drillbot/internal/control"
	"drillbot/internal/scheduler"
)

func TestPrintStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ended := now.Add(-2 * time.Hour)
	st := scheduler.Status{
		Now:          now,
		Day:          "2024-05-01",
		NextRollover: now.Add(12 * time.Hour),
		Profiles: []scheduler.ProfileStatus{
			{
				Name: "alice", State: scheduler.ProfileArmed, Enabled: true, Window: "19:33-21:35", Runs: 2,
				Pending: []scheduler.RunInfo{{ID: "run-1", At: now.Add(8 * time.Hour), Cause: scheduler.CauseScheduled}},
				Last:    &scheduler.RunInfo{ID: "run-0", State: scheduler.RunFailed, EndedAt: &ended, Error: "login failed"},
			},
			{Name: "bob", State: scheduler.ProfileIdle, Window: "08:00-09:00"},
		},
	}

	var buf bytes.Buffer
	printStatus(&buf, st, now)
	out := buf.String()
	for _, want := range []string{
		"day 2024-05-01",
		"12 hours from now",
		"8 hours from now",
		"failed 2 hours ago: login failed",
		"disabled",
		"alice pending:",
		"run-1  20:00:00  scheduled",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "bob pending:") {
		t.Fatalf("empty pending list printed:\n%s", out)
	}
}

func TestPrintReload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printReload(&buf, control.ReloadResult{})
	if got := buf.String(); got != "config unchanged\n" {
		t.Fatalf("unchanged = %q", got)
	}

	buf.Reset()
	printReload(&buf, control.ReloadResult{
		Changed:   true,
		Sections:  []string{"logging", "profiles"},
		Profiles:  config.ProfileChanges{Added: []string{"bob"}, Removed: []string{"carol"}},
		Cancelled: 2,
	})
	want := "config reloaded: logging, profiles\n  added: bob\n  removed: carol\n  cancelled pending runs: 2\n"
	if got := buf.String(); got != want {
		t.Fatalf("reload = %q, want %q", got, want)
	}
}
