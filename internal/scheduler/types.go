// Package scheduler owns the per-profile run timeline: it plans each day's
// runs, dispatches due runs to the session executor with at most one running
// run per profile, and applies operator commands.
//
// All state lives in one goroutine (Run); the exported methods send commands
// to it and wait for the reply.
package scheduler

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrStopped         = errors.New("scheduler stopped")
)

// RunState is a ScheduledRun's lifecycle state. RunCancelled only describes a
// pending run that was removed before it started.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Causes of a run.
const (
	CauseScheduled = "scheduled"
	CauseOperator  = "operator"
)

// ProfileState is the per-profile scheduling state.
type ProfileState string

const (
	ProfileIdle    ProfileState = "idle"
	ProfileArmed   ProfileState = "armed"
	ProfileRunning ProfileState = "running"
)

// RunInfo is a read-only view of one run.
type RunInfo struct {
	ID              string     `json:"id"`
	Profile         string     `json:"profile"`
	At              time.Time  `json:"at"`
	State           RunState   `json:"state"`
	Cause           string     `json:"cause"`
	Phase           string     `json:"phase,omitempty"`
	Tasks           int        `json:"tasks,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	LogPath         string     `json:"log_path,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Outcome         string     `json:"outcome,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// ProfileStatus is one profile's entry in Status.
type ProfileStatus struct {
	Name    string       `json:"name"`
	State   ProfileState `json:"state"`
	Enabled bool         `json:"enabled"`
	Window  string       `json:"window"`
	Runs    int          `json:"runs"`
	Removed bool         `json:"removed,omitempty"`
	Active  *RunInfo     `json:"active,omitempty"`
	Pending []RunInfo    `json:"pending"`
	Last    *RunInfo     `json:"last,omitempty"`
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Now          time.Time       `json:"now"`
	Day          string          `json:"day"`
	NextRollover time.Time       `json:"next_rollover"`
	Profiles     []ProfileStatus `json:"profiles"`
}

// Profile returns the named entry.
func (s Status) Profile(name string) (ProfileStatus, bool) {
	for _, p := range s.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ProfileStatus{}, false
}

// ReconcileResult lists what a profile set change did.
type ReconcileResult struct {
	Added     []string `json:"added,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Changed   []string `json:"changed,omitempty"`
	Cancelled int      `json:"cancelled_pending,omitempty"`
}
