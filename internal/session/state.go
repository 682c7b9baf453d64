// Package session drives one solving run for one profile: login, a number of
// quiz sessions with human-like pacing, answer decisions, exposure recording,
// and the final SessionRecord.
package session

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned when an operator or shutdown cancelled the run.
var ErrCancelled = errors.New("session: cancelled")

// State is the executor's lifecycle state.
type State int32

const (
	Starting State = iota
	Authenticating
	InSession
	Ending
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Authenticating:
		return "authenticating"
	case InSession:
		return "in_session"
	case Ending:
		return "ending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Completed or Failed.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Outcomes stored in SessionRecord.Outcome.
const (
	OutcomeCompleted   = "completed"
	OutcomeUnavailable = "unavailable"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
)

// Handle is shared between the executor and its owner. Cancel sets a flag the
// executor checks at every suspension point; an in-flight quiz call is never
// interrupted by it.
type Handle struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}

	state atomic.Int32
	tasks atomic.Int64

	mu      sync.Mutex
	logPath string
}

func NewHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Cancel requests a cooperative stop. It is idempotent.
func (h *Handle) Cancel() {
	h.once.Do(func() {
		h.cancelled.Store(true)
		close(h.done)
	})
}

func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Done is closed once Cancel has been called.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) setState(s State) { h.state.Store(int32(s)) }

// Tasks is the number of answered tasks so far.
func (h *Handle) Tasks() int { return int(h.tasks.Load()) }

// LogPath is the per-run log file, empty when per-run logs are disabled.
func (h *Handle) LogPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logPath
}

func (h *Handle) setLogPath(p string) {
	h.mu.Lock()
	h.logPath = p
	h.mu.Unlock()
}
