// Package quiz defines the contract with the external quiz service.
//
// The executor only depends on Client and Session; httpquiz provides the
// HTTP binding and tests use in-memory fakes.
package quiz

import (
	"context"
	"strings"
)

// Credentials identify one profile at the quiz service.
type Credentials struct {
	Username string
	Password string
}

// Grade is the service's verdict on a submitted answer.
type Grade int

const (
	Incorrect Grade = iota
	Correct
	SynonymAccepted
	WrongCase
	Mistyped
)

func (g Grade) String() string {
	switch g {
	case Incorrect:
		return "incorrect"
	case Correct:
		return "correct"
	case SynonymAccepted:
		return "synonym"
	case WrongCase:
		return "wrong_case"
	case Mistyped:
		return "mistyped"
	default:
		return "unknown"
	}
}

// TaskKind distinguishes vocabulary prompts from filler content.
type TaskKind string

const (
	KindWord      TaskKind = "word"
	KindMarketing TaskKind = "marketing"
)

// Task is one prompt presented by the service.
type Task struct {
	ItemID       int64    `json:"id"`
	Kind         TaskKind `json:"type"`
	UsageExample string   `json:"usage_example"`
	Translations string   `json:"translations"`
}

// IsMarketing reports whether the task should be skipped rather than answered.
func (t Task) IsMarketing() bool {
	return strings.EqualFold(string(t.Kind), string(KindMarketing))
}

// Result is the service's reply to a submission; it reveals the correct answer.
type Result struct {
	ItemID       int64  `json:"id"`
	Word         string `json:"word"`
	ShownAnswer  string `json:"shown_answer"`
	UsageExample string `json:"usage_example"`
	Translations string `json:"translations"`
	Grade        Grade  `json:"grade"`
}

// Client opens authenticated sessions.
type Client interface {
	// Login returns ErrAuth when the credentials are rejected.
	Login(ctx context.Context, cred Credentials) (Session, error)
}

// Session is one authenticated conversation with the service.
//
// NextTask returns ErrEndOfSession when the current quiz session has no more
// tasks (calling it again starts the next one), and ErrUnavailable when the
// service has no session to offer at all. Transient failures are wrapped with
// Transient so callers can retry.
type Session interface {
	NextTask(ctx context.Context) (Task, error)
	Submit(ctx context.Context, task Task, answer string) (Result, error)
	End(ctx context.Context) error
}
