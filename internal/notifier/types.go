package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Kind classifies a message.
type Kind string

const (
	KindScheduled  Kind = "scheduled"
	KindPastWindow Kind = "past_window"
	KindFinished   Kind = "finished"
	KindCrashed    Kind = "crashed"
	KindCancelled  Kind = "cancelled"
	KindAlert      Kind = "alert"
)

// Message is one notification.
type Message struct {
	Kind    Kind
	Profile string
	Text    string
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Kind    Kind      `json:"kind"`
	Profile string    `json:"profile,omitempty"`
	Text    string    `json:"text"`
}

// NotificationEvent is published on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind    Kind      `json:"kind"`
	Profile string    `json:"profile,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
