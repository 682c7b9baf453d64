package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Config is the raw, file-shaped configuration. Durations are Go duration
// strings; Resolve turns the profiles section into typed values.
type Config struct {
	// Watch enables fsnotify hot reload. reload_config works regardless.
	Watch bool `json:"watch,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Control   ControlConfig   `json:"control"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Storage   StorageConfig   `json:"storage"`
	Quiz      QuizConfig      `json:"quiz"`
	Debug     *DebugConfig    `json:"debug,omitempty"`

	Profiles map[string]ProfileConfig `json:"profiles"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	RunDir  string        `json:"run_dir,omitempty"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn/error records to the notifier sink.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ControlConfig configures the local control socket.
//
// Defaults (when fields are omitted/zero):
//   - socket_mode: "0600"
//   - read_timeout: "5s"
//   - max_request_bytes: 65536
type ControlConfig struct {
	SocketPath      string `json:"socket_path"`
	SocketMode      string `json:"socket_mode,omitempty"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	MaxRequestBytes int    `json:"max_request_bytes,omitempty"`
}

// SchedulerConfig controls run planning and executor retries.
//
// Defaults (when fields are omitted/zero):
//   - timezone: local
//   - rollover: "0 0 * * *" (cron spec for the daily replan)
//   - retry_max: 3
//   - retry_base: "2.5s"
//   - retry_max_delay: "30s"
//   - shutdown_grace: "10s"
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	Rollover      string `json:"rollover,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, notifications are logged only.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`

	// Sink is "webhook", "telegram" or "log".
	Sink       string             `json:"sink"`
	WebhookURL string             `json:"webhook_url,omitempty"`
	Telegram   TelegramSinkConfig `json:"telegram"`
}

type TelegramSinkConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./drillbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional pprof/health HTTP listener.
//
// A non-loopback addr needs a token unless allow_insecure is set.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type QuizConfig struct {
	BaseURL        string  `json:"base_url"`
	UserAgent      string  `json:"user_agent,omitempty"`
	RequestsPerSec float64 `json:"requests_per_sec,omitempty"`
}

// ProfileConfig is one account. Pointer fields fall back to defaults when omitted.
type ProfileConfig struct {
	Username   string          `json:"username"`
	Password   string          `json:"password"`
	UserAgent  string          `json:"user_agent,omitempty"`
	APITimeout string          `json:"api_timeout,omitempty"`
	RunWindow  RunWindowConfig `json:"run_window"`
	Runs       int             `json:"runs"`
	Sessions   int             `json:"sessions,omitempty"`

	DistractionChance   *float64 `json:"distraction_chance,omitempty"`
	BaseMemorizeChance  *float64 `json:"base_memorize_chance,omitempty"`
	MemorizeRequirement int      `json:"memorize_requirement,omitempty"`
	MemorizeCurve       string   `json:"memorize_curve,omitempty"`
	MistakeChance       *float64 `json:"mistake_chance,omitempty"`
	SynonymChance       *float64 `json:"synonym_chance,omitempty"`
	LowercaseChance     *float64 `json:"lowercase_chance,omitempty"`

	Delays DelaysConfig `json:"delays"`
}

type RunWindowConfig struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// DelaysConfig lists [min, max] ranges. Omitted ranges use the defaults.
type DelaysConfig struct {
	MarketingSkip *DelayRange `json:"marketing_skip,omitempty"`
	Initial       *DelayRange `json:"initial,omitempty"`
	ExtraThink    *DelayRange `json:"extra_think,omitempty"`
	TypingPerChar *DelayRange `json:"typing_per_char,omitempty"`
	GiveUp        *DelayRange `json:"give_up,omitempty"`
	NextQuestion  *DelayRange `json:"next_question,omitempty"`
	FirstSession  *DelayRange `json:"first_session,omitempty"`
	NextSession   *DelayRange `json:"next_session,omitempty"`
	Distraction   *DelayRange `json:"distraction,omitempty"`
}

// DelayRange accepts either ["1s", "4s"] or {"min": "1s", "max": "4s"}.
type DelayRange struct {
	Min string `json:"min"`
	Max string `json:"max"`
}

func (d *DelayRange) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var pair []string
		if err := json.Unmarshal(b, &pair); err != nil {
			return fmt.Errorf("delay range: %w", err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("delay range: want [min, max], got %d values", len(pair))
		}
		*d = DelayRange{Min: pair[0], Max: pair[1]}
		return nil
	}

	type tmp struct {
		Min string `json:"min"`
		Max string `json:"max"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return fmt.Errorf("delay range: %w", err)
	}
	*d = DelayRange{Min: t.Min, Max: t.Max}
	return nil
}
