// Package control is the local operator interface: a unix socket that takes
// exactly one JSON request per connection and answers with one JSON response
// before closing.
//
// Request:
//
//	{"command": "reschedule", "profile": "alice", "run_id": "…", "new_time": "21:00", "nonce": "42"}
//
// Response, either
//
//	{"nonce": "42", "result": {...}}
//	{"nonce": "42", "error": {"kind": "not_found", "message": "…"}}
package control

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"drillbot/internal/config"
	"drillbot/internal/profile"
	"drillbot/internal/scheduler"
)

// Commands.
const (
	CmdTrigger      = "trigger"
	CmdReschedule   = "reschedule"
	CmdCancel       = "cancel"
	CmdReloadConfig = "reload_config"
	CmdStatus       = "status"
	CmdPing         = "ping"
	CmdNotify       = "notify"
)

// Error kinds.
const (
	KindConfigInvalid = "config_invalid"
	KindNotFound      = "not_found"
	KindBadRequest    = "bad_request"
	KindInternal      = "internal"
)

const maxNotifyText = 512

type Request struct {
	Command string `json:"command"`
	Nonce   string `json:"nonce,omitempty"`
	Profile string `json:"profile,omitempty"`
	RunID   string `json:"run_id,omitempty"`
	// NewTime is RFC 3339, "YYYY-MM-DD HH:MM[:SS]" in the scheduler's
	// timezone, or a bare "HH:MM[:SS]" meaning today.
	NewTime string `json:"new_time,omitempty"`
	Text    string `json:"text,omitempty"`
}

type Response struct {
	Nonce  string          `json:"nonce,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the structured error half of a Response.
type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

// ReloadResult answers reload_config.
type ReloadResult struct {
	Changed  bool                  `json:"changed"`
	Sections []string              `json:"sections,omitempty"`
	Profiles config.ProfileChanges `json:"profiles"`

	// Cancelled counts pending runs dropped while reconciling the scheduler.
	Cancelled int `json:"cancelled_pending,omitempty"`
}

type PingResult struct {
	Pong bool      `json:"pong"`
	Time time.Time `json:"time"`
}

type NotifyResult struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

// DecodeRequest parses one request strictly: unknown fields and trailing
// data are rejected.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return Request{}, errors.New("trailing data after request object")
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		return Request{}, errors.New("missing command")
	}
	return req, nil
}

func (r Request) validate() error {
	need := func(field, v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s requires %q", r.Command, field)
		}
		return nil
	}
	switch r.Command {
	case CmdTrigger:
		return need("profile", r.Profile)
	case CmdCancel:
		return errors.Join(need("profile", r.Profile), need("run_id", r.RunID))
	case CmdReschedule:
		return errors.Join(need("profile", r.Profile), need("run_id", r.RunID), need("new_time", r.NewTime))
	case CmdNotify:
		if err := need("text", r.Text); err != nil {
			return err
		}
		if n := len([]rune(r.Text)); n > maxNotifyText {
			return fmt.Errorf("text is %d characters, max %d", n, maxNotifyText)
		}
		return nil
	case CmdReloadConfig, CmdStatus, CmdPing:
		return nil
	default:
		return fmt.Errorf("unknown command %q", r.Command)
	}
}

var dateTimeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseTime resolves a new_time value against now's location.
func ParseTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(now.Location()), nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if c, err := profile.ParseClock(s); err == nil {
		return c.On(now), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC 3339, YYYY-MM-DD HH:MM[:SS] or HH:MM[:SS])", s)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return KindConfigInvalid
	case errors.Is(err, scheduler.ErrNotFound):
		return KindNotFound
	case errors.Is(err, scheduler.ErrInvalidArgument):
		return KindBadRequest
	default:
		return KindInternal
	}
}
