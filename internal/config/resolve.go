package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"drillbot/internal/mistake"
	"drillbot/internal/profile"
	"drillbot/internal/quiz"
	logx "drillbot/pkg/logx"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config invalid")

const (
	DefaultRollover        = "0 0 * * *"
	DefaultRetryMax        = 3
	DefaultRetryBase       = 2500 * time.Millisecond
	DefaultRetryMaxDelay   = 30 * time.Second
	DefaultShutdownGrace   = 10 * time.Second
	DefaultReadTimeout     = 5 * time.Second
	DefaultMaxRequestBytes = 64 << 10
	DefaultSocketMode      = 0o600
	DefaultAPITimeout      = 10 * time.Second
)

// Profile defaults applied when the field is omitted.
const (
	DefaultDistractionChance   = 0.01
	DefaultBaseMemorizeChance  = 0.2
	DefaultMemorizeRequirement = 3
	DefaultMistakeChance       = 0.025
	DefaultSynonymChance       = 0.75
	DefaultLowercaseChance     = 0.1
)

// Validate checks the whole config and reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Alerts.Enabled && !logx.ValidLevel(cfg.Logging.Alerts.MinLevel) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", cfg.Logging.Alerts.MinLevel))
	}

	if strings.TrimSpace(cfg.Control.SocketPath) == "" {
		add(errors.New("control.socket_path is required"))
	}
	if _, err := cfg.Control.Mode(); err != nil {
		add(err)
	}
	if _, err := ParseDurationField("control.read_timeout", cfg.Control.ReadTimeout); err != nil {
		add(err)
	}

	if _, err := cfg.Scheduler.Location(); err != nil {
		add(err)
	}
	if _, err := cfg.Scheduler.RolloverSchedule(); err != nil {
		add(err)
	}
	if cfg.Scheduler.RetryMax < 0 {
		add(errors.New("scheduler.retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"scheduler.retry_base":      cfg.Scheduler.RetryBase,
		"scheduler.retry_max_delay": cfg.Scheduler.RetryMaxDelay,
		"scheduler.shutdown_grace":  cfg.Scheduler.ShutdownGrace,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			add(err)
		}
	}

	add(validateNotifier(cfg.Notifier))
	add(validateDebug(cfg.Debug))
	add(validateStorage(cfg.Storage))

	if strings.TrimSpace(cfg.Quiz.BaseURL) == "" {
		add(errors.New("quiz.base_url is required"))
	}
	if cfg.Quiz.RequestsPerSec < 0 {
		add(errors.New("quiz.requests_per_sec must be >= 0"))
	}

	if _, err := resolveProfiles(cfg); err != nil {
		add(err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func validateNotifier(n *NotifierConfig) error {
	if n == nil || !n.Enabled {
		return nil
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(n.Sink)) {
	case "", "log":
	case "webhook":
		if strings.TrimSpace(n.WebhookURL) == "" {
			errs = append(errs, errors.New("notifier.webhook_url is required when notifier.sink=webhook"))
		}
	case "telegram":
		if strings.TrimSpace(n.Telegram.Token) == "" || n.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notifier.telegram.token and chat_id are required when notifier.sink=telegram"))
		}
	default:
		errs = append(errs, fmt.Errorf("notifier.sink: unknown sink %q", n.Sink))
	}
	for path, raw := range map[string]string{
		"notifier.retry_base":      n.RetryBase,
		"notifier.retry_max_delay": n.RetryMaxDelay,
		"notifier.dedup_window":    n.DedupWindow,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateDebug(d *DebugConfig) error {
	if d == nil || !d.Enabled {
		return nil
	}
	if d.MutexProfileFraction < 0 || d.BlockProfileRate < 0 {
		return errors.New("debug profile rates must be >= 0")
	}
	if addr := strings.TrimSpace(d.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("debug.addr: %w", err)
		}
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "memory":
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "mysql", "postgres", "postgresql":
		if strings.TrimSpace(s.DSN) == "" {
			return fmt.Errorf("storage.dsn is required when storage.driver=%s", s.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", s.Driver)
	}
	_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	return err
}

// Location resolves scheduler.timezone (empty means the process local zone).
func (s SchedulerConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// RolloverSchedule parses scheduler.rollover as a standard 5-field cron spec.
func (s SchedulerConfig) RolloverSchedule() (cron.Schedule, error) {
	spec := strings.TrimSpace(s.Rollover)
	if spec == "" {
		spec = DefaultRollover
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler.rollover: %w", err)
	}
	return sched, nil
}

// Mode parses control.socket_mode as an octal permission string.
func (c ControlConfig) Mode() (uint32, error) {
	raw := strings.TrimSpace(c.SocketMode)
	if raw == "" {
		return DefaultSocketMode, nil
	}
	v, err := strconv.ParseUint(raw, 8, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("control.socket_mode: invalid octal mode %q", raw)
	}
	return uint32(v), nil
}

// ResolveProfiles turns the profiles section into typed values.
func (c *Config) ResolveProfiles() (map[string]profile.Profile, error) {
	out, err := resolveProfiles(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return out, nil
}

func resolveProfiles(c *Config) (map[string]profile.Profile, error) {
	names := make([]string, 0, len(c.Profiles))
	for name := range c.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]profile.Profile, len(names))
	var errs []error
	for _, name := range names {
		p, err := resolveProfile(name, c.Profiles[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[name] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func resolveProfile(name string, pc ProfileConfig) (profile.Profile, error) {
	prefix := "profiles." + name
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s.%s", prefix, fmt.Sprintf(format, args...)))
	}

	if strings.TrimSpace(name) == "" {
		errs = append(errs, errors.New("profiles: empty profile name"))
	}

	p := profile.Profile{
		Name:        name,
		Credentials: quiz.Credentials{Username: pc.Username, Password: pc.Password},
		UserAgent:   strings.TrimSpace(pc.UserAgent),
		Runs:        pc.Runs,
		Sessions:    pc.Sessions,
	}
	if p.Runs < 0 {
		fail("runs must be >= 0")
	}
	if p.Sessions == 0 {
		p.Sessions = 1
	}
	if p.Sessions < 0 {
		fail("sessions must be >= 1")
	}
	if p.Runs > 0 && (strings.TrimSpace(pc.Username) == "" || pc.Password == "") {
		fail("username and password are required")
	}

	var err error
	if p.APITimeout, err = ParseDurationOrDefault(prefix+".api_timeout", pc.APITimeout, DefaultAPITimeout); err != nil {
		errs = append(errs, err)
	}

	start, startErr := profile.ParseClock(pc.RunWindow.Start)
	if startErr != nil {
		fail("run_window.start: %v", startErr)
	}
	end, endErr := profile.ParseClock(pc.RunWindow.End)
	if endErr != nil {
		fail("run_window.end: %v", endErr)
	}
	if startErr == nil && endErr == nil && !start.Before(end) {
		fail("run_window: start %s must be before end %s", start, end)
	}
	p.Window = profile.Window{Start: start, End: end}

	chance := func(field string, v *float64, def float64) float64 {
		if v == nil {
			return def
		}
		if *v < 0 || *v > 1 {
			fail("%s must be within [0, 1]", field)
		}
		return *v
	}
	p.DistractionChance = chance("distraction_chance", pc.DistractionChance, DefaultDistractionChance)

	curve, err := mistake.CurveByName(pc.MemorizeCurve)
	if err != nil {
		fail("memorize_curve: %v", err)
	}
	req := pc.MemorizeRequirement
	if req == 0 {
		req = DefaultMemorizeRequirement
	}
	if req < 1 {
		fail("memorize_requirement must be >= 1")
	}
	p.Policy = mistake.Policy{
		BaseMemorizeChance:  chance("base_memorize_chance", pc.BaseMemorizeChance, DefaultBaseMemorizeChance),
		MemorizeRequirement: req,
		MistakeChance:       chance("mistake_chance", pc.MistakeChance, DefaultMistakeChance),
		SynonymChance:       chance("synonym_chance", pc.SynonymChance, DefaultSynonymChance),
		LowercaseChance:     chance("lowercase_chance", pc.LowercaseChance, DefaultLowercaseChance),
		Curve:               curve,
	}
	if p.Policy.SynonymChance+p.Policy.LowercaseChance > 1 {
		fail("synonym_chance + lowercase_chance must be <= 1")
	}

	p.Delays = profile.DefaultDelays()
	for _, d := range []struct {
		field string
		raw   *DelayRange
		dst   *profile.Range
	}{
		{"marketing_skip", pc.Delays.MarketingSkip, &p.Delays.MarketingSkip},
		{"initial", pc.Delays.Initial, &p.Delays.Initial},
		{"extra_think", pc.Delays.ExtraThink, &p.Delays.ExtraThink},
		{"typing_per_char", pc.Delays.TypingPerChar, &p.Delays.TypingPerChar},
		{"give_up", pc.Delays.GiveUp, &p.Delays.GiveUp},
		{"next_question", pc.Delays.NextQuestion, &p.Delays.NextQuestion},
		{"first_session", pc.Delays.FirstSession, &p.Delays.FirstSession},
		{"next_session", pc.Delays.NextSession, &p.Delays.NextSession},
		{"distraction", pc.Delays.Distraction, &p.Delays.Distraction},
	} {
		if d.raw == nil {
			continue
		}
		r, err := ParseRange(prefix+".delays."+d.field, *d.raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = r
	}

	if len(errs) > 0 {
		return profile.Profile{}, errors.Join(errs...)
	}
	return p, nil
}
