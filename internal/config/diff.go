package config

import (
	"reflect"
	"sort"
	"strings"

	logx "drillbot/pkg/logx"
)

// ProfileChanges lists profile names by kind of change.
type ProfileChanges struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Changed []string `json:"changed,omitempty"`
}

func (p ProfileChanges) Empty() bool {
	return len(p.Added) == 0 && len(p.Removed) == 0 && len(p.Changed) == 0
}

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like
// passwords or tokens), and (3) the per-profile changes.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, ProfileChanges) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs, logx.Bool("watch", newCfg.Watch))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.run_dir_set", strings.TrimSpace(newCfg.Logging.RunDir) != ""),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	// The socket is bound once at startup; a change here only takes effect on restart.
	if oldCfg.Control != newCfg.Control {
		changed = append(changed, "control")
		attrs = append(attrs,
			logx.String("control.socket_path", strings.TrimSpace(newCfg.Control.SocketPath)),
			logx.Bool("control.restart_required", true),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.rollover", strings.TrimSpace(newCfg.Scheduler.Rollover)),
			logx.Int("scheduler.retry_max", newCfg.Scheduler.RetryMax),
		)
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if (oldCfg.Notifier == nil) != (newCfg.Notifier == nil) || oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.present", newCfg.Notifier != nil),
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.String("notifier.sink", strings.TrimSpace(newN.Sink)),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.telegram_token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
		)
	}

	// Storage is opened once at startup, like the control socket.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Quiz != newCfg.Quiz {
		changed = append(changed, "quiz")
		attrs = append(attrs, logx.String("quiz.base_url", strings.TrimSpace(newCfg.Quiz.BaseURL)))
	}

	oldD, newD := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	if (oldCfg.Debug == nil) != (newCfg.Debug == nil) || oldD != newD {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newD.Token) != ""),
		)
	}

	pc := diffProfiles(oldCfg.Profiles, newCfg.Profiles)
	if !pc.Empty() {
		changed = append(changed, "profiles")
		attrs = append(attrs,
			logx.Int("profiles.added", len(pc.Added)),
			logx.Int("profiles.removed", len(pc.Removed)),
			logx.Int("profiles.changed", len(pc.Changed)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pc
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}

func diffProfiles(oldM, newM map[string]ProfileConfig) ProfileChanges {
	var out ProfileChanges
	for name, o := range oldM {
		n, ok := newM[name]
		switch {
		case !ok:
			out.Removed = append(out.Removed, name)
		case !reflect.DeepEqual(o, n):
			out.Changed = append(out.Changed, name)
		}
	}
	for name := range newM {
		if _, ok := oldM[name]; !ok {
			out.Added = append(out.Added, name)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Removed)
	sort.Strings(out.Changed)
	return out
}
