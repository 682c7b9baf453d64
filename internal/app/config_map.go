package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"drillbot/internal/config"
	"drillbot/internal/control"
	"drillbot/internal/notifier"
	"drillbot/internal/observability/pprof"
	"drillbot/internal/scheduler"
	"drillbot/internal/session"
	"drillbot/internal/storage"
	logx "drillbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

// mapNotifierConfig maps the notifier section into the runtime config and
// the sink selection.
//
// If the section is omitted, notifications are disabled and only logged.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, notifier.SinkConfig, error) {
	out := notifier.Config{
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, notifier.SinkConfig{Kind: "log"}, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase)
	if err != nil {
		return notifier.Config{}, notifier.SinkConfig{}, err
	}
	out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, notifier.SinkConfig{}, err
	}
	out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow)
	if err != nil {
		return notifier.Config{}, notifier.SinkConfig{}, err
	}

	switch {
	case out.Workers < 0:
		return notifier.Config{}, notifier.SinkConfig{}, fmt.Errorf("notifier.workers must be >= 0")
	case out.QueueSize < 0:
		return notifier.Config{}, notifier.SinkConfig{}, fmt.Errorf("notifier.queue_size must be >= 0")
	case out.RatePerSec < 0:
		return notifier.Config{}, notifier.SinkConfig{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	case out.RetryMax < 0:
		return notifier.Config{}, notifier.SinkConfig{}, fmt.Errorf("notifier.retry_max must be >= 0")
	case out.DedupMaxEntries < 0:
		return notifier.Config{}, notifier.SinkConfig{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}

	sink := notifier.SinkConfig{
		Kind:       strings.ToLower(strings.TrimSpace(n.Sink)),
		WebhookURL: strings.TrimSpace(n.WebhookURL),
		Token:      strings.TrimSpace(n.Telegram.Token),
		ChatID:     n.Telegram.ChatID,
		ThreadID:   n.Telegram.ThreadID,
	}
	return out, sink, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite3":
		driver = "sqlite"
	case "postgresql":
		driver = "postgres"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapExecutorOptions(cfg *config.Config) (session.Options, error) {
	sc := cfg.Scheduler
	retryMax := sc.RetryMax
	if retryMax == 0 {
		retryMax = config.DefaultRetryMax
	}
	base, err := config.ParseDurationOrDefault("scheduler.retry_base", sc.RetryBase, config.DefaultRetryBase)
	if err != nil {
		return session.Options{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("scheduler.retry_max_delay", sc.RetryMaxDelay, config.DefaultRetryMaxDelay)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		RetryMax:      retryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RunDir:        strings.TrimSpace(cfg.Logging.RunDir),
	}, nil
}

func mapSchedulerOptions(cfg *config.Config) (scheduler.Options, error) {
	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return scheduler.Options{}, err
	}
	rollover, err := cfg.Scheduler.RolloverSchedule()
	if err != nil {
		return scheduler.Options{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.shutdown_grace", cfg.Scheduler.ShutdownGrace, config.DefaultShutdownGrace)
	if err != nil {
		return scheduler.Options{}, err
	}
	return scheduler.Options{Location: loc, Rollover: rollover, ShutdownGrace: grace}, nil
}

func mapControlOptions(cfg *config.Config, loc *time.Location) (control.Options, error) {
	mode, err := cfg.Control.Mode()
	if err != nil {
		return control.Options{}, err
	}
	readTimeout, err := config.ParseDurationOrDefault("control.read_timeout", cfg.Control.ReadTimeout, config.DefaultReadTimeout)
	if err != nil {
		return control.Options{}, err
	}
	maxBytes := cfg.Control.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = config.DefaultMaxRequestBytes
	}
	return control.Options{
		SocketPath:      strings.TrimSpace(cfg.Control.SocketPath),
		SocketMode:      os.FileMode(mode),
		ReadTimeout:     readTimeout,
		MaxRequestBytes: int64(maxBytes),
		Location:        loc,
	}, nil
}

// mapDebugConfig maps the optional debug listener. An omitted section keeps it off.
func mapDebugConfig(cfg *config.Config) pprof.Config {
	if cfg == nil || cfg.Debug == nil {
		return pprof.Config{}
	}
	d := cfg.Debug
	return pprof.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		ReadTimeout:          10 * time.Second,
		WriteTimeout:         time.Minute, // long enough for a 30s CPU profile
		IdleTimeout:          time.Minute,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
	}
}
