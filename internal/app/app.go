package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"drillbot/internal/config"
	"drillbot/internal/control"
	"drillbot/internal/eventbus"
	"drillbot/internal/notifier"
	"drillbot/internal/observability/pprof"
	"drillbot/internal/profile"
	"drillbot/internal/quiz"
	"drillbot/internal/quiz/httpquiz"
	rtsup "drillbot/internal/runtime/supervisor"
	"drillbot/internal/scheduler"
	"drillbot/internal/session"
	"drillbot/internal/storage"
	logx "drillbot/pkg/logx"
	"drillbot/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	quiz  *httpquiz.Client
	notif *notifier.Service
	exec  *session.Executor
	sched *scheduler.Scheduler
	ctl   *control.Server
	debug *pprof.Service

	schedDone chan struct{}
	ctlDone   chan struct{}

	// reloadMu serializes operator reloads so each reply describes its own diff.
	reloadMu sync.Mutex

	// reconcileMu guards reconciled, the last snapshot whose profiles the
	// scheduler has taken.
	reconcileMu sync.Mutex
	reconciled  *config.Config
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	profiles, err := cfg.ResolveProfiles()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	openCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.Open(openCtx, sc, log.With(logx.String("comp", "storage")))
	cancel()
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	ncfg, sinkCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notifLog := log.With(logx.String("comp", "notifier"))
	sender, err := notifier.NewSender(sinkCfg, notifLog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("notifier: %w", err)
	}
	notifSvc := notifier.New(ncfg, sender, notifLog, bus)
	logSvc.SetAlertSink(notifSvc)

	qc, err := httpquiz.New(httpquiz.Options{
		BaseURL:        cfg.Quiz.BaseURL,
		UserAgent:      cfg.Quiz.UserAgent,
		RequestsPerSec: cfg.Quiz.RequestsPerSec,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	execOpts, err := mapExecutorOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	clients := func(p profile.Profile) quiz.Client { return qc.WithProfile(p.UserAgent, p.APITimeout) }
	exec := session.NewExecutor(clients, store, notifSvc, log.With(logx.String("comp", "session")), execOpts)

	schedOpts, err := mapSchedulerOptions(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched := scheduler.New(profiles, exec, notifSvc, bus, log.With(logx.String("comp", "scheduler")), schedOpts)

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		quiz:       qc,
		notif:      notifSvc,
		exec:       exec,
		sched:      sched,
		schedDone:  make(chan struct{}),
		ctlDone:    make(chan struct{}),
		reconciled: cfg,
	}

	ctlOpts, err := mapControlOptions(cfg, schedOpts.Location)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.ctl = control.NewServer(sched, a, notifSvc, log.With(logx.String("comp", "control")), ctlOpts)
	a.debug = pprof.New(mapDebugConfig(cfg), a, log.With(logx.String("comp", "debug")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// Bind before anything runs so a busy socket fails start-up cleanly.
	if err := a.ctl.Listen(); err != nil {
		a.sup.Cancel()
		a.sup = nil
		_ = a.store.Close()
		_ = a.logs.Close()
		return err
	}

	// Notifications outlive the app context so shutdown messages still go out;
	// Stop drains them under its own deadline.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))

	a.sup.Go("scheduler", func(c context.Context) error {
		defer close(a.schedDone)
		return a.sched.Run(c)
	})
	a.sup.Go("control", func(c context.Context) error {
		defer close(a.ctlDone)
		return a.ctl.Serve(c)
	})

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	if a.cfgm.Get().Watch {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.debug.Start(a.sup.Context())

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, func() bool {
			hctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			return a.Healthy(hctx) == nil
		})
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.String("control", a.ctl.Addr()))
	return nil
}

// Healthy and Snapshot feed the debug listener.
func (a *App) Healthy(ctx context.Context) error {
	_, err := a.sched.Status(ctx)
	return err
}

type appSnapshot struct {
	Scheduler       scheduler.Status `json:"scheduler"`
	Supervisor      rtsup.Snapshot   `json:"supervisor"`
	NotifierEnabled bool             `json:"notifier_enabled"`
	NotifierHistory int              `json:"notifier_history"`
}

func (a *App) Snapshot(ctx context.Context) (any, error) {
	st, err := a.sched.Status(ctx)
	if err != nil {
		return nil, err
	}
	return appSnapshot{
		Scheduler:       st,
		Supervisor:      a.sup.Snapshot(),
		NotifierEnabled: a.notif.Enabled(),
		NotifierHistory: len(a.notif.History()),
	}, nil
}

// validate is the reload hook run after config.Validate: it rejects configs
// whose notifier sink cannot be built or whose scheduler options are unusable.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	_, sinkCfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	if _, err := notifier.NewSender(sinkCfg, a.log); err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	if _, err := mapExecutorOptions(cfg); err != nil {
		return err
	}
	_, err = mapSchedulerOptions(cfg)
	return err
}

// ReloadConfig implements control.Reloader.
func (a *App) ReloadConfig(ctx context.Context) (control.ReloadResult, error) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	old := a.cfgm.Get()
	cfg, changed, err := a.cfgm.Reload(ctx)
	if err != nil {
		a.log.Warn("config reload rejected", logx.Err(err))
		return control.ReloadResult{}, err
	}
	if !changed {
		return control.ReloadResult{}, nil
	}
	sections, _, profiles := config.SummarizeConfigChange(old, cfg)
	out := control.ReloadResult{Changed: true, Sections: sections, Profiles: profiles}
	if profiles.Empty() {
		return out, nil
	}
	// The scheduler must know the new profile set before the operator hears
	// back, so the reply is only sent once Reconcile has returned.
	res, err := a.reconcileProfiles(ctx, cfg)
	if err != nil {
		return out, err
	}
	out.Cancelled = res.Cancelled
	return out, nil
}

// reconcileProfiles hands cfg's profiles to the scheduler unless cfg is the
// snapshot it already holds.
func (a *App) reconcileProfiles(ctx context.Context, cfg *config.Config) (scheduler.ReconcileResult, error) {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()
	if cfg == a.reconciled {
		return scheduler.ReconcileResult{}, nil
	}
	profiles, err := cfg.ResolveProfiles()
	if err != nil {
		return scheduler.ReconcileResult{}, fmt.Errorf("resolve profiles: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	res, err := a.sched.Reconcile(rctx, profiles)
	if err != nil {
		return res, fmt.Errorf("reconcile scheduler: %w", err)
	}
	a.reconciled = cfg
	a.log.Info("profiles reconciled",
		logx.Any("added", res.Added),
		logx.Any("removed", res.Removed),
		logx.Any("changed", res.Changed),
		logx.Int("cancelled_pending", res.Cancelled),
	)
	return res, nil
}

// applyConfig pushes a committed snapshot into the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, profileChanges := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "control", "storage", "quiz":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}
	if oldCfg != nil && (oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone ||
		oldCfg.Scheduler.Rollover != newCfg.Scheduler.Rollover ||
		oldCfg.Scheduler.ShutdownGrace != newCfg.Scheduler.ShutdownGrace ||
		oldCfg.Scheduler.RetryMax != newCfg.Scheduler.RetryMax ||
		oldCfg.Scheduler.RetryBase != newCfg.Scheduler.RetryBase ||
		oldCfg.Scheduler.RetryMaxDelay != newCfg.Scheduler.RetryMaxDelay) {
		a.log.Warn("scheduler config changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))
	a.exec.SetRunDir(strings.TrimSpace(newCfg.Logging.RunDir))

	if ncfg, sinkCfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.notif.Enabled()
		if sender, err := notifier.NewSender(sinkCfg, a.log.With(logx.String("comp", "notifier"))); err != nil {
			a.log.Warn("notifier sink rejected; keeping previous", logx.Err(err))
		} else {
			a.notif.SetSender(sender)
		}
		a.notif.Apply(ncfg)
		switch {
		case prevEnabled && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		case !prevEnabled && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}

	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))

	// Reconcile against the newest snapshot; an operator reload may already
	// have applied it.
	if !profileChanges.Empty() {
		if _, err := a.reconcileProfiles(ctx, a.cfgm.Get()); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("scheduler reconcile failed", logx.Err(err))
		}
	}

	if a.bus != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	wait := func(ch <-chan struct{}) func(context.Context) error {
		return func(c context.Context) error {
			select {
			case <-ch:
				return nil
			case <-c.Done():
				return c.Err()
			}
		}
	}

	grace := config.DefaultShutdownGrace
	if opts, err := mapSchedulerOptions(a.cfgm.Get()); err == nil {
		grace = opts.ShutdownGrace
	}
	// Running sessions get the grace period, then a short hard-stop window.
	step("scheduler", grace+7*time.Second, wait(a.schedDone))
	step("control", 2*time.Second, wait(a.ctlDone))
	step("debug", 2*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
