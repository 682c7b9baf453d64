package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"drillbot/internal/eventbus"
	"drillbot/internal/notifier"
	"drillbot/internal/profile"
	rtsup "drillbot/internal/runtime/supervisor"
	"drillbot/internal/session"
	logx "drillbot/pkg/logx"
)

// Executor runs one session to completion.
type Executor interface {
	Execute(ctx context.Context, run session.Run, h *session.Handle) session.Report
}

// Options configure a Scheduler. Zero values get defaults.
type Options struct {
	Location *time.Location
	// Rollover fires the daily replan. Defaults to midnight.
	Rollover cron.Schedule
	// ShutdownGrace is how long Run waits for cancelled sessions to finish
	// cooperatively before aborting them.
	ShutdownGrace time.Duration

	Now   func() time.Time
	NewID func() string
	Rand  profile.Rand
}

const (
	defaultShutdownGrace = 10 * time.Second
	hardStopWait         = 5 * time.Second
	// The loop wakes at least this often so wall-clock jumps are noticed.
	maxIdleWait = time.Minute
)

type run struct {
	id        string
	profile   string
	at        time.Time
	cause     string
	state     RunState
	handle    *session.Handle
	cancelReq bool
	started   time.Time
	ended     time.Time
	outcome   string
	err       string
	tasks     int
	logPath   string
}

func (r *run) info() RunInfo {
	ri := RunInfo{
		ID:              r.id,
		Profile:         r.profile,
		At:              r.at,
		State:           r.state,
		Cause:           r.cause,
		CancelRequested: r.cancelReq,
		Outcome:         r.outcome,
		Error:           r.err,
		Tasks:           r.tasks,
		LogPath:         r.logPath,
	}
	if r.handle != nil && r.state == RunRunning {
		ri.Phase = r.handle.State().String()
		ri.Tasks = r.handle.Tasks()
		ri.LogPath = r.handle.LogPath()
	}
	if !r.started.IsZero() {
		t := r.started
		ri.StartedAt = &t
	}
	if !r.ended.IsZero() {
		t := r.ended
		ri.EndedAt = &t
	}
	return ri
}

type entry struct {
	p       profile.Profile
	pending []*run
	active  *run
	last    *run
	removed bool
}

func (e *entry) state() ProfileState {
	switch {
	case e.active != nil:
		return ProfileRunning
	case len(e.pending) > 0:
		return ProfileArmed
	default:
		return ProfileIdle
	}
}

func (e *entry) insert(r *run) {
	e.pending = append(e.pending, r)
	sort.SliceStable(e.pending, func(i, j int) bool { return e.pending[i].at.Before(e.pending[j].at) })
}

func (e *entry) take(id string) *run {
	for i, r := range e.pending {
		if r.id == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return r
		}
	}
	return nil
}

type finished struct {
	run *run
	rep session.Report
}

// Scheduler is the single owner of every profile's run timeline.
type Scheduler struct {
	exec   Executor
	notify session.Notifier
	bus    eventbus.Bus
	log    logx.Logger
	opts   Options

	cmds    chan func()
	done    chan finished
	stopped chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	profiles map[string]*entry
	day      time.Time
	nextRoll time.Time
	sup      *rtsup.Supervisor
}

// New returns a scheduler for profiles. Nothing is planned until Run.
func New(profiles map[string]profile.Profile, exec Executor, notify session.Notifier, bus eventbus.Bus, log logx.Logger, opts Options) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Rollover == nil {
		opts.Rollover, _ = cron.ParseStandard("0 0 * * *")
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Scheduler{
		exec:     exec,
		notify:   notify,
		bus:      bus,
		log:      log,
		opts:     opts,
		cmds:     make(chan func()),
		done:     make(chan finished),
		stopped:  make(chan struct{}),
		profiles: make(map[string]*entry, len(profiles)),
	}
	for name, p := range profiles {
		p.Name = name
		s.profiles[name] = &entry{p: p}
	}
	return s
}

func (s *Scheduler) now() time.Time { return s.opts.Now().In(s.opts.Location) }

// Run plans the remainder of today and serves commands until ctx is done.
// On shutdown every running session is cancelled and given ShutdownGrace to
// finish before its context is cancelled too.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler: already running")
	}
	defer close(s.stopped)

	runCtx, hardStop := context.WithCancel(context.WithoutCancel(ctx))
	defer hardStop()
	s.sup = rtsup.New(runCtx, rtsup.WithLogger(s.log))

	s.startDay(s.now())
	for {
		now := s.now()
		if !now.Before(s.nextRoll) {
			s.rollover(now)
		}
		s.dispatch(now)

		timer := time.NewTimer(s.untilNext(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.shutdown(hardStop)
			return nil
		case fn := <-s.cmds:
			fn()
		case f := <-s.done:
			s.complete(f)
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Scheduler) untilNext(now time.Time) time.Duration {
	next := s.nextRoll
	for _, e := range s.profiles {
		if e.active == nil && len(e.pending) > 0 && e.pending[0].at.Before(next) {
			next = e.pending[0].at
		}
	}
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	if d > maxIdleWait {
		return maxIdleWait
	}
	return d
}

func (s *Scheduler) names() []string {
	out := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) startDay(now time.Time) {
	s.day = now
	s.nextRoll = s.opts.Rollover.Next(now)

	planned := 0
	for _, name := range s.names() {
		if e := s.profiles[name]; !e.removed {
			planned += s.plan(e, now)
		}
	}
	s.log.Info("day planned",
		logx.String("day", now.Format(time.DateOnly)),
		logx.Int("runs", planned),
		logx.Time("next_rollover", s.nextRoll),
	)
	s.publish(eventbus.DayPlanned, map[string]any{"day": now.Format(time.DateOnly), "runs": planned})
}

// plan adds today's remaining runs for e and returns how many it added.
func (s *Scheduler) plan(e *entry, now time.Time) int {
	if !e.p.Enabled() {
		return 0
	}
	times, past := PlanDay(e.p, now, now, s.opts.Rand)
	if past {
		_, end := e.p.Window.Bounds(now)
		s.log.Info("past run window, nothing planned today", logx.String("profile", e.p.Name), logx.String("window", e.p.Window.String()))
		s.send(notifier.PastWindow(e.p.Name, end))
		return 0
	}
	for _, at := range times {
		r := &run{id: s.opts.NewID(), profile: e.p.Name, at: at, cause: CauseScheduled, state: RunPending}
		e.insert(r)
		s.announce(r, now)
	}
	return len(times)
}

func (s *Scheduler) announce(r *run, now time.Time) {
	s.log.Info("run planned",
		logx.String("profile", r.profile),
		logx.String("run_id", r.id),
		logx.String("cause", r.cause),
		logx.Time("at", r.at),
	)
	s.send(notifier.Scheduled(r.profile, r.at, now))
	s.publish(eventbus.RunPlanned, r.info())
}

// rollover drops scheduled runs left over from the previous day and plans
// the new one. Operator runs and runs already moved past now are kept.
func (s *Scheduler) rollover(now time.Time) {
	dropped := 0
	for _, e := range s.profiles {
		kept := e.pending[:0]
		for _, r := range e.pending {
			if r.cause == CauseScheduled && r.at.Before(now) {
				dropped++
				continue
			}
			kept = append(kept, r)
		}
		e.pending = kept
	}
	if dropped > 0 {
		s.log.Warn("dropping runs that did not start before rollover", logx.Int("runs", dropped))
	}
	s.startDay(now)
}

func (s *Scheduler) dispatch(now time.Time) {
	for _, name := range s.names() {
		e := s.profiles[name]
		if e.active != nil || len(e.pending) == 0 || e.pending[0].at.After(now) {
			continue
		}
		r := e.pending[0]
		e.pending = e.pending[1:]
		s.start(e, r, now)
	}
}

func (s *Scheduler) start(e *entry, r *run, now time.Time) {
	r.state = RunRunning
	r.started = now
	r.handle = session.NewHandle()
	e.active = r

	s.log.Info("run started", logx.String("profile", r.profile), logx.String("run_id", r.id), logx.String("cause", r.cause))
	s.publish(eventbus.RunStarted, r.info())

	spec := session.Run{ID: r.id, Cause: r.cause, Profile: e.p}
	h := r.handle
	s.sup.Go("run:"+r.id, func(ctx context.Context) error {
		rep := s.execute(ctx, spec, h)
		select {
		case s.done <- finished{run: r, rep: rep}:
		case <-s.stopped:
		}
		return nil
	})
}

func (s *Scheduler) execute(ctx context.Context, spec session.Run, h *session.Handle) (rep session.Report) {
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("session panicked", logx.String("profile", spec.Profile.Name), logx.String("run_id", spec.ID), logx.Any("panic", v), logx.Stack(string(debug.Stack())))
			rep = session.Report{
				RunID:   spec.ID,
				Profile: spec.Profile.Name,
				Cause:   spec.Cause,
				State:   session.Failed,
				Outcome: session.OutcomeFailed,
				Err:     fmt.Errorf("panic: %v", v),
				EndedAt: time.Now(),
			}
		}
	}()
	return s.exec.Execute(ctx, spec, h)
}

func (s *Scheduler) complete(f finished) {
	r, rep := f.run, f.rep
	r.ended = rep.EndedAt
	if r.ended.IsZero() {
		r.ended = s.now()
	}
	r.outcome = rep.Outcome
	r.tasks = rep.Tasks
	r.logPath = rep.LogPath
	if rep.Err != nil {
		r.err = rep.Err.Error()
	}
	// A cancelled running run ends Failed; Outcome carries the cancellation.
	if rep.State == session.Completed {
		r.state = RunCompleted
	} else {
		r.state = RunFailed
	}

	if e, ok := s.profiles[r.profile]; ok && e.active == r {
		e.active = nil
		e.last = r
		if e.removed && len(e.pending) == 0 {
			delete(s.profiles, r.profile)
		}
	}
	s.publish(eventbus.RunFinished, r.info())
}

func (s *Scheduler) activeCount() int {
	n := 0
	for _, e := range s.profiles {
		if e.active != nil {
			n++
		}
	}
	return n
}

func (s *Scheduler) shutdown(hardStop context.CancelFunc) {
	for _, e := range s.profiles {
		if e.active != nil {
			e.active.cancelReq = true
			e.active.handle.Cancel()
		}
	}
	if n := s.activeCount(); n > 0 {
		s.log.Info("waiting for running sessions", logx.Int("active", n), logx.Duration("grace", s.opts.ShutdownGrace))
	}

	grace := time.NewTimer(s.opts.ShutdownGrace)
	defer grace.Stop()
	graceC := grace.C
	var hard <-chan time.Time
	for s.activeCount() > 0 {
		select {
		case f := <-s.done:
			s.complete(f)
		case <-graceC:
			s.log.Warn("shutdown grace elapsed, aborting sessions", logx.Int("active", s.activeCount()))
			hardStop()
			graceC = nil
			hard = time.After(hardStopWait)
		case <-hard:
			s.log.Error("sessions did not stop", logx.Int("active", s.activeCount()))
			return
		}
	}
	hardStop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.sup.Stop(ctx)
}

func (s *Scheduler) send(m notifier.Message) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Notify(context.Background(), m); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		s.log.Warn("notify failed", logx.String("kind", string(m.Kind)), logx.String("profile", m.Profile), logx.Err(err))
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// call runs fn on the Run goroutine and returns its result.
func call[T any](ctx context.Context, s *Scheduler, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	reply := make(chan result, 1)
	cmd := func() {
		v, err := fn()
		reply <- result{v, err}
	}
	var zero T
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.v, res.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Scheduler) lookup(name string) (*entry, error) {
	e, ok := s.profiles[name]
	if !ok || e.removed {
		return nil, fmt.Errorf("%w: profile %q", ErrNotFound, name)
	}
	return e, nil
}

// Trigger creates an operator run due now. It starts immediately when the
// profile is idle and otherwise waits behind the running one.
func (s *Scheduler) Trigger(ctx context.Context, name string) (RunInfo, error) {
	return call(ctx, s, func() (RunInfo, error) {
		e, err := s.lookup(name)
		if err != nil {
			return RunInfo{}, err
		}
		if !e.p.Enabled() {
			return RunInfo{}, fmt.Errorf("%w: profile %q is disabled (runs = 0)", ErrNotFound, name)
		}
		now := s.now()
		r := &run{id: s.opts.NewID(), profile: name, at: now, cause: CauseOperator, state: RunPending}
		e.insert(r)
		s.announce(r, now)
		s.dispatch(now)
		return r.info(), nil
	})
}

// Reschedule moves a pending run to at. Running and unknown runs are
// ErrNotFound; a time in the past is ErrInvalidArgument.
func (s *Scheduler) Reschedule(ctx context.Context, name, runID string, at time.Time) (RunInfo, error) {
	return call(ctx, s, func() (RunInfo, error) {
		e, err := s.lookup(name)
		if err != nil {
			return RunInfo{}, err
		}
		now := s.now()
		if at.Before(now.Truncate(time.Second)) {
			return RunInfo{}, fmt.Errorf("%w: %s is in the past", ErrInvalidArgument, at.Format(time.RFC3339))
		}
		r := e.take(runID)
		if r == nil {
			return RunInfo{}, fmt.Errorf("%w: no pending run %q for profile %q", ErrNotFound, runID, name)
		}
		r.at = at.In(s.opts.Location)
		e.insert(r)
		s.announce(r, now)
		s.dispatch(now)
		return r.info(), nil
	})
}

// Cancel removes a pending run, or asks a running one to stop at its next
// suspension point.
func (s *Scheduler) Cancel(ctx context.Context, name, runID string) (RunInfo, error) {
	return call(ctx, s, func() (RunInfo, error) {
		e, err := s.lookup(name)
		if err != nil {
			return RunInfo{}, err
		}
		if r := e.take(runID); r != nil {
			r.state = RunCancelled
			r.ended = s.now()
			s.log.Info("run cancelled", logx.String("profile", name), logx.String("run_id", runID))
			s.send(notifier.Unscheduled(name, r.at))
			s.publish(eventbus.RunCancelled, r.info())
			return r.info(), nil
		}
		if r := e.active; r != nil && r.id == runID {
			r.cancelReq = true
			r.handle.Cancel()
			s.log.Info("cancel requested", logx.String("profile", name), logx.String("run_id", runID))
			s.publish(eventbus.RunCancelled, r.info())
			return r.info(), nil
		}
		return RunInfo{}, fmt.Errorf("%w: no pending or running run %q for profile %q", ErrNotFound, runID, name)
	})
}

// Reconcile applies a new profile set. Added profiles get the rest of today
// planned; removed profiles lose their pending runs while a running session
// finishes; changed profiles keep today's runs and use the new settings from
// the next run on.
func (s *Scheduler) Reconcile(ctx context.Context, profiles map[string]profile.Profile) (ReconcileResult, error) {
	return call(ctx, s, func() (ReconcileResult, error) {
		var res ReconcileResult
		now := s.now()

		names := make([]string, 0, len(profiles))
		for name := range profiles {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := profiles[name]
			p.Name = name
			e, ok := s.profiles[name]
			switch {
			case !ok:
				e = &entry{p: p}
				s.profiles[name] = e
				res.Added = append(res.Added, name)
				s.plan(e, now)
			case e.removed:
				e.removed = false
				e.p = p
				res.Added = append(res.Added, name)
				s.plan(e, now)
			case !reflect.DeepEqual(e.p, p):
				e.p = p
				res.Changed = append(res.Changed, name)
			}
		}

		for _, name := range s.names() {
			e := s.profiles[name]
			if _, ok := profiles[name]; ok || e.removed {
				continue
			}
			res.Removed = append(res.Removed, name)
			for _, r := range e.pending {
				r.state = RunCancelled
				s.publish(eventbus.RunCancelled, r.info())
			}
			res.Cancelled += len(e.pending)
			e.pending = nil
			if e.active == nil {
				delete(s.profiles, name)
			} else {
				e.removed = true
			}
		}

		if len(res.Added)+len(res.Removed)+len(res.Changed) > 0 {
			s.log.Info("profiles reconciled",
				logx.Any("added", res.Added),
				logx.Any("removed", res.Removed),
				logx.Any("changed", res.Changed),
				logx.Int("cancelled_pending", res.Cancelled),
			)
		}
		return res, nil
	})
}

// Status returns a snapshot of every profile, sorted by name.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	return call(ctx, s, func() (Status, error) {
		st := Status{
			Now:          s.now(),
			Day:          s.day.Format(time.DateOnly),
			NextRollover: s.nextRoll,
			Profiles:     make([]ProfileStatus, 0, len(s.profiles)),
		}
		for _, name := range s.names() {
			e := s.profiles[name]
			ps := ProfileStatus{
				Name:    name,
				State:   e.state(),
				Enabled: e.p.Enabled(),
				Window:  e.p.Window.String(),
				Runs:    e.p.Runs,
				Removed: e.removed,
				Pending: make([]RunInfo, 0, len(e.pending)),
			}
			for _, r := range e.pending {
				ps.Pending = append(ps.Pending, r.info())
			}
			if e.active != nil {
				ri := e.active.info()
				ps.Active = &ri
			}
			if e.last != nil {
				ri := e.last.info()
				ps.Last = &ri
			}
			st.Profiles = append(st.Profiles, ps)
		}
		return st, nil
	})
}
