package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/goleak"

	"drillbot/internal/eventbus"
	"drillbot/internal/notifier"
	"drillbot/internal/profile"
	"drillbot/internal/session"
	logx "drillbot/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// fakeExec blocks every run until released through gate or cancelled.
type fakeExec struct {
	started chan string
	gate    chan struct{}

	mu         sync.Mutex
	running    map[string]int
	maxRunning map[string]int
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		started:    make(chan string, 16),
		gate:       make(chan struct{}),
		running:    map[string]int{},
		maxRunning: map[string]int{},
	}
}

func (f *fakeExec) Execute(ctx context.Context, run session.Run, h *session.Handle) session.Report {
	name := run.Profile.Name
	f.mu.Lock()
	f.running[name]++
	if f.running[name] > f.maxRunning[name] {
		f.maxRunning[name] = f.running[name]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running[name]--
		f.mu.Unlock()
	}()

	f.started <- run.ID
	rep := session.Report{RunID: run.ID, Profile: name, Cause: run.Cause, StartedAt: time.Now()}
	select {
	case <-f.gate:
		rep.State, rep.Outcome, rep.Success, rep.Tasks = session.Completed, session.OutcomeCompleted, true, 3
	case <-h.Done():
		rep.State, rep.Outcome, rep.Err = session.Failed, session.OutcomeCancelled, session.ErrCancelled
	case <-ctx.Done():
		rep.State, rep.Outcome, rep.Err = session.Failed, session.OutcomeCancelled, session.ErrCancelled
	}
	rep.EndedAt = time.Now()
	return rep
}

func (f *fakeExec) max(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxRunning[name]
}

func (f *fakeExec) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("no run started")
		return ""
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notifier.Message
}

func (r *recordingNotifier) Notify(_ context.Context, m notifier.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) kinds(profile string) []notifier.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifier.Kind
	for _, m := range r.msgs {
		if m.Profile == profile {
			out = append(out, m.Kind)
		}
	}
	return out
}

type fixture struct {
	s      *Scheduler
	exec   *fakeExec
	notify *recordingNotifier
	clock  *fakeClock
	bus    eventbus.Bus
	stop   func() error
}

var noon = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testProfile(t *testing.T, runs int, start, end string) profile.Profile {
	return profile.Profile{Runs: runs, Sessions: 1, Window: window(t, start, end)}
}

func startScheduler(t *testing.T, profiles map[string]profile.Profile) *fixture {
	t.Helper()
	var seq atomic.Int64
	f := &fixture{
		exec:   newFakeExec(),
		notify: &recordingNotifier{},
		clock:  &fakeClock{t: noon},
		bus:    eventbus.New(),
	}
	f.s = New(profiles, f.exec, f.notify, f.bus, logx.Nop(), Options{
		Location:      time.UTC,
		ShutdownGrace: time.Second,
		Now:           f.clock.Now,
		NewID:         func() string { return fmt.Sprintf("run-%d", seq.Add(1)) },
		Rand:          rand.New(rand.NewSource(1)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()
	var once sync.Once
	var runErr error
	f.stop = func() error {
		once.Do(func() {
			cancel()
			runErr = <-done
		})
		return runErr
	}
	t.Cleanup(func() { _ = f.stop() })
	return f
}

func (f *fixture) status(t *testing.T) Status {
	t.Helper()
	st, err := f.s.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

func (f *fixture) profile(t *testing.T, name string) ProfileStatus {
	t.Helper()
	ps, ok := f.status(t).Profile(name)
	if !ok {
		t.Fatalf("profile %q missing from status", name)
	}
	return ps
}

func (f *fixture) waitFor(t *testing.T, name string, cond func(ProfileStatus) bool) ProfileStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ps := f.profile(t, name)
		if cond(ps) {
			return ps
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met for %q: %+v", name, ps)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerPlansRemainderOfDay(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{
		"alice": testProfile(t, 1, "19:33", "21:35"),
		"bob":   testProfile(t, 0, "19:33", "21:35"),
		"carol": testProfile(t, 2, "08:00", "09:00"),
	})

	st := f.status(t)
	if st.Day != "2024-05-01" || !st.NextRollover.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day = %q, next rollover = %v", st.Day, st.NextRollover)
	}
	alice, _ := st.Profile("alice")
	if alice.State != ProfileArmed || len(alice.Pending) != 1 {
		t.Fatalf("alice = %+v", alice)
	}
	at := alice.Pending[0].At
	if at.Before(time.Date(2024, 5, 1, 19, 33, 0, 0, time.UTC)) || at.After(time.Date(2024, 5, 1, 21, 35, 0, 0, time.UTC)) {
		t.Fatalf("alice planned at %v", at)
	}
	if alice.Pending[0].Cause != CauseScheduled || alice.Pending[0].State != RunPending {
		t.Fatalf("pending run = %+v", alice.Pending[0])
	}

	bob, _ := st.Profile("bob")
	if bob.Enabled || bob.State != ProfileIdle || len(bob.Pending) != 0 {
		t.Fatalf("bob = %+v", bob)
	}
	carol, _ := st.Profile("carol")
	if carol.State != ProfileIdle || len(carol.Pending) != 0 {
		t.Fatalf("carol = %+v", carol)
	}

	if diff := cmp.Diff([]notifier.Kind{notifier.KindScheduled}, f.notify.kinds("alice")); diff != "" {
		t.Fatalf("alice notifications (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]notifier.Kind{notifier.KindPastWindow}, f.notify.kinds("carol")); diff != "" {
		t.Fatalf("carol notifications (-want +got):\n%s", diff)
	}
	if got := f.notify.kinds("bob"); len(got) != 0 {
		t.Fatalf("bob should not be notified, got %v", got)
	}
}

func TestCancelPendingThenTrigger(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()

	planned := f.profile(t, "alice").Pending[0]
	info, err := f.s.Cancel(ctx, "alice", planned.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if info.State != RunCancelled {
		t.Fatalf("cancelled run state = %q", info.State)
	}
	if ps := f.profile(t, "alice"); ps.State != ProfileIdle || len(ps.Pending) != 0 {
		t.Fatalf("after cancel = %+v", ps)
	}
	if _, err := f.s.Cancel(ctx, "alice", planned.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Cancel err = %v, want ErrNotFound", err)
	}

	info, err = f.s.Trigger(ctx, "alice")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if info.ID == planned.ID || info.Cause != CauseOperator || info.State != RunRunning {
		t.Fatalf("triggered run = %+v", info)
	}
	if id := f.exec.waitStarted(t); id != info.ID {
		t.Fatalf("started %q, want %q", id, info.ID)
	}

	f.exec.gate <- struct{}{}
	ps := f.waitFor(t, "alice", func(ps ProfileStatus) bool { return ps.Last != nil })
	if ps.State != ProfileIdle || ps.Last.State != RunCompleted || ps.Last.Outcome != session.OutcomeCompleted || ps.Last.Tasks != 3 {
		t.Fatalf("after completion = %+v, last = %+v", ps, ps.Last)
	}
}

func TestTriggerWhileRunningQueues(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 0, "19:33", "21:35")})
	ctx := context.Background()

	if _, err := f.s.Trigger(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger on disabled profile err = %v, want ErrNotFound", err)
	}
	if _, err := f.s.Trigger(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger on unknown profile err = %v, want ErrNotFound", err)
	}

	p := testProfile(t, 1, "19:33", "21:35")
	if _, err := f.s.Reconcile(ctx, map[string]profile.Profile{"alice": p}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	first, err := f.s.Trigger(ctx, "alice")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	f.exec.waitStarted(t)
	second, err := f.s.Trigger(ctx, "alice")
	if err != nil {
		t.Fatalf("second Trigger: %v", err)
	}
	if second.State != RunPending {
		t.Fatalf("second trigger state = %q, want pending", second.State)
	}

	ps := f.profile(t, "alice")
	if ps.State != ProfileRunning || ps.Active == nil || ps.Active.ID != first.ID {
		t.Fatalf("status = %+v", ps)
	}
	// A changed profile keeps today's plan, so only the operator run waits.
	if len(ps.Pending) != 1 || ps.Pending[0].ID != second.ID {
		t.Fatalf("pending = %+v, want only the second operator run", ps.Pending)
	}
	if _, err := f.s.Reschedule(ctx, "alice", first.ID, noon.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Reschedule running err = %v, want ErrNotFound", err)
	}

	f.exec.gate <- struct{}{}
	if id := f.exec.waitStarted(t); id != second.ID {
		t.Fatalf("started %q, want %q", id, second.ID)
	}
	f.exec.gate <- struct{}{}
	f.waitFor(t, "alice", func(ps ProfileStatus) bool { return ps.Active == nil && ps.Last != nil && ps.Last.ID == second.ID })
	if got := f.exec.max("alice"); got != 1 {
		t.Fatalf("max concurrent runs = %d, want 1", got)
	}
}

func TestReschedule(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()
	planned := f.profile(t, "alice").Pending[0]

	tests := []struct {
		name    string
		profile string
		id      string
		at      time.Time
		wantErr error
	}{
		{name: "past", profile: "alice", id: planned.ID, at: noon.Add(-time.Minute), wantErr: ErrInvalidArgument},
		{name: "unknown run", profile: "alice", id: "nope", at: noon.Add(time.Hour), wantErr: ErrNotFound},
		{name: "unknown profile", profile: "bob", id: planned.ID, at: noon.Add(time.Hour), wantErr: ErrNotFound},
	}
	for _, tc := range tests {
		if _, err := f.s.Reschedule(ctx, tc.profile, tc.id, tc.at); !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
		}
	}

	later := time.Date(2024, 5, 1, 22, 15, 0, 0, time.UTC)
	info, err := f.s.Reschedule(ctx, "alice", planned.ID, later)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if !info.At.Equal(later) || info.State != RunPending {
		t.Fatalf("rescheduled = %+v", info)
	}
	if ps := f.profile(t, "alice"); len(ps.Pending) != 1 || !ps.Pending[0].At.Equal(later) {
		t.Fatalf("pending = %+v", ps.Pending)
	}

	// Moving the run to now starts it.
	info, err = f.s.Reschedule(ctx, "alice", planned.ID, noon)
	if err != nil {
		t.Fatalf("Reschedule to now: %v", err)
	}
	if info.State != RunRunning {
		t.Fatalf("run due now should start, state = %q", info.State)
	}
	if id := f.exec.waitStarted(t); id != planned.ID {
		t.Fatalf("started %q, want %q", id, planned.ID)
	}
}

func TestCancelRunningRun(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()
	events, unsub := f.bus.Subscribe(16, eventbus.RunStarted, eventbus.RunFinished)
	defer unsub()

	run, err := f.s.Trigger(ctx, "alice")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	f.exec.waitStarted(t)

	info, err := f.s.Cancel(ctx, "alice", run.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !info.CancelRequested || info.State != RunRunning {
		t.Fatalf("cancel of running run = %+v", info)
	}

	ps := f.waitFor(t, "alice", func(ps ProfileStatus) bool { return ps.Last != nil })
	if ps.Last.State != RunFailed || ps.Last.Outcome != session.OutcomeCancelled || ps.Last.Error == "" {
		t.Fatalf("last run = %+v", ps.Last)
	}
	if len(ps.Pending) != 1 || ps.Pending[0].Cause != CauseScheduled {
		t.Fatalf("scheduled run should remain pending, got %+v", ps.Pending)
	}

	var got []string
	for len(got) < 2 {
		select {
		case e := <-events:
			got = append(got, e.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("events so far: %v", got)
		}
	}
	if diff := cmp.Diff([]string{eventbus.RunStarted, eventbus.RunFinished}, got); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	alice := testProfile(t, 1, "19:33", "21:35")
	f := startScheduler(t, map[string]profile.Profile{"alice": alice})
	ctx := context.Background()

	before := f.status(t)
	res, err := f.s.Reconcile(ctx, map[string]profile.Profile{"alice": alice})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff(ReconcileResult{}, res); diff != "" {
		t.Fatalf("no-op reconcile (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before, f.status(t), cmpopts.IgnoreFields(Status{}, "Now")); diff != "" {
		t.Fatalf("no-op reconcile changed status (-want +got):\n%s", diff)
	}

	changed := alice
	changed.Sessions = 3
	res, err = f.s.Reconcile(ctx, map[string]profile.Profile{
		"alice": changed,
		"dave":  testProfile(t, 2, "19:33", "21:35"),
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff(ReconcileResult{Added: []string{"dave"}, Changed: []string{"alice"}}, res); diff != "" {
		t.Fatalf("reconcile (-want +got):\n%s", diff)
	}
	if ps := f.profile(t, "dave"); len(ps.Pending) != 2 {
		t.Fatalf("dave = %+v", ps)
	}
	if ps := f.profile(t, "alice"); len(ps.Pending) != 1 || ps.Pending[0].ID != before.Profiles[0].Pending[0].ID {
		t.Fatalf("changed profile should keep today's runs, got %+v", ps.Pending)
	}

	res, err = f.s.Reconcile(ctx, map[string]profile.Profile{"dave": testProfile(t, 2, "19:33", "21:35")})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if diff := cmp.Diff(ReconcileResult{Removed: []string{"alice"}, Cancelled: 1}, res); diff != "" {
		t.Fatalf("remove (-want +got):\n%s", diff)
	}
	if _, ok := f.status(t).Profile("alice"); ok {
		t.Fatalf("removed idle profile should be gone")
	}
	if _, err := f.s.Trigger(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Trigger removed profile err = %v, want ErrNotFound", err)
	}
}

func TestRemovedProfileFinishesRunningSession(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()

	if _, err := f.s.Trigger(ctx, "alice"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	f.exec.waitStarted(t)
	if _, err := f.s.Reconcile(ctx, map[string]profile.Profile{}); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	ps := f.profile(t, "alice")
	if !ps.Removed || ps.Active == nil || len(ps.Pending) != 0 {
		t.Fatalf("removed running profile = %+v", ps)
	}

	f.exec.gate <- struct{}{}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := f.status(t).Profile("alice"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("removed profile still listed after its run finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRolloverReplansNextDay(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()
	old := f.profile(t, "alice").Pending[0]

	next := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	f.clock.Set(next)
	if _, err := call(ctx, f.s, func() (struct{}, error) {
		f.s.rollover(f.s.now())
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	st := f.status(t)
	if st.Day != "2024-05-02" || !st.NextRollover.Equal(next.AddDate(0, 0, 1)) {
		t.Fatalf("day = %q, next rollover = %v", st.Day, st.NextRollover)
	}
	ps, _ := st.Profile("alice")
	if len(ps.Pending) != 1 || ps.Pending[0].ID == old.ID {
		t.Fatalf("pending after rollover = %+v", ps.Pending)
	}
	if at := ps.Pending[0].At; at.Before(time.Date(2024, 5, 2, 19, 33, 0, 0, time.UTC)) || at.After(time.Date(2024, 5, 2, 21, 35, 0, 0, time.UTC)) {
		t.Fatalf("planned at %v", at)
	}
}

func TestRescheduledRunSurvivesRollover(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()
	moved := f.profile(t, "alice").Pending[0]

	tomorrow := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	if _, err := f.s.Reschedule(ctx, "alice", moved.ID, tomorrow); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	f.clock.Set(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))
	if _, err := call(ctx, f.s, func() (struct{}, error) {
		f.s.rollover(f.s.now())
		return struct{}{}, nil
	}); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	ps := f.profile(t, "alice")
	if len(ps.Pending) != 2 {
		t.Fatalf("pending after rollover = %+v, want moved run plus a new one", ps.Pending)
	}
	if got := ps.Pending[0]; got.ID != moved.ID || !got.At.Equal(tomorrow) || got.Cause != CauseScheduled {
		t.Fatalf("moved run after rollover = %+v", got)
	}
	if ps.Pending[1].ID == moved.ID {
		t.Fatalf("no run planned for the new day: %+v", ps.Pending)
	}
}

func TestShutdownCancelsRunningSessions(t *testing.T) {
	t.Parallel()

	f := startScheduler(t, map[string]profile.Profile{"alice": testProfile(t, 1, "19:33", "21:35")})
	ctx := context.Background()
	if _, err := f.s.Trigger(ctx, "alice"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	f.exec.waitStarted(t)

	start := time.Now()
	if err := f.stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("shutdown took %v, cooperative cancel should be immediate", elapsed)
	}
	if _, err := f.s.Status(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("Status after stop err = %v, want ErrStopped", err)
	}
	if err := f.s.Run(ctx); err == nil {
		t.Fatalf("second Run should fail")
	}
}
