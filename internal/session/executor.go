package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"drillbot/internal/mistake"
	"drillbot/internal/notifier"
	"drillbot/internal/profile"
	"drillbot/internal/quiz"
	"drillbot/internal/storage"
	"drillbot/internal/vocab"
	logx "drillbot/pkg/logx"
)

// Rand is the random source for delays and answer decisions.
type Rand interface {
	Float64() float64
	Intn(n int) int
	Int63n(n int64) int64
}

// ClientFactory returns the quiz client to use for a profile.
type ClientFactory func(p profile.Profile) quiz.Client

// Notifier receives run outcome messages. Delivery failures are ignored.
type Notifier interface {
	Notify(ctx context.Context, m notifier.Message) error
}

// Options tune retries and make timing injectable.
type Options struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// RunDir enables per-run log files.
	RunDir string

	// Sleep replaces the real timer, mostly for tests. The executor still
	// checks the cancel flag before and after every call.
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
	NewRand func() Rand
}

// Run identifies one execution.
type Run struct {
	ID      string
	Cause   string
	Profile profile.Profile
}

// Report is the outcome of Execute.
type Report struct {
	RunID     string
	Profile   string
	Cause     string
	State     State
	Outcome   string
	Success   bool
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
	Sessions  int
	Tasks     int
	Mistakes  int
	LogPath   string
}

// Record converts r into its persisted form.
func (r Report) Record() storage.SessionRecord {
	rec := storage.SessionRecord{
		RunID:     r.RunID,
		Profile:   r.Profile,
		Cause:     r.Cause,
		StartedAt: r.StartedAt,
		EndedAt:   r.EndedAt,
		Success:   r.Success,
		Outcome:   r.Outcome,
		Tasks:     r.Tasks,
		Mistakes:  r.Mistakes,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

// Executor runs sessions. It is safe for concurrent use across profiles.
type Executor struct {
	clients ClientFactory
	store   storage.Store
	notify  Notifier
	log     logx.Logger
	opts    Options

	mu     sync.RWMutex
	runDir string
}

func NewExecutor(clients ClientFactory, store storage.Store, notify Notifier, log logx.Logger, opts Options) *Executor {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 2500 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 30 * time.Second
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewRand == nil {
		opts.NewRand = func() Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) }
	}
	return &Executor{clients: clients, store: store, notify: notify, log: log, opts: opts, runDir: opts.RunDir}
}

// SetRunDir changes the per-run log directory for runs started afterwards.
func (e *Executor) SetRunDir(dir string) {
	e.mu.Lock()
	e.runDir = dir
	e.mu.Unlock()
}

func (e *Executor) currentRunDir() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runDir
}

// runner carries the per-execution state.
type runner struct {
	e   *Executor
	h   *Handle
	p   profile.Profile
	rng Rand
	log logx.Logger

	sess     quiz.Session
	seen     map[int64]bool
	tasks    int
	mistakes int
}

// Execute performs run to completion. It never returns an error; the outcome
// is in the Report, which has already been persisted and announced.
func (e *Executor) Execute(ctx context.Context, run Run, h *Handle) Report {
	if h == nil {
		h = NewHandle()
	}
	rep := Report{RunID: run.ID, Profile: run.Profile.Name, Cause: run.Cause, StartedAt: e.opts.Now()}

	log := e.log.With(logx.String("profile", run.Profile.Name), logx.String("run", run.ID))
	rf, err := logx.OpenRunFile(e.currentRunDir(), run.Profile.Name, rep.StartedAt)
	if err != nil {
		log.Warn("run log file unavailable", logx.Err(err))
	}
	if rf != nil {
		rep.LogPath = rf.Path
		h.setLogPath(rf.Path)
		log = rf.Attach(log)
		defer rf.Close()
	}

	r := &runner{e: e, h: h, p: run.Profile, rng: e.opts.NewRand(), log: log, seen: map[int64]bool{}}
	log.Info("run starting", logx.String("cause", run.Cause), logx.Int("sessions", run.Profile.Sessions))

	h.setState(Starting)
	rep.Sessions, err = r.run(ctx)
	rep.Tasks, rep.Mistakes = r.tasks, r.mistakes
	rep.EndedAt = e.opts.Now()

	switch {
	case err == nil:
		rep.State, rep.Outcome, rep.Success = Completed, OutcomeCompleted, true
	case errors.Is(err, quiz.ErrUnavailable):
		rep.State, rep.Outcome = Completed, OutcomeUnavailable
		rep.Err = err
	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		rep.State, rep.Outcome = Failed, OutcomeCancelled
		rep.Err = ErrCancelled
	default:
		rep.State, rep.Outcome = Failed, OutcomeFailed
		rep.Err = err
	}
	h.setState(rep.State)

	fields := []logx.Field{
		logx.String("outcome", rep.Outcome),
		logx.Int("tasks", rep.Tasks),
		logx.Int("mistakes", rep.Mistakes),
		logx.Duration("elapsed", rep.EndedAt.Sub(rep.StartedAt)),
	}
	if rep.Err != nil {
		fields = append(fields, logx.Err(rep.Err))
	}
	if rep.State == Failed && rep.Outcome == OutcomeFailed {
		log.Error("run failed", fields...)
	} else {
		log.Info("run finished", fields...)
	}

	e.finish(ctx, rep, log)
	return rep
}

// finish persists and announces the outcome. It outlives ctx cancellation so
// a shutdown still records the run.
func (e *Executor) finish(ctx context.Context, rep Report, log logx.Logger) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := e.store.AppendSessionRecord(pctx, rep.Record()); err != nil {
		log.Warn("session record not saved", logx.Err(err))
	}
	global, per, err := e.store.SnapshotStatistics(pctx, rep.Profile, rep.EndedAt)
	if err != nil {
		log.Warn("statistics snapshot failed", logx.Err(err))
	} else {
		log.Info("statistics",
			logx.Int64("words", per.Words),
			logx.Int64("tasks", per.Tasks),
			logx.Int64("translations", per.Translations),
			logx.Int64("global_words", global.Words),
			logx.Int64("global_unique_translations", global.UniqueTranslations),
		)
	}
	if e.notify != nil {
		msg := notifier.Finished(rep.Profile, rep.Outcome, rep.EndedAt.Sub(rep.StartedAt), rep.Tasks)
		if err := e.notify.Notify(pctx, msg); err != nil && !errors.Is(err, notifier.ErrDisabled) {
			log.Warn("finish notification failed", logx.Err(err))
		}
	}
}

func (r *runner) run(ctx context.Context) (int, error) {
	client := r.e.clients(r.p)
	if client == nil {
		return 0, errors.New("no quiz client configured")
	}

	r.h.setState(Authenticating)
	if err := r.checkpoint(ctx); err != nil {
		return 0, err
	}
	// ErrAuth is not transient, so retry gives up on it immediately.
	err := r.retry(ctx, "login", func() error {
		var err error
		r.sess, err = client.Login(ctx, r.p.Credentials)
		return err
	})
	if err != nil {
		return 0, err
	}
	r.log.Debug("logged in")

	r.h.setState(InSession)
	done := 0
	for i := 0; i < r.p.Sessions; i++ {
		first := r.p.Delays.FirstSession
		if i > 0 {
			first = r.p.Delays.NextSession
		}
		if err = r.sleep(ctx, first); err != nil {
			break
		}
		if err = r.session(ctx); err != nil {
			break
		}
		done++
		r.log.Info("session completed", logx.Int("session", i+1), logx.Int("tasks", r.tasks))
	}

	r.h.setState(Ending)
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	if endErr := r.sess.End(ectx); endErr != nil {
		r.log.Warn("end session failed", logx.Err(endErr))
	}
	cancel()
	return done, err
}

// session answers tasks until the service ends the quiz session.
func (r *runner) session(ctx context.Context) error {
	for n := 0; ; n++ {
		if n > 0 && r.chance(r.p.DistractionChance) {
			r.log.Debug("distracted")
			if err := r.sleep(ctx, r.p.Delays.Distraction); err != nil {
				return err
			}
		}

		var task quiz.Task
		err := r.retry(ctx, "next task", func() error {
			var err error
			task, err = r.sess.NextTask(ctx)
			return err
		})
		if errors.Is(err, quiz.ErrEndOfSession) {
			return nil
		}
		if err != nil {
			return err
		}

		if task.IsMarketing() {
			r.log.Debug("skipping marketing task")
			if err := r.sleep(ctx, r.p.Delays.MarketingSkip); err != nil {
				return err
			}
			continue
		}
		if err := r.task(ctx, task); err != nil {
			return err
		}
	}
}

func (r *runner) task(ctx context.Context, task quiz.Task) error {
	translations := vocab.SplitTranslations(task.Translations)
	in := r.lookup(ctx, task, translations)

	if err := r.sleep(ctx, r.p.Delays.Initial); err != nil {
		return err
	}

	ans := mistake.Decide(in, r.p.Policy, r.rng)
	switch ans.Kind {
	case mistake.Blank:
		if err := r.sleep(ctx, r.p.Delays.GiveUp); err != nil {
			return err
		}
	case mistake.Lowercased, mistake.Synonym:
		if err := r.sleep(ctx, r.p.Delays.ExtraThink); err != nil {
			return err
		}
	}
	if err := r.wait(ctx, r.typing(ans.Text)); err != nil {
		return err
	}

	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	var res quiz.Result
	err := r.retry(ctx, "submit", func() error {
		var err error
		res, err = r.sess.Submit(ctx, task, ans.Text)
		return err
	})
	if err != nil {
		return err
	}

	r.tasks++
	r.h.tasks.Add(1)
	if ans.Kind.IsMistake() {
		r.mistakes++
	}
	r.record(ctx, task, res, translations)

	fields := []logx.Field{
		logx.Int64("item", task.ItemID),
		logx.String("answer", ans.Kind.String()),
		logx.String("grade", res.Grade.String()),
		logx.Int("exposure", in.Exposure),
	}
	if ans.Kind == mistake.Correct && res.Grade != quiz.Correct {
		r.log.Warn("correct answer was not accepted", append(fields, logx.String("submitted", ans.Text), logx.String("expected", res.ShownAnswer))...)
	} else {
		r.log.Debug("task answered", fields...)
	}

	return r.sleep(ctx, r.p.Delays.NextQuestion)
}

// lookup gathers the decision input. Storage failures degrade to an unknown
// item rather than failing the run.
func (r *runner) lookup(ctx context.Context, task quiz.Task, translations []string) mistake.Input {
	in := mistake.Input{Repeat: r.seen[task.ItemID]}

	item, err := r.e.store.GetItem(ctx, task.ItemID)
	switch {
	case err == nil:
		in.Canonical = item.ShownWord
	case !errors.Is(err, storage.ErrNotFound):
		r.log.Warn("item lookup failed", logx.Int64("item", task.ItemID), logx.Err(err))
	}

	exp, err := r.e.store.GetExposure(ctx, r.p.Name, task.ItemID)
	if err != nil {
		r.log.Warn("exposure lookup failed", logx.Int64("item", task.ItemID), logx.Err(err))
	}
	in.Exposure = exp.Count

	syn, err := r.e.store.FindSynonyms(ctx, r.p.Name, translations)
	if err != nil {
		r.log.Warn("synonym lookup failed", logx.Int64("item", task.ItemID), logx.Err(err))
	}
	for _, s := range syn {
		if s.ID != task.ItemID {
			in.Known = append(in.Known, s.ShownWord)
		}
	}
	return in
}

// record upserts the revealed item and counts the exposure, whatever the grade.
func (r *runner) record(ctx context.Context, task quiz.Task, res quiz.Result, translations []string) {
	id := res.ItemID
	if id == 0 {
		id = task.ItemID
	}
	r.seen[id] = true

	if res.Translations != "" {
		translations = vocab.SplitTranslations(res.Translations)
	}
	example := res.UsageExample
	if example == "" {
		example = task.UsageExample
	}
	item := vocab.Item{
		ID:           id,
		Word:         strings.TrimSpace(res.Word),
		ShownWord:    strings.TrimSpace(res.ShownAnswer),
		UsageExample: example,
		Translations: translations,
	}
	if item.Word == "" {
		item.Word = item.ShownWord
	}
	if item.Word != "" {
		if err := r.e.store.UpsertItem(ctx, item); err != nil {
			r.log.Warn("item not saved", logx.Int64("item", id), logx.Err(err))
		}
	}
	if err := r.e.store.IncrementExposure(ctx, r.p.Name, id, r.e.opts.Now()); err != nil {
		r.log.Warn("exposure not saved", logx.Int64("item", id), logx.Err(err))
	}
}

func (r *runner) typing(text string) time.Duration {
	var d time.Duration
	for i := utf8.RuneCountInString(text); i > 0; i-- {
		d += r.p.Delays.TypingPerChar.Draw(r.rng)
	}
	return d
}

func (r *runner) chance(p float64) bool {
	return p > 0 && r.rng.Float64() < p
}

// checkpoint is a suspension point without a delay.
func (r *runner) checkpoint(ctx context.Context) error {
	if r.h.Cancelled() {
		return ErrCancelled
	}
	return ctx.Err()
}

func (r *runner) sleep(ctx context.Context, rg profile.Range) error {
	return r.wait(ctx, rg.Draw(r.rng))
}

func (r *runner) wait(ctx context.Context, d time.Duration) error {
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	if r.e.opts.Sleep != nil {
		if err := r.e.opts.Sleep(ctx, d); err != nil {
			return err
		}
		return r.checkpoint(ctx)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.h.Done():
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs op, retrying transient failures with jittered exponential backoff.
func (r *runner) retry(ctx context.Context, what string, op func() error) error {
	backoff := r.e.opts.RetryBase
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !quiz.IsTransient(err) {
			return err
		}
		if attempt >= r.e.opts.RetryMax {
			return fmt.Errorf("%s: giving up after %d attempts: %w", what, attempt+1, err)
		}

		wait := backoff
		var ra quiz.RetryAfterError
		if errors.As(err, &ra) && ra.RetryAfter() > wait {
			wait = ra.RetryAfter()
		}
		if wait > r.e.opts.RetryMaxDelay {
			wait = r.e.opts.RetryMaxDelay
		}
		wait += time.Duration(r.rng.Int63n(int64(wait)/5 + 1))
		r.log.Warn("quiz call failed; retrying", logx.String("op", what), logx.Int("attempt", attempt+1), logx.Duration("backoff", wait), logx.Err(err))

		if err := r.wait(ctx, wait); err != nil {
			return err
		}
		backoff *= 2
		if backoff > r.e.opts.RetryMaxDelay {
			backoff = r.e.opts.RetryMaxDelay
		}
	}
}
