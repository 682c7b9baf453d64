package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"drillbot/internal/eventbus"
	logx "drillbot/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	fail  int
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("temporary")
	}
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:     true,
		Workers:     1,
		QueueSize:   8,
		RatePerSec:  1000,
		RetryMax:    2,
		RetryBase:   time.Millisecond,
		DedupWindow: time.Minute,
	}
}

func TestServiceDeliversWithRetryAndDedup(t *testing.T) {
	t.Parallel()

	snd := &recordingSender{fail: 1}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventSent)
	defer unsub()

	s := New(testConfig(), snd, logx.Nop(), bus)
	ctx := context.Background()
	s.Start(ctx)

	msg := Message{Kind: KindScheduled, Profile: "alice", Text: "hello"}
	if err := s.Notify(ctx, msg); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	// Duplicate within the window is suppressed.
	if err := s.Notify(ctx, msg); err != nil {
		t.Fatalf("Notify dup: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)

	if got := snd.sent(); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("sent = %v", got)
	}
	if h := s.History(); len(h) != 1 || h[0].Profile != "alice" {
		t.Fatalf("history = %+v", h)
	}
	select {
	case e := <-events:
		if ev, ok := e.Data.(NotificationEvent); !ok || ev.Kind != KindScheduled {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatalf("expected sent event")
	}
	if err := s.Notify(ctx, Message{Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Notify after stop = %v", err)
	}
}

func TestServiceDisabledLogsOnly(t *testing.T) {
	t.Parallel()

	snd := &recordingSender{}
	s := New(Config{}, snd, logx.Nop(), nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Message{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("Notify = %v, want ErrDisabled", err)
	}
	s.Stop(context.Background())
	if len(snd.sent()) != 0 {
		t.Fatalf("disabled notifier must not send")
	}
}

func TestWebhookSender(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	snd, err := NewSender(SinkConfig{Kind: "webhook", WebhookURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := snd.Send(context.Background(), "ping"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["content"] != "ping" {
		t.Fatalf("payload = %v", got)
	}

	missing := httptest.NewServer(http.NotFoundHandler())
	defer missing.Close()
	bad := &WebhookSender{URL: missing.URL, Client: missing.Client()}
	if err := bad.Send(context.Background(), "x"); err == nil {
		t.Fatalf("expected error on 404")
	}
}

func TestNewSenderValidates(t *testing.T) {
	t.Parallel()

	for _, cfg := range []SinkConfig{
		{Kind: "webhook"},
		{Kind: "telegram", Token: "t"},
		{Kind: "telegram", ChatID: 1},
		{Kind: "pigeon"},
	} {
		if _, err := NewSender(cfg, logx.Nop()); err == nil {
			t.Fatalf("NewSender(%+v) should fail", cfg)
		}
	}
	if s, err := NewSender(SinkConfig{}, logx.Nop()); err != nil {
		t.Fatalf("default sender: %v", err)
	} else if _, ok := s.(LogSender); !ok {
		t.Fatalf("default sender = %T", s)
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := Scheduled("alice", now.Add(2*time.Hour), now)
	if m.Kind != KindScheduled || !strings.Contains(m.Text, "Profile `alice` has been scheduled to run at 2024-05-01 14:00:00") || !strings.Contains(m.Text, "from now") {
		t.Fatalf("scheduled = %q", m.Text)
	}
	if m := PastWindow("bob", now); !strings.Contains(m.Text, "past the max start time 12:00:00") {
		t.Fatalf("past window = %q", m.Text)
	}

	tests := []struct {
		outcome string
		kind    Kind
		want    string
	}{
		{"completed", KindFinished, "has finished after 3m 7s (1,234 tasks)"},
		{"failed", KindCrashed, "has crashed after 3m 7s"},
		{"cancelled", KindCancelled, "has been cancelled after 3m 7s"},
	}
	for _, tc := range tests {
		m := Finished("alice", tc.outcome, 3*time.Minute+7*time.Second, 1234)
		if m.Kind != tc.kind || !strings.Contains(m.Text, tc.want) {
			t.Fatalf("%s: %+v", tc.outcome, m)
		}
	}

	if got := FormatElapsed(2*time.Hour + 5*time.Second); got != "2h 0m 5s" {
		t.Fatalf("FormatElapsed = %q", got)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 3)
	got := splitText(text, 5)
	if strings.Join(got, "") != text {
		t.Fatalf("chunks lost content: %q", got)
	}
	for _, c := range got {
		if len(c) > 5 {
			t.Fatalf("chunk %q over limit", c)
		}
	}
}
