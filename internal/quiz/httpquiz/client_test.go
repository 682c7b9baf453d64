package httpquiz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"drillbot/internal/quiz"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestLoginAndTaskFlow(t *testing.T) {
	t.Parallel()

	var nexts atomic.Int32
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"session_id":"s1"}`))
		case "/api/sessions/s1/next":
			if nexts.Add(1) > 1 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			_, _ = w.Write([]byte(`{"id":12,"type":"word","usage_example":"A big ___.","translations":"dom, budynek"}`))
		case "/api/sessions/s1/answers":
			var body struct {
				ID     int64  `json:"id"`
				Answer string `json:"answer"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			grade := 0
			if body.Answer == "house" {
				grade = 1
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": body.ID, "word": "house", "shown_answer": "house", "grade": grade,
			})
		case "/api/sessions/s1/end":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	if _, err := c.Login(ctx, quiz.Credentials{Username: "u", Password: "bad"}); !errors.Is(err, quiz.ErrAuth) {
		t.Fatalf("bad login err = %v, want ErrAuth", err)
	}
	s, err := c.Login(ctx, quiz.Credentials{Username: "u", Password: "pw"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	task, err := s.NextTask(ctx)
	if err != nil {
		t.Fatalf("NextTask: %v", err)
	}
	if task.ItemID != 12 || task.Kind != quiz.KindWord || task.Translations != "dom, budynek" {
		t.Fatalf("unexpected task: %+v", task)
	}
	res, err := s.Submit(ctx, task, "house")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Grade != quiz.Correct || res.Word != "house" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := s.NextTask(ctx); !errors.Is(err, quiz.ErrEndOfSession) {
		t.Fatalf("second NextTask err = %v, want ErrEndOfSession", err)
	}
	if err := s.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestTransientClassification(t *testing.T) {
	t.Parallel()

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			_, _ = w.Write([]byte(`{"session_id":"s"}`))
		case "/api/sessions/s/next":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/api/sessions/s/answers":
			w.WriteHeader(http.StatusBadGateway)
		case "/api/sessions/s/end":
			w.WriteHeader(http.StatusConflict)
		}
	})

	ctx := context.Background()
	s, err := c.Login(ctx, quiz.Credentials{Username: "u", Password: "p"})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err = s.NextTask(ctx)
	var ra quiz.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 3*time.Second || !quiz.IsTransient(err) {
		t.Fatalf("NextTask err = %v, want retry-after 3s", err)
	}
	if _, err := s.Submit(ctx, quiz.Task{ItemID: 1}, "x"); !quiz.IsTransient(err) {
		t.Fatalf("Submit err = %v, want transient", err)
	}
	if err := s.End(ctx); err == nil || quiz.IsTransient(err) {
		t.Fatalf("End err = %v, want permanent error", err)
	}
}

func TestUnavailableSession(t *testing.T) {
	t.Parallel()

	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" {
			_, _ = w.Write([]byte(`{"session_id":"s"}`))
			return
		}
		w.WriteHeader(http.StatusConflict)
	})
	s, err := c.Login(context.Background(), quiz.Credentials{})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := s.NextTask(context.Background()); !errors.Is(err, quiz.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://x", "://"} {
		if _, err := New(Options{BaseURL: raw}); err == nil {
			t.Fatalf("New(%q) should fail", raw)
		}
	}
}
