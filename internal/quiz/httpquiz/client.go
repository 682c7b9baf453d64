// Package httpquiz binds the quiz contract to a JSON-over-HTTP service.
//
// Endpoints (relative to the base URL):
//
//	POST /api/login                     {"username","password"} -> {"session_id"}
//	POST /api/sessions/{id}/next        -> task, 204 at end of session, 409 when no session is available
//	POST /api/sessions/{id}/answers     {"id","answer"} -> result
//	POST /api/sessions/{id}/end
package httpquiz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"drillbot/internal/quiz"
)

const DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:106.0) Gecko/20100101 Firefox/106.0"

// Options configures a Client.
type Options struct {
	BaseURL        string
	UserAgent      string
	Timeout        time.Duration
	RequestsPerSec float64
	HTTPClient     *http.Client
}

// Client implements quiz.Client.
type Client struct {
	base    *url.URL
	ua      string
	http    *http.Client
	limiter *rate.Limiter
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("httpquiz: base url is required")
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("httpquiz: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpquiz: unsupported scheme %q", u.Scheme)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = DefaultUserAgent
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	return &Client{base: u, ua: ua, http: hc, limiter: lim}, nil
}

// WithProfile returns a client sharing the limiter but using a profile's
// user agent and timeout.
func (c *Client) WithProfile(userAgent string, timeout time.Duration) *Client {
	cp := *c
	if ua := strings.TrimSpace(userAgent); ua != "" {
		cp.ua = ua
	}
	if timeout > 0 {
		hc := *c.http
		hc.Timeout = timeout
		cp.http = &hc
	}
	return &cp
}

func (c *Client) Login(ctx context.Context, cred quiz.Credentials) (quiz.Session, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	status, err := c.post(ctx, "/api/login", map[string]string{
		"username": cred.Username,
		"password": cred.Password,
	}, &out)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, quiz.ErrAuth
	case status != http.StatusOK:
		return nil, fmt.Errorf("httpquiz: login: unexpected status %d", status)
	case strings.TrimSpace(out.SessionID) == "":
		return nil, fmt.Errorf("%w: empty session id", quiz.ErrAuth)
	}
	return &session{c: c, id: out.SessionID}, nil
}

type session struct {
	c  *Client
	id string
}

func (s *session) path(suffix string) string {
	return "/api/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *session) NextTask(ctx context.Context) (quiz.Task, error) {
	var t quiz.Task
	status, err := s.c.post(ctx, s.path("/next"), struct{}{}, &t)
	if err != nil {
		return quiz.Task{}, err
	}
	switch status {
	case http.StatusOK:
		if t.ItemID == 0 && !t.IsMarketing() {
			return quiz.Task{}, quiz.ErrEndOfSession
		}
		if t.Kind == "" {
			t.Kind = quiz.KindWord
		}
		return t, nil
	case http.StatusNoContent:
		return quiz.Task{}, quiz.ErrEndOfSession
	case http.StatusConflict, http.StatusGone:
		return quiz.Task{}, quiz.ErrUnavailable
	case http.StatusUnauthorized:
		return quiz.Task{}, quiz.ErrAuth
	default:
		return quiz.Task{}, fmt.Errorf("httpquiz: next task: unexpected status %d", status)
	}
}

func (s *session) Submit(ctx context.Context, task quiz.Task, answer string) (quiz.Result, error) {
	var r quiz.Result
	status, err := s.c.post(ctx, s.path("/answers"), map[string]any{
		"id":     task.ItemID,
		"answer": answer,
	}, &r)
	if err != nil {
		return quiz.Result{}, err
	}
	switch status {
	case http.StatusOK:
		if r.ItemID == 0 {
			r.ItemID = task.ItemID
		}
		return r, nil
	case http.StatusUnauthorized:
		return quiz.Result{}, quiz.ErrAuth
	default:
		return quiz.Result{}, fmt.Errorf("httpquiz: submit: unexpected status %d", status)
	}
}

func (s *session) End(ctx context.Context) error {
	status, err := s.c.post(ctx, s.path("/end"), struct{}{}, nil)
	if err != nil {
		return err
	}
	if status >= 300 && status != http.StatusUnauthorized {
		return fmt.Errorf("httpquiz: end: unexpected status %d", status)
	}
	return nil
}

// post sends a JSON body and decodes a JSON reply into out on 200.
// Network errors, 5xx, 429 and empty 200 replies come back as transient errors.
func (c *Client) post(ctx context.Context, path string, body any, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	b, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("httpquiz: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("httpquiz: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.ua)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, quiz.Transient(fmt.Errorf("httpquiz: %s: %w", path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, quiz.Transient(fmt.Errorf("httpquiz: %s: read body: %w", path, err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return resp.StatusCode, quiz.RetryAfter(fmt.Errorf("httpquiz: %s: status %d", path, resp.StatusCode), parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return resp.StatusCode, quiz.Transient(fmt.Errorf("httpquiz: %s: status %d", path, resp.StatusCode))
	case resp.StatusCode == http.StatusOK && out != nil:
		if len(bytes.TrimSpace(data)) == 0 {
			return resp.StatusCode, quiz.Transient(fmt.Errorf("httpquiz: %s: empty response", path))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("httpquiz: %s: decode response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
