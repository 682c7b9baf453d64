package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"

	"drillbot/internal/notifier"
	"drillbot/internal/scheduler"
	logx "drillbot/pkg/logx"
)

// Scheduler is the subset of *scheduler.Scheduler the server drives.
type Scheduler interface {
	Trigger(ctx context.Context, profile string) (scheduler.RunInfo, error)
	Reschedule(ctx context.Context, profile, runID string, at time.Time) (scheduler.RunInfo, error)
	Cancel(ctx context.Context, profile, runID string) (scheduler.RunInfo, error)
	Status(ctx context.Context) (scheduler.Status, error)
}

// Reloader re-reads the configuration file. A rejected file must leave the
// running configuration untouched and return an error wrapping config.ErrInvalid.
type Reloader interface {
	ReloadConfig(ctx context.Context) (ReloadResult, error)
}

type Notifier interface {
	Notify(ctx context.Context, m notifier.Message) error
}

type Options struct {
	SocketPath      string
	SocketMode      os.FileMode
	ReadTimeout     time.Duration
	MaxRequestBytes int64
	Location        *time.Location
	Now             func() time.Time
}

const (
	defaultReadTimeout     = 5 * time.Second
	defaultMaxRequestBytes = 64 << 10
	handleTimeout          = 30 * time.Second
)

type Server struct {
	sched  Scheduler
	reload Reloader
	notify Notifier
	log    logx.Logger
	opts   Options

	mu      sync.Mutex
	ln      net.Listener
	created string
	conns   sync.WaitGroup
}

func NewServer(sched Scheduler, reload Reloader, notify Notifier, log logx.Logger, opts Options) *Server {
	if opts.SocketMode == 0 {
		opts.SocketMode = 0o600
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = defaultMaxRequestBytes
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{sched: sched, reload: reload, notify: notify, log: log, opts: opts}
}

// Listen binds the control socket. A socket passed by systemd socket
// activation takes precedence over SocketPath.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	lns, err := activation.Listeners()
	if err != nil {
		s.log.Warn("socket activation unavailable", logx.Err(err))
	}
	for _, ln := range lns {
		if ln == nil {
			continue
		}
		if s.ln == nil {
			s.ln = ln
			s.log.Info("control socket inherited from systemd", logx.String("addr", ln.Addr().String()))
			continue
		}
		_ = ln.Close()
	}
	if s.ln != nil {
		return nil
	}

	path := s.opts.SocketPath
	if path == "" {
		return errors.New("control: socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("control: socket dir: %w", err)
	}
	if err := removeStale(path); err != nil {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, s.opts.SocketMode); err != nil {
		_ = ln.Close()
		return fmt.Errorf("control: chmod %s: %w", path, err)
	}
	s.ln = ln
	s.created = path
	s.log.Info("control socket listening", logx.String("path", path), logx.String("mode", fmt.Sprintf("%#o", s.opts.SocketMode)))
	return nil
}

// removeStale deletes a socket file left behind by a previous process. A
// socket that still accepts connections belongs to a live daemon.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("control: stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("control: %s exists and is not a socket", path)
	}
	if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
		_ = c.Close()
		return fmt.Errorf("control: %s is in use by another process", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is done, then closes the listener and
// waits for in-flight connections.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer s.cleanup()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
				s.log.Warn("control accept failed, retrying", logx.Err(err), logx.Duration("delay", tempDelay))
				time.Sleep(tempDelay)
				continue
			}
			s.conns.Wait()
			return fmt.Errorf("control: accept: %w", err)
		}
		tempDelay = 0
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	if s.created != "" {
		_ = os.Remove(s.created)
		s.created = ""
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("control handler panicked", logx.Any("panic", v))
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	data, err := io.ReadAll(io.LimitReader(conn, s.opts.MaxRequestBytes+1))
	var resp Response
	switch {
	case err != nil:
		s.log.Warn("control read failed", logx.Err(err))
		resp = errorResponse("", KindBadRequest, fmt.Errorf("read request: %w", err))
	case int64(len(data)) > s.opts.MaxRequestBytes:
		resp = errorResponse("", KindBadRequest, fmt.Errorf("request exceeds %d bytes", s.opts.MaxRequestBytes))
	default:
		req, err := DecodeRequest(data)
		if err != nil {
			resp = errorResponse("", KindBadRequest, fmt.Errorf("decode request: %w", err))
			break
		}
		hctx, cancel := context.WithTimeout(ctx, handleTimeout)
		resp = s.Handle(hctx, req)
		cancel()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.ReadTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Warn("control write failed", logx.Err(err))
	}
}

// Handle executes one request.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	log := s.log.With(logx.String("command", req.Command))
	if err := req.validate(); err != nil {
		log.Warn("control request rejected", logx.Err(err))
		return errorResponse(req.Nonce, KindBadRequest, err)
	}
	log.Info("control request", logx.String("profile", req.Profile), logx.String("run_id", req.RunID))

	result, err := s.dispatch(ctx, req)
	if err != nil {
		kind := errorKind(err)
		if kind == KindInternal {
			log.Error("control command failed", logx.Err(err))
		} else {
			log.Warn("control command failed", logx.String("kind", kind), logx.Err(err))
		}
		return errorResponse(req.Nonce, kind, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.Nonce, KindInternal, err)
	}
	return Response{Nonce: req.Nonce, Result: raw}
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case CmdTrigger:
		return s.sched.Trigger(ctx, req.Profile)
	case CmdCancel:
		return s.sched.Cancel(ctx, req.Profile, req.RunID)
	case CmdReschedule:
		at, err := ParseTime(req.NewTime, s.opts.Now().In(s.opts.Location))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", scheduler.ErrInvalidArgument, err)
		}
		return s.sched.Reschedule(ctx, req.Profile, req.RunID, at)
	case CmdStatus:
		return s.sched.Status(ctx)
	case CmdReloadConfig:
		if s.reload == nil {
			return nil, errors.New("config reload is not available")
		}
		return s.reload.ReloadConfig(ctx)
	case CmdPing:
		return PingResult{Pong: true, Time: s.opts.Now()}, nil
	case CmdNotify:
		if s.notify == nil {
			return NotifyResult{Reason: "notifier not configured"}, nil
		}
		err := s.notify.Notify(ctx, notifier.Message{Kind: notifier.KindAlert, Text: "Control message: " + req.Text})
		switch {
		case err == nil:
			return NotifyResult{Queued: true}, nil
		case errors.Is(err, notifier.ErrDisabled), errors.Is(err, notifier.ErrQueueFull), errors.Is(err, notifier.ErrStopped):
			return NotifyResult{Reason: err.Error()}, nil
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: unknown command %q", scheduler.ErrInvalidArgument, req.Command)
}

func errorResponse(nonce, kind string, err error) Response {
	return Response{Nonce: nonce, Error: &Error{Kind: kind, Message: err.Error()}}
}
