package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runFileTimeLayout = "2006-01-02_15-04-05"

// RunFile is an append-only JSON log file dedicated to a single run.
type RunFile struct {
	Path string

	mu sync.Mutex
	f  *os.File
}

// OpenRunFile creates <dir>/<timestamp>-<name>.log. An empty dir disables
// per-run files and returns (nil, nil); a nil *RunFile is safe to use.
func OpenRunFile(dir, name string, at time.Time) (*RunFile, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logx: create run dir: %w", err)
	}
	path := filepath.Join(dir, at.Format(runFileTimeLayout)+"-"+sanitizeName(name)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logx: open run file: %w", err)
	}
	return &RunFile{Path: path, f: f}, nil
}

func (r *RunFile) Write(p []byte) (int, error) {
	if r == nil {
		return len(p), nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return len(p), nil
	}
	return r.f.Write(p)
}

func (r *RunFile) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Attach returns log teed into r. A nil r returns log unchanged.
func (r *RunFile) Attach(log Logger) Logger {
	if r == nil {
		return log
	}
	return log.Tee(r)
}

func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "run"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
