package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	ActionLogin          = "auth.login"
	ActionBootstrap      = "auth.bootstrap"
	ActionLogout         = "auth.logout"
	ActionBecome         = "session.become"
	ActionChangePassword = "auth.change_password"

	OutcomeSuccess = "success"
	OutcomeFailure = "failed"
)

type Event struct {
	At        string `json:"at"`
	Actor     string `json:"actor"`
	Tenant    string `json:"tenant,omitempty"`
	Action    string `json:"action"`
	Target    string `json:"target,omitempty"`
	Outcome   string `json:"outcome"`
	RequestID string `json:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Logger appends events as JSON lines to a file. Without a file path,
// events go to the structured log instead.
type Logger struct {
	path    string
	log     *slog.Logger
	nowFunc func() time.Time
	mu      sync.Mutex
}

func NewLogger(path string, log *slog.Logger) *Logger {
	return &Logger{path: path, log: log, nowFunc: time.Now}
}

func (l *Logger) Record(e Event) error {
	if l == nil {
		return nil
	}
	if e.At == "" {
		e.At = l.nowFunc().UTC().Format(time.RFC3339)
	}
	if l.path == "" {
		if l.log != nil {
			l.log.LogAttrs(context.Background(), slog.LevelInfo, "audit",
				slog.String("actor", e.Actor),
				slog.String("tenant", e.Tenant),
				slog.String("action", e.Action),
				slog.String("target", e.Target),
				slog.String("outcome", e.Outcome),
				slog.String("request_id", e.RequestID),
				slog.String("detail", e.Detail),
			)
		}
		return nil
	}

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("mkdir audit log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write audit log entry: %w", err)
	}
	return nil
}
