// Package audit records the security- and lifecycle-relevant events a host
// embedding the inspector core may want a durable trail of: connects,
// disconnects, OAuth steps, and tool invocations. It is a thin wrapper
// over a dedicated slog logger so a host can route it to its own sink
// without touching the structured logs the rest of the core emits.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Operation names an auditable occurrence.
type Operation string

const (
	OpSessionConnect    Operation = "session.connect"
	OpSessionDisconnect Operation = "session.disconnect"
	OpToolCall          Operation = "tool.call"
	OpOAuthStep         Operation = "oauth.step"
	OpTaskCancel        Operation = "task.cancel"
	OpTaskStart         Operation = "task.start"
)

// Event is one audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Operation Operation              `json:"operation"`
	SessionID string                 `json:"session_id,omitempty"`
	ServerURL string                 `json:"server_url,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Logger writes Events to a dedicated slog logger, toggled by enabled.
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide audit logger, enabled by default and
// writing JSON lines to stdout.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New constructs a Logger writing JSON to stdout.
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler), enabled: enabled}
}

// SetEnabled toggles whether Log actually emits anything.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()
	if !enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.ServerURL != "" {
		attrs = append(attrs, slog.String("server_url", event.ServerURL))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}
	l.logger.Info("AUDIT", attrs...)
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op Operation, sessionID, serverURL string) {
	l.Log(&Event{Operation: op, SessionID: sessionID, ServerURL: serverURL, Success: true})
}

// LogFailure records a failed operation.
func (l *Logger) LogFailure(op Operation, sessionID, serverURL string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{Operation: op, SessionID: sessionID, ServerURL: serverURL, Success: false, Error: errMsg})
}

// Log records an audit event on the default logger.
func Log(event *Event) { Default().Log(event) }

// LogSuccess records a successful operation on the default logger.
func LogSuccess(op Operation, sessionID, serverURL string) {
	Default().LogSuccess(op, sessionID, serverURL)
}

// LogFailure records a failed operation on the default logger.
func LogFailure(op Operation, sessionID, serverURL string, err error) {
	Default().LogFailure(op, sessionID, serverURL, err)
}
