// Package logger provides the structured logger shared by every component
// of the inspector core.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

type contextKey string

const (
	// ContextKeyClientSessionID tags log lines with the owning Session's id.
	ContextKeyClientSessionID contextKey = "client_session_id"
	// ContextKeyServerURL tags log lines with the remote peer's address.
	ContextKeyServerURL contextKey = "server_url"
	// ContextKeyRequestID tags log lines with an outbound JSON-RPC request id.
	ContextKeyRequestID contextKey = "request_id"
)

var (
	mu      sync.Mutex
	slogger *slog.Logger
)

// Init installs the process-wide logger. If jsonOutput is true, records are
// emitted as JSON; otherwise a human-readable text handler is used. Init is
// safe to call more than once (e.g. once per test); the last call wins.
func Init(w io.Writer, level slog.Level, jsonOutput bool) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	slogger = slog.New(handler)
	mu.Unlock()
}

// Default returns the process logger, initializing a stderr text logger at
// Info level on first use.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slogger
}

// WithContext returns a logger annotated with whichever of the well-known
// context keys are present on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := Default()
	if v := ctx.Value(ContextKeyClientSessionID); v != nil {
		l = l.With("client_session_id", v)
	}
	if v := ctx.Value(ContextKeyServerURL); v != nil {
		l = l.With("server_url", v)
	}
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		l = l.With("request_id", v)
	}
	return l
}

// WithSession returns a copy of ctx tagged with a client session id, for use
// by callers that want every subsequent log line scoped to that session.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, ContextKeyClientSessionID, sessionID)
}

// WithServerURL returns a copy of ctx tagged with the peer's address.
func WithServerURL(ctx context.Context, url string) context.Context {
	return context.WithValue(ctx, ContextKeyServerURL, url)
}
