// Package transport implements the three interchangeable carriers of
// component C2: child-process stdio, server-sent events, and streamable
// HTTP. The SSE transport sends Last-Event-ID when it reconnects its
// stream; a streamable-HTTP event-stream response is read once and is not
// resumed after a network error.
//
// Every transport satisfies the same small interface (open/send/close plus
// two event streams), in the shape spec.md §4.2 prescribes. Framing,
// reconnection and bearer-token attachment are each transport's own
// responsibility; nothing here depends on a specific JSON-RPC engine, so
// the session core in internal/mcpsession can drive any of the three
// uniformly.
package transport

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// TokenSource supplies the bearer token to attach to outbound requests, if
// any. The OAuth state machine (C7) is the production implementation.
type TokenSource interface {
	// Token returns the current access token, or "" if none is available.
	Token() string
}

// NoToken is a TokenSource that never has a token.
type NoToken struct{}

func (NoToken) Token() string { return "" }

// Transport is the carrier abstraction every client session is built on.
type Transport interface {
	// Open establishes the underlying connection (spawns the child process,
	// opens the SSE stream, etc.) without yet exchanging any MCP frames.
	Open(ctx context.Context) error

	// Send writes one frame. Errors are reported synchronously.
	Send(ctx context.Context, f *wire.Frame) error

	// Close tears the transport down. It is idempotent.
	Close() error

	// Frames delivers every inbound frame in receive order. It is closed
	// when the transport closes.
	Frames() <-chan *wire.Frame

	// Closed delivers exactly one value (nil for a clean close, non-nil for
	// an error) when the transport has finished shutting down.
	Closed() <-chan error
}

// Descriptor is a serializable description of how to reach a peer, the
// kind of value a host's configuration layer produces (see
// internal/config) and hands to a transport constructor such as NewStdio.
type Descriptor struct {
	Kind    Kind
	Command []string          // stdio: argv[0], argv[1:]...
	Env     map[string]string // stdio: additional environment variables
	URL     string            // sse / streamable-http: server URL
}

// Kind names a transport implementation.
type Kind string

const (
	KindStdio         Kind = "stdio"
	KindSSE           Kind = "sse"
	KindStreamableHTTP Kind = "streamable-http"
)

// backoffSchedule is the exponential backoff ladder mandated for SSE
// reconnection: 100ms, 200ms, 400ms, 800ms, 1.6s, capped at 10s, six tries.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
	1600 * time.Millisecond,
	10 * time.Second,
}

const maxReconnectAttempts = 6

func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		attempt = len(backoffSchedule) - 1
	}
	return backoffSchedule[attempt]
}
