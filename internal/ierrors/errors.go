// Package ierrors defines the seven-kind error taxonomy the inspector core
// uses to classify every failure, and a sanitizer that strips sensitive
// substrings before an error crosses a host-observable boundary.
package ierrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error into one of the seven recovery paths described by
// the core's error handling design.
type Kind string

const (
	// KindTransport covers a broken connection, a non-2xx HTTP framing
	// response, or a child process that exited.
	KindTransport Kind = "transport"
	// KindProtocolEncoding covers an outbound message failing local schema
	// validation.
	KindProtocolEncoding Kind = "protocol_encoding"
	// KindProtocolDecoding covers an inbound message failing schema
	// validation.
	KindProtocolDecoding Kind = "protocol_decoding"
	// KindMethodNotFound covers a JSON-RPC -32601 response from the peer.
	KindMethodNotFound Kind = "method_not_found"
	// KindCancelled covers a caller-initiated cancel, a host-initiated
	// cancel, or disconnect.
	KindCancelled Kind = "cancelled"
	// KindTimeout covers a request exceeding its per-call or default
	// timeout.
	KindTimeout Kind = "timeout"
	// KindAuth covers an HTTP 401/403 on transport, or a failed token
	// exchange.
	KindAuth Kind = "auth"
)

// Error is the concrete error type returned across every component
// boundary in the core.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "tools/call"
	Err     error  // wrapped cause, may be nil
	Message string // human-readable detail
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, allowing
// callers to write errors.Is(err, &ierrors.Error{Kind: ierrors.KindTimeout})
// or errors.Is(err, ierrors.ErrConnectionClosed).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func newErr(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Message: fmt.Sprintf(format, args...)}
}

func Transport(op string, err error) *Error {
	return newErr(KindTransport, op, err, "%v", err)
}

func ProtocolEncoding(op string, err error) *Error {
	return newErr(KindProtocolEncoding, op, err, "%v", err)
}

func ProtocolDecoding(op string, err error) *Error {
	return newErr(KindProtocolDecoding, op, err, "%v", err)
}

func MethodNotFound(op string) *Error {
	return newErr(KindMethodNotFound, op, nil, "method not found")
}

func Cancelled(op, reason string) *Error {
	return newErr(KindCancelled, op, nil, "%s", reason)
}

func Timeout(op string) *Error {
	return newErr(KindTimeout, op, nil, "request exceeded its timeout")
}

func Auth(op string, err error) *Error {
	return newErr(KindAuth, op, err, "%v", err)
}

// NotConnected is returned for any operation issued before connect()
// completes.
func NotConnected(op string) *Error {
	return newErr(KindTransport, op, nil, "not connected")
}

// ErrConnectionClosed is returned to every outstanding caller when the
// session closes, and to every pending reverse-capability record settled by
// a queue Drain.
var ErrConnectionClosed = newErr(KindCancelled, "", nil, "connection closed")

// sensitivePatterns mirrors the substrings the source's sanitizer strips
// before surfacing an error to a host-observable boundary.
var sensitivePatterns = []string{
	"authorization", "bearer", "api_key", "apikey", "token", "secret",
	"password", "client_secret", "code_verifier",
}

// Sanitize returns an error safe to surface to a host/UI layer: any
// substring in sensitivePatterns causes the detail to be replaced with a
// generic message, while the original is preserved as the wrapped cause for
// local logging.
func Sanitize(err error, op string) error {
	if err == nil {
		return nil
	}
	lower := strings.ToLower(err.Error())
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return newErr(KindTransport, op, err, "operation failed: redacted")
		}
	}
	return err
}
