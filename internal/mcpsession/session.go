// Package mcpsession implements component C3, the session core: the
// handshake, the outbound request registry, the inbound dispatcher and the
// event bus a host subscribes to for everything that isn't a direct
// response to a call it made.
package mcpsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/audit"
	"github.com/modelcontextprotocol/inspector-sub002/internal/history"
	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/metrics"
	"github.com/modelcontextprotocol/inspector-sub002/internal/transport"
	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// Event is a single host-observable occurrence that did not arrive as the
// direct result of a call the host made: a progress tick, a resource
// update, a list-changed notification, an unsolicited server notification,
// or a reverse-capability request the host must answer.
type Event struct {
	Kind   string
	Method string
	Params json.RawMessage
}

const (
	EventProgress           = "progress"
	EventResourceUpdated    = "resourceUpdated"
	EventToolsChanged       = "toolsChanged"
	EventResourcesChanged   = "resourcesChanged"
	EventPromptsChanged     = "promptsChanged"
	EventRootsChanged       = "rootsChanged"
	EventServerNotification = "serverNotification"
	EventSamplingRequest    = "samplingRequest"
	EventElicitationRequest = "elicitationRequest"
	EventRootsRequest       = "rootsRequest"
	EventCancelled          = "cancelled"
)

// defaultCallTimeout bounds every outbound request whose caller doesn't
// already supply a context deadline.
const defaultCallTimeout = 10 * time.Second

// errRPCConnectionClosed settles calls still pending when the session
// closes; Call turns it into ierrors.ErrConnectionClosed.
var errRPCConnectionClosed = &wire.RPCError{Code: wire.CodeInternalError, Message: "connection closed"}

// pending tracks one outstanding outbound request.
type pending struct {
	resolve func(result json.RawMessage, rpcErr *wire.RPCError)
	method  string
	started time.Time
}

// Session drives one MCP connection over a Transport: handshake, outbound
// call/response correlation, and dispatch of everything inbound that is
// not a response.
type Session struct {
	id        string
	transport transport.Transport
	ids       wire.IDAllocator

	clientInfo mcp.Implementation
	clientCaps mcp.ClientCapabilities

	messages *history.Buffer[history.Message]
	events   chan Event

	mu           sync.Mutex
	pendingCalls map[string]*pending
	serverInfo   *mcp.InitializeResult
	closed       bool

	// ReverseDispatch routes an inbound request the server sends us
	// (sampling/elicitation/roots) into the reverse-capability handlers in
	// internal/reverse. It is optional; if nil, such requests get
	// MethodNotFound.
	ReverseDispatch func(ctx context.Context, method string, params json.RawMessage) (result json.RawMessage, rpcErr *wire.RPCError)
}

// Options configures a new Session.
type Options struct {
	ClientInfo   mcp.Implementation
	ClientCaps   mcp.ClientCapabilities
	MessageBufSize int
	EventBufSize   int
}

// New constructs a Session bound to transport t. The session does not
// start exchanging frames until Start is called.
func New(t transport.Transport, opts Options) *Session {
	if opts.MessageBufSize <= 0 {
		opts.MessageBufSize = history.DefaultMessageBufferSize
	}
	if opts.EventBufSize <= 0 {
		opts.EventBufSize = 256
	}
	return &Session{
		id:           uuid.NewString(),
		transport:    t,
		clientInfo:   opts.ClientInfo,
		clientCaps:   opts.ClientCaps,
		messages:     history.New[history.Message]("session_messages", opts.MessageBufSize),
		events:       make(chan Event, opts.EventBufSize),
		pendingCalls: make(map[string]*pending),
	}
}

// ID returns the locally-assigned identifier for this session, used to
// scope log lines and metrics.
func (s *Session) ID() string { return s.id }

// Messages returns the ring buffer of every frame sent or received.
func (s *Session) Messages() *history.Buffer[history.Message] { return s.messages }

// Events returns the channel of host-observable occurrences.
func (s *Session) Events() <-chan Event { return s.events }

// Start opens the transport, performs the initialize handshake, and begins
// dispatching inbound frames in a background goroutine. It returns once the
// handshake completes or fails.
func (s *Session) Start(ctx context.Context) (*mcp.InitializeResult, error) {
	if err := s.transport.Open(ctx); err != nil {
		return nil, err
	}
	go s.dispatchLoop(context.WithoutCancel(ctx))

	res, err := s.Initialize(ctx)
	if err != nil {
		audit.LogFailure(audit.OpSessionConnect, s.id, "", err)
		return nil, err
	}
	if err := s.transport.Send(ctx, &wire.Frame{Method: "notifications/initialized"}); err != nil {
		audit.LogFailure(audit.OpSessionConnect, s.id, "", err)
		return nil, ierrors.Transport("session.initialized", err)
	}
	audit.LogSuccess(audit.OpSessionConnect, s.id, "")
	return res, nil
}

// Initialize performs the initialize request/response exchange.
func (s *Session) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := &mcp.InitializeParams{
		ProtocolVersion: "2025-06-18",
		ClientInfo:      &s.clientInfo,
		Capabilities:    &s.clientCaps,
	}
	var result mcp.InitializeResult
	if err := s.Call(ctx, "initialize", params, &result); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.serverInfo = &result
	s.mu.Unlock()
	return &result, nil
}

// ServerInfo returns the result of the initialize handshake, or nil if it
// has not completed.
func (s *Session) ServerInfo() *mcp.InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Call sends a request and blocks until its response arrives, ctx is
// cancelled, or the connection closes. result, if non-nil, receives the
// decoded result payload.
func (s *Session) Call(ctx context.Context, method string, params any, result any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	id := s.ids.Next()
	idKey := fmt.Sprintf("%d", id)

	done := make(chan struct{})
	var raw json.RawMessage
	var rpcErr *wire.RPCError

	p := &pending{
		method:  method,
		started: time.Now(),
		resolve: func(r json.RawMessage, e *wire.RPCError) {
			raw, rpcErr = r, e
			close(done)
		},
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ierrors.NotConnected(method)
	}
	s.pendingCalls[idKey] = p
	s.mu.Unlock()

	frame := &wire.Frame{ID: id, Method: method}
	var err error
	frame.Params, err = json.Marshal(params)
	if err != nil {
		s.removePending(idKey)
		return ierrors.ProtocolEncoding(method, err)
	}

	s.recordOutbound(id, method, frame.Params)

	if err := s.transport.Send(ctx, frame); err != nil {
		s.removePending(idKey)
		return ierrors.Transport(method, err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		s.removePending(idKey)
		reason := ctx.Err()
		if errors.Is(reason, context.DeadlineExceeded) {
			s.notifyCancelled(ctx, id, "timeout")
			return ierrors.Timeout(method)
		}
		s.notifyCancelled(ctx, id, reason.Error())
		return ierrors.Cancelled(method, reason.Error())
	case <-s.transport.Closed():
		s.removePending(idKey)
		return ierrors.ErrConnectionClosed
	}
	if rpcErr == errRPCConnectionClosed {
		return ierrors.ErrConnectionClosed
	}

	elapsed := time.Since(p.started)
	s.resolveMessageDuration(id, elapsed)

	if rpcErr != nil {
		outcome := "error"
		if rpcErr.Code == wire.CodeMethodNotFound {
			metrics.RequestDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
			return ierrors.MethodNotFound(method)
		}
		metrics.RequestDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
		return ierrors.ProtocolDecoding(method, rpcErr)
	}
	metrics.RequestDuration.WithLabelValues(method, "ok").Observe(elapsed.Seconds())

	if result != nil && raw != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return ierrors.ProtocolDecoding(method, err)
		}
	}
	return nil
}

// notifyCancelled tells the peer a request is being abandoned, on a context
// detached from the one that just expired so the notification itself isn't
// cancelled before it can be sent.
func (s *Session) notifyCancelled(ctx context.Context, id int64, reason string) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	params := map[string]any{"requestId": id, "reason": reason}
	if err := s.Notify(notifyCtx, "notifications/cancelled", params); err != nil {
		logger.Default().Warn("session: failed to send cancellation notification", "id", id, "error", err)
	}
}

func (s *Session) removePending(idKey string) {
	s.mu.Lock()
	delete(s.pendingCalls, idKey)
	s.mu.Unlock()
}

// Notify sends a one-way notification with no response expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return ierrors.ProtocolEncoding(method, err)
	}
	s.recordOutboundNotification(method, raw)
	if err := s.transport.Send(ctx, &wire.Frame{Method: method, Params: raw}); err != nil {
		return ierrors.Transport(method, err)
	}
	return nil
}

// Close tears down the transport and fails every outstanding call.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pendings := s.pendingCalls
	s.pendingCalls = make(map[string]*pending)
	s.mu.Unlock()

	for _, p := range pendings {
		p.resolve(nil, errRPCConnectionClosed)
	}
	audit.LogSuccess(audit.OpSessionDisconnect, s.id, "")
	return s.transport.Close()
}

func (s *Session) dispatchLoop(ctx context.Context) {
	for {
		select {
		case f, ok := <-s.transport.Frames():
			if !ok {
				s.handleClosed()
				return
			}
			s.handleFrame(ctx, f)
		case err := <-s.transport.Closed():
			if err != nil {
				logger.WithContext(logger.WithSession(ctx, s.id)).Error("transport closed with error", "error", err)
			}
			s.handleClosed()
			return
		}
	}
}

func (s *Session) handleClosed() {
	s.mu.Lock()
	s.closed = true
	pendings := s.pendingCalls
	s.pendingCalls = make(map[string]*pending)
	s.mu.Unlock()
	for _, p := range pendings {
		p.resolve(nil, errRPCConnectionClosed)
	}
	close(s.events)
}

func (s *Session) handleFrame(ctx context.Context, f *wire.Frame) {
	switch wire.Classify(f) {
	case wire.KindResponse, wire.KindErrorResponse:
		s.handleResponse(f)
	case wire.KindNotification:
		s.handleNotification(ctx, f)
	case wire.KindRequest:
		s.handleReverseRequest(ctx, f)
	default:
		logger.Default().Warn("session: dropping unclassifiable frame", "frame", f)
	}
}

func (s *Session) handleResponse(f *wire.Frame) {
	idKey := fmt.Sprintf("%v", f.ID)
	s.mu.Lock()
	p, ok := s.pendingCalls[idKey]
	if ok {
		delete(s.pendingCalls, idKey)
	}
	s.mu.Unlock()
	if !ok {
		logger.Default().Warn("session: response for unknown id", "id", f.ID)
		return
	}
	s.recordInboundResponse(f)
	p.resolve(f.Result, f.Error)
}

func (s *Session) handleNotification(ctx context.Context, f *wire.Frame) {
	s.recordInboundNotification(f)
	kind, ok := notificationEventKind[f.Method]
	if !ok {
		kind = EventServerNotification
	}
	s.emit(Event{Kind: kind, Method: f.Method, Params: f.Params})
}

var notificationEventKind = map[string]string{
	"notifications/progress":              EventProgress,
	"notifications/resources/updated":     EventResourceUpdated,
	"notifications/tools/list_changed":    EventToolsChanged,
	"notifications/resources/list_changed": EventResourcesChanged,
	"notifications/prompts/list_changed":  EventPromptsChanged,
	"notifications/roots/list_changed":    EventRootsChanged,
	"notifications/cancelled":             EventCancelled,
}

var reverseEventKind = map[string]string{
	"sampling/createMessage": EventSamplingRequest,
	"elicitation/create":     EventElicitationRequest,
	"roots/list":             EventRootsRequest,
}

func (s *Session) handleReverseRequest(ctx context.Context, f *wire.Frame) {
	s.recordInboundRequest(f)
	if kind, ok := reverseEventKind[f.Method]; ok {
		s.emit(Event{Kind: kind, Method: f.Method, Params: f.Params})
	}

	var result json.RawMessage
	var rpcErr *wire.RPCError
	if s.ReverseDispatch != nil {
		result, rpcErr = s.ReverseDispatch(ctx, f.Method, f.Params)
	} else {
		rpcErr = &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "method not found: " + f.Method}
	}

	raw, err := wire.EncodeResponse(f.ID, result, rpcErr)
	if err != nil {
		logger.Default().Error("session: failed to encode reverse response", "error", err)
		return
	}
	var respFrame wire.Frame
	if err := json.Unmarshal(raw, &respFrame); err != nil {
		logger.Default().Error("session: failed to re-decode reverse response", "error", err)
		return
	}
	if sendErr := s.transport.Send(ctx, &respFrame); sendErr != nil {
		logger.Default().Error("session: failed to send reverse response", "error", sendErr)
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		logger.Default().Warn("session: event channel full, dropping event", "kind", ev.Kind)
	}
}

func (s *Session) resolveMessageDuration(id int64, d time.Duration) {
	entries := s.messages.All()
	for i := len(entries) - 1; i >= 0; i-- {
		if fmt.Sprintf("%v", entries[i].ID) == fmt.Sprintf("%d", id) && entries[i].Kind == history.MessageKindRequest {
			entries[i].Resolve(d)
			return
		}
	}
}

func (s *Session) recordOutbound(id int64, method string, raw json.RawMessage) {
	s.messages.Append(history.Message{
		Timestamp: time.Now(),
		Direction: history.DirectionOutbound,
		Kind:      history.MessageKindRequest,
		Method:    method,
		ID:        id,
		Raw:       raw,
	})
}

func (s *Session) recordOutboundNotification(method string, raw json.RawMessage) {
	s.messages.Append(history.Message{
		Timestamp: time.Now(),
		Direction: history.DirectionOutbound,
		Kind:      history.MessageKindNotification,
		Method:    method,
		Raw:       raw,
	})
}

func (s *Session) recordInboundResponse(f *wire.Frame) {
	kind := history.MessageKindResponse
	if f.Error != nil {
		kind = history.MessageKindErrorResp
	}
	s.messages.Append(history.Message{
		Timestamp: time.Now(),
		Direction: history.DirectionInbound,
		Kind:      kind,
		ID:        f.ID,
		Raw:       f.Result,
	})
}

func (s *Session) recordInboundNotification(f *wire.Frame) {
	s.messages.Append(history.Message{
		Timestamp: time.Now(),
		Direction: history.DirectionInbound,
		Kind:      history.MessageKindNotification,
		Method:    f.Method,
		Raw:       f.Params,
	})
}

func (s *Session) recordInboundRequest(f *wire.Frame) {
	s.messages.Append(history.Message{
		Timestamp: time.Now(),
		Direction: history.DirectionInbound,
		Kind:      history.MessageKindRequest,
		Method:    f.Method,
		ID:        f.ID,
		Raw:       f.Params,
	})
}
