package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelcontextprotocol/inspector-sub002/internal/history"
	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// SSE is the server-sent-events transport: outbound frames POST to the
// server URL, inbound frames arrive on a long-lived GET stream. Losing the
// GET stream triggers reconnection on the backoff ladder in
// backoffSchedule, capped at maxReconnectAttempts; exhausting the budget
// closes the transport with an ierrors.KindTransport error whose message
// reads "reconnect budget exhausted".
type SSE struct {
	url    string
	client *http.Client
	tokens TokenSource
	fetch  *history.Buffer[history.Fetch]

	reconnectLimiter *rate.Limiter

	mu         sync.Mutex
	lastEventID string
	frames     chan *wire.Frame
	closed     chan error
	cancel     context.CancelFunc
	once       sync.Once
}

// NewSSE constructs an SSE transport. fetchBuf may be nil.
func NewSSE(url string, tokens TokenSource, fetchBuf *history.Buffer[history.Fetch]) *SSE {
	if tokens == nil {
		tokens = NoToken{}
	}
	return &SSE{
		url:              url,
		client:           &http.Client{},
		tokens:           tokens,
		fetch:            fetchBuf,
		reconnectLimiter: rate.NewLimiter(rate.Every(time.Second), maxReconnectAttempts),
		frames:           make(chan *wire.Frame, 64),
		closed:           make(chan error, 1),
	}
}

func (s *SSE) Open(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.streamLoop(streamCtx)
	return nil
}

func (s *SSE) streamLoop(ctx context.Context) {
	attempt := 0
	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.finish(nil)
			return
		}
		if err == nil {
			// Clean EOF from the server: treat as a reconnect-worthy event,
			// not a terminal close.
			attempt = 0
			continue
		}
		if attempt >= maxReconnectAttempts {
			s.finish(ierrors.Transport("sse.reconnect", fmt.Errorf("reconnect budget exhausted: %w", err)))
			return
		}
		if !s.reconnectLimiter.Allow() {
			s.finish(ierrors.Transport("sse.reconnect", fmt.Errorf("reconnect budget exhausted: %w", err)))
			return
		}
		wait := backoffFor(attempt)
		attempt++
		logger.Default().Warn("sse: reconnecting", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.finish(nil)
			return
		}
	}
}

func (s *SSE) finish(err error) {
	close(s.frames)
	s.once.Do(func() { s.closed <- err })
}

func (s *SSE) connectOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	s.mu.Lock()
	lastID := s.lastEventID
	s.mu.Unlock()
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	if tok := s.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	s.recordFetch(req, resp, start, true)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sse stream returned status %d", resp.StatusCode)
	}

	return s.readEvents(resp.Body)
}

func (s *SSE) readEvents(body io.Reader) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sc.Split(splitSSEBlocks)
	for sc.Scan() {
		id, data := parseSSELines(sc.Text())
		if data == "" {
			continue
		}
		if id != "" {
			s.mu.Lock()
			s.lastEventID = id
			s.mu.Unlock()
		}
		f, err := wire.Decode([]byte(data))
		if err != nil {
			logger.Default().Warn("sse: dropping malformed event", "error", err)
			continue
		}
		s.frames <- f
	}
	return sc.Err()
}

// splitSSEBlocks is a bufio.SplitFunc that splits a byte stream on blank
// lines, the SSE event delimiter.
func splitSSEBlocks(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	if atEOF {
		return 0, nil, bufio.ErrFinalToken
	}
	return 0, nil, nil
}

func (s *SSE) recordFetch(req *http.Request, resp *http.Response, start time.Time, eventStream bool) {
	if s.fetch == nil {
		return
	}
	s.fetch.Append(history.Fetch{
		Timestamp:      start,
		URL:            req.URL.String(),
		Method:         req.Method,
		RequestHeader:  req.Header,
		StatusCode:     resp.StatusCode,
		ResponseHeader: resp.Header,
		Duration:       time.Since(start),
		WasEventStream: eventStream,
	})
}

func (s *SSE) Send(ctx context.Context, f *wire.Frame) error {
	raw, err := encodeByKind(f)
	if err != nil {
		return ierrors.ProtocolEncoding("sse.send", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return ierrors.Transport("sse.send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := s.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return ierrors.Transport("sse.send", err)
	}
	defer resp.Body.Close()
	s.recordFetch(req, resp, start, false)
	if resp.StatusCode >= 400 {
		return ierrors.Transport("sse.send", fmt.Errorf("server returned status %d", resp.StatusCode))
	}
	return nil
}

func (s *SSE) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *SSE) Frames() <-chan *wire.Frame { return s.frames }
func (s *SSE) Closed() <-chan error       { return s.closed }

// parseSSELines decodes one or more "data: ..." lines making up a single
// SSE event into its payload, joining multi-line data per the SSE spec.
func parseSSELines(block string) (id, data string) {
	var sb strings.Builder
	for _, line := range strings.Split(block, "\n") {
		switch {
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return id, sb.String()
}
