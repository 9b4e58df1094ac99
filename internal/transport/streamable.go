package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/inspector-sub002/internal/history"
	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// StreamableHTTP implements the "streamable HTTP" transport: every
// outbound frame is POSTed to the server URL; the response is either a
// single JSON body (one reply) or a text/event-stream body carrying zero
// or more frames before the request completes. The server may also assign
// an Mcp-Session-Id on the first response, which is then attached to every
// subsequent request.
type StreamableHTTP struct {
	url    string
	client *http.Client
	tokens TokenSource
	fetch  *history.Buffer[history.Fetch]

	mu        sync.Mutex
	sessionID string
	frames    chan *wire.Frame
	closed    chan error
	once      sync.Once
	wg        sync.WaitGroup
}

// NewStreamableHTTP constructs a StreamableHTTP transport. fetchBuf may be
// nil.
func NewStreamableHTTP(url string, tokens TokenSource, fetchBuf *history.Buffer[history.Fetch]) *StreamableHTTP {
	if tokens == nil {
		tokens = NoToken{}
	}
	return &StreamableHTTP{
		url:    url,
		client: &http.Client{},
		tokens: tokens,
		fetch:  fetchBuf,
		frames: make(chan *wire.Frame, 64),
		closed: make(chan error, 1),
	}
}

// Open is a no-op: streamable HTTP has no persistent connection to
// establish up front, only per-request round trips.
func (t *StreamableHTTP) Open(ctx context.Context) error { return nil }

func (t *StreamableHTTP) Send(ctx context.Context, f *wire.Frame) error {
	raw, err := encodeByKind(f)
	if err != nil {
		return ierrors.ProtocolEncoding("streamable.send", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(raw))
	if err != nil {
		return ierrors.Transport("streamable.send", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	if sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	if tok := t.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return ierrors.Transport("streamable.send", err)
	}

	if newSID := resp.Header.Get("Mcp-Session-Id"); newSID != "" {
		t.mu.Lock()
		t.sessionID = newSID
		t.mu.Unlock()
	}

	ct := resp.Header.Get("Content-Type")
	isEventStream := hasContentType(ct, "text/event-stream")
	t.recordFetch(req, resp, start, isEventStream)

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return ierrors.Transport("streamable.send", fmt.Errorf("server returned status %d", resp.StatusCode))
	}
	if resp.StatusCode == http.StatusAccepted {
		// Notification accepted, no body to read.
		resp.Body.Close()
		return nil
	}

	if isEventStream {
		t.wg.Add(1)
		go t.drainEventStream(resp)
		return nil
	}

	defer resp.Body.Close()
	if hasContentType(ct, "application/json") {
		var f wire.Frame
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return ierrors.ProtocolDecoding("streamable.send", err)
		}
		t.frames <- &f
	}
	return nil
}

func (t *StreamableHTTP) drainEventStream(resp *http.Response) {
	defer t.wg.Done()
	defer resp.Body.Close()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sc.Split(splitSSEBlocks)
	for sc.Scan() {
		_, data := parseSSELines(sc.Text())
		if data == "" {
			continue
		}
		f, err := wire.Decode([]byte(data))
		if err != nil {
			logger.Default().Warn("streamable: dropping malformed event", "error", err)
			continue
		}
		t.frames <- f
	}
}

func (t *StreamableHTTP) recordFetch(req *http.Request, resp *http.Response, start time.Time, eventStream bool) {
	if t.fetch == nil {
		return
	}
	t.fetch.Append(history.Fetch{
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

func (t *StreamableHTTP) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.mu.Unlock()
	if sid != "" {
		req, err := http.NewRequest(http.MethodDelete, t.url, nil)
		if err == nil {
			req.Header.Set("Mcp-Session-Id", sid)
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	go func() {
		t.wg.Wait()
		t.once.Do(func() {
			close(t.frames)
			t.closed <- nil
		})
	}()
	return nil
}

func (t *StreamableHTTP) Frames() <-chan *wire.Frame { return t.frames }
func (t *StreamableHTTP) Closed() <-chan error       { return t.closed }

func hasContentType(header, want string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == want
}
