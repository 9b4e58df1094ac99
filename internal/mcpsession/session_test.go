package mcpsession

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// fakeTransport is an in-memory Transport double that echoes an
// initialize response and lets the test inject further frames.
type fakeTransport struct {
	frames chan *wire.Frame
	closed chan error
	sent   chan *wire.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan *wire.Frame, 16),
		closed: make(chan error, 1),
		sent:   make(chan *wire.Frame, 16),
	}
}

func (f *fakeTransport) Open(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, fr *wire.Frame) error {
	f.sent <- fr
	if fr.Method == "initialize" {
		result, _ := json.Marshal(mcp.InitializeResult{
			ProtocolVersion: "2025-06-18",
			ServerInfo:      &mcp.Implementation{Name: "fixture", Version: "0.0.1"},
		})
		f.frames <- &wire.Frame{ID: fr.ID, Result: result}
	}
	return nil
}

func (f *fakeTransport) Close() error {
	close(f.frames)
	return nil
}

func (f *fakeTransport) Frames() <-chan *wire.Frame { return f.frames }
func (f *fakeTransport) Closed() <-chan error       { return f.closed }

func TestSessionStartHandshake(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{ClientInfo: mcp.Implementation{Name: "test", Version: "0.1"}})

	res, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.ServerInfo.Name != "fixture" {
		t.Errorf("ServerInfo.Name = %q, want fixture", res.ServerInfo.Name)
	}

	select {
	case fr := <-ft.sent:
		if fr.Method != "initialize" {
			t.Errorf("expected initialize request to be sent first, got %q", fr.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initialize request")
	}

	select {
	case fr := <-ft.sent:
		if fr.Method != "notifications/initialized" {
			t.Errorf("expected initialized notification to follow, got %q", fr.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initialized notification")
	}
}

func TestSessionCallFailsOnCancelledContext(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Call(ctx, "tools/list", map[string]string{}, nil)
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
}

func TestSessionCallTimesOutAndNotifiesPeer(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := s.Call(ctx, "slow/op", nil, nil)
	if !ierrors.Is(err, ierrors.KindTimeout) {
		t.Fatalf("err = %v, want KindTimeout", err)
	}

	for {
		select {
		case fr := <-ft.sent:
			if fr.Method == "notifications/cancelled" {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for notifications/cancelled")
		}
	}
}

func TestSessionCloseFailsPendingCalls(t *testing.T) {
	ft := newFakeTransport()
	s := New(ft, Options{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Call(context.Background(), "slow/op", nil, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected call to fail after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for call to fail")
	}
}
