package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/mcpsession"
)

func TestFixtureEchoToolEndToEnd(t *testing.T) {
	fs := NewEchoFixture()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := fs.Pipe(ctx)
	transport := NewPipeTransport(conn)

	session := mcpsession.New(transport, mcpsession.Options{
		ClientInfo: mcp.Implementation{Name: "test-client", Version: "0.0.1"},
	})
	defer session.Close()

	if _, err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var res mcp.ListToolsResult
	if err := session.Call(ctx, "tools/list", &mcp.ListToolsParams{}, &res); err != nil {
		t.Fatalf("tools/list: %v", err)
	}
	if len(res.Tools) != 1 || res.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tool list: %+v", res.Tools)
	}

	var callRes mcp.CallToolResult
	err := session.Call(ctx, "tools/call", &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	}, &callRes)
	if err != nil {
		t.Fatalf("tools/call: %v", err)
	}
	text, ok := callRes.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "hello" {
		t.Fatalf("unexpected call result: %+v", callRes.Content)
	}
}

func TestFixturePaginatedToolList(t *testing.T) {
	fs := NewEchoFixture()
	fs.Tools = []*mcp.Tool{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	fs.PageSize = 2

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := fs.Pipe(ctx)
	transport := NewPipeTransport(conn)
	session := mcpsession.New(transport, mcpsession.Options{ClientInfo: mcp.Implementation{Name: "t", Version: "0"}})
	defer session.Close()

	if _, err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var page1 mcp.ListToolsResult
	if err := session.Call(ctx, "tools/list", &mcp.ListToolsParams{}, &page1); err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1.Tools) != 2 || page1.NextCursor == "" {
		t.Fatalf("expected a partial first page with a cursor, got %+v", page1)
	}

	var page2 mcp.ListToolsResult
	if err := session.Call(ctx, "tools/list", &mcp.ListToolsParams{Cursor: page1.NextCursor}, &page2); err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2.Tools) != 1 || page2.NextCursor != "" {
		t.Fatalf("expected final page with no cursor, got %+v", page2)
	}
}
