// Package testutil provides an in-process fixture MCP server and a
// Transport bound to it over a net.Pipe, the shape golang-tools' own
// NewLocalTransport helper uses for its in-memory client/server tests.
package testutil

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// ToolHandler answers one tools/call invocation.
type ToolHandler func(args map[string]any) (*mcp.CallToolResult, error)

// FixtureServer is a minimal, hand-rolled MCP server driven entirely by
// registered handlers, for exercising the client core end to end without a
// real network dependency.
type FixtureServer struct {
	Implementation mcp.Implementation
	Tools          []*mcp.Tool
	ToolHandlers   map[string]ToolHandler
	PageSize       int // if >0, ListTools paginates by this many per page

	mu    sync.Mutex
	conn  net.Conn
	wlock sync.Mutex
}

// NewEchoFixture returns a FixtureServer exposing a single "echo" tool that
// returns its "text" argument, useful as a smoke-test peer.
func NewEchoFixture() *FixtureServer {
	return &FixtureServer{
		Implementation: mcp.Implementation{Name: "fixture-echo", Version: "0.0.1"},
		Tools: []*mcp.Tool{
			{Name: "echo", Description: "echoes its text argument"},
		},
		ToolHandlers: map[string]ToolHandler{
			"echo": func(args map[string]any) (*mcp.CallToolResult, error) {
				text, _ := args["text"].(string)
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
			},
		},
	}
}

// Pipe starts the fixture serving on one end of a net.Pipe and returns the
// other end as a net.Conn a transport.Transport adapter can speak
// newline-delimited JSON over.
func (fs *FixtureServer) Pipe(ctx context.Context) net.Conn {
	client, server := net.Pipe()
	fs.conn = server
	go fs.serve(ctx, server)
	return client
}

func (fs *FixtureServer) serve(ctx context.Context, conn net.Conn) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f wire.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		fs.handle(ctx, conn, &f)
	}
}

func (fs *FixtureServer) handle(ctx context.Context, conn net.Conn, f *wire.Frame) {
	if wire.Classify(f) != wire.KindRequest {
		return
	}
	var result any
	var rpcErr *wire.RPCError

	switch f.Method {
	case "initialize":
		result = &mcp.InitializeResult{
			ProtocolVersion: "2025-06-18",
			ServerInfo:      &fs.Implementation,
			Capabilities:    &mcp.ServerCapabilities{},
		}
	case "tools/list":
		result = fs.listTools(f.Params)
	case "tools/call":
		var params mcp.CallToolParams
		_ = json.Unmarshal(f.Params, &params)
		h, ok := fs.ToolHandlers[params.Name]
		if !ok {
			rpcErr = &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "unknown tool: " + params.Name}
			break
		}
		res, err := h(toMap(params.Arguments))
		if err != nil {
			rpcErr = &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
			break
		}
		result = res
	default:
		rpcErr = &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "method not found: " + f.Method}
	}

	raw, err := wire.EncodeResponse(f.ID, result, rpcErr)
	if err != nil {
		return
	}
	fs.write(conn, raw)
}

func (fs *FixtureServer) listTools(params json.RawMessage) *mcp.ListToolsResult {
	if fs.PageSize <= 0 || fs.PageSize >= len(fs.Tools) {
		return &mcp.ListToolsResult{Tools: fs.Tools}
	}
	var p mcp.ListToolsParams
	_ = json.Unmarshal(params, &p)
	start := 0
	if p.Cursor != "" {
		for i, t := range fs.Tools {
			if t.Name == p.Cursor {
				start = i
				break
			}
		}
	}
	end := start + fs.PageSize
	if end > len(fs.Tools) {
		end = len(fs.Tools)
	}
	res := &mcp.ListToolsResult{Tools: fs.Tools[start:end]}
	if end < len(fs.Tools) {
		res.NextCursor = fs.Tools[end].Name
	}
	return res
}

func (fs *FixtureServer) write(conn net.Conn, raw []byte) {
	fs.wlock.Lock()
	defer fs.wlock.Unlock()
	_, _ = conn.Write(append(raw, '\n'))
}

func toMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
