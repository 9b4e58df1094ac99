// inspectorctl is a small CLI host exercising the inspector client core
// end to end: it connects to a single MCP server over stdio, streamable
// HTTP, or SSE, lists its tools, and optionally invokes one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/audit"
	"github.com/modelcontextprotocol/inspector-sub002/internal/config"
	"github.com/modelcontextprotocol/inspector-sub002/internal/history"
	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/mcpsession"
	"github.com/modelcontextprotocol/inspector-sub002/internal/metrics"
	"github.com/modelcontextprotocol/inspector-sub002/internal/model"
	"github.com/modelcontextprotocol/inspector-sub002/internal/reverse"
	"github.com/modelcontextprotocol/inspector-sub002/internal/task"
	"github.com/modelcontextprotocol/inspector-sub002/internal/transport"
)

func main() {
	var (
		configDir   = flag.String("config-dir", "", "directory holding inspector.jsonc")
		kind        = flag.String("transport", "", "transport kind: stdio, sse, streamable-http (overrides config)")
		url         = flag.String("url", "", "server URL (sse / streamable-http, overrides config)")
		command     = flag.String("command", "", "child process command (stdio), space separated (overrides config)")
		callTool    = flag.String("call", "", "tool name to invoke after listing")
		callArgs    = flag.String("args", "{}", "JSON object of arguments for -call")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (overrides config)")
		jsonLogs    = flag.Bool("json-logs", false, "emit logs as JSON (overrides config)")
	)
	flag.Parse()

	cfg, err := config.LoadAll(*configDir)
	if err != nil {
		cfg = config.Default()
	}

	logFormat := cfg.Logging.Format == "json" || *jsonLogs
	logger.Init(os.Stderr, logLevel(cfg.Logging.Level), logFormat)
	log := logger.Default()
	audit.Default().SetEnabled(cfg.AuditEnabled)

	effectiveMetricsAddr := cfg.MetricsAddr
	if *metricsAddr != "" {
		effectiveMetricsAddr = *metricsAddr
	}
	if effectiveMetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(effectiveMetricsAddr, metrics.Handler()); err != nil {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	effectiveKind := cfg.Transport.Kind
	if effectiveKind == "streamable_http" {
		// inspector.jsonc spells this kind with an underscore.
		effectiveKind = string(transport.KindStreamableHTTP)
	}
	if *kind != "" {
		effectiveKind = *kind
	}
	if effectiveKind == "" {
		effectiveKind = "stdio"
	}
	effectiveURL := cfg.Transport.URL
	if *url != "" {
		effectiveURL = *url
	}
	effectiveCommand := cfg.Transport.Command
	if *command != "" {
		effectiveCommand = *command
	}

	t, err := buildTransport(effectiveKind, effectiveURL, effectiveCommand)
	if err != nil {
		log.Error("building transport", "error", err)
		os.Exit(1)
	}

	session := mcpsession.New(t, mcpsession.Options{
		ClientInfo: mcp.Implementation{Name: "inspectorctl", Version: "0.1.0"},
		ClientCaps: mcp.ClientCapabilities{},
	})

	handlers := reverse.NewHandlers()
	handlers.RootsProvider = func(ctx context.Context) []*mcp.Root {
		return nil
	}
	session.ReverseDispatch = handlers.Dispatch

	defer session.Close()

	tasks := task.New(session, task.Options{PollInterval: cfg.PollInterval(), TTL: cfg.TaskTTL()})
	tasks.Start()
	defer tasks.Stop()

	m := model.New(session)

	go logEvents(ctx, session, m, tasks)

	initResult, err := session.Start(ctx)
	if err != nil {
		log.Error("handshake failed", "error", err)
		os.Exit(1)
	}
	log.Info("connected", "server", initResult.ServerInfo.Name, "version", initResult.ServerInfo.Version)

	tools, err := m.ListAllTools(ctx)
	if err != nil {
		log.Error("tools/list failed", "error", err)
		os.Exit(1)
	}
	for _, tool := range tools {
		fmt.Printf("- %s: %s\n", tool.Name, tool.Description)
	}

	if *callTool != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(*callArgs), &args); err != nil {
			log.Error("parsing -args", "error", err)
			os.Exit(1)
		}

		var target *mcp.Tool
		for _, tool := range m.Tools() {
			if tool.Name == *callTool {
				target = tool
				break
			}
		}
		if target == nil {
			log.Error("unknown tool", "tool", *callTool)
			os.Exit(1)
		}

		tk, err := tasks.CallToolStream(ctx, target, args)
		if err != nil {
			log.Error("tool call failed", "tool", *callTool, "error", err)
			os.Exit(1)
		}
		res, err := tk.Wait(ctx)
		if err != nil {
			log.Error("tool call failed", "tool", *callTool, "error", err)
			os.Exit(1)
		}
		printResult(res)
	}
}

func printResult(res *mcp.CallToolResult) {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			fmt.Println(tc.Text)
		}
	}
	if res.IsError {
		os.Exit(1)
	}
}

func buildTransport(kind, url, command string) (transport.Transport, error) {
	stderrBuf := history.New[history.Stderr]("stdio_stderr", history.DefaultStderrBufferSize)
	fetchBuf := history.New[history.Fetch]("http_fetches", history.DefaultFetchBufferSize)

	switch transport.Kind(kind) {
	case transport.KindStdio:
		if command == "" {
			return nil, fmt.Errorf("-command is required for stdio transport")
		}
		return transport.NewStdio(transport.Descriptor{Command: strings.Fields(command)}, stderrBuf), nil
	case transport.KindSSE:
		if url == "" {
			return nil, fmt.Errorf("-url is required for sse transport")
		}
		return transport.NewSSE(url, transport.NoToken{}, fetchBuf), nil
	case transport.KindStreamableHTTP:
		if url == "" {
			return nil, fmt.Errorf("-url is required for streamable-http transport")
		}
		return transport.NewStreamableHTTP(url, transport.NoToken{}, fetchBuf), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// progressNotification is the shape of a notifications/progress payload,
// including the relatedTask correlation a task-based tool call attaches.
type progressNotification struct {
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
	Meta     struct {
		RelatedTask struct {
			TaskID string `json:"taskId"`
		} `json:"relatedTask"`
	} `json:"_meta"`
}

func logEvents(ctx context.Context, s *mcpsession.Session, m *model.Model, tasks *task.Controller) {
	log := logger.Default()
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			log.Info("event", "kind", ev.Kind, "method", ev.Method)
			handleEvent(ctx, ev, m, tasks)
		case <-ctx.Done():
			return
		case <-time.After(time.Minute):
			// Bounds each wait; ctx cancellation is already handled by the
			// ctx.Done case above.
		}
	}
}

func handleEvent(ctx context.Context, ev mcpsession.Event, m *model.Model, tasks *task.Controller) {
	log := logger.Default()
	switch ev.Kind {
	case mcpsession.EventToolsChanged:
		if _, err := m.ListAllTools(ctx); err != nil {
			log.Warn("refreshing tools after list_changed failed", "error", err)
		}
	case mcpsession.EventResourcesChanged:
		if err := m.RefreshResourcesAndTemplates(ctx); err != nil {
			log.Warn("refreshing resources after list_changed failed", "error", err)
		}
	case mcpsession.EventPromptsChanged:
		if _, err := m.ListAllPrompts(ctx); err != nil {
			log.Warn("refreshing prompts after list_changed failed", "error", err)
		}
	case mcpsession.EventProgress:
		var prog progressNotification
		if err := json.Unmarshal(ev.Params, &prog); err != nil {
			log.Warn("decoding progress notification failed", "error", err)
			return
		}
		if prog.Meta.RelatedTask.TaskID != "" {
			tasks.OnProgress(prog.Meta.RelatedTask.TaskID, prog.Progress, prog.Message)
		}
	}
}
