package model

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
)

type fakeCaller struct {
	calls   int
	replies map[string]any
	errs    map[string]error
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any, result any) error {
	f.calls++
	if err, ok := f.errs[method]; ok {
		return err
	}
	reply, ok := f.replies[method]
	if !ok {
		return nil
	}
	raw, _ := json.Marshal(reply)
	if result != nil {
		return json.Unmarshal(raw, result)
	}
	return nil
}

func TestReadResourceCaches(t *testing.T) {
	fc := &fakeCaller{replies: map[string]any{
		"resources/read": mcp.ReadResourceResult{},
	}}
	m := New(fc)

	if _, err := m.ReadResource(context.Background(), "file:///a"); err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if _, err := m.ReadResource(context.Background(), "file:///a"); err != nil {
		t.Fatalf("ReadResource (cached): %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1 (second call should hit cache)", fc.calls)
	}
}

func TestReconcileResourcesDropsStaleCacheEntries(t *testing.T) {
	fc := &fakeCaller{replies: map[string]any{
		"resources/read": mcp.ReadResourceResult{},
		"resources/list": mcp.ListResourcesResult{},
	}}
	m := New(fc)
	if _, err := m.ReadResource(context.Background(), "file:///stale"); err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if _, ok := m.resourceCache.get("file:///stale"); !ok {
		t.Fatal("expected cache entry before reconcile")
	}

	if _, err := m.ListAllResources(context.Background()); err != nil {
		t.Fatalf("ListAllResources: %v", err)
	}
	if _, ok := m.resourceCache.get("file:///stale"); ok {
		t.Error("expected stale cache entry to be evicted after list refresh dropped it")
	}
}

func TestCallToolRejectsArgsMissingRequiredField(t *testing.T) {
	echoSchema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"message"},
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string"},
		},
	}
	fc := &fakeCaller{replies: map[string]any{
		"tools/list": mcp.ListToolsResult{Tools: []*mcp.Tool{
			{Name: "echo", InputSchema: echoSchema},
		}},
	}}
	m := New(fc)
	if _, err := m.ListAllTools(context.Background()); err != nil {
		t.Fatalf("ListAllTools: %v", err)
	}

	if _, err := m.CallTool(context.Background(), "echo:{}", "echo", map[string]any{}); err == nil {
		t.Fatal("expected validation error for missing required field")
	}
	if fc.calls != 1 {
		t.Errorf("calls = %d, want 1 (tools/call should not have been sent)", fc.calls)
	}
}

func TestCallToolAcceptsValidArgs(t *testing.T) {
	echoSchema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"message"},
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string"},
		},
	}
	fc := &fakeCaller{replies: map[string]any{
		"tools/list": mcp.ListToolsResult{Tools: []*mcp.Tool{
			{Name: "echo", InputSchema: echoSchema},
		}},
		"tools/call": mcp.CallToolResult{},
	}}
	m := New(fc)
	if _, err := m.ListAllTools(context.Background()); err != nil {
		t.Fatalf("ListAllTools: %v", err)
	}

	if _, err := m.CallTool(context.Background(), "echo:1", "echo", map[string]any{"message": "hi"}); err != nil {
		t.Fatalf("CallTool: %v", err)
	}
}

func TestListAllResourceTemplatesDropsStaleCacheEntries(t *testing.T) {
	fc := &fakeCaller{replies: map[string]any{
		"resources/read": mcp.ReadResourceResult{},
		"resources/templates/list": mcp.ListResourceTemplatesResult{
			ResourceTemplates: []*mcp.ResourceTemplate{{URITemplate: "file:///{path}"}},
		},
	}}
	m := New(fc)
	if _, err := m.ExpandTemplate(context.Background(), "file:///{path}:stale", "file:///stale"); err != nil {
		t.Fatalf("ExpandTemplate: %v", err)
	}
	if _, ok := m.templateCache.get("file:///{path}:stale"); !ok {
		t.Fatal("expected cache entry before reconcile")
	}

	if _, err := m.ListAllResourceTemplates(context.Background()); err != nil {
		t.Fatalf("ListAllResourceTemplates: %v", err)
	}
	if _, ok := m.templateCache.get("file:///{path}:stale"); ok {
		t.Error("expected stale template cache entry to be evicted when its URI template dropped off the list")
	}
}

func TestGetCompletionsReturnsEmptyResultWithoutRoundTripAfterMethodNotFound(t *testing.T) {
	fc := &fakeCaller{errs: map[string]error{"completion/complete": ierrors.MethodNotFound("completion/complete")}}
	m := New(fc)
	var ref mcp.CompleteParams
	ref.Ref.Name = "arg"

	res, err := m.GetCompletions(context.Background(), ref)
	if err != nil {
		t.Fatalf("GetCompletions: %v", err)
	}
	if res == nil {
		t.Fatal("GetCompletions = nil, want an empty result, not an error")
	}

	callsAfterFirst := fc.calls
	if _, err := m.GetCompletions(context.Background(), ref); err != nil {
		t.Fatalf("GetCompletions (memoized): %v", err)
	}
	if fc.calls != callsAfterFirst {
		t.Errorf("calls = %d, want %d (memoized miss should not round trip)", fc.calls, callsAfterFirst)
	}
}

func TestSubscribeRejectsUnsupportedCapability(t *testing.T) {
	fc := &fakeCaller{replies: map[string]any{}}
	m := New(fc)
	if err := m.Subscribe(context.Background(), "file:///a", false); err == nil {
		t.Fatal("expected error for unsupported subscribe capability")
	}
}
