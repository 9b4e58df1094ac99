// Package model implements component C4: the server model (the catalogs a
// connected peer advertises) and the four independent content caches that
// sit in front of the expensive reverse calls that fetch resource bodies,
// expanded templates, prompt renders and tool-call results.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/metrics"
)

// Caller is the subset of Session behavior the model needs: making a call
// and getting back a typed result.
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// Model holds the catalogs advertised by one connected peer plus the four
// content caches layered in front of them.
type Model struct {
	caller Caller

	mu        sync.RWMutex
	tools     []*mcp.Tool
	resources []*mcp.Resource
	templates []*mcp.ResourceTemplate
	prompts   []*mcp.Prompt

	resourceCache *cache[string, *mcp.ReadResourceResult]
	templateCache *cache[string, *mcp.ReadResourceResult]
	promptCache   *cache[string, *mcp.GetPromptResult]
	toolCallCache *cache[string, *mcp.CallToolResult]

	completionUnsupported bool

	subscriptions map[string]bool

	resolvedSchemas map[string]*jsonschema.Resolved
}

// New constructs a Model backed by caller for its paginated list fetches
// and reverse lookups.
func New(caller Caller) *Model {
	return &Model{
		caller:          caller,
		resourceCache:   newCache[string, *mcp.ReadResourceResult](),
		templateCache:   newCache[string, *mcp.ReadResourceResult](),
		promptCache:     newCache[string, *mcp.GetPromptResult](),
		toolCallCache:   newCache[string, *mcp.CallToolResult](),
		subscriptions:   make(map[string]bool),
		resolvedSchemas: make(map[string]*jsonschema.Resolved),
	}
}

// ListAllTools fetches every page of the tools catalog and stores the
// result as the current tool list.
func (m *Model) ListAllTools(ctx context.Context) ([]*mcp.Tool, error) {
	var all []*mcp.Tool
	cursor := ""
	for {
		var res mcp.ListToolsResult
		if err := m.caller.Call(ctx, "tools/list", &mcp.ListToolsParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	m.mu.Lock()
	m.tools = all
	m.resolvedSchemas = make(map[string]*jsonschema.Resolved)
	m.mu.Unlock()
	m.reconcileToolCalls(all)
	return all, nil
}

// ListAllResources fetches every page of the resources catalog.
func (m *Model) ListAllResources(ctx context.Context) ([]*mcp.Resource, error) {
	var all []*mcp.Resource
	cursor := ""
	for {
		var res mcp.ListResourcesResult
		if err := m.caller.Call(ctx, "resources/list", &mcp.ListResourcesParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Resources...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	m.mu.Lock()
	m.resources = all
	m.mu.Unlock()
	m.reconcileResources(all)
	return all, nil
}

// ListAllResourceTemplates fetches every page of the resource template
// catalog.
func (m *Model) ListAllResourceTemplates(ctx context.Context) ([]*mcp.ResourceTemplate, error) {
	var all []*mcp.ResourceTemplate
	cursor := ""
	for {
		var res mcp.ListResourceTemplatesResult
		if err := m.caller.Call(ctx, "resources/templates/list", &mcp.ListResourceTemplatesParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		all = append(all, res.ResourceTemplates...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	m.mu.Lock()
	m.templates = all
	m.mu.Unlock()
	m.reconcileTemplates(all)
	return all, nil
}

// RefreshResourcesAndTemplates re-fetches the resources and resource
// template catalogs together. notifications/resources/list_changed covers
// both, so they must be reconciled in the same refresh or a peer that moves
// a URI between the two catalogs leaves a stale entry in whichever cache
// doesn't get refreshed.
func (m *Model) RefreshResourcesAndTemplates(ctx context.Context) error {
	if _, err := m.ListAllResources(ctx); err != nil {
		return err
	}
	_, err := m.ListAllResourceTemplates(ctx)
	return err
}

// ListAllPrompts fetches every page of the prompts catalog.
func (m *Model) ListAllPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	var all []*mcp.Prompt
	cursor := ""
	for {
		var res mcp.ListPromptsResult
		if err := m.caller.Call(ctx, "prompts/list", &mcp.ListPromptsParams{Cursor: cursor}, &res); err != nil {
			return nil, err
		}
		all = append(all, res.Prompts...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	m.mu.Lock()
	m.prompts = all
	m.mu.Unlock()
	m.reconcilePrompts(all)
	return all, nil
}

// Tools returns the last-fetched tool catalog.
func (m *Model) Tools() []*mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*mcp.Tool(nil), m.tools...)
}

// ReadResource returns a cached resource body if present, otherwise fetches
// and caches it.
func (m *Model) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	if v, ok := m.resourceCache.get(uri); ok {
		metrics.CacheLookups.WithLabelValues("resource", "hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues("resource", "miss").Inc()
	var res mcp.ReadResourceResult
	if err := m.caller.Call(ctx, "resources/read", &mcp.ReadResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	m.resourceCache.set(uri, &res)
	return &res, nil
}

// ExpandTemplate expands a resource template and caches the result keyed
// by the template URI plus the argument set that produced it.
func (m *Model) ExpandTemplate(ctx context.Context, key string, uri string) (*mcp.ReadResourceResult, error) {
	if v, ok := m.templateCache.get(key); ok {
		metrics.CacheLookups.WithLabelValues("template", "hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues("template", "miss").Inc()
	var res mcp.ReadResourceResult
	if err := m.caller.Call(ctx, "resources/read", &mcp.ReadResourceParams{URI: uri}, &res); err != nil {
		return nil, err
	}
	m.templateCache.set(key, &res)
	return &res, nil
}

// GetPrompt returns a cached prompt render if present, otherwise fetches
// and caches it. key should incorporate the argument set.
func (m *Model) GetPrompt(ctx context.Context, key, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	if v, ok := m.promptCache.get(key); ok {
		metrics.CacheLookups.WithLabelValues("prompt", "hit").Inc()
		return v, nil
	}
	metrics.CacheLookups.WithLabelValues("prompt", "miss").Inc()
	var res mcp.GetPromptResult
	if err := m.caller.Call(ctx, "prompts/get", &mcp.GetPromptParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	m.promptCache.set(key, &res)
	return &res, nil
}

// CallTool invokes a tool and caches its result by key (typically the tool
// name plus a digest of its arguments). Arguments are validated against the
// tool's advertised input schema before the call is sent, so a malformed
// call fails locally instead of round-tripping to the peer.
func (m *Model) CallTool(ctx context.Context, key, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if v, ok := m.toolCallCache.get(key); ok {
		metrics.CacheLookups.WithLabelValues("tool_call", "hit").Inc()
		return v, nil
	}
	if err := m.validateToolArgs(name, args); err != nil {
		return nil, ierrors.ProtocolEncoding("tools/call", err)
	}
	metrics.CacheLookups.WithLabelValues("tool_call", "miss").Inc()
	var res mcp.CallToolResult
	if err := m.caller.Call(ctx, "tools/call", &mcp.CallToolParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	m.toolCallCache.set(key, &res)
	return &res, nil
}

// validateToolArgs resolves (and caches) the named tool's input schema and
// validates args against it. A tool with no schema, or one not found in the
// current catalog, is not validated.
func (m *Model) validateToolArgs(name string, args map[string]any) error {
	resolved, err := m.resolvedSchema(name)
	if err != nil {
		return err
	}
	if resolved == nil {
		return nil
	}
	return resolved.Validate(args)
}

func (m *Model) resolvedSchema(name string) (*jsonschema.Resolved, error) {
	m.mu.RLock()
	if r, ok := m.resolvedSchemas[name]; ok {
		m.mu.RUnlock()
		return r, nil
	}
	var tool *mcp.Tool
	for _, t := range m.tools {
		if t.Name == name {
			tool = t
			break
		}
	}
	m.mu.RUnlock()

	if tool == nil || tool.InputSchema == nil {
		return nil, nil
	}
	resolved, err := tool.InputSchema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving input schema for tool %q: %w", name, err)
	}
	m.mu.Lock()
	m.resolvedSchemas[name] = resolved
	m.mu.Unlock()
	return resolved, nil
}

// Subscribe records a resource subscription with the peer. It reports
// ierrors.KindMethodNotFound if the peer's capabilities do not advertise
// resource subscriptions, mapped onto a CapabilityUnsupported condition at
// the call site.
func (m *Model) Subscribe(ctx context.Context, uri string, supported bool) error {
	if !supported {
		return ierrors.MethodNotFound("resources/subscribe")
	}
	if err := m.caller.Call(ctx, "resources/subscribe", &mcp.SubscribeParams{URI: uri}, nil); err != nil {
		return err
	}
	m.mu.Lock()
	m.subscriptions[uri] = true
	m.mu.Unlock()
	return nil
}

// Unsubscribe cancels a resource subscription.
func (m *Model) Unsubscribe(ctx context.Context, uri string) error {
	if err := m.caller.Call(ctx, "resources/unsubscribe", &mcp.UnsubscribeParams{URI: uri}, nil); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.subscriptions, uri)
	m.mu.Unlock()
	return nil
}

// GetCompletions fetches completion suggestions. A MethodNotFound result is
// memoized so a peer that doesn't implement completion gets an empty
// suggestion list back on every subsequent call instead of round-tripping
// again.
func (m *Model) GetCompletions(ctx context.Context, ref mcp.CompleteParams) (*mcp.CompleteResult, error) {
	m.mu.RLock()
	missed := m.completionUnsupported
	m.mu.RUnlock()
	if missed {
		return &mcp.CompleteResult{}, nil
	}

	var res mcp.CompleteResult
	err := m.caller.Call(ctx, "completion/complete", &ref, &res)
	if ierrors.Is(err, ierrors.KindMethodNotFound) {
		m.mu.Lock()
		m.completionUnsupported = true
		m.mu.Unlock()
		return &mcp.CompleteResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// reconcileResources drops cache entries for resources that no longer
// exist, per spec.md's list-change reconciliation rule: entries for keys
// still present are left untouched.
func (m *Model) reconcileResources(current []*mcp.Resource) {
	live := make(map[string]bool, len(current))
	for _, r := range current {
		live[r.URI] = true
	}
	m.resourceCache.retainIf(func(k string) bool { return live[k] })
}

func (m *Model) reconcilePrompts(current []*mcp.Prompt) {
	live := make(map[string]bool, len(current))
	for _, p := range current {
		live[p.Name] = true
	}
	m.promptCache.retainIf(func(k string) bool {
		for name := range live {
			if hasPrefixKey(k, name) {
				return true
			}
		}
		return false
	})
}

func (m *Model) reconcileToolCalls(current []*mcp.Tool) {
	live := make(map[string]bool, len(current))
	for _, t := range current {
		live[t.Name] = true
	}
	m.toolCallCache.retainIf(func(k string) bool {
		for name := range live {
			if hasPrefixKey(k, name) {
				return true
			}
		}
		return false
	})
}

func (m *Model) reconcileTemplates(current []*mcp.ResourceTemplate) {
	live := make(map[string]bool, len(current))
	for _, t := range current {
		live[t.URITemplate] = true
	}
	m.templateCache.retainIf(func(k string) bool {
		for uri := range live {
			if hasPrefixKey(k, uri) {
				return true
			}
		}
		return false
	})
}

func hasPrefixKey(key, name string) bool {
	return len(key) >= len(name) && key[:len(name)] == name
}
