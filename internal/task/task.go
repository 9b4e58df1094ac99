// Package task implements component C6: the task controller for long-running
// tool calls. A task moves through working -> input_required -> working ->
// {completed, failed, cancelled}, driven by this package polling tasks/get
// on an interval with jitter. Progress notifications pushed by the peer
// (see Controller.OnProgress) update a task's reported progress, not its
// status.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/audit"
	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/logger"
	"github.com/modelcontextprotocol/inspector-sub002/internal/metrics"
	"github.com/modelcontextprotocol/inspector-sub002/internal/sweep"
)

// TaskSupport is a tool's declared task-execution capability, read from its
// _meta.taskSupport.
type TaskSupport string

const (
	TaskSupportForbidden TaskSupport = "forbidden"
	TaskSupportOptional  TaskSupport = "optional"
	TaskSupportRequired  TaskSupport = "required"
)

// Support reads a tool's taskSupport declaration, defaulting to forbidden
// when it's absent or unrecognized.
func Support(tool *mcp.Tool) TaskSupport {
	if tool == nil {
		return TaskSupportForbidden
	}
	raw, err := json.Marshal(tool)
	if err != nil {
		return TaskSupportForbidden
	}
	var wrapper struct {
		Meta struct {
			TaskSupport string `json:"taskSupport"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return TaskSupportForbidden
	}
	switch TaskSupport(wrapper.Meta.TaskSupport) {
	case TaskSupportOptional, TaskSupportRequired:
		return TaskSupport(wrapper.Meta.TaskSupport)
	default:
		return TaskSupportForbidden
	}
}

// ErrTaskRequired is returned when a tool declares taskSupport=required but
// is invoked through CallTool, which cannot carry a task id back to the
// caller.
var ErrTaskRequired = errors.New("task: tool requires task-based invocation, use CallToolStream")

// taskEnvelope is the shape of a tools/call response that opened a task
// instead of returning a direct result.
type taskEnvelope struct {
	Task *struct {
		TaskID string `json:"taskId"`
	} `json:"task"`
}

func parseTaskEnvelope(raw json.RawMessage) *taskEnvelope {
	var env taskEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}
	return &env
}

// Status is a task's position in the state machine.
type Status string

const (
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input_required"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions enumerates every legal move in the task state machine.
var transitions = map[Status]map[Status]bool{
	StatusWorking: {
		StatusInputRequired: true,
		StatusCompleted:     true,
		StatusFailed:        true,
		StatusCancelled:     true,
	},
	StatusInputRequired: {
		StatusWorking:   true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
}

// Caller is the subset of Session behavior the task controller needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, result any) error
}

// Task tracks one in-flight tool call that the peer has marked as a task.
type Task struct {
	ID       string
	ToolName string

	mu       sync.Mutex
	status   Status
	progress float64
	message  string
	result   *mcp.CallToolResult
	err      error
	done     chan struct{}
	expiry   time.Time
}

func newTask(id, toolName string, ttl time.Duration) *Task {
	return &Task{
		ID:       id,
		ToolName: toolName,
		status:   StatusWorking,
		done:     make(chan struct{}),
		expiry:   time.Now().Add(ttl),
	}
}

// Status returns the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Progress returns the last reported fractional progress and message.
func (t *Task) Progress() (float64, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress, t.message
}

// Wait blocks until the task reaches a terminal status.
func (t *Task) Wait(ctx context.Context) (*mcp.CallToolResult, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		return nil, ierrors.Cancelled(t.ID, ctx.Err().Error())
	}
}

func (t *Task) transition(to Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == to {
		return true
	}
	allowed := transitions[t.status]
	if allowed == nil || !allowed[to] {
		return false
	}
	t.status = to
	metrics.TaskTransitions.WithLabelValues(string(to)).Inc()
	return true
}

func (t *Task) finish(to Status, result *mcp.CallToolResult, err error) {
	t.mu.Lock()
	if t.status.terminal() {
		t.mu.Unlock()
		return
	}
	t.status = to
	t.result = result
	t.err = err
	t.mu.Unlock()
	metrics.TaskTransitions.WithLabelValues(string(to)).Inc()
	close(t.done)
}

func (t *Task) setProgress(progress float64, message string) {
	t.mu.Lock()
	t.progress = progress
	t.message = message
	t.mu.Unlock()
}

// Controller runs the task loop for a session: it starts tasked tool calls,
// routes progress notifications to the right task, and evicts expired
// tasks on a ticker.
type Controller struct {
	caller    Caller
	pollEvery time.Duration
	ttl       time.Duration

	mu    sync.Mutex
	tasks map[string]*Task

	sweeper *sweep.Runner
}

// Options configures a Controller.
type Options struct {
	PollInterval time.Duration // fallback poll cadence when the peer can't push
	TTL          time.Duration // measured from registration; a terminal task older than this is evicted
}

// New constructs a Controller. Defaults: 250ms poll interval, 10 minute TTL.
func New(caller Caller, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.TTL <= 0 {
		opts.TTL = 10 * time.Minute
	}
	return &Controller{
		caller:    caller,
		pollEvery: opts.PollInterval,
		ttl:       opts.TTL,
		tasks:     make(map[string]*Task),
		sweeper:   sweep.New(),
	}
}

// Start registers the TTL eviction job on a one-minute cron schedule and
// starts the sweeper.
func (c *Controller) Start() {
	if err := c.sweeper.Every("@every 1m", c.evictExpired); err != nil {
		logger.Default().Error("task: failed to register eviction sweep", "error", err)
	}
	c.sweeper.Start()
}

// Stop halts the eviction sweep and waits for it to exit.
func (c *Controller) Stop() {
	c.sweeper.Stop()
}

func (c *Controller) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.tasks {
		t.mu.Lock()
		expired := t.status.terminal() && now.After(t.expiry)
		t.mu.Unlock()
		if expired {
			delete(c.tasks, id)
		}
	}
}

// CallTool is the non-streaming tool-call entry point. It refuses to send
// the call at all for a tool declaring taskSupport=required, since such a
// tool's response can't be treated as a direct result; use CallToolStream
// for those.
func (c *Controller) CallTool(ctx context.Context, tool *mcp.Tool, args map[string]any) (*mcp.CallToolResult, error) {
	if Support(tool) == TaskSupportRequired {
		return nil, ErrTaskRequired
	}
	var res mcp.CallToolResult
	if err := c.caller.Call(ctx, "tools/call", &mcp.CallToolParams{Name: tool.Name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CallToolStream is the C6 entry point for tools whose taskSupport is
// optional or required. It sends tools/call and inspects the first
// response: a response carrying a task id is registered and driven through
// the task loop; a regular result is wrapped in an already-completed Task
// so both paths return the same type, except for a taskSupport=required
// tool, which gets ErrTaskRequired instead.
func (c *Controller) CallToolStream(ctx context.Context, tool *mcp.Tool, args map[string]any) (*Task, error) {
	var raw json.RawMessage
	if err := c.caller.Call(ctx, "tools/call", &mcp.CallToolParams{Name: tool.Name, Arguments: args}, &raw); err != nil {
		return nil, err
	}

	if env := parseTaskEnvelope(raw); env != nil && env.Task != nil && env.Task.TaskID != "" {
		t := c.StartTask(ctx, env.Task.TaskID, tool.Name)
		audit.LogSuccess(audit.OpTaskStart, env.Task.TaskID, "")
		return t, nil
	}

	if Support(tool) == TaskSupportRequired {
		return nil, ErrTaskRequired
	}

	var res mcp.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, ierrors.ProtocolDecoding("tools/call", err)
	}
	t := newTask("", tool.Name, c.ttl)
	t.finish(StatusCompleted, &res, nil)
	return t, nil
}

// StartTask registers a task and polls tasks/get on pollEvery (with +/-20%
// jitter) until it reaches a terminal status, whether or not the server
// pushes progress for it. Most callers should use CallToolStream instead; StartTask
// is the lower-level registration it's built on, exposed for tasks whose id
// is already known (e.g. resumed from tasks/list).
func (c *Controller) StartTask(ctx context.Context, id, toolName string) *Task {
	t := newTask(id, toolName, c.ttl)
	c.mu.Lock()
	c.tasks[id] = t
	c.mu.Unlock()

	go c.pollLoop(ctx, t)
	return t
}

// getTaskResult is the decoded shape of a tasks/get response.
type getTaskResult struct {
	Status   string              `json:"status"`
	Progress float64             `json:"progress"`
	Message  string              `json:"message"`
	Result   *mcp.CallToolResult `json:"result,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func (c *Controller) pollLoop(ctx context.Context, t *Task) {
	for {
		jitter := time.Duration(float64(c.pollEvery) * (0.8 + 0.4*rand.Float64()))
		select {
		case <-time.After(jitter):
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
		if t.Status().terminal() {
			return
		}

		var res getTaskResult
		if err := c.caller.Call(ctx, "tasks/get", map[string]string{"taskId": t.ID}, &res); err != nil {
			logger.Default().Warn("task: poll failed", "task_id", t.ID, "error", err)
			continue
		}
		c.applyServerStatus(ctx, t, Status(res.Status), res.Progress, res.Message, res.Result, res.Error)
	}
}

// fetchResult calls tasks/result for a completed task whose tasks/get
// response didn't already embed it.
func (c *Controller) fetchResult(ctx context.Context, id string) *mcp.CallToolResult {
	var res mcp.CallToolResult
	if err := c.caller.Call(ctx, "tasks/result", map[string]string{"taskId": id}, &res); err != nil {
		logger.Default().Warn("task: fetching result failed", "task_id", id, "error", err)
		return nil
	}
	return &res
}

// OnProgress routes a notifications/progress event correlated to a task
// (its _meta.relatedTask.taskId) into the matching Task.
func (c *Controller) OnProgress(taskID string, progress float64, message string) {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	c.mu.Unlock()
	if !ok {
		return
	}
	t.setProgress(progress, message)
}

func (c *Controller) applyServerStatus(ctx context.Context, t *Task, status Status, progress float64, message string, result *mcp.CallToolResult, errMsg string) {
	t.setProgress(progress, message)
	switch status {
	case StatusCompleted:
		if result == nil {
			result = c.fetchResult(ctx, t.ID)
		}
		t.finish(StatusCompleted, result, nil)
	case StatusFailed:
		t.finish(StatusFailed, nil, ierrors.Cancelled(t.ID, errMsg))
	case StatusCancelled:
		t.finish(StatusCancelled, nil, ierrors.Cancelled(t.ID, "cancelled by server"))
	case StatusInputRequired, StatusWorking:
		t.transition(status)
	}
}

// Cancel requests cancellation of a task and marks it cancelled locally.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	c.mu.Unlock()
	if !ok {
		return ierrors.MethodNotFound("tasks/cancel")
	}
	if err := c.caller.Call(ctx, "tasks/cancel", map[string]string{"taskId": id}, nil); err != nil {
		audit.LogFailure(audit.OpTaskCancel, id, "", err)
		return err
	}
	t.finish(StatusCancelled, nil, ierrors.Cancelled(id, "cancelled by host"))
	audit.LogSuccess(audit.OpTaskCancel, id, "")
	return nil
}

// Get returns a tracked task by id.
func (c *Controller) Get(id string) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}
