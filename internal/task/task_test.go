package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func toolWithTaskSupport(t *testing.T, name string, support TaskSupport) *mcp.Tool {
	t.Helper()
	raw := fmt.Sprintf(`{"name":%q,"_meta":{"taskSupport":%q}}`, name, support)
	var tool mcp.Tool
	if err := json.Unmarshal([]byte(raw), &tool); err != nil {
		t.Fatalf("unmarshal tool fixture: %v", err)
	}
	return &tool
}

type fakeCaller struct {
	calls atomic.Int32
	fn    func(method string, result any)
}

func (f *fakeCaller) Call(ctx context.Context, method string, params any, result any) error {
	f.calls.Add(1)
	if f.fn != nil {
		f.fn(method, result)
	}
	return nil
}

func TestTaskTransitionsToCompletedViaPolling(t *testing.T) {
	calls := 0
	fc := &fakeCaller{fn: func(method string, result any) {
		if method != "tasks/get" {
			return
		}
		calls++
		r := result.(*getTaskResult)
		if calls >= 2 {
			r.Status = "completed"
		} else {
			r.Status = "working"
		}
	}}
	c := New(fc, Options{PollInterval: 5 * time.Millisecond})
	tk := c.StartTask(context.Background(), "t1", "slow-tool")

	_, err := tk.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if tk.Status() != StatusCompleted {
		t.Errorf("Status() = %v, want completed", tk.Status())
	}
}

func TestTaskCancelMarksCancelled(t *testing.T) {
	fc := &fakeCaller{}
	c := New(fc, Options{PollInterval: time.Hour})
	tk := c.StartTask(context.Background(), "t2", "slow-tool")

	if err := c.Cancel(context.Background(), "t2"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tk.Status() != StatusCancelled {
		t.Errorf("Status() = %v, want cancelled", tk.Status())
	}
}

func TestTaskTransitionRejectsIllegalMove(t *testing.T) {
	tk := newTask("t3", "tool", time.Minute)
	tk.finish(StatusCompleted, nil, nil)
	if tk.transition(StatusWorking) {
		t.Error("expected transition out of a terminal status to be rejected")
	}
}

func TestSupportDetectsDeclaredLevels(t *testing.T) {
	cases := []struct {
		name string
		tool *mcp.Tool
		want TaskSupport
	}{
		{"nil tool", nil, TaskSupportForbidden},
		{"no declaration", toolWithTaskSupport(t, "t", ""), TaskSupportForbidden},
		{"unrecognized value", toolWithTaskSupport(t, "t", "bogus"), TaskSupportForbidden},
		{"optional", toolWithTaskSupport(t, "t", TaskSupportOptional), TaskSupportOptional},
		{"required", toolWithTaskSupport(t, "t", TaskSupportRequired), TaskSupportRequired},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Support(c.tool); got != c.want {
				t.Errorf("Support() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestCallToolRefusesRequiredTool(t *testing.T) {
	fc := &fakeCaller{}
	c := New(fc, Options{})
	tool := toolWithTaskSupport(t, "exporter", TaskSupportRequired)

	_, err := c.CallTool(context.Background(), tool, nil)
	if err != ErrTaskRequired {
		t.Fatalf("err = %v, want ErrTaskRequired", err)
	}
	if fc.calls.Load() != 0 {
		t.Errorf("calls = %d, want 0 (no call should be sent)", fc.calls.Load())
	}
}

func TestCallToolStreamReturnsDirectResultForOptionalTool(t *testing.T) {
	fc := &fakeCaller{fn: func(method string, result any) {
		if method != "tools/call" {
			return
		}
		raw := result.(*json.RawMessage)
		*raw = json.RawMessage(`{"content":[],"isError":false}`)
	}}
	c := New(fc, Options{})
	tool := toolWithTaskSupport(t, "quick", TaskSupportOptional)

	tk, err := c.CallToolStream(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("CallToolStream: %v", err)
	}
	res, err := tk.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res == nil {
		t.Fatal("expected a direct result")
	}
	if tk.Status() != StatusCompleted {
		t.Errorf("Status() = %v, want completed", tk.Status())
	}
}

func TestCallToolStreamRegistersTaskWhenResponseCarriesTaskID(t *testing.T) {
	fc := &fakeCaller{fn: func(method string, result any) {
		switch method {
		case "tools/call":
			raw := result.(*json.RawMessage)
			*raw = json.RawMessage(`{"task":{"taskId":"t9"}}`)
		case "tasks/get":
			r := result.(*getTaskResult)
			r.Status = "completed"
		}
	}}
	c := New(fc, Options{PollInterval: 5 * time.Millisecond})
	tool := toolWithTaskSupport(t, "slow", TaskSupportRequired)

	tk, err := c.CallToolStream(context.Background(), tool, nil)
	if err != nil {
		t.Fatalf("CallToolStream: %v", err)
	}
	if tk.ID != "t9" {
		t.Fatalf("ID = %q, want t9", tk.ID)
	}
	if _, err := tk.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if tk.Status() != StatusCompleted {
		t.Errorf("Status() = %v, want completed", tk.Status())
	}
	if _, ok := c.Get("t9"); !ok {
		t.Error("expected task to be tracked by the controller")
	}
}

func TestCallToolStreamReturnsErrTaskRequiredWhenResponseHasNoTaskID(t *testing.T) {
	fc := &fakeCaller{fn: func(method string, result any) {
		if method != "tools/call" {
			return
		}
		raw := result.(*json.RawMessage)
		*raw = json.RawMessage(`{}`)
	}}
	c := New(fc, Options{})
	tool := toolWithTaskSupport(t, "slow", TaskSupportRequired)

	_, err := c.CallToolStream(context.Background(), tool, nil)
	if err != ErrTaskRequired {
		t.Fatalf("err = %v, want ErrTaskRequired", err)
	}
}
