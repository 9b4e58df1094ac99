package reverse

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
	"github.com/modelcontextprotocol/inspector-sub002/internal/wire"
)

// Handlers owns the three reverse-capability queues and satisfies the
// mcpsession.Session.ReverseDispatch signature.
type Handlers struct {
	Sampling    *Queue[*mcp.CreateMessageParams, *mcp.CreateMessageResult]
	Elicitation *Queue[*mcp.ElicitParams, *mcp.ElicitResult]
	Roots       *Queue[*mcp.ListRootsParams, *mcp.ListRootsResult]

	// RootsProvider, if set, answers roots/list directly without going
	// through the pending queue — most hosts have a fixed root set and do
	// not need to prompt a user for it.
	RootsProvider func(ctx context.Context) []*mcp.Root
}

// NewHandlers constructs an empty Handlers set.
func NewHandlers() *Handlers {
	return &Handlers{
		Sampling:    NewQueue[*mcp.CreateMessageParams, *mcp.CreateMessageResult](),
		Elicitation: NewQueue[*mcp.ElicitParams, *mcp.ElicitResult](),
		Roots:       NewQueue[*mcp.ListRootsParams, *mcp.ListRootsResult](),
	}
}

// Dispatch implements the ReverseDispatch hook a Session calls for every
// inbound request. Unknown methods get MethodNotFound.
func (h *Handlers) Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *wire.RPCError) {
	switch method {
	case "sampling/createMessage":
		return dispatchQueued(h.Sampling, params)
	case "elicitation/create":
		return h.dispatchElicitation(params)
	case "roots/list":
		if h.RootsProvider != nil {
			roots := h.RootsProvider(ctx)
			res := &mcp.ListRootsResult{Roots: roots}
			raw, err := json.Marshal(res)
			if err != nil {
				return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
			}
			return raw, nil
		}
		return dispatchQueued(h.Roots, params)
	default:
		return nil, &wire.RPCError{Code: wire.CodeMethodNotFound, Message: "method not found: " + method}
	}
}

// extractRelatedTaskID reads _meta.relatedTask.taskId from a raw request's
// params, returning "" when the request is not correlated to a task.
func extractRelatedTaskID(raw json.RawMessage) string {
	var wrapper struct {
		Meta struct {
			RelatedTask struct {
				TaskID string `json:"taskId"`
			} `json:"relatedTask"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ""
	}
	return wrapper.Meta.RelatedTask.TaskID
}

// dispatchQueued decodes params into Req, enqueues it, blocks for the
// host's decision, and marshals the response back onto the wire.
func dispatchQueued[Req, Resp any](q *Queue[Req, Resp], raw json.RawMessage) (json.RawMessage, *wire.RPCError) {
	var req Req
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: err.Error()}
	}
	rec, err := q.AddWithTask(req, extractRelatedTaskID(raw))
	if err != nil {
		return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
	}
	resp, err := rec.Wait()
	if err != nil {
		if ierrors.Is(err, ierrors.KindCancelled) {
			return nil, &wire.RPCError{Code: -32800, Message: "request cancelled"}
		}
		return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
	}
	out, merr := json.Marshal(resp)
	if merr != nil {
		return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: merr.Error()}
	}
	return out, nil
}

// dispatchElicitation is dispatchQueued specialized for elicitation: when
// the host accepts the prompt, its response content is validated against
// the peer's requestedSchema before it goes back on the wire, so a host bug
// surfaces locally as ProtocolEncoding rather than as a confusing error from
// the peer.
func (h *Handlers) dispatchElicitation(raw json.RawMessage) (json.RawMessage, *wire.RPCError) {
	var req mcp.ElicitParams
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: err.Error()}
	}
	rec, err := h.Elicitation.AddWithTask(&req, extractRelatedTaskID(raw))
	if err != nil {
		return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
	}
	resp, err := rec.Wait()
	if err != nil {
		if ierrors.Is(err, ierrors.KindCancelled) {
			return nil, &wire.RPCError{Code: -32800, Message: "request cancelled"}
		}
		return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: err.Error()}
	}

	if resp.Action == "accept" && req.RequestedSchema != nil && resp.Content != nil {
		resolved, rerr := req.RequestedSchema.Resolve(nil)
		if rerr != nil {
			return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: "resolving requested schema: " + rerr.Error()}
		}
		if verr := resolved.Validate(resp.Content); verr != nil {
			return nil, &wire.RPCError{Code: wire.CodeInvalidParams, Message: "elicitation response does not match requested schema: " + verr.Error()}
		}
	}

	out, merr := json.Marshal(resp)
	if merr != nil {
		return nil, &wire.RPCError{Code: wire.CodeInternalError, Message: merr.Error()}
	}
	return out, nil
}

// DrainAll settles every pending record across all three queues with
// ErrConnectionClosed. The session does not call it on close; the host
// calls it when the owning session disconnects.
func (h *Handlers) DrainAll() {
	h.Sampling.Drain()
	h.Elicitation.Drain()
	h.Roots.Drain()
}
