// Package reverse implements component C5: the pending-request queues for
// the three capabilities the peer can invoke on us — sampling, elicitation
// and roots — each offering exactly-once respond/cancel semantics and
// draining with a ConnectionClosed error when the session disconnects.
//
// The queue itself generalizes the source tree's uniqueID-keyed feature
// set (see golang-tools' internal/mcp/features.go) from "a set of
// advertised features" to "a set of requests awaiting a host decision".
package reverse

import (
	"sync"

	"github.com/google/uuid"

	"github.com/modelcontextprotocol/inspector-sub002/internal/ierrors"
)

// Record is one inbound request awaiting a host decision.
type Record[Req, Resp any] struct {
	ID      string
	Request Req

	// TaskID correlates this request to a running task when the peer sent
	// it with _meta.relatedTask.taskId, so a host UI can route the prompt
	// to the task that raised it. Empty when the request is not
	// task-linked.
	TaskID string

	mu       sync.Mutex
	settled  bool
	resultCh chan result[Resp]
}

type result[Resp any] struct {
	resp Resp
	err  error
}

// Queue holds pending Records of one reverse-capability kind, keyed by a
// generated id.
type Queue[Req, Resp any] struct {
	mu      sync.Mutex
	records map[string]*Record[Req, Resp]
	closed  bool
}

// NewQueue constructs an empty Queue.
func NewQueue[Req, Resp any]() *Queue[Req, Resp] {
	return &Queue[Req, Resp]{records: make(map[string]*Record[Req, Resp])}
}

// Add registers a new pending request and returns the Record the host will
// use to observe and settle it.
func (q *Queue[Req, Resp]) Add(req Req) (*Record[Req, Resp], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ierrors.ErrConnectionClosed
	}
	rec := &Record[Req, Resp]{
		ID:       uuid.NewString(),
		Request:  req,
		resultCh: make(chan result[Resp], 1),
	}
	q.records[rec.ID] = rec
	return rec, nil
}

// AddWithTask is Add but also stamps the record with the task id it was
// correlated to, if any.
func (q *Queue[Req, Resp]) AddWithTask(req Req, taskID string) (*Record[Req, Resp], error) {
	rec, err := q.Add(req)
	if err != nil {
		return nil, err
	}
	rec.TaskID = taskID
	return rec, nil
}

// Get looks up a pending record by id.
func (q *Queue[Req, Resp]) Get(id string) (*Record[Req, Resp], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.records[id]
	return r, ok
}

// All returns every currently pending record.
func (q *Queue[Req, Resp]) All() []*Record[Req, Resp] {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Record[Req, Resp], 0, len(q.records))
	for _, r := range q.records {
		out = append(out, r)
	}
	return out
}

// Respond settles the record with resp. It is an error to call Respond or
// Cancel on a record more than once.
func (q *Queue[Req, Resp]) Respond(id string, resp Resp) error {
	rec, ok := q.takeRecord(id)
	if !ok {
		return ierrors.MethodNotFound("reverse.respond")
	}
	return rec.settle(result[Resp]{resp: resp})
}

// Cancel settles the record with a cancellation error.
func (q *Queue[Req, Resp]) Cancel(id, reason string) error {
	rec, ok := q.takeRecord(id)
	if !ok {
		return ierrors.MethodNotFound("reverse.cancel")
	}
	return rec.settle(result[Resp]{err: ierrors.Cancelled("reverse.cancel", reason)})
}

func (q *Queue[Req, Resp]) takeRecord(id string) (*Record[Req, Resp], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.records[id]
	if ok {
		delete(q.records, id)
	}
	return rec, ok
}

func (r *Record[Req, Resp]) settle(res result[Resp]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return ierrors.Cancelled("reverse.settle", "record already settled")
	}
	r.settled = true
	r.resultCh <- res
	return nil
}

// Wait blocks until the record is settled, returning the response or the
// settling error.
func (r *Record[Req, Resp]) Wait() (Resp, error) {
	res := <-r.resultCh
	return res.resp, res.err
}

// Drain settles every currently pending record with ConnectionClosed, for
// use when the owning session disconnects.
func (q *Queue[Req, Resp]) Drain() {
	q.mu.Lock()
	q.closed = true
	records := q.records
	q.records = make(map[string]*Record[Req, Resp])
	q.mu.Unlock()

	for _, rec := range records {
		_ = rec.settle(result[Resp]{err: ierrors.ErrConnectionClosed})
	}
}

// Len reports the number of currently pending records.
func (q *Queue[Req, Resp]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
