package persistence

import (
	"context"
	"sync"

	"gameforge/pkg/session"
)

// Operation names a queued write.
type Operation string

const (
	OpUpsertSession    Operation = "upsert_session"
	OpInsertAttempt    Operation = "insert_attempt"
	OpInsertTransition Operation = "insert_transition"
)

// Request is one queued write. Response, when non-nil, receives the result.
type Request struct {
	Operation Operation
	Data      any
	Response  chan<- error
}

type transitionData struct {
	sessionID  string
	transition session.Transition
}

// Recorder serializes audit writes onto a single goroutine so the repair loop
// never blocks on disk. Data is snapshotted at enqueue time.
type Recorder struct {
	store *Store
	queue chan *Request

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the writer goroutine. Call Close to flush and stop it.
func NewRecorder(store *Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	r := &Recorder{store: store, queue: make(chan *Request, buffer), done: make(chan struct{})}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for req := range r.queue {
		err := r.apply(req)
		if err != nil {
			r.store.logger.Error("persistence %s failed: %v", req.Operation, err)
		}
		if req.Response != nil {
			req.Response <- err
		}
	}
}

func (r *Recorder) apply(req *Request) error {
	ctx := context.Background()
	switch req.Operation {
	case OpUpsertSession:
		return r.store.upsertSession(ctx, req.Data.(SessionRecord))
	case OpInsertAttempt:
		return r.store.insertAttempt(ctx, req.Data.(AttemptRecord))
	case OpInsertTransition:
		td := req.Data.(transitionData)
		return r.store.Transitioned(ctx, td.sessionID, td.transition)
	default:
		return nil
	}
}

func (r *Recorder) enqueue(ctx context.Context, req *Request) error {
	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) SessionStarted(ctx context.Context, rs *session.RepairSession) error {
	return r.enqueue(ctx, &Request{Operation: OpUpsertSession, Data: recordFor(rs)})
}

func (r *Recorder) SessionFinished(ctx context.Context, rs *session.RepairSession) error {
	return r.enqueue(ctx, &Request{Operation: OpUpsertSession, Data: recordFor(rs)})
}

func (r *Recorder) AttemptRecorded(ctx context.Context, sessionID string, a session.Attempt) error {
	return r.enqueue(ctx, &Request{Operation: OpInsertAttempt, Data: attemptRecordFor(sessionID, &a)})
}

func (r *Recorder) Transitioned(ctx context.Context, sessionID string, t session.Transition) error {
	return r.enqueue(ctx, &Request{Operation: OpInsertTransition, Data: transitionData{sessionID: sessionID, transition: t}})
}

// Flush blocks until every write queued before it has been applied.
func (r *Recorder) Flush(ctx context.Context) error {
	resp := make(chan error, 1)
	if err := r.enqueue(ctx, &Request{Operation: "flush", Response: resp}); err != nil {
		return err
	}
	select {
	case <-resp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. The store stays open.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.queue) })
	<-r.done
}
