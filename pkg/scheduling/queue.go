package scheduling

import (
	"context"
	"sync"
	"time"

	"github.com/gantry-ai/gantry/pkg/logging"
)

// PositionState classifies where a request currently sits.
type PositionState uint8

const (
	// PositionQueued means the request is waiting; the rank is meaningful.
	PositionQueued PositionState = iota
	// PositionInFlight means a worker holds the request.
	PositionInFlight
	// PositionUnknown means the queue has no record of the id.
	PositionUnknown
)

// FailureHandler receives terminal failures published by MarkFailed. It is
// called outside the queue mutex.
type FailureHandler func(req *Request, reason string)

// Queue is the bounded FIFO admission queue with an in-flight set. A single
// mutex protects both jointly; Dequeue blocks on a condition variable until
// an item arrives or the queue shuts down.
type Queue struct {
	log logging.Logger
	// capacity bounds the FIFO. Enqueue on a full queue is rejected.
	capacity int
	// maxRetries caps requeues per request.
	maxRetries int
	// onFailure, when set, is invoked for every terminal failure.
	onFailure FailureHandler

	mu   sync.Mutex
	cond *sync.Cond
	// items is the FIFO, head first.
	items []*Request
	// inFlight holds dequeued requests by id until Ack or MarkFailed.
	inFlight map[string]*Request
	closed   bool
}

// NewQueue creates an admission queue.
func NewQueue(log logging.Logger, capacity, maxRetries int) *Queue {
	q := &Queue{
		log:        log,
		capacity:   capacity,
		maxRetries: maxRetries,
		inFlight:   make(map[string]*Request),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// SetFailureHandler registers the terminal-failure callback. Must be called
// during wiring, before requests flow.
func (q *Queue) SetFailureHandler(h FailureHandler) {
	q.onFailure = h
}

// Enqueue appends the request and returns its 1-based queue position.
// Returns ErrQueueFull at capacity and ErrShutdown after Close.
func (q *Queue) Enqueue(req *Request) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrShutdown
	}
	if len(q.items) >= q.capacity {
		return 0, ErrQueueFull
	}

	req.EnqueuedAt = time.Now()
	q.items = append(q.items, req)
	q.cond.Signal()
	return len(q.items), nil
}

// Dequeue blocks until a request is available, moves it to the in-flight
// set, and stamps StartedAt. Returns ErrShutdown once the queue is closed
// and drained, or ctx.Err when the context ends first.
func (q *Queue) Dequeue(ctx context.Context) (*Request, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		if q.closed {
			return nil, ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}

	req := q.items[0]
	q.items = q.items[1:]
	req.StartedAt = time.Now()
	q.inFlight[req.ID] = req
	return req, nil
}

// Ack removes a completed request from the in-flight set.
func (q *Queue) Ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, id)
}

// RequeueForRetry moves an in-flight request back to the queue head with its
// retry counter incremented and StartedAt cleared. Returns false when the
// retry cap is reached or the id is not in flight; the request then stays
// in flight and the caller must resolve it with Ack or MarkFailed.
func (q *Queue) RequeueForRetry(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.inFlight[id]
	if !ok {
		return false
	}
	if req.RetryCount >= q.maxRetries {
		return false
	}

	delete(q.inFlight, id)
	req.RetryCount++
	req.StartedAt = time.Time{}
	// Head insertion bounds the perceived delay of a retried request.
	q.items = append([]*Request{req}, q.items...)
	q.cond.Signal()
	return true
}

// MarkFailed removes the request from the in-flight set and publishes a
// terminal failure event.
func (q *Queue) MarkFailed(id, reason string) {
	q.mu.Lock()
	req, ok := q.inFlight[id]
	if ok {
		delete(q.inFlight, id)
	}
	q.mu.Unlock()

	if !ok {
		return
	}
	q.log.Warnf("request %s failed terminally: %s", id, reason)
	if q.onFailure != nil {
		q.onFailure(req, reason)
	}
}

// Position reports where the request with the given id sits.
func (q *Queue) Position(id string) (int, PositionState) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.items {
		if req.ID == id {
			return i + 1, PositionQueued
		}
	}
	if _, ok := q.inFlight[id]; ok {
		return 0, PositionInFlight
	}
	return 0, PositionUnknown
}

// Size returns the number of waiting requests.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsFull reports whether the queue is at capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// InFlightSnapshot returns a copy of the in-flight set for the visibility
// monitor and observability endpoints.
func (q *Queue) InFlightSnapshot() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Request, 0, len(q.inFlight))
	for _, req := range q.inFlight {
		copied := *req
		out = append(out, &copied)
	}
	return out
}

// Close wakes all blocked Dequeue callers. Waiting items are still served
// until the queue drains; new Enqueue calls are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
