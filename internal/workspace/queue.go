package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/wsdb/internal/core"
)

// ErrQueueClosed is returned by Submit once the queue has stopped.
var ErrQueueClosed = errors.New("workspace queue closed")

// request is one submitted transaction and where its result goes.
type request struct {
	ctx  context.Context
	tx   core.Tx
	done chan error // buffered, size 1
}

// Queue serializes transactions from concurrent submitters onto one
// workspace.
//
// Submit may be called from any goroutine; Run must be called from exactly
// one. Transactions are applied in submission order. The queue is unbounded;
// a submitter only ever waits for its own result.
type Queue struct {
	ws Applier

	mu       sync.Mutex
	requests []request
	closed   bool
	signal   chan struct{} // buffered, size 1
}

// Applier is the write side a Queue drives. Implemented by *Workspace.
type Applier interface {
	Tx(ctx context.Context, tx core.Tx) error
}

// NewQueue creates a queue in front of ws.
func NewQueue(ws Applier) *Queue {
	return &Queue{
		ws:       ws,
		requests: make([]request, 0, 64),
		signal:   make(chan struct{}, 1),
	}
}

// Submit enqueues tx and waits for its result. If ctx ends first the
// transaction may still be applied later.
func (q *Queue) Submit(ctx context.Context, tx core.Tx) error {
	r := request{ctx: ctx, tx: tx, done: make(chan error, 1)}
	if !q.enqueue(r) {
		return ErrQueueClosed
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) enqueue(r request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.requests = append(q.requests, r)

	// Non-blocking; the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) tryDequeue() (request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.requests) == 0 {
		return request{}, false
	}
	r := q.requests[0]
	// Release the tx for GC.
	q.requests[0] = request{}
	if len(q.requests) == 1 {
		q.requests = q.requests[:0]
	} else {
		q.requests = q.requests[1:]
	}
	return r, true
}

// Len returns the number of transactions waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Run applies submitted transactions until ctx is cancelled or Close is
// called and the backlog is drained.
func (q *Queue) Run(ctx context.Context) error {
	slog.Debug("workspace queue starting")

	for {
		if r, ok := q.tryDequeue(); ok {
			r.done <- q.apply(ctx, r)
			continue
		}

		select {
		case <-ctx.Done():
			q.Close()
			q.fail(ctx.Err())
			slog.Debug("workspace queue stopping: context cancelled")
			return ctx.Err()
		case <-q.signal:
			// The signal channel is closed by Close; an empty queue then
			// means we are done.
			if q.isClosed() && q.Len() == 0 {
				slog.Debug("workspace queue stopping: closed")
				return nil
			}
		}
	}
}

// apply runs r unless its submitter has already given up.
func (q *Queue) apply(ctx context.Context, r request) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.ws.Tx(r.ctx, r.tx)
}

// fail answers every waiting request with err.
func (q *Queue) fail(err error) {
	for {
		r, ok := q.tryDequeue()
		if !ok {
			return
		}
		r.done <- err
	}
}

func (q *Queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting submissions. Run drains what is already queued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
