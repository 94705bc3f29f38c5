// Package livequery maintains live result sets over a Storage.
//
// Each subscription tracks the documents matching a (class, filter) pair
// inside a sort/limit window. Transactions are applied to every cached
// window incrementally; the backing store is only queried for the initial
// fetch and when an update moves a document onto the window boundary, where
// incremental reasoning cannot tell what should enter the window.
//
// # Subscription state
//
// A subscription's result is either Pending (the initial fetch is in flight)
// or Ready (an ordered window plus the total number of matching documents).
// A transaction reaching a Pending subscription waits for the fetch to
// resolve before touching the cache, so neither the initial population nor
// the delta is lost.
//
// # Delivery
//
// Notifications are computed under the engine lock and delivered outside
// it, in order, one queue per subscription. Callbacks may call back into
// the engine, including to unsubscribe. Unsubscribe drops every result still
// queued; a callback a concurrent delivery has already dequeued may still
// run after Unsubscribe returns.
package livequery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/operator"
	"github.com/roach88/wsdb/internal/query"
	"github.com/roach88/wsdb/internal/txproc"
)

var (
	notificationsTotal = metrics.GetOrCreateCounter("wsdb_livequery_notifications_total")
	refetchTotal       = metrics.GetOrCreateCounter("wsdb_livequery_refetch_total")
	refetchErrorsTotal = metrics.GetOrCreateCounter("wsdb_livequery_refetch_errors_total")
	fetchErrorsTotal   = metrics.GetOrCreateCounter("wsdb_livequery_fetch_errors_total")
)

// Result is what a callback receives: the ordered window and the total
// number of matching documents, independent of the limit.
type Result struct {
	Docs  []core.Doc
	Total int
}

// Callback receives every materially changed result. The Result is owned by
// the callee.
type Callback func(Result)

// resultState is the two-state union of a subscription's cached result.
type resultState interface {
	resultState()
}

// pending carries the outstanding initial fetch. done is closed once the
// fetch is resolved and its first notification delivered.
type pending struct {
	done chan struct{}
}

// ready carries the resolved window.
type ready struct {
	docs  []core.Doc
	total int
}

func (*pending) resultState() {}
func (*ready) resultState()   {}

// LiveQuery is a core.Client that also keeps subscriptions current.
//
// Thread-safe. Tx and Process must be called in log order by one writer at
// a time (the workspace guarantees this); Query, Unsubscribe and Snapshot
// may be called from any goroutine, including from callbacks.
type LiveQuery struct {
	client core.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*Subscription
	nextID uint64
}

var _ core.Client = (*LiveQuery)(nil)

// New creates an engine over client.
func New(client core.Client, logger *slog.Logger) *LiveQuery {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveQuery{client: client, logger: logger}
}

// FindAll delegates to the client.
func (q *LiveQuery) FindAll(ctx context.Context, class core.Ref, filter core.Object, opts *core.FindOptions) (core.FindResult, error) {
	return q.client.FindAll(ctx, class, filter, opts)
}

// IsDerived delegates to the client.
func (q *LiveQuery) IsDerived(class, base core.Ref) bool {
	return q.client.IsDerived(class, base)
}

// Tx forwards tx to the client, then updates every subscription.
func (q *LiveQuery) Tx(ctx context.Context, tx core.Tx) error {
	if err := q.client.Tx(ctx, tx); err != nil {
		return err
	}
	return q.Process(ctx, tx)
}

// Subscription is a standing query. Obtain one from Query.
type Subscription struct {
	engine   *LiveQuery
	id       uint64
	class    core.Ref
	filter   core.Object
	opts     core.FindOptions
	callback Callback
	closed   atomic.Bool

	// Guarded by engine.mu.
	state      resultState
	fetchErr   error
	queue      []Result
	delivering bool
}

// Query registers a subscription and issues its initial fetch
// asynchronously; the callback first fires when the fetch resolves.
func (q *LiveQuery) Query(ctx context.Context, class core.Ref, filter core.Object, opts *core.FindOptions, cb Callback) *Subscription {
	sub := &Subscription{
		engine:   q,
		class:    class,
		filter:   filter.Clone(),
		callback: cb,
		state:    &pending{done: make(chan struct{})},
	}
	if opts != nil {
		sub.opts = core.FindOptions{Sort: append([]core.SortKey(nil), opts.Sort...), Limit: opts.Limit}
	}

	q.mu.Lock()
	q.nextID++
	sub.id = q.nextID
	q.subs = append(q.subs, sub)
	q.mu.Unlock()

	go q.fetch(ctx, sub)
	return sub
}

// fetch resolves a pending subscription.
func (q *LiveQuery) fetch(ctx context.Context, sub *Subscription) {
	res, err := q.client.FindAll(ctx, sub.class, sub.filter, &sub.opts)

	q.mu.Lock()
	p, ok := sub.state.(*pending)
	if !ok {
		q.mu.Unlock()
		return
	}
	if err != nil {
		fetchErrorsTotal.Inc()
		q.logger.Error("live query fetch failed", "subscription", sub.id, "class", sub.class, "error", err)
		sub.fetchErr = err
		sub.state = &ready{docs: []core.Doc{}}
	} else {
		sub.state = &ready{docs: res.Docs, total: res.Total}
		q.enqueue(sub)
	}
	drain := q.claim(sub)
	q.mu.Unlock()

	if drain {
		q.drain(sub)
	}
	close(p.done)
}

// Unsubscribe stops further delivery immediately. An in-flight fetch is not
// cancelled; its result is discarded.
func (s *Subscription) Unsubscribe() {
	if s.closed.Swap(true) {
		return
	}
	q := s.engine
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, other := range q.subs {
		if other == s {
			q.subs = append(q.subs[:i:i], q.subs[i+1:]...)
			break
		}
	}
	s.queue = nil
}

// Snapshot returns a copy of the current window. ok is false while the
// initial fetch is pending.
func (s *Subscription) Snapshot() (res Result, ok bool) {
	q := s.engine
	q.mu.Lock()
	defer q.mu.Unlock()
	r, isReady := s.state.(*ready)
	if !isReady {
		return Result{}, false
	}
	return Result{Docs: query.Clone(r.docs), Total: r.total}, true
}

// Wait blocks until the initial fetch has resolved and been delivered.
func (s *Subscription) Wait(ctx context.Context) error {
	q := s.engine
	q.mu.Lock()
	p, isPending := s.state.(*pending)
	q.mu.Unlock()
	if !isPending {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the initial fetch error, if any.
func (s *Subscription) Err() error {
	q := s.engine
	q.mu.Lock()
	defer q.mu.Unlock()
	return s.fetchErr
}

// Len returns the number of open subscriptions.
func (q *LiveQuery) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Process applies a committed transaction to every subscription. It is the
// workspace handler entry point.
func (q *LiveQuery) Process(ctx context.Context, tx core.Tx) error {
	if err := q.lockResolved(ctx); err != nil {
		return err
	}

	var drains []*Subscription
	for _, sub := range q.subs {
		if sub.closed.Load() {
			continue
		}
		r := sub.state.(*ready)
		p := &processor{q: q, sub: sub, r: r}
		if err := txproc.Dispatch(ctx, p, tx); err != nil {
			q.mu.Unlock()
			return err
		}
		if q.claim(sub) {
			drains = append(drains, sub)
		}
	}
	q.mu.Unlock()

	for _, sub := range drains {
		q.drain(sub)
	}
	return nil
}

// lockResolved waits for every pending fetch, then returns holding q.mu
// with no subscription pending.
func (q *LiveQuery) lockResolved(ctx context.Context) error {
	for {
		q.mu.Lock()
		var waits []chan struct{}
		for _, sub := range q.subs {
			if p, ok := sub.state.(*pending); ok {
				waits = append(waits, p.done)
			}
		}
		if len(waits) == 0 {
			return nil
		}
		q.mu.Unlock()

		for _, done := range waits {
			select {
			case <-done:
			case <-ctx.Done():
				return fmt.Errorf("await live query fetch: %w", ctx.Err())
			}
		}
	}
}

// enqueue records the current window of sub for delivery. Caller holds q.mu.
func (q *LiveQuery) enqueue(sub *Subscription) {
	if sub.closed.Load() {
		return
	}
	r := sub.state.(*ready)
	sub.queue = append(sub.queue, Result{Docs: query.Clone(r.docs), Total: r.total})
}

// claim makes the caller the drainer of sub when it has queued results and
// nobody is draining. Caller holds q.mu.
func (q *LiveQuery) claim(sub *Subscription) bool {
	if sub.delivering || len(sub.queue) == 0 {
		return false
	}
	sub.delivering = true
	return true
}

// drain delivers queued results in order. Called without q.mu.
func (q *LiveQuery) drain(sub *Subscription) {
	for {
		q.mu.Lock()
		if len(sub.queue) == 0 || sub.closed.Load() {
			sub.queue = nil
			sub.delivering = false
			q.mu.Unlock()
			return
		}
		next := sub.queue[0]
		sub.queue = sub.queue[1:]
		q.mu.Unlock()

		if sub.closed.Load() {
			continue
		}
		notificationsTotal.Inc()
		sub.callback(next)
	}
}

// processor applies one transaction to one ready subscription.
// Runs with q.mu held.
type processor struct {
	q   *LiveQuery
	sub *Subscription
	r   *ready
}

func (p *processor) notify() {
	p.q.enqueue(p.sub)
}

func (p *processor) CreateDoc(_ context.Context, tx *core.CreateDoc) error {
	sub := p.sub
	if !p.q.client.IsDerived(tx.ObjectClass, sub.class) {
		return nil
	}
	doc := txproc.CreateDocToDoc(tx)
	if !query.Matches(&doc, sub.filter) {
		return nil
	}
	// The initial fetch may already have seen this document.
	if query.IndexOf(p.r.docs, doc.ID) >= 0 {
		return nil
	}

	p.r.docs = append(p.r.docs, doc)
	p.r.total++
	query.Sort(p.r.docs, &sub.opts)

	if limit := sub.opts.LimitValue(); limit > 0 && len(p.r.docs) > limit {
		popped := p.r.docs[len(p.r.docs)-1]
		p.r.docs = p.r.docs[:limit]
		if popped.ID != doc.ID {
			p.notify()
		}
		return nil
	}
	p.notify()
	return nil
}

func (p *processor) UpdateDoc(ctx context.Context, tx *core.UpdateDoc) error {
	sub := p.sub
	i := query.IndexOf(p.r.docs, tx.ObjectID)
	if i < 0 {
		return nil
	}

	res, err := operator.Apply(p.r.docs[i].Attributes, tx.Operations)
	if err != nil {
		p.q.logger.Warn("live query update not applied",
			"subscription", sub.id, "object_id", tx.ObjectID, "tx_id", tx.ID, "error", err)
		return nil
	}
	updated := p.r.docs[i]
	updated.Attributes = res.Attributes
	txproc.Stamp(&updated, tx)
	p.r.docs[i] = updated

	if needsSort(&sub.opts, res.Changed) {
		query.Sort(p.r.docs, &sub.opts)
	}

	limit := sub.opts.LimitValue()
	switch {
	case limit > 0 && len(p.r.docs) >= limit && query.IndexOf(p.r.docs, tx.ObjectID) == limit-1:
		p.refetch(ctx)
	case limit > 0 && len(p.r.docs) > limit:
		trimmed := p.r.docs[len(p.r.docs)-1]
		p.r.docs = p.r.docs[:limit]
		if trimmed.ID != tx.ObjectID {
			p.notify()
		}
	default:
		p.notify()
	}
	return nil
}

// needsSort reports whether an update touching changed invalidates the
// order.
func needsSort(opts *core.FindOptions, changed []string) bool {
	if !opts.Sorted() {
		return false
	}
	if opts.HasSortField(core.FieldModifiedBy) || opts.HasSortField(core.FieldModifiedOn) {
		return true
	}
	for _, field := range changed {
		if opts.HasSortField(field) {
			return true
		}
	}
	return false
}

// refetch replaces the window with the store's answer. On failure the
// locally updated window is kept and delivered.
func (p *processor) refetch(ctx context.Context) {
	sub := p.sub
	refetchTotal.Inc()
	res, err := p.q.client.FindAll(ctx, sub.class, sub.filter, &sub.opts)
	if err != nil {
		refetchErrorsTotal.Inc()
		p.q.logger.Error("live query refetch failed, keeping cached window",
			"subscription", sub.id, "class", sub.class, "error", err)
		p.notify()
		return
	}
	p.r.docs = res.Docs
	p.r.total = res.Total
	p.notify()
}

func (p *processor) RemoveDoc(_ context.Context, tx *core.RemoveDoc) error {
	i := query.IndexOf(p.r.docs, tx.ObjectID)
	if i < 0 {
		return nil
	}
	p.r.docs = append(p.r.docs[:i:i], p.r.docs[i+1:]...)
	p.r.total--
	p.notify()
	return nil
}
