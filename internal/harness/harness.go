package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/fixture"
	"github.com/roach88/wsdb/internal/hierarchy"
	"github.com/roach88/wsdb/internal/livequery"
	"github.com/roach88/wsdb/internal/model"
	"github.com/roach88/wsdb/internal/storage"
	"github.com/roach88/wsdb/internal/testutil"
	"github.com/roach88/wsdb/internal/txproc"
	"github.com/roach88/wsdb/internal/workspace"
)

// Account is the author of every scenario transaction that names none.
const Account core.Ref = "harness"

// Harness executes one scenario.
type Harness struct {
	ws      *workspace.Workspace
	live    *livequery.LiveQuery
	factory *core.TxFactory
	logger  *slog.Logger

	mu      sync.Mutex
	result  *Result
	seq     int64
	subs    map[string]*livequery.Subscription
	notices map[string]int
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh workspace in a temporary directory with
// sequential ids and a logical clock. The returned error covers failures of
// the harness itself (setup, I/O); scenario failures are reported in
// Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "wsdb-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		factory: testutil.NewTxFactory(Account),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:  NewResult(),
		subs:    make(map[string]*livequery.Subscription),
		notices: make(map[string]int),
	}

	factory := func(_ *hierarchy.Hierarchy, s *storage.WorkspaceStorage, _ *model.DB) ([]workspace.TxHandler, error) {
		h.live = livequery.New(s, h.logger)
		return []workspace.TxHandler{txproc.HandlerFunc(h.live.Process)}, nil
	}
	ws, err := workspace.Create(ctx, "scenario", workspace.Options{URI: dir, Logger: h.logger}, factory)
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	h.ws = ws
	defer ws.Close()

	if err := h.setup(ctx, scenario.Setup); err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	if err := h.subscribe(ctx, scenario.Subscriptions); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	defer h.unsubscribe()

	if err := h.steps(ctx, scenario.Steps); err != nil {
		return nil, fmt.Errorf("steps: %w", err)
	}

	actx := &AssertionContext{
		Ctx:           ctx,
		Client:        ws,
		Subscriptions: h.subs,
		Notifications: h.notices,
	}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) setup(ctx context.Context, entries []fixture.Entry) error {
	for _, tx := range fixture.MinModel() {
		if err := h.ws.Tx(ctx, tx); err != nil {
			return fmt.Errorf("core model: %w", err)
		}
	}
	for i, e := range entries {
		tx, err := e.Tx(h.factory)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if err := h.ws.Tx(ctx, tx); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	return nil
}

func (h *Harness) subscribe(ctx context.Context, subs []Subscription) error {
	for _, s := range subs {
		filter, err := toObject(s.Filter)
		if err != nil {
			return fmt.Errorf("subscription %s filter: %w", s.Name, err)
		}
		name := s.Name
		sub := h.live.Query(ctx, core.Ref(s.Class), filter, s.findOptions(), func(r livequery.Result) {
			h.notify(name, r)
		})
		h.subs[name] = sub
		if err := sub.Wait(ctx); err != nil {
			return fmt.Errorf("subscription %s: %w", name, err)
		}
		if err := sub.Err(); err != nil {
			return fmt.Errorf("subscription %s: %w", name, err)
		}
	}
	return nil
}

func (h *Harness) unsubscribe() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
}

func (h *Harness) notify(name string, r livequery.Result) {
	ids := make([]string, 0, len(r.Docs))
	for _, d := range r.Docs {
		ids = append(ids, string(d.ID))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices[name]++
	h.seq++
	h.result.Trace = append(h.result.Trace, TraceEvent{
		Type:         EventNotify,
		Seq:          h.seq,
		Subscription: name,
		IDs:          ids,
		Total:        r.Total,
	})
}

func (h *Harness) steps(ctx context.Context, steps []Step) error {
	for i, step := range steps {
		tx, err := step.Tx.Tx(h.factory)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}

		// The tx event is recorded before applying so it precedes the
		// notifications the tx causes.
		h.mu.Lock()
		h.seq++
		idx := len(h.result.Trace)
		h.result.Trace = append(h.result.Trace, TraceEvent{
			Type:   EventTx,
			Seq:    h.seq,
			Kind:   step.Tx.Kind,
			Object: string(tx.Header().ObjectID),
		})
		h.mu.Unlock()

		code := errorCode(h.ws.Tx(ctx, tx))

		h.mu.Lock()
		h.result.Trace[idx].Error = code
		h.mu.Unlock()

		if code != step.ExpectError {
			want := step.ExpectError
			if want == "" {
				want = "success"
			}
			got := code
			if got == "" {
				got = "success"
			}
			h.result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got %s",
				i, step.Tx.Kind, tx.Header().ObjectID, want, got))
		}
	}
	return nil
}

// errorCode classifies a workspace Tx error for the trace.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, workspace.ErrHandlerFailed):
		return HandlerErrorCode
	}
	if code := core.CodeOf(err); code != "" {
		return string(code)
	}
	return "UNKNOWN"
}

func toObject(m map[string]any) (core.Object, error) {
	if m == nil {
		return nil, nil
	}
	v, err := core.ValueOf(m)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(core.Object)
	if !ok {
		return nil, fmt.Errorf("expected object, got %T", v)
	}
	return obj, nil
}
