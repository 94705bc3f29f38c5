package harness

import "github.com/roach88/wsdb/internal/core"

// Trace event types.
const (
	EventTx     = "tx"
	EventNotify = "notify"
)

// TraceEvent is one applied step or one live-query notification.
type TraceEvent struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`

	// tx events
	Kind   string `json:"kind,omitempty"`
	Object string `json:"object,omitempty"`
	Error  string `json:"error,omitempty"`

	// notify events
	Subscription string   `json:"subscription,omitempty"`
	IDs          []string `json:"ids,omitempty"`
	Total        int      `json:"total,omitempty"`
}

// canonical returns the event as a core.Object for canonical JSON.
func (e TraceEvent) canonical() core.Object {
	obj := core.Object{
		"type": core.String(e.Type),
		"seq":  core.Int(e.Seq),
	}
	switch e.Type {
	case EventTx:
		obj["kind"] = core.String(e.Kind)
		obj["object"] = core.String(e.Object)
		if e.Error != "" {
			obj["error"] = core.String(e.Error)
		}
	case EventNotify:
		ids := make(core.Array, 0, len(e.IDs))
		for _, id := range e.IDs {
			ids = append(ids, core.String(id))
		}
		obj["subscription"] = core.String(e.Subscription)
		obj["ids"] = ids
		obj["total"] = core.Int(int64(e.Total))
	}
	return obj
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists steps and notifications in the order they happened.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
