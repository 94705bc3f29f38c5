package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/livequery"
)

// AssertionContext is what assertions are evaluated against.
type AssertionContext struct {
	Ctx           context.Context
	Client        core.Client
	Subscriptions map[string]*livequery.Subscription
	Notifications map[string]int
}

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		if err := evaluate(a, actx); err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func evaluate(a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertFindCount:
		return assertFindCount(a, actx)
	case AssertFindDoc:
		return assertFindDoc(a, actx)
	case AssertWindow:
		return assertWindow(a, actx)
	case AssertNotificationCount:
		return assertNotificationCount(a, actx)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertFindCount(a Assertion, actx *AssertionContext) error {
	filter, err := toObject(a.Filter)
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	res, err := actx.Client.FindAll(actx.Ctx, core.Ref(a.Class), filter, nil)
	if err != nil {
		return fmt.Errorf("find %s: %w", a.Class, err)
	}
	if res.Total != a.Count {
		return &AssertionError{
			Type:     AssertFindCount,
			Expected: fmt.Sprintf("%d documents of %s matching %v", a.Count, a.Class, a.Filter),
			Actual:   fmt.Sprintf("%d documents: %s", res.Total, joinIDs(res.Docs)),
		}
	}
	return nil
}

func assertFindDoc(a Assertion, actx *AssertionContext) error {
	res, err := actx.Client.FindAll(actx.Ctx, core.Ref(a.Class), core.Object{core.FieldID: core.String(a.Object)}, nil)
	if err != nil {
		return fmt.Errorf("find %s: %w", a.Object, err)
	}
	if len(res.Docs) != 1 {
		return &AssertionError{
			Type:     AssertFindDoc,
			Expected: fmt.Sprintf("document %s of %s", a.Object, a.Class),
			Actual:   "not found",
		}
	}
	expect, err := toObject(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	doc := res.Docs[0]
	for _, field := range expect.SortedKeys() {
		got, _ := doc.Get(field)
		if !core.Equal(got, expect[field]) {
			return &AssertionError{
				Type:     AssertFindDoc,
				Expected: fmt.Sprintf("%s.%s = %s", a.Object, field, render(expect[field])),
				Actual:   render(got),
			}
		}
	}
	return nil
}

func assertWindow(a Assertion, actx *AssertionContext) error {
	sub, ok := actx.Subscriptions[a.Subscription]
	if !ok {
		return fmt.Errorf("unknown subscription %q", a.Subscription)
	}
	snap, ready := sub.Snapshot()
	if !ready {
		return &AssertionError{Type: AssertWindow, Expected: "resolved window", Actual: "pending"}
	}

	got := make([]string, 0, len(snap.Docs))
	for _, d := range snap.Docs {
		got = append(got, string(d.ID))
	}
	want := a.IDs
	if want == nil {
		want = []string{}
	}
	if strings.Join(got, ",") != strings.Join(want, ",") || snap.Total != a.Total {
		return &AssertionError{
			Type:     AssertWindow,
			Expected: fmt.Sprintf("[%s] total %d", strings.Join(want, ", "), a.Total),
			Actual:   fmt.Sprintf("[%s] total %d", strings.Join(got, ", "), snap.Total),
		}
	}
	return nil
}

func assertNotificationCount(a Assertion, actx *AssertionContext) error {
	if got := actx.Notifications[a.Subscription]; got != a.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d notifications for %s", a.Count, a.Subscription),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func joinIDs(docs []core.Doc) string {
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, string(d.ID))
	}
	return "[" + strings.Join(ids, ", ") + "]"
}

func render(v core.Value) string {
	b, err := core.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
