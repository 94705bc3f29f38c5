package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/wsdb/internal/core"
	"github.com/roach88/wsdb/internal/fixture"
)

// Scenario is one executable test case.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Setup transactions are applied after the core model and before any
	// subscription opens. They must succeed.
	Setup []fixture.Entry `yaml:"setup,omitempty"`

	// Subscriptions are opened, and their initial fetch awaited, before the
	// first step.
	Subscriptions []Subscription `yaml:"subscriptions,omitempty"`

	// Steps are applied one at a time and traced.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Subscription declares a live query.
type Subscription struct {
	Name   string         `yaml:"name"`
	Class  string         `yaml:"class"`
	Filter map[string]any `yaml:"filter,omitempty"`
	Sort   []SortKey      `yaml:"sort,omitempty"`
	Limit  int            `yaml:"limit,omitempty"`
}

// SortKey is one sort key; Order is "asc" (default) or "desc".
type SortKey struct {
	Field string `yaml:"field"`
	Order string `yaml:"order,omitempty"`
}

// Step applies one transaction.
type Step struct {
	Tx fixture.Entry `yaml:"tx"`

	// ExpectError is the error code the transaction must fail with
	// (SCHEMA, CONSISTENCY, LOGIC, TRANSIENT_STORAGE or HANDLER). Empty
	// means it must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion checks final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Class and Filter select documents (find_count, find_doc).
	Class  string         `yaml:"class,omitempty"`
	Filter map[string]any `yaml:"filter,omitempty"`

	// Count is the expected number of documents (find_count) or
	// notifications (notification_count).
	Count int `yaml:"count,omitempty"`

	// Object and Expect check one document's attributes, subset match
	// (find_doc).
	Object string         `yaml:"object,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Subscription names a live query (window, notification_count).
	Subscription string `yaml:"subscription,omitempty"`

	// IDs and Total are the expected live window (window).
	IDs   []string `yaml:"ids,omitempty"`
	Total int      `yaml:"total,omitempty"`
}

// Assertion types.
const (
	AssertFindCount         = "find_count"
	AssertFindDoc           = "find_doc"
	AssertWindow            = "window"
	AssertNotificationCount = "notification_count"
)

// HandlerErrorCode marks a step whose transaction committed but a handler
// failed.
const HandlerErrorCode = "HANDLER"

var errorCodes = map[string]bool{
	string(core.ErrCodeSchema):           true,
	string(core.ErrCodeConsistency):      true,
	string(core.ErrCodeLogic):            true,
	string(core.ErrCodeTransientStorage): true,
	HandlerErrorCode:                     true,
}

// LoadScenario reads, parses and validates a scenario file. Unknown fields
// are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(path, data)
}

// ParseScenario parses and validates scenario data. filename is used in
// error messages only.
func ParseScenario(filename string, data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", filename, err)
	}
	if err := validateScenario(filename, &s); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filename, err)
	}
	return &s, nil
}

// LoadDir loads every *.yaml and *.yml scenario in dir, sorted by file
// name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

func validateScenario(filename string, s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	// Transactions go through the fixture schema.
	txs := append([]fixture.Entry(nil), s.Setup...)
	for _, step := range s.Steps {
		txs = append(txs, step.Tx)
	}
	data, err := yaml.Marshal(fixture.File{Transactions: txs})
	if err != nil {
		return fmt.Errorf("encode transactions: %w", err)
	}
	if err := fixture.Validate(filename, data); err != nil {
		return fmt.Errorf("transactions: %w", err)
	}

	names := make(map[string]bool, len(s.Subscriptions))
	for i, sub := range s.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscriptions[%d]: name is required", i)
		}
		if names[sub.Name] {
			return fmt.Errorf("subscriptions[%d]: duplicate name %q", i, sub.Name)
		}
		names[sub.Name] = true
		if sub.Class == "" {
			return fmt.Errorf("subscriptions[%d]: class is required", i)
		}
		if sub.Limit < 0 {
			return fmt.Errorf("subscriptions[%d]: limit must be non-negative", i)
		}
		for j, k := range sub.Sort {
			if k.Field == "" {
				return fmt.Errorf("subscriptions[%d].sort[%d]: field is required", i, j)
			}
			if _, err := parseOrder(k.Order); err != nil {
				return fmt.Errorf("subscriptions[%d].sort[%d]: %w", i, j, err)
			}
		}
	}

	for i, step := range s.Steps {
		if step.ExpectError != "" && !errorCodes[step.ExpectError] {
			return fmt.Errorf("steps[%d]: unknown expect_error %q", i, step.ExpectError)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, names); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion, subs map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFindCount:
		if a.Class == "" {
			return fmt.Errorf("assertions[%d]: class is required for find_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertFindDoc:
		if a.Class == "" || a.Object == "" {
			return fmt.Errorf("assertions[%d]: class and object are required for find_doc", index)
		}
	case AssertWindow, AssertNotificationCount:
		if !subs[a.Subscription] {
			return fmt.Errorf("assertions[%d]: unknown subscription %q", index, a.Subscription)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseOrder(order string) (core.SortOrder, error) {
	switch strings.ToLower(order) {
	case "", "asc":
		return core.Ascending, nil
	case "desc":
		return core.Descending, nil
	default:
		return 0, fmt.Errorf("unknown sort order %q", order)
	}
}

// findOptions converts the declared sort and limit.
func (s Subscription) findOptions() *core.FindOptions {
	opts := &core.FindOptions{Limit: s.Limit}
	for _, k := range s.Sort {
		order, _ := parseOrder(k.Order)
		opts.Sort = append(opts.Sort, core.SortKey{Field: k.Field, Order: order})
	}
	return opts
}
