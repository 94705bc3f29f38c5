package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/wsdb/internal/core"
)

// TraceSnapshot is the golden-compared form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// Canonical returns the snapshot as canonical JSON.
func (s *TraceSnapshot) Canonical() ([]byte, error) {
	trace := make(core.Array, 0, len(s.Trace))
	for _, e := range s.Trace {
		trace = append(trace, e.canonical())
	}
	return core.MarshalCanonical(core.Object{
		"scenario_name": core.String(s.ScenarioName),
		"trace":         trace,
	})
}

// RunWithGolden runs scenario, fails t if the scenario fails, and compares
// its trace with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Errorf("%s: %s", scenario.Name, msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares result's trace with the golden file for name.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	data, err := snapshot.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
