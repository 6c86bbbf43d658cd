package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/lofi/internal/ir"
)

// TraceSnapshot captures the trace and final model of a scenario run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Model        ir.IRObject  `json:"model"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// This is required because ir.MarshalCanonical only handles IR types and primitives.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"seq":  event.Seq,
			"kind": event.Kind,
		}
		if event.Runner != nil {
			eventMap["runner_id"] = *event.Runner
		}
		if event.Action != "" {
			eventMap["action"] = event.Action
		}
		if event.Detail != "" {
			eventMap["detail"] = event.Detail
		}
		traceList[i] = eventMap
	}

	model := s.Model
	if model == nil {
		model = ir.IRObject{}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"model":         model,
	}
}

// Canonical renders the snapshot as canonical JSON.
func (s *TraceSnapshot) Canonical() ([]byte, error) {
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace and final model
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Trace:        result.Trace,
		Model:        result.Model,
	}
	data, err := snapshot.Canonical()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
