package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted run of the engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is the CUE application config. Relative paths are resolved
	// against the scenario file.
	Config string `yaml:"config"`

	// Steps are applied in order; the engine is drained after each one.
	Steps []Step `yaml:"steps"`

	// Assertions validate the trace and final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one external event. Exactly one field other than Data is set.
type Step struct {
	Submit string         `yaml:"submit,omitempty"`
	Data   map[string]any `yaml:"data,omitempty"`

	Connect    bool `yaml:"connect,omitempty"`
	Disconnect bool `yaml:"disconnect,omitempty"`

	// Storage is "ready" or "never".
	Storage string `yaml:"storage,omitempty"`

	Resolve *uint64     `yaml:"resolve,omitempty"`
	Reject  *RejectStep `yaml:"reject,omitempty"`
	Patch   []PatchOp   `yaml:"patch,omitempty"`
	Frame   string      `yaml:"frame,omitempty"`

	FailSends *bool `yaml:"fail_sends,omitempty"`
}

// RejectStep is an authority rejection.
type RejectStep struct {
	ID     uint64 `yaml:"id"`
	Reason string `yaml:"reason"`
}

// PatchOp is one transformation of an authority patch.
type PatchOp struct {
	Op    string `yaml:"op"`
	Path  []any  `yaml:"path"`
	Value any    `yaml:"value,omitempty"`
}

// Storage step values.
const (
	StorageReady = "ready"
	StorageNever = "never"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind and Runner select trace events (trace_contains, trace_count).
	Kind   string  `yaml:"kind,omitempty"`
	Runner *uint64 `yaml:"runner,omitempty"`
	Action string  `yaml:"action,omitempty"`

	// Events is the expected relative order (trace_order), in
	// TraceEvent.String form.
	Events []string `yaml:"events,omitempty"`

	// Count is used by trace_count and live_runners.
	Count int `yaml:"count,omitempty"`

	// Path, Expect and Absent are used by model. Expect also holds the
	// expected columns for final_state.
	Path   []any `yaml:"path,omitempty"`
	Expect any   `yaml:"expect,omitempty"`
	Absent bool  `yaml:"absent,omitempty"`

	// IDs are the runner ids expected by sent.
	IDs []uint64 `yaml:"ids,omitempty"`

	// Table and Where select a row for final_state.
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertModel         = "model"
	AssertSent          = "sent"
	AssertLiveRunners   = "live_runners"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Config != "" && !filepath.IsAbs(scenario.Config) {
		scenario.Config = filepath.Join(filepath.Dir(path), scenario.Config)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config == "" {
		return fmt.Errorf("config is required")
	}
	if _, err := os.Stat(s.Config); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", s.Config)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step) error {
	set := 0
	for _, present := range []bool{
		st.Submit != "", st.Connect, st.Disconnect, st.Storage != "",
		st.Resolve != nil, st.Reject != nil, st.Patch != nil, st.Frame != "",
		st.FailSends != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one step kind must be set, found %d", index, set)
	}
	if st.Data != nil && st.Submit == "" {
		return fmt.Errorf("steps[%d]: data is only valid with submit", index)
	}
	if st.Storage != "" && st.Storage != StorageReady && st.Storage != StorageNever {
		return fmt.Errorf("steps[%d]: storage must be %q or %q", index, StorageReady, StorageNever)
	}
	for j, op := range st.Patch {
		if op.Op != "set" && op.Op != "delete" {
			return fmt.Errorf("steps[%d].patch[%d]: op must be set or delete", index, j)
		}
		if len(op.Path) == 0 {
			return fmt.Errorf("steps[%d].patch[%d]: path is required", index, j)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertModel:
		if len(a.Path) == 0 {
			return fmt.Errorf("assertions[%d]: path is required for model", index)
		}
		if a.Absent == (a.Expect != nil) {
			return fmt.Errorf("assertions[%d]: model needs exactly one of expect or absent", index)
		}
	case AssertSent:
		if a.IDs == nil {
			return fmt.Errorf("assertions[%d]: ids is required for sent (use [] for none)", index)
		}
	case AssertLiveRunners:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for live_runners", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if exp, ok := a.Expect.(map[string]any); !ok || len(exp) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
