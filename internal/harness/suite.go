package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	TotalScenarios int            `json:"total_scenarios"`
	Passed         int            `json:"passed"`
	Failed         int            `json:"failed"`
	Failures       []SuiteFailure `json:"failures,omitempty"`
}

// SuiteFailure represents one scenario that did not pass.
type SuiteFailure struct {
	Scenario     string `json:"scenario,omitempty"`
	ScenarioPath string `json:"scenario_path"`
	Error        string `json:"error"`
}

// FindScenarios lists the scenario files of dir (*.yaml and *.yml, not
// recursive) in lexical order. A file path is returned as-is.
func FindScenarios(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RunDir loads and runs every scenario under path. A scenario that fails to
// load, errors while running or fails an assertion counts as failed; RunDir
// itself only errors when path cannot be read or ctx is done.
func RunDir(ctx context.Context, path string) (*SuiteResult, error) {
	paths, err := FindScenarios(path)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{}
	for _, scenarioPath := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.TotalScenarios++

		scenario, err := LoadScenario(scenarioPath)
		if err != nil {
			result.fail("", scenarioPath, fmt.Sprintf("failed to load scenario: %v", err))
			continue
		}

		runResult, err := Run(scenario)
		if err != nil {
			result.fail(scenario.Name, scenarioPath, fmt.Sprintf("scenario execution failed: %v", err))
			continue
		}
		if !runResult.Pass {
			result.fail(scenario.Name, scenarioPath, fmt.Sprintf("scenario assertions failed: %v", runResult.Errors))
			continue
		}
		result.Passed++
	}
	return result, nil
}

func (r *SuiteResult) fail(name, path, msg string) {
	r.Failed++
	r.Failures = append(r.Failures, SuiteFailure{Scenario: name, ScenarioPath: path, Error: msg})
}
