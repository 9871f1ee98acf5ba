package runner

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/afero"

	"github.com/yuya-takeyama/fileshare/pkg/diff"
	"github.com/yuya-takeyama/fileshare/pkg/executor"
)

// PlanResult represents the planned operations before execution
type PlanResult struct {
	Mode    string         `json:"mode"`
	Files   []PlanFile     `json:"files"`
	Summary map[string]int `json:"summary"`
}

type PlanFile struct {
	Action diff.Kind `json:"action"`
	Path   string    `json:"path"`
	Dir    bool      `json:"dir,omitempty"`
	Reason string    `json:"reason"`
}

// SyncResult represents the actual execution results
type SyncResult struct {
	Mode    string        `json:"mode"`
	Files   []ResultFile  `json:"files"`
	Errors  []ErrorFile   `json:"errors"`
	Summary ResultSummary `json:"summary"`
}

type ResultFile struct {
	Action diff.Kind `json:"action"`
	Path   string    `json:"path"`
}

type ErrorFile struct {
	Action diff.Kind `json:"action"`
	Path   string    `json:"path"`
	Error  string    `json:"error"`
}

type ResultSummary struct {
	Applied map[string]int `json:"applied"`
	Failed  int            `json:"failed"`
}

func NewPlanResult(mode Mode, actions []diff.Action) PlanResult {
	plan := PlanResult{
		Mode:    mode.String(),
		Files:   []PlanFile{},
		Summary: map[string]int{},
	}
	for _, a := range actions {
		plan.Files = append(plan.Files, PlanFile{
			Action: a.Kind(),
			Path:   a.Path(),
			Dir:    a.IsDir(),
			Reason: a.Kind().Description(),
		})
		plan.Summary[a.Kind().String()]++
	}
	return plan
}

func NewSyncResult(mode Mode, results []executor.Result) SyncResult {
	res := SyncResult{
		Mode:    mode.String(),
		Files:   []ResultFile{},
		Errors:  []ErrorFile{},
		Summary: ResultSummary{Applied: map[string]int{}},
	}
	for _, r := range results {
		if r.Error != nil {
			res.Errors = append(res.Errors, ErrorFile{
				Action: r.Action.Kind(),
				Path:   r.Action.Path(),
				Error:  r.Error.Error(),
			})
			res.Summary.Failed++
			continue
		}
		res.Files = append(res.Files, ResultFile{Action: r.Action.Kind(), Path: r.Action.Path()})
		res.Summary.Applied[r.Action.Kind().String()]++
	}
	return res
}

func writeJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}
