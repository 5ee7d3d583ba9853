package models

import (
	"encoding/json"
	"fmt"
)

// WorkflowResult is everything a caller learns about a dispatched run.
// Optional fields are nil when the composer did not populate them.
type WorkflowResult struct {
	RunID      RunReference `json:"run_id" yaml:"run_id"`
	RunURL     string       `json:"run_url" yaml:"run_url"`
	Conclusion Conclusion   `json:"conclusion" yaml:"conclusion"`

	Failures        []FailureEntry `json:"failed_jobs,omitempty" yaml:"failed_jobs,omitempty"`
	FailuresDisplay *string        `json:"failed_jobs_display,omitempty" yaml:"failed_jobs_display,omitempty"`
	Logs            LogIndex       `json:"output,omitempty" yaml:"output,omitempty"`
}

func (r WorkflowResult) Failed() bool {
	return !r.Conclusion.IsSuccess()
}

// Output is a single key/value pair handed to the hosting CI system.
type Output struct {
	Key   string
	Value string
}

// Outputs flattens the result into ordered key/value pairs. Structured
// fields are JSON encoded; absent optional fields are omitted.
func (r WorkflowResult) Outputs() ([]Output, error) {
	outs := []Output{
		{Key: "run_id", Value: r.RunID.String()},
		{Key: "run_url", Value: r.RunURL},
		{Key: "conclusion", Value: r.Conclusion.String()},
	}

	if r.Failures != nil {
		b, err := json.Marshal(r.Failures)
		if err != nil {
			return nil, fmt.Errorf("encoding failed jobs: %w", err)
		}
		outs = append(outs, Output{Key: "failed_jobs", Value: string(b)})
	}

	if r.FailuresDisplay != nil {
		outs = append(outs, Output{Key: "failed_jobs_display", Value: *r.FailuresDisplay})
	}

	if r.Logs != nil {
		b, err := json.Marshal(r.Logs)
		if err != nil {
			return nil, fmt.Errorf("encoding logs: %w", err)
		}
		outs = append(outs, Output{Key: "output", Value: string(b)})
	}

	return outs, nil
}
