package models

import (
	"fmt"
	"strings"
)

type Step struct {
	Number     int        `json:"number"`
	Name       string     `json:"name"`
	Status     RunStatus  `json:"status"`
	Conclusion Conclusion `json:"conclusion"`
}

type Job struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	HTMLURL    string     `json:"html_url"`
	Status     RunStatus  `json:"status"`
	Conclusion Conclusion `json:"conclusion"`
	Steps      []Step     `json:"steps"`
}

// FailedSteps returns the steps that concluded with a failure, in order.
// Jobs that did not fail report none, even if a step inside them failed
// with continue-on-error.
func (j Job) FailedSteps() []Step {
	if !j.Conclusion.IsFailure() {
		return nil
	}

	var failed []Step
	for _, s := range j.Steps {
		if s.Conclusion.IsFailure() {
			failed = append(failed, s)
		}
	}
	return failed
}

type JobsPage struct {
	TotalCount int   `json:"total_count"`
	Jobs       []Job `json:"jobs"`
}

// FailureEntry points at the step that broke a job.
type FailureEntry struct {
	URL      string `json:"url" yaml:"url"`
	FailedAt string `json:"failed_at" yaml:"failed_at"`
}

// Display renders the entry as a markdown link, "- [step](url)".
func (f FailureEntry) Display() string {
	return fmt.Sprintf("- [%s](%s)", f.FailedAt, f.URL)
}

// CollectFailures flattens every failed step of every failed job into
// failure entries, in job then step order.
func CollectFailures(jobs []Job) []FailureEntry {
	failures := []FailureEntry{}
	for _, j := range jobs {
		for _, s := range j.FailedSteps() {
			failures = append(failures, FailureEntry{
				URL:      j.HTMLURL,
				FailedAt: s.Name,
			})
		}
	}
	return failures
}

// FormatFailures renders one display line per entry.
func FormatFailures(failures []FailureEntry) string {
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, f.Display())
	}
	return strings.Join(lines, "\n")
}
