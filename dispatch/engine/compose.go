package engine

import "tangled.org/dispatch/dispatch/models"

// Compose assembles the result of a finished run. Failures and their display
// are only reported for runs that did not succeed; logs are included when
// they were fetched.
func Compose(run models.Run, logs models.LogIndex, failures []models.FailureEntry) models.WorkflowResult {
	result := models.WorkflowResult{
		RunID:      run.ID,
		RunURL:     run.HTMLURL,
		Conclusion: run.Conclusion,
		Logs:       logs,
	}

	if !run.Conclusion.IsSuccess() {
		if failures == nil {
			failures = []models.FailureEntry{}
		}
		display := models.FormatFailures(failures)
		result.Failures = failures
		result.FailuresDisplay = &display
	}

	return result
}
