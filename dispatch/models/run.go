package models

import (
	"strconv"
	"time"
)

// RunReference is the identifier the platform assigns to a run once a
// dispatch has been accepted.
type RunReference int64

func (r RunReference) String() string {
	return strconv.FormatInt(int64(r), 10)
}

type RunStatus string

const (
	StatusRequested  RunStatus = "requested"
	StatusWaiting    RunStatus = "waiting"
	StatusPending    RunStatus = "pending"
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
)

// IsTerminal reports whether no further status transitions will happen.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted
}

func (s RunStatus) String() string {
	return string(s)
}

type Conclusion string

const (
	ConclusionSuccess        Conclusion = "success"
	ConclusionFailure        Conclusion = "failure"
	ConclusionCancelled      Conclusion = "cancelled"
	ConclusionSkipped        Conclusion = "skipped"
	ConclusionTimedOut       Conclusion = "timed_out"
	ConclusionActionRequired Conclusion = "action_required"
	ConclusionNeutral        Conclusion = "neutral"
	ConclusionStale          Conclusion = "stale"
)

func (c Conclusion) IsSuccess() bool {
	return c == ConclusionSuccess
}

func (c Conclusion) IsFailure() bool {
	return c == ConclusionFailure
}

func (c Conclusion) String() string {
	return string(c)
}

// Run is a single execution of a dispatched workflow, as reported by the
// runs API.
type Run struct {
	ID         RunReference `json:"id"`
	Name       string       `json:"name"`
	Status     RunStatus    `json:"status"`
	Conclusion Conclusion   `json:"conclusion"`
	HTMLURL    string       `json:"html_url"`
	HeadBranch string       `json:"head_branch"`
	HeadSha    string       `json:"head_sha"`
	Event      string       `json:"event"`
	RunNumber  int          `json:"run_number"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (r Run) Terminal() bool {
	return r.Status.IsTerminal()
}

// CreatedSince reports whether the run was created at or after t.
func (r Run) CreatedSince(t time.Time) bool {
	return !r.CreatedAt.Before(t)
}

type RunsPage struct {
	TotalCount   int   `json:"total_count"`
	WorkflowRuns []Run `json:"workflow_runs"`
}
