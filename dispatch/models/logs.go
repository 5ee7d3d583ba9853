package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var nonLetters = regexp.MustCompile(`[^a-zA-Z]`)

// StepID derives the index key for a step log file: the base name without
// its extension, lowercased, with everything but ASCII letters removed.
// "1_Build.txt" becomes "build".
func StepID(filename string) string {
	stem := filename
	if i := strings.LastIndex(stem, "."); i > 0 {
		stem = stem[:i]
	}
	return nonLetters.ReplaceAllString(strings.ToLower(stem), "")
}

// LogIndex maps a job directory name to its step logs, keyed by StepID.
type LogIndex map[string]map[string]string

func (idx LogIndex) Add(job, step, text string) {
	steps, ok := idx[job]
	if !ok {
		steps = make(map[string]string)
		idx[job] = steps
	}
	steps[step] = text
}

func (idx LogIndex) Step(job, step string) (string, bool) {
	text, ok := idx[job][step]
	return text, ok
}

// Jobs returns the job names in sorted order.
func (idx LogIndex) Jobs() []string {
	jobs := make([]string, 0, len(idx))
	for j := range idx {
		jobs = append(jobs, j)
	}
	sort.Strings(jobs)
	return jobs
}

// LogMode selects when the run's logs are downloaded.
type LogMode string

const (
	LogsNever     LogMode = "never"
	LogsAlways    LogMode = "always"
	LogsOnFailure LogMode = "on-failure"
)

func ParseLogMode(s string) (LogMode, error) {
	switch m := LogMode(strings.ToLower(strings.TrimSpace(s))); m {
	case LogsNever, LogsAlways, LogsOnFailure:
		return m, nil
	default:
		return "", fmt.Errorf("unknown log mode %q (want never, always or on-failure)", s)
	}
}

// Wants reports whether logs should be fetched for a run that ended with c.
func (m LogMode) Wants(c Conclusion) bool {
	switch m {
	case LogsAlways:
		return true
	case LogsOnFailure:
		return !c.IsSuccess()
	default:
		return false
	}
}
