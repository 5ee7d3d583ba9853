package engine

import "errors"

var (
	// ErrDispatchRejected means the dispatch call did not answer 204.
	ErrDispatchRejected = errors.New("workflow dispatch rejected")
	// ErrTransport means a read of run state or logs got an unexpected
	// status or never got an answer.
	ErrTransport = errors.New("unexpected response from github")
	// ErrRateLimited accompanies ErrTransport when GitHub refused the request
	// because a rate limit was hit.
	ErrRateLimited = errors.New("github rate limit exceeded")
	// ErrRunNotFound means discovery found no run matching the dispatch.
	ErrRunNotFound = errors.New("no run found for dispatch")
)

// errRunPending keeps the poll loop going while a run is not terminal.
var errRunPending = errors.New("run not completed yet")
