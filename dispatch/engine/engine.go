package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"tangled.org/dispatch/dispatch/archive"
	"tangled.org/dispatch/dispatch/github"
	"tangled.org/dispatch/dispatch/logs"
	"tangled.org/dispatch/dispatch/models"
	"tangled.org/dispatch/log"
)

const instrumentationName = "tangled.org/dispatch/engine"

// API is the slice of the GitHub Actions API the engine drives.
type API interface {
	DispatchWorkflow(ctx context.Context, workflowID string, dr github.DispatchRequest) error
	ListWorkflowRuns(ctx context.Context, workflowID string, opts github.ListRunsOptions) ([]models.Run, error)
	GetWorkflowRun(ctx context.Context, runID models.RunReference) (*models.Run, error)
	ListRunJobs(ctx context.Context, runID models.RunReference) ([]models.Job, error)
}

type LogFetcher interface {
	FetchLogs(ctx context.Context, runID models.RunReference) (models.LogIndex, error)
}

type Options struct {
	// SettleDelay is waited after dispatching and between discovery
	// attempts, giving GitHub time to create the run.
	SettleDelay       time.Duration
	PollInterval      time.Duration
	DiscoveryAttempts uint
	// DiscoverySkew tolerates clock drift between this host and GitHub when
	// comparing run creation times with the dispatch time.
	DiscoverySkew time.Duration
	// FilterRuns restricts discovery to runs created after the dispatch.
	// When false the newest run is taken as is.
	FilterRuns  bool
	MatchBranch bool
	RunsPerPage int
	LogMode     models.LogMode
	Inputs      map[string]string

	// Tracer and Meter default to the global providers.
	Tracer trace.Tracer
	Meter  otelmetric.Meter

	Timer retry.Timer
	Now   func() time.Time
}

func DefaultOptions() Options {
	return Options{
		SettleDelay:       10 * time.Second,
		PollInterval:      30 * time.Second,
		DiscoveryAttempts: 3,
		DiscoverySkew:     5 * time.Second,
		FilterRuns:        true,
		RunsPerPage:       10,
		LogMode:           models.LogsAlways,
	}
}

// Engine drives a single dispatched run from trigger to result.
type Engine struct {
	api  API
	logs LogFetcher
	opts Options
	l    *slog.Logger

	tracer trace.Tracer
	polls  otelmetric.Int64Counter
}

type realTimer struct{}

func (realTimer) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func New(ctx context.Context, api API, lf LogFetcher, opts Options) *Engine {
	if opts.Timer == nil {
		opts.Timer = realTimer{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DiscoveryAttempts == 0 {
		opts.DiscoveryAttempts = 1
	}
	if opts.RunsPerPage <= 0 {
		opts.RunsPerPage = 10
	}
	if opts.LogMode == "" {
		opts.LogMode = models.LogsAlways
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(instrumentationName)
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter(instrumentationName)
	}

	polls, err := opts.Meter.Int64Counter(
		"dispatch_status_polls",
		otelmetric.WithDescription("Number of run status requests made while waiting for completion."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create dispatch_status_polls counter: %v", err))
	}

	return &Engine{
		api:    api,
		logs:   lf,
		opts:   opts,
		l:      log.SubLogger(log.FromContext(ctx), "engine"),
		tracer: opts.Tracer,
		polls:  polls,
	}
}

// Dispatch triggers workflowID on ref. It returns the time taken just before
// the request, which discovery uses to tell this run from older ones.
func (e *Engine) Dispatch(ctx context.Context, ref, workflowID string) (time.Time, error) {
	dispatchedAt := e.opts.Now()

	err := e.api.DispatchWorkflow(ctx, workflowID, github.DispatchRequest{
		Ref:    ref,
		Inputs: e.opts.Inputs,
	})
	if err != nil {
		var apiErr *github.APIError
		if errors.As(err, &apiErr) {
			e.l.Error("dispatch rejected", "workflow", workflowID, "ref", ref, "status", apiErr.StatusCode, "body", apiErr.Body)
			return time.Time{}, fmt.Errorf("%w: %w", ErrDispatchRejected, err)
		}
		return time.Time{}, e.transportErr(ctx, err)
	}

	e.l.Info("workflow dispatched", "workflow", workflowID, "ref", ref)
	return dispatchedAt, nil
}

// DiscoverLatestRun finds the run created by a dispatch made at since. It
// retries with the settle delay between attempts while nothing matches.
//
// Two dispatches of the same workflow on the same ref within the skew
// window cannot be told apart; the newest one wins.
func (e *Engine) DiscoverLatestRun(ctx context.Context, ref, workflowID string, since time.Time) (*models.Run, error) {
	branch := branchName(ref)
	opts := github.ListRunsOptions{
		Event:   "workflow_dispatch",
		PerPage: e.opts.RunsPerPage,
	}
	if e.opts.MatchBranch {
		opts.Branch = branch
	}
	cutoff := since.Add(-e.opts.DiscoverySkew)
	if e.opts.FilterRuns {
		opts.CreatedAfter = cutoff
	}

	return retry.DoWithData(
		func() (*models.Run, error) {
			runs, err := e.api.ListWorkflowRuns(ctx, workflowID, opts)
			if err != nil {
				return nil, retry.Unrecoverable(e.transportErr(ctx, err))
			}
			return e.pickRun(runs, branch, cutoff)
		},
		retry.Attempts(e.opts.DiscoveryAttempts),
		retry.Delay(e.opts.SettleDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrRunNotFound)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.l.Info("run not visible yet, retrying discovery", "attempt", n+1, "workflow", workflowID)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.WithTimer(e.opts.Timer),
	)
}

func (e *Engine) pickRun(runs []models.Run, branch string, cutoff time.Time) (*models.Run, error) {
	if !e.opts.FilterRuns {
		if len(runs) == 0 {
			return nil, ErrRunNotFound
		}
		return &runs[0], nil
	}

	for i := range runs {
		r := &runs[i]
		if !r.CreatedSince(cutoff) {
			continue
		}
		if e.opts.MatchBranch && r.HeadBranch != branch {
			continue
		}
		return r, nil
	}

	return nil, fmt.Errorf("%w: none created since %s", ErrRunNotFound, cutoff.UTC().Format(time.RFC3339))
}

// AwaitCompletion polls the run at a fixed interval until it reaches a
// terminal status and returns its final state. There is no iteration limit;
// cancel ctx to stop waiting. The remote run keeps going either way.
func (e *Engine) AwaitCompletion(ctx context.Context, runID models.RunReference) (*models.Run, error) {
	started := e.opts.Now()
	l := e.l.With("run", runID)

	run, err := retry.DoWithData(
		func() (*models.Run, error) {
			e.polls.Add(ctx, 1)

			run, err := e.api.GetWorkflowRun(ctx, runID)
			if err != nil {
				return nil, retry.Unrecoverable(e.transportErr(ctx, err))
			}

			l.Info("run status", "status", run.Status, "conclusion", run.Conclusion)
			if !run.Terminal() {
				return nil, errRunPending
			}
			return run, nil
		},
		retry.Attempts(0),
		retry.Delay(e.opts.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRunPending)
		}),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.WithTimer(e.opts.Timer),
	)
	if err != nil {
		return nil, err
	}

	l.Info("run completed", "conclusion", run.Conclusion, "started", humanize.Time(started))
	return run, nil
}

// FindFailures lists the failed steps of every failed job in the run. A job
// list that cannot be decoded yields no failures rather than an error.
func (e *Engine) FindFailures(ctx context.Context, runID models.RunReference) ([]models.FailureEntry, error) {
	jobs, err := e.api.ListRunJobs(ctx, runID)
	if errors.Is(err, github.ErrMalformedResponse) {
		e.l.Warn("could not decode job list, reporting no failures", "run", runID, "err", err)
		return []models.FailureEntry{}, nil
	}
	if err != nil {
		return nil, e.transportErr(ctx, err)
	}

	return models.CollectFailures(jobs), nil
}

// FetchLogs returns the sanitized log index of the run. Only failures to
// download the archive count as ErrTransport; local faults pass through.
func (e *Engine) FetchLogs(ctx context.Context, runID models.RunReference) (models.LogIndex, error) {
	idx, err := e.logs.FetchLogs(ctx, runID)
	if err == nil {
		return idx, nil
	}

	var apiErr *github.APIError
	switch {
	case errors.Is(err, logs.ErrDownload), errors.As(err, &apiErr):
		return nil, e.transportErr(ctx, err)
	case errors.Is(err, archive.ErrArchive):
		e.l.Error("log archive unreadable", "run", runID, "err", err)
		return nil, err
	default:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.l.Error("reading run logs failed", "run", runID, "err", err)
		return nil, err
	}
}

// Invoke runs the whole lifecycle: dispatch, settle, discover, wait, then
// gather logs and failures as configured.
func (e *Engine) Invoke(ctx context.Context, ref, workflowID string) (*models.WorkflowResult, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.Invoke", trace.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("ref", ref),
	))
	defer span.End()

	run, err := e.trigger(ctx, ref, workflowID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("run_id", int64(run.ID)))

	run, err = runPhase(ctx, e.tracer, "dispatch.AwaitCompletion", func(ctx context.Context) (*models.Run, error) {
		return e.AwaitCompletion(ctx, run.ID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("conclusion", run.Conclusion.String()))

	var idx models.LogIndex
	if e.opts.LogMode.Wants(run.Conclusion) {
		idx, err = runPhase(ctx, e.tracer, "dispatch.FetchLogs", func(ctx context.Context) (models.LogIndex, error) {
			return e.FetchLogs(ctx, run.ID)
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	var failures []models.FailureEntry
	if !run.Conclusion.IsSuccess() {
		failures, err = runPhase(ctx, e.tracer, "dispatch.FindFailures", func(ctx context.Context) ([]models.FailureEntry, error) {
			return e.FindFailures(ctx, run.ID)
		})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	result := Compose(*run, idx, failures)
	return &result, nil
}

func (e *Engine) trigger(ctx context.Context, ref, workflowID string) (*models.Run, error) {
	return runPhase(ctx, e.tracer, "dispatch.Dispatch", func(ctx context.Context) (*models.Run, error) {
		since, err := e.Dispatch(ctx, ref, workflowID)
		if err != nil {
			return nil, err
		}

		if err := e.sleep(ctx, e.opts.SettleDelay); err != nil {
			return nil, err
		}

		run, err := e.DiscoverLatestRun(ctx, ref, workflowID, since)
		if err != nil {
			return nil, err
		}

		e.l.Info("run discovered", "run", run.ID, "url", run.HTMLURL)
		return run, nil
	})
}

// branchName reduces a fully qualified ref to the short name GitHub reports
// as a run's head_branch.
func branchName(ref string) string {
	for _, prefix := range []string{"refs/heads/", "refs/tags/"} {
		if name, ok := strings.CutPrefix(ref, prefix); ok {
			return name
		}
	}
	return ref
}

func runPhase[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return v, err
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-e.opts.Timer.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transportErr wraps err in ErrTransport unless ctx was cancelled, in which
// case the context error is returned untouched.
func (e *Engine) transportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if github.IsRateLimited(err) {
		e.l.Error("github rate limit exceeded", "err", err)
		return fmt.Errorf("%w: %w: %w", ErrTransport, ErrRateLimited, err)
	}

	if body := github.ResponseBody(err); body != "" {
		e.l.Error("github request failed", "err", err, "body", body)
	} else {
		e.l.Error("github request failed", "err", err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
