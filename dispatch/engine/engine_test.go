package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"tangled.org/dispatch/dispatch/archive"
	"tangled.org/dispatch/dispatch/github"
	"tangled.org/dispatch/dispatch/logs"
	"tangled.org/dispatch/dispatch/models"
)

var dispatchTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// instantTimer fires immediately and remembers every wait it was asked for.
type instantTimer struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (t *instantTimer) After(d time.Duration) <-chan time.Time {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- dispatchTime.Add(d)
	return ch
}

type stuckTimer struct{}

func (stuckTimer) After(time.Duration) <-chan time.Time {
	return make(chan time.Time)
}

type fakeAPI struct {
	dispatchErr error
	dispatched  []github.DispatchRequest

	runPages [][]models.Run
	listOpts []github.ListRunsOptions
	listErr  error

	statuses []models.Run
	getErr   error
	gets     int

	jobs    []models.Job
	jobsErr error
}

func (f *fakeAPI) DispatchWorkflow(_ context.Context, _ string, dr github.DispatchRequest) error {
	f.dispatched = append(f.dispatched, dr)
	return f.dispatchErr
}

func (f *fakeAPI) ListWorkflowRuns(_ context.Context, _ string, opts github.ListRunsOptions) ([]models.Run, error) {
	f.listOpts = append(f.listOpts, opts)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.runPages) == 0 {
		return nil, nil
	}
	page := f.runPages[0]
	if len(f.runPages) > 1 {
		f.runPages = f.runPages[1:]
	}
	return page, nil
}

func (f *fakeAPI) GetWorkflowRun(_ context.Context, _ models.RunReference) (*models.Run, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	run := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &run, nil
}

func (f *fakeAPI) ListRunJobs(_ context.Context, _ models.RunReference) ([]models.Job, error) {
	return f.jobs, f.jobsErr
}

type fakeLogs struct {
	idx   models.LogIndex
	err   error
	calls int
}

func (f *fakeLogs) FetchLogs(_ context.Context, _ models.RunReference) (models.LogIndex, error) {
	f.calls++
	return f.idx, f.err
}

func testOptions(timer *instantTimer) Options {
	opts := DefaultOptions()
	opts.Timer = timer
	opts.Now = func() time.Time { return dispatchTime }
	return opts
}

func TestDispatch(t *testing.T) {
	api := &fakeAPI{}
	opts := testOptions(&instantTimer{})
	opts.Inputs = map[string]string{"env": "prod"}
	e := New(context.Background(), api, nil, opts)

	since, err := e.Dispatch(context.Background(), "main", "release.yml")
	require.NoError(t, err)
	assert.Equal(t, dispatchTime, since)
	require.Len(t, api.dispatched, 1)
	assert.Equal(t, "main", api.dispatched[0].Ref)
	assert.Equal(t, "prod", api.dispatched[0].Inputs["env"])
}

func TestDispatchRejected(t *testing.T) {
	api := &fakeAPI{dispatchErr: &github.APIError{
		StatusCode: http.StatusNotFound,
		Message:    "Not Found",
		Body:       `{"message":"Not Found"}`,
	}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.Dispatch(context.Background(), "main", "release.yml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchRejected)

	var apiErr *github.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, `{"message":"Not Found"}`, apiErr.Body)
}

func TestDispatchNetworkError(t *testing.T) {
	api := &fakeAPI{dispatchErr: errors.New("connection reset")}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.Dispatch(context.Background(), "main", "release.yml")
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrDispatchRejected)
}

func TestDiscoverLatestRun(t *testing.T) {
	old := models.Run{ID: 40, HeadBranch: "main", CreatedAt: dispatchTime.Add(-time.Hour)}
	fresh := models.Run{ID: 42, HeadBranch: "main", CreatedAt: dispatchTime.Add(2 * time.Second)}
	skewed := models.Run{ID: 41, HeadBranch: "main", CreatedAt: dispatchTime.Add(-3 * time.Second)}

	tests := []struct {
		name     string
		pages    [][]models.Run
		mutate   func(*Options)
		wantID   models.RunReference
		wantList int
	}{
		{
			name:     "newest run after dispatch",
			pages:    [][]models.Run{{fresh, old}},
			wantID:   42,
			wantList: 1,
		},
		{
			name:     "waits until the run shows up",
			pages:    [][]models.Run{{old}, {old}, {fresh, old}},
			wantID:   42,
			wantList: 3,
		},
		{
			name:     "clock skew tolerated",
			pages:    [][]models.Run{{skewed, old}},
			wantID:   41,
			wantList: 1,
		},
		{
			name:     "unfiltered takes the first entry",
			pages:    [][]models.Run{{old}},
			mutate:   func(o *Options) { o.FilterRuns = false },
			wantID:   40,
			wantList: 1,
		},
		{
			name: "branch must match",
			pages: [][]models.Run{{
				{ID: 43, HeadBranch: "feature", CreatedAt: dispatchTime.Add(time.Second)},
				fresh,
			}},
			mutate:   func(o *Options) { o.MatchBranch = true },
			wantID:   42,
			wantList: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{runPages: tt.pages}
			timer := &instantTimer{}
			opts := testOptions(timer)
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			e := New(context.Background(), api, nil, opts)

			run, err := e.DiscoverLatestRun(context.Background(), "main", "release.yml", dispatchTime)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, run.ID)
			assert.Len(t, api.listOpts, tt.wantList)
			assert.Equal(t, "workflow_dispatch", api.listOpts[0].Event)
			assert.Equal(t, opts.MatchBranch, api.listOpts[0].Branch == "main")
			for _, w := range timer.waits {
				assert.Equal(t, opts.SettleDelay, w)
			}
		})
	}
}

func TestDiscoverLatestRunQualifiedRef(t *testing.T) {
	for _, ref := range []string{"refs/heads/main", "refs/tags/main", "main"} {
		t.Run(ref, func(t *testing.T) {
			api := &fakeAPI{runPages: [][]models.Run{{
				{ID: 42, HeadBranch: "main", CreatedAt: dispatchTime.Add(time.Second)},
			}}}
			opts := testOptions(&instantTimer{})
			opts.MatchBranch = true
			e := New(context.Background(), api, nil, opts)

			run, err := e.DiscoverLatestRun(context.Background(), ref, "release.yml", dispatchTime)
			require.NoError(t, err)
			assert.Equal(t, models.RunReference(42), run.ID)
			assert.Equal(t, "main", api.listOpts[0].Branch)
		})
	}
}

func TestBranchName(t *testing.T) {
	assert.Equal(t, "main", branchName("refs/heads/main"))
	assert.Equal(t, "release/v1", branchName("refs/heads/release/v1"))
	assert.Equal(t, "v1.2.0", branchName("refs/tags/v1.2.0"))
	assert.Equal(t, "refs/pull/7/merge", branchName("refs/pull/7/merge"))
	assert.Equal(t, "4b825dc", branchName("4b825dc"))
}

func TestDiscoverLatestRunNotFound(t *testing.T) {
	api := &fakeAPI{runPages: [][]models.Run{{{ID: 1, CreatedAt: dispatchTime.Add(-time.Hour)}}}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.DiscoverLatestRun(context.Background(), "main", "release.yml", dispatchTime)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Len(t, api.listOpts, 3)
}

func TestDiscoverLatestRunTransportError(t *testing.T) {
	api := &fakeAPI{listErr: &github.APIError{StatusCode: http.StatusInternalServerError}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.DiscoverLatestRun(context.Background(), "main", "release.yml", dispatchTime)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Len(t, api.listOpts, 1, "transport errors are not retried")
}

func TestAwaitCompletion(t *testing.T) {
	api := &fakeAPI{statuses: []models.Run{
		{ID: 42, Status: models.StatusQueued},
		{ID: 42, Status: models.StatusInProgress},
		{ID: 42, Status: models.StatusInProgress},
		{ID: 42, Status: models.StatusCompleted, Conclusion: models.ConclusionFailure},
	}}
	timer := &instantTimer{}
	e := New(context.Background(), api, nil, testOptions(timer))

	run, err := e.AwaitCompletion(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, models.ConclusionFailure, run.Conclusion)
	assert.Equal(t, 4, api.gets)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, timer.waits)
}

func TestAwaitCompletionTransportError(t *testing.T) {
	api := &fakeAPI{getErr: &github.APIError{StatusCode: http.StatusBadGateway, Body: "upstream"}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.AwaitCompletion(context.Background(), 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "upstream", github.ResponseBody(err))
	assert.Equal(t, 1, api.gets)
}

func TestAwaitCompletionCancelled(t *testing.T) {
	api := &fakeAPI{statuses: []models.Run{{ID: 42, Status: models.StatusInProgress}}}
	opts := testOptions(nil)
	opts.Timer = stuckTimer{}
	e := New(context.Background(), api, nil, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := e.AwaitCompletion(ctx, 42)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestFindFailures(t *testing.T) {
	api := &fakeAPI{jobs: []models.Job{
		{Name: "lint", HTMLURL: "https://x/job/0", Conclusion: models.ConclusionSuccess},
		{
			Name:       "build",
			HTMLURL:    "https://x/job/1",
			Conclusion: models.ConclusionFailure,
			Steps: []models.Step{
				{Name: "Checkout", Conclusion: models.ConclusionSuccess},
				{Name: "Build", Conclusion: models.ConclusionFailure},
			},
		},
	}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	failures, err := e.FindFailures(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, []models.FailureEntry{{URL: "https://x/job/1", FailedAt: "Build"}}, failures)
}

func TestFindFailuresMalformed(t *testing.T) {
	api := &fakeAPI{jobsErr: github.ErrMalformedResponse}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	failures, err := e.FindFailures(context.Background(), 42)
	require.NoError(t, err)
	assert.NotNil(t, failures)
	assert.Empty(t, failures)
}

func TestFindFailuresTransportError(t *testing.T) {
	api := &fakeAPI{jobsErr: &github.APIError{StatusCode: http.StatusNotFound}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.FindFailures(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFetchLogsErrors(t *testing.T) {
	fetcher := &fakeLogs{err: archive.ErrArchive}
	e := New(context.Background(), &fakeAPI{}, fetcher, testOptions(&instantTimer{}))

	_, err := e.FetchLogs(context.Background(), 42)
	assert.ErrorIs(t, err, archive.ErrArchive)
	assert.NotErrorIs(t, err, ErrTransport)

	fetcher.err = &github.APIError{StatusCode: http.StatusGone}
	_, err = e.FetchLogs(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTransport)

	fetcher.err = fmt.Errorf("%w: %w", logs.ErrDownload, errors.New("connection reset"))
	_, err = e.FetchLogs(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTransport)

	diskFull := &os.PathError{Op: "write", Path: "/tmp/dispatch-logs-1.zip", Err: errors.New("no space left on device")}
	fetcher.err = fmt.Errorf("creating archive file: %w", diskFull)
	_, err = e.FetchLogs(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, diskFull)
}

func TestTransportErrorRateLimited(t *testing.T) {
	api := &fakeAPI{getErr: &github.APIError{StatusCode: http.StatusForbidden, Message: "API rate limit exceeded for user"}}
	e := New(context.Background(), api, nil, testOptions(&instantTimer{}))

	_, err := e.AwaitCompletion(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrRateLimited)

	api.getErr = &github.APIError{StatusCode: http.StatusForbidden, Message: "Resource not accessible by integration"}
	_, err = e.AwaitCompletion(context.Background(), 42)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestInvoke(t *testing.T) {
	newRun := func(status models.RunStatus, c models.Conclusion) models.Run {
		return models.Run{
			ID:         42,
			Status:     status,
			Conclusion: c,
			HTMLURL:    "https://x/run/42",
			HeadBranch: "main",
			CreatedAt:  dispatchTime.Add(time.Second),
		}
	}
	failedJobs := []models.Job{{
		Name:       "build",
		HTMLURL:    "https://x/job/1",
		Conclusion: models.ConclusionFailure,
		Steps:      []models.Step{{Name: "Build", Conclusion: models.ConclusionFailure}},
	}}

	tests := []struct {
		name       string
		conclusion models.Conclusion
		mode       models.LogMode
		wantLogs   bool
		wantFailed bool
	}{
		{"failure always", models.ConclusionFailure, models.LogsAlways, true, true},
		{"failure never", models.ConclusionFailure, models.LogsNever, false, true},
		{"success on failure", models.ConclusionSuccess, models.LogsOnFailure, false, false},
		{"success always", models.ConclusionSuccess, models.LogsAlways, true, false},
		{"cancelled on failure", models.ConclusionCancelled, models.LogsOnFailure, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				runPages: [][]models.Run{{newRun(models.StatusQueued, "")}},
				statuses: []models.Run{
					newRun(models.StatusInProgress, ""),
					newRun(models.StatusCompleted, tt.conclusion),
				},
				jobs: failedJobs,
			}
			fetcher := &fakeLogs{idx: models.LogIndex{"build": {"build": "boom"}}}
			timer := &instantTimer{}
			opts := testOptions(timer)
			opts.LogMode = tt.mode
			e := New(context.Background(), api, fetcher, opts)

			result, err := e.Invoke(context.Background(), "main", "release.yml")
			require.NoError(t, err)

			assert.Equal(t, models.RunReference(42), result.RunID)
			assert.Equal(t, "https://x/run/42", result.RunURL)
			assert.Equal(t, tt.conclusion, result.Conclusion)
			assert.Equal(t, opts.SettleDelay, timer.waits[0], "settles before discovery")

			if tt.wantLogs {
				assert.Equal(t, 1, fetcher.calls)
				assert.Equal(t, "boom", result.Logs["build"]["build"])
			} else {
				assert.Zero(t, fetcher.calls)
				assert.Nil(t, result.Logs)
			}

			if tt.wantFailed {
				require.NotNil(t, result.FailuresDisplay)
				assert.Equal(t, "- [Build](https://x/job/1)", *result.FailuresDisplay)
				assert.Len(t, result.Failures, 1)
			} else {
				assert.Nil(t, result.Failures)
				assert.Nil(t, result.FailuresDisplay)
			}
		})
	}
}

func TestInvokeRecordsTelemetry(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	api := &fakeAPI{
		runPages: [][]models.Run{{{ID: 42, CreatedAt: dispatchTime.Add(time.Second)}}},
		statuses: []models.Run{
			{ID: 42, Status: models.StatusInProgress},
			{ID: 42, Status: models.StatusCompleted, Conclusion: models.ConclusionSuccess},
		},
	}
	opts := testOptions(&instantTimer{})
	opts.LogMode = models.LogsNever
	opts.Tracer = tp.Tracer("test")
	opts.Meter = mp.Meter("test")
	e := New(context.Background(), api, &fakeLogs{}, opts)

	_, err := e.Invoke(context.Background(), "main", "release.yml")
	require.NoError(t, err)

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"dispatch.Dispatch", "dispatch.AwaitCompletion", "dispatch.Invoke"}, names)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	polls := rm.ScopeMetrics[0].Metrics[0]
	assert.Equal(t, "dispatch_status_polls", polls.Name)
	sum, ok := polls.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)
}

func TestInvokeStopsOnRejectedDispatch(t *testing.T) {
	api := &fakeAPI{dispatchErr: &github.APIError{StatusCode: http.StatusUnprocessableEntity}}
	e := New(context.Background(), api, &fakeLogs{}, testOptions(&instantTimer{}))

	_, err := e.Invoke(context.Background(), "main", "release.yml")
	assert.ErrorIs(t, err, ErrDispatchRejected)
	assert.Empty(t, api.listOpts)
	assert.Zero(t, api.gets)
}
