package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"tangled.org/dispatch/dispatch/models"
)

// jobsPerPage is the largest page the jobs endpoint serves.
const jobsPerPage = 100

type DispatchRequest struct {
	// Ref is the branch, tag or commit the workflow runs against.
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// DispatchWorkflow fires a workflow_dispatch event. GitHub answers 204 with
// no body and no run id; the run has to be discovered afterwards.
func (c *Client) DispatchWorkflow(ctx context.Context, workflowID string, dr DispatchRequest) error {
	req, err := c.newRequest(ctx, http.MethodPost, c.repoPath("actions", "workflows", workflowID, "dispatches"), nil, dr)
	if err != nil {
		return err
	}

	_, _, err = c.do(req, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("dispatching workflow %s in %s: %w", workflowID, c.cred, err)
	}

	return nil
}

type ListRunsOptions struct {
	Event   string
	Branch  string
	PerPage int
	// CreatedAfter narrows the server-side listing with created=>=...
	CreatedAfter time.Time
}

func (o ListRunsOptions) query() url.Values {
	q := url.Values{}
	if o.Event != "" {
		q.Set("event", o.Event)
	}
	if o.Branch != "" {
		q.Set("branch", o.Branch)
	}
	if o.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(o.PerPage))
	}
	if !o.CreatedAfter.IsZero() {
		q.Set("created", ">="+o.CreatedAfter.UTC().Format(time.RFC3339))
	}
	return q
}

// ListWorkflowRuns lists runs of a workflow, newest first.
func (c *Client) ListWorkflowRuns(ctx context.Context, workflowID string, opts ListRunsOptions) ([]models.Run, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.repoPath("actions", "workflows", workflowID, "runs"), opts.query(), nil)
	if err != nil {
		return nil, err
	}

	page, err := get[models.RunsPage](c, req)
	if err != nil {
		return nil, fmt.Errorf("listing runs of workflow %s in %s: %w", workflowID, c.cred, err)
	}

	return page.WorkflowRuns, nil
}

func (c *Client) GetWorkflowRun(ctx context.Context, runID models.RunReference) (*models.Run, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.repoPath("actions", "runs", runID.String()), nil, nil)
	if err != nil {
		return nil, err
	}

	run, err := get[models.Run](c, req)
	if err != nil {
		return nil, fmt.Errorf("getting run %s in %s: %w", runID, c.cred, err)
	}

	return run, nil
}

// ListRunJobs returns the jobs of the latest attempt of a run, following
// the Link header across pages. A body that does not decode is reported as
// ErrMalformedResponse.
func (c *Client) ListRunJobs(ctx context.Context, runID models.RunReference) ([]models.Job, error) {
	q := url.Values{}
	q.Set("filter", "latest")
	q.Set("per_page", strconv.Itoa(jobsPerPage))

	req, err := c.newRequest(ctx, http.MethodGet, c.repoPath("actions", "runs", runID.String(), "jobs"), q, nil)
	if err != nil {
		return nil, err
	}

	var jobs []models.Job
	seen := map[string]bool{}
	for {
		seen[req.URL.String()] = true

		page, next, err := getPage[models.JobsPage](c, req)
		if err != nil {
			return nil, fmt.Errorf("listing jobs of run %s in %s: %w", runID, c.cred, err)
		}
		jobs = append(jobs, page.Jobs...)

		if next == "" || seen[next] {
			break
		}

		nextURL, err := url.Parse(next)
		if err != nil {
			return nil, fmt.Errorf("listing jobs of run %s: parsing next link: %w", runID, err)
		}
		req, err = c.newRequestURL(ctx, http.MethodGet, nextURL, nil)
		if err != nil {
			return nil, err
		}
	}

	c.l.Debug("listed run jobs", "run", runID, "jobs", len(jobs))
	return jobs, nil
}

// DownloadRunLogs streams the zip archive of a run's logs. The API answers
// with a redirect to short-lived storage which is fetched without the
// bearer token. The caller closes the returned reader.
func (c *Client) DownloadRunLogs(ctx context.Context, runID models.RunReference) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.repoPath("actions", "runs", runID.String(), "logs"), nil, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRaw(req)
	if err != nil {
		return nil, fmt.Errorf("downloading logs of run %s in %s: %w", runID, c.cred, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusFound, http.StatusMovedPermanently, http.StatusTemporaryRedirect:
		resp.Body.Close()
		return c.followLogRedirect(ctx, runID, resp.Header.Get("Location"))
	default:
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("downloading logs of run %s in %s: %w", runID, c.cred, parseAPIError(resp.StatusCode, body))
	}
}

func (c *Client) followLogRedirect(ctx context.Context, runID models.RunReference, location string) (io.ReadCloser, error) {
	if location == "" {
		return nil, fmt.Errorf("downloading logs of run %s: redirect without location", runID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("downloading logs of run %s: %w", runID, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading logs of run %s: %w", runID, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("downloading logs of run %s: %w", runID, parseAPIError(resp.StatusCode, body))
	}

	return resp.Body, nil
}
