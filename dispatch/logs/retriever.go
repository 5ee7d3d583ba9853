package logs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"tangled.org/dispatch/dispatch/archive"
	"tangled.org/dispatch/dispatch/models"
	"tangled.org/dispatch/log"
)

// ErrDownload marks a failure to fetch the log archive from GitHub, as
// opposed to a local filesystem or archive fault.
var ErrDownload = errors.New("downloading log archive")

type Downloader interface {
	DownloadRunLogs(ctx context.Context, runID models.RunReference) (io.ReadCloser, error)
}

// Retriever turns a run's log archive into a LogIndex.
type Retriever struct {
	dl      Downloader
	ex      archive.Extractor
	tempDir string
}

func NewRetriever(dl Downloader, ex archive.Extractor) *Retriever {
	if ex == nil {
		ex = archive.Zip{}
	}
	return &Retriever{dl: dl, ex: ex}
}

// WithTempDir places temporary files below dir instead of os.TempDir.
func (r *Retriever) WithTempDir(dir string) *Retriever {
	r.tempDir = dir
	return r
}

// FetchLogs downloads and unpacks the log archive of runID, then indexes
// every step log as index[job][stepID] with its text sanitized. Files at the
// top level of the archive hold whole-job logs and are skipped. Each call
// works in fresh temporary locations which are removed before returning.
func (r *Retriever) FetchLogs(ctx context.Context, runID models.RunReference) (models.LogIndex, error) {
	l := log.FromContext(ctx).With("run", runID)

	zipPath, err := r.download(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer os.Remove(zipPath)

	dir, err := os.MkdirTemp(r.tempDir, "dispatch-logs-*")
	if err != nil {
		return nil, fmt.Errorf("creating extraction dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := r.ex.Extract(zipPath, dir); err != nil {
		return nil, err
	}

	idx, err := buildIndex(dir)
	if err != nil {
		return nil, err
	}

	l.Debug("indexed run logs", "jobs", len(idx))
	return idx, nil
}

func (r *Retriever) download(ctx context.Context, runID models.RunReference) (string, error) {
	l := log.FromContext(ctx)

	body, err := r.dl.DownloadRunLogs(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer body.Close()

	f, err := os.CreateTemp(r.tempDir, "dispatch-logs-*.zip")
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}

	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil && cerr != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("writing log archive of run %s: %w", runID, cerr)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w of run %s: %w", ErrDownload, runID, err)
	}

	l.Info("downloaded run logs", "run", runID, "size", humanize.Bytes(uint64(n)))
	return f.Name(), nil
}

// buildIndex walks exactly two levels below root: job directories, then the
// step files inside them.
func buildIndex(root string) (models.LogIndex, error) {
	jobs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading extracted logs: %w", err)
	}

	idx := models.LogIndex{}
	for _, job := range jobs {
		if !job.IsDir() {
			continue
		}

		steps, err := os.ReadDir(filepath.Join(root, job.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading job %s: %w", job.Name(), err)
		}

		for _, step := range steps {
			if !step.Type().IsRegular() {
				continue
			}

			b, err := os.ReadFile(filepath.Join(root, job.Name(), step.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading step log %s/%s: %w", job.Name(), step.Name(), err)
			}

			idx.Add(job.Name(), models.StepID(step.Name()), Sanitize(string(b)))
		}
	}

	return idx, nil
}
