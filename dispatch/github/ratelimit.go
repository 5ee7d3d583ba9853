package github

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// rateLimit follows the X-RateLimit-* headers of every response. Once the
// remaining budget hits zero, the next request blocks until the window
// resets.
type rateLimit struct {
	mu        sync.Mutex
	known     bool
	remaining int
	reset     time.Time
	now       func() time.Time
}

func newRateLimit(now func() time.Time) *rateLimit {
	return &rateLimit{now: now}
}

func (r *rateLimit) update(h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = true
	r.remaining = remaining
	r.reset = time.Unix(reset, 0)
}

func (r *rateLimit) Remaining() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining, r.known
}

func (r *rateLimit) wait(ctx context.Context, l *slog.Logger) error {
	r.mu.Lock()
	if !r.known || r.remaining > 0 {
		r.mu.Unlock()
		return nil
	}
	d := r.reset.Sub(r.now())
	reset := r.reset
	r.mu.Unlock()

	if d <= 0 {
		return nil
	}

	l.Warn("rate limit exhausted, waiting for reset", "reset", humanize.Time(reset), "wait", d)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
