package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xd009642/murk/internal/config"
	"github.com/xd009642/murk/internal/logger"
	"github.com/xd009642/murk/internal/metrics"
	"github.com/xd009642/murk/internal/request"
	"github.com/xd009642/murk/internal/summary"
)

// Worker is one cooperative task driving requests against the endpoint: it
// samples a cycle from the corpus, then loops issue → drain → record until
// the run deadline elapses.
type Worker struct {
	ID          int
	opts        *config.Options
	corpus      *request.Corpus
	client      *http.Client
	collector   *metrics.Collector
	runID       string
	level       int
	captureBody bool
	rng         *rand.Rand
}

// NewWorker creates a worker for one ramp level. The shared client's
// transport is reused so the connection pool spans all workers.
func NewWorker(id int, opts *config.Options, corpus *request.Corpus, shared *http.Client, collector *metrics.Collector, runID string, level int, captureBody bool) *Worker {
	client := &http.Client{
		Transport: shared.Transport,
	}

	var rng *rand.Rand
	if opts.Seed != 0 {
		rng = rand.New(rand.NewSource(opts.Seed + int64(id)))
	}

	return &Worker{
		ID:          id,
		opts:        opts,
		corpus:      corpus,
		client:      client,
		collector:   collector,
		runID:       runID,
		level:       level,
		captureBody: captureBody,
		rng:         rng,
	}
}

// Run issues requests until the run context is done, emitting one stats
// record per completed attempt. A randomised cycle over the whole corpus is
// drawn once and iterated forever, which amortises weighted selection.
func (w *Worker) Run(ctx context.Context, out chan<- summary.RequestStats) {
	logger.Log.Debug("Worker started",
		zap.Int("worker_id", w.ID),
		zap.String("run_id", w.runID))

	cycle := w.corpus.Sample(w.corpus.Len(), w.rng)
	for i := 0; ctx.Err() == nil; i++ {
		tmpl := cycle[i%len(cycle)]
		stat, ok := w.attempt(ctx, tmpl)
		if !ok {
			// The run deadline won the race; the cancelled attempt is not
			// recorded.
			break
		}
		stat.Level = w.level
		out <- stat
		w.observe(tmpl, stat)
	}

	logger.Log.Debug("Worker stopped", zap.Int("worker_id", w.ID))
}

// attempt issues one request under the per-request timeout. It reports
// ok=false when the attempt was cancelled by the run deadline; every other
// outcome produces a record. A response that completes while the deadline
// passes mid-flight is still recorded, matching the bias towards letting the
// last in-flight request finish.
func (w *Worker) attempt(ctx context.Context, tmpl *request.Template) (summary.RequestStats, bool) {
	reqCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()

	req, err := tmpl.Emit(reqCtx)
	if err != nil {
		return summary.RequestStats{}, ctx.Err() == nil
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return summary.RequestStats{}, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return summary.RequestStats{Timeout: true}, true
		}
		logger.Log.Debug("Request failed",
			zap.Int("worker_id", w.ID),
			zap.Error(err))
		return summary.RequestStats{}, true
	}

	var bytesRead int64
	var body []byte
	if w.captureBody {
		body, err = io.ReadAll(resp.Body)
		bytesRead = int64(len(body))
	} else {
		bytesRead, err = io.Copy(io.Discard, resp.Body)
	}
	_ = resp.Body.Close()
	if err != nil {
		if ctx.Err() != nil {
			return summary.RequestStats{}, false
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return summary.RequestStats{Timeout: true}, true
		}
		return summary.RequestStats{}, true
	}

	return summary.RequestStats{
		Status:       resp.StatusCode,
		Time:         time.Since(start),
		BytesRead:    bytesRead,
		BytesWritten: int64(tmpl.BodyLen()),
		Body:         body,
	}, true
}

// observe feeds the Prometheus collector; best-effort, off the hot path of
// the stats channel.
func (w *Worker) observe(tmpl *request.Template, stat summary.RequestStats) {
	if w.collector == nil {
		return
	}
	status := ""
	if stat.Status != 0 {
		status = fmt.Sprintf("%d", stat.Status)
	}
	w.collector.RecordRequest(w.runID, tmpl.Method, status, stat.Time.Seconds(), stat.Timeout)
}
