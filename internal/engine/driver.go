package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xd009642/murk/internal/config"
	"github.com/xd009642/murk/internal/logger"
	"github.com/xd009642/murk/internal/metrics"
	"github.com/xd009642/murk/internal/request"
	"github.com/xd009642/murk/internal/scripting"
	"github.com/xd009642/murk/internal/summary"
)

const maxIdleConns = 500

// LevelResult is the outcome of one ramp level.
type LevelResult struct {
	Level   int
	RunID   string
	Summary *summary.Summary
	Elapsed time.Duration
}

// Driver owns a run: for each concurrency level it spawns the workers and
// the aggregator, closes the stats channel once the workers are done, and
// collects the level's summary. Levels are strictly serialised.
type Driver struct {
	opts      *config.Options
	corpus    *request.Corpus
	bridge    *scripting.Bridge
	collector *metrics.Collector
	client    *http.Client

	// OnLevelStart and OnLevel let the CLI render progress and summaries as
	// the ramp advances. Either may be nil.
	OnLevelStart func(level int, duration time.Duration)
	OnLevel      func(result LevelResult)
}

// NewDriver creates a driver sharing one connection pool across all workers.
func NewDriver(opts *config.Options, corpus *request.Corpus, bridge *scripting.Bridge, collector *metrics.Collector) *Driver {
	transport := &http.Transport{
		MaxIdleConns:        0,
		MaxIdleConnsPerHost: maxIdleConns,
	}
	return &Driver{
		opts:      opts,
		corpus:    corpus,
		bridge:    bridge,
		collector: collector,
		client:    &http.Client{Transport: transport},
	}
}

// Run executes every ramp level in order and returns their results. The
// context cancels the run early; level results gathered so far are still
// returned. After the last level the script bridge (if any) is flushed and
// awaited: the histograms its script registered are folded into the final
// level's Summary, and any script-side error is returned for reporting.
func (d *Driver) Run(ctx context.Context) ([]LevelResult, error) {
	levels := d.opts.Levels()
	results := make([]LevelResult, 0, len(levels))

	for i, level := range levels {
		if ctx.Err() != nil {
			break
		}
		result := d.runLevel(ctx, level)
		results = append(results, result)
		if d.OnLevel != nil {
			d.OnLevel(result)
		}
		if i < len(levels)-1 {
			time.Sleep(d.opts.Cooldown)
		}
	}

	var scriptErr error
	if d.bridge != nil {
		scriptErr = d.bridge.Finish()
		if len(results) > 0 {
			final := results[len(results)-1].Summary
			for name, h := range d.bridge.Histograms() {
				if mine, ok := final.CustomHistograms[name]; ok {
					mine.Merge(h)
				} else {
					final.CustomHistograms[name] = h
				}
			}
		}
	}
	return results, scriptErr
}

// runLevel drives one concurrency level for the configured duration.
func (d *Driver) runLevel(ctx context.Context, level int) LevelResult {
	runID := uuid.New().String()
	log := logger.With(zap.String("run_id", runID), zap.Int("level", level))

	log.Info("Starting level",
		zap.Duration("duration", d.opts.Duration),
		zap.Duration("timeout", d.opts.Timeout))

	if d.collector != nil {
		d.collector.SetCurrentLevel(level)
		d.collector.SetActiveWorkers(level)
	}
	if d.OnLevelStart != nil {
		d.OnLevelStart(level, d.opts.Duration)
	}

	sum := summary.New(d.opts.Timeout)
	sum.CountTransportAsFailure = d.opts.CountTransportErrors

	// Workers must never suspend on emit, so the stats channel is unbounded.
	emit, records := unboundedStats()
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		Aggregate(records, d.bridge, sum)
	}()

	runCtx, cancel := context.WithTimeout(ctx, d.opts.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	captureBody := d.bridge != nil
	for i := 0; i < level; i++ {
		worker := NewWorker(i, d.opts, d.corpus, d.client, d.collector, runID, level, captureBody)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("Worker panicked", zap.Int("worker_id", worker.ID), zap.Any("panic", r))
				}
			}()
			worker.Run(runCtx, emit)
		}()
	}

	wg.Wait()
	close(emit)
	<-aggDone

	elapsed := time.Since(start)
	if d.collector != nil {
		d.collector.SetActiveWorkers(0)
	}
	d.client.CloseIdleConnections()

	log.Info("Level finished",
		zap.Duration("elapsed", elapsed),
		zap.Uint64("success", sum.Success),
		zap.Uint64("failure", sum.Failure),
		zap.Uint64("timeout", sum.Timeout))

	return LevelResult{
		Level:   level,
		RunID:   runID,
		Summary: sum,
		Elapsed: elapsed,
	}
}
