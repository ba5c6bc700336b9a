// Package scripting hosts a user-supplied Starlark analysis script on a
// dedicated OS thread and feeds it the response stream. The bridge's input
// channel is bounded and fed with non-blocking sends, so a slow script sheds
// records instead of stalling the driver.
package scripting

import (
	"fmt"
	"os"
	"runtime"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"

	"github.com/xd009642/murk/internal/logger"
	"github.com/xd009642/murk/internal/summary"
)

// Default capacity of the record queue between the aggregator and the script
// thread. Records beyond this are dropped for the script, never for the run.
const queueDepth = 4096

// Bridge runs the analysis script and owns the histograms it registers.
type Bridge struct {
	path    string
	src     []byte
	records chan summary.RequestStats
	done    chan struct{}
	err     error
	hists   map[string]*hdrhistogram.Histogram
}

// Launch reads the script and starts the host thread. The script's load and
// runtime errors are reported by Finish, not here; only an unreadable file
// fails launch.
func Launch(path string) (*Bridge, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", path, err)
	}
	b := &Bridge{
		path:    path,
		src:     src,
		records: make(chan summary.RequestStats, queueDepth),
		done:    make(chan struct{}),
		hists:   make(map[string]*hdrhistogram.Histogram),
	}
	go b.run()
	return b, nil
}

// TrySend offers a record to the script without blocking. Returns false when
// the queue is full and the record was dropped.
func (b *Bridge) TrySend(stat summary.RequestStats) bool {
	if b == nil {
		return false
	}
	select {
	case b.records <- stat:
		return true
	default:
		return false
	}
}

// Finish closes the record stream, waits for the script to drain and tear
// down, and returns any script-side error.
func (b *Bridge) Finish() error {
	if b == nil {
		return nil
	}
	close(b.records)
	<-b.done
	return b.err
}

// Histograms returns the custom histograms the script registered and fed.
// Only valid after Finish has returned.
func (b *Bridge) Histograms() map[string]*hdrhistogram.Histogram {
	if b == nil {
		return nil
	}
	return b.hists
}

// run is the host loop. The interpreter stays confined to one locked OS
// thread for its whole lifetime.
func (b *Bridge) run() {
	runtime.LockOSThread()
	defer close(b.done)

	thread := &starlark.Thread{Name: "murk-script"}
	predeclared := starlark.StringDict{
		"murk": &starlarkstruct.Module{
			Name: "murk",
			Members: starlark.StringDict{
				"record": starlark.NewBuiltin("murk.record", b.fnRecord),
			},
		},
	}

	globals, err := starlark.ExecFile(thread, b.path, b.src, predeclared)
	if err != nil {
		b.err = fmt.Errorf("script %s: %w", b.path, err)
		logger.Log.Error("Script failed to load", zap.String("path", b.path), zap.Error(err))
		for range b.records {
		}
		return
	}

	if err := b.initStats(thread, globals); err != nil {
		b.err = err
		logger.Log.Error("init_stats failed", zap.Error(err))
	}

	handler, _ := globals["handle_request"].(starlark.Callable)
	for stat := range b.records {
		if handler == nil || stat.Timeout || stat.Status == 0 {
			continue
		}
		args := starlark.Tuple{
			starlark.MakeInt(stat.Status),
			starlark.Bytes(stat.Body),
			starlark.Float(float64(stat.Time.Microseconds()) / 1000.0),
			starlark.MakeInt(1),
		}
		if _, err := starlark.Call(thread, handler, args, nil); err != nil {
			logger.Log.Warn("handle_request failed", zap.Error(err))
		}
	}

	if teardown, ok := globals["teardown"].(starlark.Callable); ok {
		if _, err := starlark.Call(thread, teardown, nil, nil); err != nil && b.err == nil {
			b.err = fmt.Errorf("teardown: %w", err)
		}
	}
}

// initStats invokes the script's optional init_stats entry point and
// registers the histogram definitions it returns.
func (b *Bridge) initStats(thread *starlark.Thread, globals starlark.StringDict) error {
	initFn, ok := globals["init_stats"].(starlark.Callable)
	if !ok {
		return nil
	}
	res, err := starlark.Call(thread, initFn, nil, nil)
	if err != nil {
		return fmt.Errorf("init_stats: %w", err)
	}
	iter := starlark.Iterate(res)
	if iter == nil {
		return fmt.Errorf("init_stats: expected a list of (name, min, max, precision), got %s", res.Type())
	}
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		tuple, ok := item.(starlark.Tuple)
		if !ok || tuple.Len() != 4 {
			return fmt.Errorf("init_stats: expected a (name, min, max, precision) tuple, got %s", item.String())
		}
		name, ok := starlark.AsString(tuple.Index(0))
		if !ok {
			return fmt.Errorf("init_stats: histogram name must be a string")
		}
		min, err := starlark.AsInt32(tuple.Index(1))
		if err != nil {
			return fmt.Errorf("init_stats: %s min: %w", name, err)
		}
		max, err := starlark.AsInt32(tuple.Index(2))
		if err != nil {
			return fmt.Errorf("init_stats: %s max: %w", name, err)
		}
		precision, err := starlark.AsInt32(tuple.Index(3))
		if err != nil {
			return fmt.Errorf("init_stats: %s precision: %w", name, err)
		}
		b.hists[name] = hdrhistogram.New(int64(min), int64(max), int(precision))
		logger.Log.Debug("Registered script histogram",
			zap.String("name", name),
			zap.Int("min", min),
			zap.Int("max", max))
	}
	return nil
}

// fnRecord implements murk.record(name, value): feed one value to a
// histogram registered by init_stats.
func (b *Bridge) fnRecord(_ *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	h, ok := b.hists[name]
	if !ok {
		return nil, fmt.Errorf("murk.record: unknown histogram %q", name)
	}
	v := int64(value)
	if max := h.HighestTrackableValue(); v > max {
		v = max
	}
	if v < h.LowestTrackableValue() {
		v = h.LowestTrackableValue()
	}
	_ = h.RecordValue(v)
	return starlark.None, nil
}
