package summary

import (
	"fmt"
	"strings"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
)

// RequestStats holds the outcome of a single request attempt as emitted by a
// worker. Status is 0 when no response was received; Time is only meaningful
// when Status is set.
type RequestStats struct {
	Status       int
	Time         time.Duration
	Timeout      bool
	BytesRead    int64
	BytesWritten int64
	Level        int
	// Body is only populated when a script bridge is attached, so response
	// bodies are not retained for the common path.
	Body []byte
}

// Summary aggregates request outcomes for one concurrency level.
type Summary struct {
	Success      uint64
	Failure      uint64
	Timeout      uint64
	BytesRead    uint64
	BytesWritten uint64
	StatusCodes  map[int]uint64
	// Histogram of response times in milliseconds. Its max trackable value
	// is the request timeout, so the timeout guard bounds every recording.
	Histogram        *hdrhistogram.Histogram
	CustomHistograms map[string]*hdrhistogram.Histogram

	// CountTransportAsFailure folds transport errors into the failure
	// counter. Off by default: a request that never reached the server
	// produced no HTTP outcome to classify.
	CountTransportAsFailure bool
}

var quantiles = []float64{50.0, 75.0, 90.0, 95.0, 99.0, 99.9}

// New creates an empty Summary whose histogram tracks latencies up to the
// request timeout.
func New(timeout time.Duration) *Summary {
	maxMs := timeout.Milliseconds()
	if maxMs < 1 {
		maxMs = 1
	}
	return &Summary{
		StatusCodes:      make(map[int]uint64),
		Histogram:        hdrhistogram.New(1, maxMs, 3),
		CustomHistograms: make(map[string]*hdrhistogram.Histogram),
	}
}

// Record folds one request outcome into the summary.
func (s *Summary) Record(stat RequestStats) {
	if stat.BytesRead > 0 {
		s.BytesRead += uint64(stat.BytesRead)
	}
	if stat.BytesWritten > 0 {
		s.BytesWritten += uint64(stat.BytesWritten)
	}

	switch {
	case stat.Timeout:
		s.Timeout++
	case stat.Status != 0:
		s.StatusCodes[stat.Status]++
		if stat.Status >= 200 && stat.Status < 300 {
			s.Success++
		} else {
			s.Failure++
		}
		ms := stat.Time.Milliseconds()
		if max := s.Histogram.HighestTrackableValue(); ms > max {
			ms = max
		}
		if ms < s.Histogram.LowestTrackableValue() {
			ms = s.Histogram.LowestTrackableValue()
		}
		_ = s.Histogram.RecordValue(ms)
	default:
		// Transport failure: no HTTP outcome to classify.
		if s.CountTransportAsFailure {
			s.Failure++
		}
	}
}

// Merge adds the counters and histograms of other into s. Both summaries
// must have compatible histogram bounds.
func (s *Summary) Merge(other *Summary) {
	if other == nil {
		return
	}
	s.Success += other.Success
	s.Failure += other.Failure
	s.Timeout += other.Timeout
	s.BytesRead += other.BytesRead
	s.BytesWritten += other.BytesWritten
	for code, n := range other.StatusCodes {
		s.StatusCodes[code] += n
	}
	s.Histogram.Merge(other.Histogram)
	for name, h := range other.CustomHistograms {
		if mine, ok := s.CustomHistograms[name]; ok {
			mine.Merge(h)
		} else {
			s.CustomHistograms[name] = hdrhistogram.Import(h.Export())
		}
	}
}

// Total returns the number of attempts that were classified into a counter.
func (s *Summary) Total() uint64 {
	return s.Success + s.Failure + s.Timeout
}

// String renders the human-readable per-level report.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Successful requests: %d\n", s.Success)
	fmt.Fprintf(&b, "Failed requests: %d\n", s.Failure)
	fmt.Fprintf(&b, "Timed out requests: %d\n", s.Timeout)
	fmt.Fprintf(&b, "Bytes read: %d\n", s.BytesRead)
	fmt.Fprintf(&b, "Bytes written: %d\n", s.BytesWritten)
	b.WriteString("\nQuantile durations:\n")
	b.WriteString(FormatHistogram(s.Histogram))
	for name, h := range s.CustomHistograms {
		fmt.Fprintf(&b, "\n%s:\n", name)
		b.WriteString(FormatHistogram(h))
	}
	return b.String()
}

// FormatHistogram renders the standard quantile block for a histogram.
func FormatHistogram(h *hdrhistogram.Histogram) string {
	var b strings.Builder
	for _, q := range quantiles {
		fmt.Fprintf(&b, "%v'th percentile: %d\n", q, h.ValueAtQuantile(q))
	}
	return b.String()
}
