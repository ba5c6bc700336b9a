package reporting

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/xd009642/murk/internal/engine"
)

// ExportFormat represents the export format type
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

// LevelExport is the serialisable form of one ramp level's results.
type LevelExport struct {
	Level        int              `json:"level"`
	RunID        string           `json:"run_id"`
	ElapsedMs    int64            `json:"elapsed_ms"`
	Success      uint64           `json:"success"`
	Failure      uint64           `json:"failure"`
	Timeout      uint64           `json:"timeout"`
	BytesRead    uint64           `json:"bytes_read"`
	BytesWritten uint64           `json:"bytes_written"`
	StatusCodes  map[int]uint64   `json:"status_codes"`
	QuantilesMs  map[string]int64 `json:"quantiles_ms"`
	// Script-registered histograms, present on the final level when an
	// analysis script ran. CSV rows have a fixed shape and omit these.
	CustomQuantiles map[string]map[string]int64 `json:"custom_quantiles,omitempty"`
}

// RunExport is the full document written by the exporter.
type RunExport struct {
	Endpoint   string        `json:"endpoint"`
	ExportedAt time.Time     `json:"exported_at"`
	Levels     []LevelExport `json:"levels"`
}

var quantileKeys = []struct {
	key string
	q   float64
}{
	{"p50", 50.0},
	{"p75", 75.0},
	{"p90", 90.0},
	{"p95", 95.0},
	{"p99", 99.0},
	{"p999", 99.9},
}

// Exporter handles export of run results in various formats
type Exporter struct{}

// NewExporter creates a new Exporter
func NewExporter() *Exporter {
	return &Exporter{}
}

// ExportRun writes the results of a whole run to the specified format.
func (e *Exporter) ExportRun(writer io.Writer, format ExportFormat, endpoint string, results []engine.LevelResult) error {
	data := &RunExport{
		Endpoint:   endpoint,
		ExportedAt: time.Now(),
		Levels:     make([]LevelExport, 0, len(results)),
	}
	for _, r := range results {
		data.Levels = append(data.Levels, exportLevel(r))
	}

	switch format {
	case FormatJSON:
		return e.exportJSON(writer, data)
	case FormatCSV:
		return e.exportCSV(writer, data)
	default:
		return fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportLevel(r engine.LevelResult) LevelExport {
	out := LevelExport{
		Level:        r.Level,
		RunID:        r.RunID,
		ElapsedMs:    r.Elapsed.Milliseconds(),
		Success:      r.Summary.Success,
		Failure:      r.Summary.Failure,
		Timeout:      r.Summary.Timeout,
		BytesRead:    r.Summary.BytesRead,
		BytesWritten: r.Summary.BytesWritten,
		StatusCodes:  r.Summary.StatusCodes,
		QuantilesMs:  make(map[string]int64, len(quantileKeys)),
	}
	for _, qk := range quantileKeys {
		out.QuantilesMs[qk.key] = r.Summary.Histogram.ValueAtQuantile(qk.q)
	}
	if len(r.Summary.CustomHistograms) > 0 {
		out.CustomQuantiles = make(map[string]map[string]int64, len(r.Summary.CustomHistograms))
		for name, h := range r.Summary.CustomHistograms {
			quantiles := make(map[string]int64, len(quantileKeys))
			for _, qk := range quantileKeys {
				quantiles[qk.key] = h.ValueAtQuantile(qk.q)
			}
			out.CustomQuantiles[name] = quantiles
		}
	}
	return out
}

// exportJSON exports the run as indented JSON
func (e *Exporter) exportJSON(writer io.Writer, data *RunExport) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// exportCSV exports one row per ramp level
func (e *Exporter) exportCSV(writer io.Writer, data *RunExport) error {
	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	headers := []string{
		"Level", "Run ID", "Elapsed (ms)",
		"Successful", "Failed", "Timed Out",
		"Bytes Read", "Bytes Written",
		"P50 (ms)", "P75 (ms)", "P90 (ms)", "P95 (ms)", "P99 (ms)", "P99.9 (ms)",
	}
	if err := csvWriter.Write(headers); err != nil {
		return err
	}

	for _, level := range data.Levels {
		row := []string{
			fmt.Sprintf("%d", level.Level),
			level.RunID,
			fmt.Sprintf("%d", level.ElapsedMs),
			fmt.Sprintf("%d", level.Success),
			fmt.Sprintf("%d", level.Failure),
			fmt.Sprintf("%d", level.Timeout),
			fmt.Sprintf("%d", level.BytesRead),
			fmt.Sprintf("%d", level.BytesWritten),
		}
		for _, qk := range quantileKeys {
			row = append(row, fmt.Sprintf("%d", level.QuantilesMs[qk.key]))
		}
		if err := csvWriter.Write(row); err != nil {
			return err
		}
	}
	return nil
}
