package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/xd009642/murk/internal/config"
	"github.com/xd009642/murk/internal/engine"
	"github.com/xd009642/murk/internal/logger"
	"github.com/xd009642/murk/internal/metrics"
	"github.com/xd009642/murk/internal/reporting"
	"github.com/xd009642/murk/internal/request"
	"github.com/xd009642/murk/internal/scripting"
	"github.com/xd009642/murk/internal/spec"
	"github.com/xd009642/murk/internal/summary"
	"github.com/xd009642/murk/internal/validation"
)

func runLoadtest(cobraCmd *cobra.Command, args []string) error {
	if noColor {
		color.NoColor = true
	}

	opts := buildOptions(args[0])
	// An explicit -c wins over --ramp; the ramp only applies when the
	// connection count was left to default.
	if cobraCmd.Flags().Changed("connections") {
		opts.Ramp = nil
	}
	if err := initLogging(opts); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	if err := opts.Validate(); err != nil {
		return err
	}
	applyJobCount(opts)

	endpoint, err := validation.NewURLValidator().ValidateURL(opts.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", opts.Endpoint, err)
	}

	corpus, err := buildCorpus(endpoint, opts)
	if err != nil {
		return err
	}
	printInfo(fmt.Sprintf("Corpus compiled: %d request templates", corpus.Len()))

	var bridge *scripting.Bridge
	if opts.ScriptPath != "" {
		bridge, err = scripting.Launch(opts.ScriptPath)
		if err != nil {
			return err
		}
		printInfo(fmt.Sprintf("Analysis script attached: %s", opts.ScriptPath))
	}

	collector := metrics.NewCollector()
	if opts.MetricsAddr != "" {
		metrics.Serve(opts.MetricsAddr)
		printInfo(fmt.Sprintf("Prometheus metrics on %s/metrics", opts.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	driver := engine.NewDriver(opts, corpus, bridge, collector)
	attachProgress(driver)

	results, scriptErr := driver.Run(ctx)
	if scriptErr != nil {
		printError(fmt.Sprintf("script error: %v", scriptErr))
	}

	// The driver folds script-registered histograms into the final level's
	// summary after the bridge drains; that level was already printed, so
	// render just the custom blocks here.
	if bridge != nil && len(results) > 0 {
		final := results[len(results)-1].Summary
		for name, h := range final.CustomHistograms {
			fmt.Printf("\n%s:\n%s", name, summary.FormatHistogram(h))
		}
	}

	if opts.OutputPath != "" {
		if err := saveResults(opts, results); err != nil {
			printError(fmt.Sprintf("failed to save results: %v", err))
		} else {
			printInfo(fmt.Sprintf("Results saved to %s", opts.OutputPath))
		}
	}

	return nil
}

func buildCorpus(endpoint *url.URL, opts *config.Options) (*request.Corpus, error) {
	if opts.SpecPath == "" {
		return request.SingleGet(endpoint), nil
	}
	document, err := spec.Load(opts.SpecPath)
	if err != nil {
		return nil, err
	}
	return request.Compile(endpoint, document)
}

// attachProgress wires the per-level progress bar and summary printing onto
// the driver. Progress and headers go to stderr; the summary block itself is
// the only thing on stdout.
func attachProgress(driver *engine.Driver) {
	var stopBar func()

	if !noProgress {
		driver.OnLevelStart = func(level int, d time.Duration) {
			bar := progressbar.NewOptions64(d.Milliseconds(),
				progressbar.OptionSetDescription(fmt.Sprintf("level %d", level)),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionShowCount(),
			)
			done := make(chan struct{})
			go func() {
				ticker := time.NewTicker(100 * time.Millisecond)
				defer ticker.Stop()
				start := time.Now()
				for {
					select {
					case <-done:
						_ = bar.Finish()
						return
					case <-ticker.C:
						ms := time.Since(start).Milliseconds()
						if ms > d.Milliseconds() {
							ms = d.Milliseconds()
						}
						_ = bar.Set64(ms)
					}
				}
			}()
			stopBar = func() { close(done) }
		}
	}

	driver.OnLevel = func(res engine.LevelResult) {
		if stopBar != nil {
			stopBar()
			stopBar = nil
		}
		printHeader(fmt.Sprintf("Concurrency level %d (%s)", res.Level, res.Elapsed.Round(time.Millisecond)))
		fmt.Print(res.Summary.String())
	}
}

func saveResults(opts *config.Options, results []engine.LevelResult) error {
	f, err := os.Create(opts.OutputPath)
	if err != nil {
		return err
	}
	defer f.Close()
	exporter := reporting.NewExporter()
	return exporter.ExportRun(f, reporting.ExportFormat(opts.OutputFormat), opts.Endpoint, results)
}
