package cmd

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xd009642/murk/internal/config"
	"github.com/xd009642/murk/internal/logger"
)

var (
	jobs                 int
	connections          int
	timeout              time.Duration
	duration             time.Duration
	specFile             string
	scriptFile           string
	ramp                 []int
	seed                 int64
	countTransportErrors bool
	metricsAddr          string
	outputFile           string
	outputFormat         string
	logLevel             string
	logFormat            string
	logFile              string
	noColor              bool
	noProgress           bool
)

var rootCmd = &cobra.Command{
	Use:   "murk [flags] URL",
	Short: "HTTP load generator",
	Long: `Murk sustains a target level of concurrent HTTP request activity against
one endpoint for a fixed duration and reports per-request latency and
outcome statistics.

Examples:
  # 500 concurrent GETs for a minute, 2s per-request timeout
  murk -t 2s -d 1m http://localhost:8000/

  # Weighted request mix from a spec file, ramping the concurrency
  murk -t 2s -d 30s --config spec.yaml --ramp 10,100,1000 http://localhost:8000/

  # Feed every response to an analysis script
  murk -t 2s -d 1m --script analyse.star http://localhost:8000/`,
	Version: "0.1.0",
	Args:    cobra.ExactArgs(1),
	RunE:    runLoadtest,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVarP(&jobs, "n-jobs", "j", 0, "runtime worker threads (default: number of CPUs)")
	flags.IntVarP(&connections, "connections", "c", 500, "concurrent workers")
	flags.DurationVarP(&timeout, "timeout", "t", 0, "per-request timeout (required)")
	flags.DurationVarP(&duration, "duration", "d", 0, "run duration per concurrency level (required)")
	flags.StringVar(&specFile, "config", "", "request specification file (YAML or JSON)")
	flags.StringVar(&scriptFile, "script", "", "starlark analysis script")
	flags.IntSliceVar(&ramp, "ramp", nil, "concurrency ramp levels, e.g. 10,100,1000")
	flags.Int64Var(&seed, "seed", 0, "seed for corpus sampling (0 = unseeded)")
	flags.BoolVar(&countTransportErrors, "count-transport-errors", false, "count transport errors as failed requests")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address, e.g. :9090")
	flags.StringVarP(&outputFile, "output", "o", "", "write run results to this file")
	flags.StringVar(&outputFormat, "format", "json", "output file format (json or csv)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "console", "log format (console or json)")
	flags.StringVar(&logFile, "log-file", "", "log to this file instead of stderr")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&noProgress, "no-progress", false, "disable the per-level progress bar")

	cobra.CheckErr(rootCmd.MarkFlagRequired("timeout"))
	cobra.CheckErr(rootCmd.MarkFlagRequired("duration"))
	cobra.CheckErr(rootCmd.MarkFlagFilename("config", "yaml", "yml", "json"))
	cobra.CheckErr(rootCmd.MarkFlagFilename("script", "star"))

	viper.SetEnvPrefix("MURK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cobra.CheckErr(viper.BindPFlag("connections", flags.Lookup("connections")))
	cobra.CheckErr(viper.BindPFlag("metrics-addr", flags.Lookup("metrics-addr")))
	cobra.CheckErr(viper.BindPFlag("log-level", flags.Lookup("log-level")))
	cobra.CheckErr(viper.BindPFlag("log-format", flags.Lookup("log-format")))
}

// buildOptions resolves flags (and MURK_* environment fallbacks) into the
// runtime options.
func buildOptions(endpoint string) *config.Options {
	opts := config.Default()
	opts.Endpoint = endpoint
	opts.Jobs = jobs
	opts.Connections = viper.GetInt("connections")
	opts.Timeout = timeout
	opts.Duration = duration
	opts.SpecPath = specFile
	opts.ScriptPath = scriptFile
	opts.Ramp = ramp
	opts.Seed = seed
	opts.CountTransportErrors = countTransportErrors
	opts.MetricsAddr = viper.GetString("metrics-addr")
	opts.OutputPath = outputFile
	opts.OutputFormat = outputFormat
	opts.LogLevel = viper.GetString("log-level")
	opts.LogFormat = viper.GetString("log-format")
	opts.LogFile = logFile
	return opts
}

func initLogging(opts *config.Options) error {
	cfg := logger.DefaultLogConfig()
	cfg.Level = opts.LogLevel
	cfg.Format = opts.LogFormat
	cfg.OutputPath = opts.LogFile
	return logger.InitWithConfig(cfg)
}

func applyJobCount(opts *config.Options) {
	runtime.GOMAXPROCS(opts.JobCount())
}

func printInfo(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.BlueString("ℹ"), msg)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.RedString("✗"), msg)
}

func printHeader(msg string) {
	fmt.Fprintln(os.Stderr, color.New(color.Bold, color.Underline).Sprint(msg))
}
