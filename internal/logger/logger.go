// Package logger owns the process-wide zap logger. Everything goes to
// stderr (or a rotated file) so stdout stays reserved for the per-level
// summaries.
package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *zap.Logger

// LogConfig holds configuration for logging. Rotation fields only apply when
// OutputPath names a file.
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // file path, or empty for stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultLogConfig returns the defaults: info-level console output with
// month-long file retention when rotation is in play.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Init initializes the global logger at the given level with defaults.
func Init(level string) error {
	config := DefaultLogConfig()
	config.Level = level
	return InitWithConfig(config)
}

// InitWithConfig initializes the global logger with full configuration.
func InitWithConfig(config LogConfig) error {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := newSink(config)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	Log = zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return nil
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.MessageKey = "message"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.MillisDurationEncoder

	if format == "console" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func newSink(config LogConfig) (zapcore.WriteSyncer, error) {
	if config.OutputPath == "" {
		return zapcore.AddSync(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
		return nil, err
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   config.OutputPath,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   config.Compress,
		LocalTime:  true,
	}), nil
}

// With creates a child logger with additional fields
func With(fields ...zap.Field) *zap.Logger {
	if Log == nil {
		return zap.NewNop()
	}
	return Log.With(fields...)
}

// Sync flushes any buffered log entries
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
