// Package logger builds the zap loggers used by the pagedb binaries.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName is attached to every record as the "service" field.
const ServiceName = "pagedb"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
}

// Validate rejects unknown levels and formats. Empty fields take defaults.
func (c Config) Validate() error {
	if c.Level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(c.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", c.Level, err)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", c.Format)
	}
}

// New creates a zap.Logger for config. An unparsable level falls back to
// info. The returned close function syncs the logger and closes the output
// file, if one was opened.
func New(config Config) (*zap.Logger, func() error, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, closeOutput, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)
	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", ServiceName)))

	closeFn := func() error {
		// Syncing stdout/stderr fails on some terminals; that is not worth
		// reporting.
		_ = logger.Sync()
		return closeOutput()
	}
	return logger, closeFn, nil
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, func() error, error) {
	noClose := func() error { return nil }
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), noClose, nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), noClose, nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), file.Close, nil
	}
}
