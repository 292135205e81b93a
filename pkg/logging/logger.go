package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FORMAT_TEXT = "text"
	FORMAT_JSON = "json"

	TIMESTAMP_FORMAT = "2006-01-02 15:04:05"
)

type Options struct {
	Debug      bool
	Trace      bool
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Init configures the standard logrus logger.
// A log file that cannot be opened falls back to stdout with a warning.
func Init(opts Options) *logrus.Logger {
	logger := logrus.StandardLogger()

	switch opts.Format {
	case FORMAT_JSON:
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: TIMESTAMP_FORMAT,
		})
	}

	logger.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	if opts.Trace {
		logger.SetLevel(logrus.TraceLevel)
	}

	output, err := buildOutput(opts)
	logger.SetOutput(output)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   opts.File,
		}).Warn(err.Error())
	}

	return logger
}

func buildOutput(opts Options) (io.Writer, error) {
	if opts.File == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(opts.File)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
		LocalTime:  true,
	}
	return rotator, nil
}
