package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reset() {
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.TextFormatter{})
}

func TestInitDefaultsToStdout(t *testing.T) {
	defer reset()

	logger := Init(Options{})

	assert.Equal(t, os.Stdout, logger.Out)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestInitLevelsAndFormat(t *testing.T) {
	defer reset()

	logger := Init(Options{Debug: true, Format: FORMAT_JSON})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = Init(Options{Debug: true, Trace: true})
	assert.Equal(t, logrus.TraceLevel, logger.GetLevel())
}

func TestInitCreatesRotatingFile(t *testing.T) {
	defer reset()
	path := filepath.Join(t.TempDir(), "logs", "mirrors-cache.log")

	logger := Init(Options{File: path, MaxSizeMB: 1, MaxBackups: 1})
	logger.Info("test")

	_, err := os.Stat(path)
	assert.Nil(t, err)
}

func TestInitFallbackToStdout(t *testing.T) {
	defer reset()
	// a regular file where the log directory should be
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.Nil(t, os.WriteFile(blocker, []byte("x"), 0o644))

	logger := Init(Options{File: filepath.Join(blocker, "sub", "mirrors-cache.log")})

	assert.Equal(t, os.Stdout, logger.Out)
}
