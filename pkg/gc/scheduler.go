package gc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// ParseClock parses a "HH:MM" wall clock time
func ParseClock(value string) (Clock, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return Clock{}, fmt.Errorf("invalid clock '%s', expected HH:MM: %w", value, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// NextRun returns the time left until the next occurrence of c.
// Once today's occurrence is reached the next one is tomorrow.
func NextRun(now time.Time, c Clock) time.Duration {
	target := time.Date(now.Year(), now.Month(), now.Day(), c.Hour, c.Minute, 0, 0, now.Location())
	if !now.Before(target) {
		target = target.AddDate(0, 0, 1)
	}
	return target.Sub(now)
}

func NewScheduler(at string, expiryDays int, runner Runner) (*Scheduler, error) {
	c, err := ParseClock(at)
	if err != nil {
		return nil, err
	}
	if expiryDays <= 0 {
		expiryDays = DEFAULT_EXPIRY_DAYS
	}
	return &Scheduler{
		at:         c,
		expiryDays: expiryDays,
		runner:     runner,
		backoff:    DEFAULT_BACKOFF,
		now:        time.Now,
		log:        logrus.WithField("name", "scheduler"),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Start runs the cleanup every day at the configured time until ctx is cancelled
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Infof("cache cleanup scheduled daily at %s, expiry: %d days", s.at, s.expiryDays)

	for {
		wait := NextRun(s.now(), s.at)
		s.log.Debugf("next cache cleanup in %s", wait.Round(time.Second))

		if !sleep(ctx, wait) {
			s.log.Infoln("cache cleanup scheduler stopped")
			return nil
		}

		if err := s.runOnce(ctx); err != nil {
			s.log.Errorf("error in cleanup scheduler: %v, retrying in %s", err, s.backoff)
			if !sleep(ctx, s.backoff) {
				s.log.Infoln("cache cleanup scheduler stopped")
				return nil
			}
		}
	}
}

// a failed cleanup is only logged, a panic is turned into an error
func (s *Scheduler) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	s.log.Infoln("running cache cleanup")
	summary, err := s.runner.RunCleanup(ctx, s.expiryDays)
	if err != nil {
		s.log.Errorln("cache cleanup failed:", err)
	}
	s.record(summary)
	return nil
}

// record feeds the result of a cleanup process into this process' metrics
func (s *Scheduler) record(summary *Summary) {
	if summary == nil || summary.DryRun {
		return
	}
	metrics.TotalGCRuns.Inc()
	metrics.GCFreedBytes.Add(float64(summary.FreedBytes))
	s.log.Infof("cache cleanup done, deleted: %d files, space freed: %s", summary.Deleted, formatSize(summary.FreedBytes))
}

func NewExecRunner(configFile string) (*ExecRunner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to find own executable: %w", err)
	}
	return &ExecRunner{Executable: exe, ConfigFile: configFile}, nil
}

// RunCleanup runs the cleanup command of this binary and waits for it.
// The child writes its summary to a temp file, read back even on a non zero exit.
func (r *ExecRunner) RunCleanup(ctx context.Context, expiryDays int) (*Summary, error) {
	f, err := os.CreateTemp("", "mirrors-cache-cleanup-*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup summary file: %w", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	args := []string{"cleanup", "--days", strconv.Itoa(expiryDays), "--" + SUMMARY_FLAG, f.Name()}
	if r.ConfigFile != "" {
		args = append(args, "--config", r.ConfigFile)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Executable, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	summary, readErr := ReadSummary(f.Name())
	if readErr != nil {
		summary = nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return summary, fmt.Errorf("cleanup failed with exit code %d, stderr: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return summary, err
	}
	if readErr != nil {
		return nil, readErr
	}
	return summary, nil
}
