package gc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"github.com/sirupsen/logrus"
)

func formatSize(size int64) string {
	return bytesize.New(float64(size)).String()
}

func (r *Report) ExitCode() int {
	if r.Interrupted {
		return EXIT_INTERRUPTED
	}
	if len(r.Errors) > 0 {
		return EXIT_FAILURE
	}
	return EXIT_OK
}

func (r *Report) Log(log *logrus.Entry) {
	fields := logrus.Fields{
		"tracked": r.Tracked,
		"active":  r.Active,
		"expired": r.Expired,
		"missing": r.Missing,
		"cutoff":  r.Cutoff.Format("2006-01-02 15:04:05 UTC"),
	}

	if r.DryRun {
		log.WithFields(fields).Infof(
			"dry run, no files were deleted. would delete: %d files, would free: %s",
			r.Deleted, formatSize(r.FreedBytes),
		)
		return
	}

	log.WithFields(fields).Infof("deleted: %d files, space freed: %s", r.Deleted, formatSize(r.FreedBytes))
	for _, de := range r.Errors {
		log.Errorf("  - %s: %v", de.Path, de.Err)
	}
	if r.Interrupted {
		log.Warnln("cleanup was interrupted before completion")
	}
}

func (r *Report) Summary() *Summary {
	return &Summary{
		DryRun:      r.DryRun,
		Interrupted: r.Interrupted,
		Deleted:     r.Deleted,
		FreedBytes:  r.FreedBytes,
		Errors:      len(r.Errors),
	}
}

func WriteSummary(path string, s *Summary) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode cleanup summary: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write cleanup summary: %w", err)
	}
	return nil
}

// ReadSummary fails on an empty file, the cleanup exited before reporting
func ReadSummary(path string) (*Summary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cleanup summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("invalid cleanup summary: %w", err)
	}
	return &s, nil
}
