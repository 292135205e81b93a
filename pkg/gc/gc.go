package gc

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

type expiredFile struct {
	path       string
	lastAccess time.Time
	size       int64
}

func NewEvictor(store AccessStore) *Evictor {
	return &Evictor{
		store: store,
		now:   time.Now,
		log:   logrus.WithField("name", "gc"),
	}
}

// Run deletes every tracked file not accessed in the last expiryDays days.
// Records of files already gone from disk are forgotten even on a dry run.
// A cancelled ctx stops the run between two deletions.
func (e *Evictor) Run(ctx context.Context, expiryDays int, dryRun bool) *Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now().UTC()
	report := &Report{
		Cutoff: now.Add(-time.Duration(expiryDays) * DAY),
		DryRun: dryRun,
	}

	tracked := e.store.AllTracked()
	report.Tracked = len(tracked)

	missing := make([]string, 0)
	expired := make([]expiredFile, 0)
	for p, last := range tracked {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			missing = append(missing, p)
			continue
		}
		if err != nil {
			e.log.Warnf("cannot stat() file '%s', keeping it: %v", p, err)
			report.Active++
			continue
		}
		if last.Before(report.Cutoff) {
			expired = append(expired, expiredFile{path: p, lastAccess: last, size: info.Size()})
			continue
		}
		report.Active++
	}
	report.Missing = len(missing)
	report.Expired = len(expired)

	// stale bookkeeping only, no real data is touched
	for _, p := range missing {
		e.store.Forget(p)
		e.log.Infoln("removed tracking of missing file:", p)
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].size > expired[j].size
	})

	for _, f := range expired {
		if ctx.Err() != nil {
			e.log.Warnln("cleanup interrupted")
			report.Interrupted = true
			break
		}

		daysOld := int(now.Sub(f.lastAccess) / DAY)
		if dryRun {
			e.log.Infof("would delete %s (%s, last access %d days ago)", filepath.Base(f.path), formatSize(f.size), daysOld)
			report.Deleted++
			report.FreedBytes += f.size
			continue
		}

		if err := os.Remove(f.path); err != nil {
			e.log.Errorf("failed to delete %s: %v", f.path, err)
			report.Errors = append(report.Errors, DeletionError{Path: f.path, Err: err})
			continue
		}
		e.store.Forget(f.path)
		report.Deleted++
		report.FreedBytes += f.size
		e.log.Infof("deleted %s (%s, last access %d days ago)", filepath.Base(f.path), formatSize(f.size), daysOld)
	}

	return report
}
