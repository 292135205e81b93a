package gc

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	EXIT_OK          = 0
	EXIT_FAILURE     = 1
	EXIT_INTERRUPTED = 130

	DEFAULT_EXPIRY_DAYS   = 30
	DEFAULT_CLEANUP_CLOCK = "02:00"
	DEFAULT_BACKOFF       = time.Hour

	DAY = 24 * time.Hour

	SUMMARY_FLAG = "summary"
)

type AccessStore interface {
	AllTracked() map[string]time.Time
	Forget(path string)
}

// Runner executes one cleanup pass, usually in another process.
// The summary may be set even when the pass returns an error.
type Runner interface {
	RunCleanup(ctx context.Context, expiryDays int) (*Summary, error)
}

type Evictor struct {
	store AccessStore
	now   func() time.Time
	log   *logrus.Entry
	mu    sync.Mutex
}

type DeletionError struct {
	Path string
	Err  error
}

type Report struct {
	Cutoff      time.Time
	DryRun      bool
	Interrupted bool
	Tracked     int
	Active      int
	Expired     int
	Missing     int
	Deleted     int
	FreedBytes  int64
	Errors      []DeletionError
}

// Summary is the part of a Report handed back from a cleanup process
type Summary struct {
	DryRun      bool  `json:"dry_run"`
	Interrupted bool  `json:"interrupted"`
	Deleted     int   `json:"deleted"`
	FreedBytes  int64 `json:"freed_bytes"`
	Errors      int   `json:"errors"`
}

type Clock struct {
	Hour   int
	Minute int
}

type Scheduler struct {
	at         Clock
	expiryDays int
	runner     Runner
	backoff    time.Duration
	now        func() time.Time
	log        *logrus.Entry
}

type ExecRunner struct {
	Executable string
	ConfigFile string
}
