package gc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   atomic.Int32
	days    atomic.Int32
	fail    bool
	panic   bool
	summary *Summary
}

func (r *fakeRunner) RunCleanup(ctx context.Context, expiryDays int) (*Summary, error) {
	r.calls.Add(1)
	r.days.Store(int32(expiryDays))
	if r.panic {
		panic("boom")
	}
	if r.fail {
		return r.summary, errors.New("exit status 1")
	}
	return r.summary, nil
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("02:30")
	assert.Nil(t, err)
	assert.Equal(t, Clock{Hour: 2, Minute: 30}, c)
	assert.Equal(t, "02:30", c.String())

	for _, v := range []string{"", "2", "25:00", "12:60", "aa:bb"} {
		_, err := ParseClock(v)
		assert.NotNil(t, err, v)
	}
}

func TestNextRun(t *testing.T) {
	at := Clock{Hour: 2}

	before := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, NextRun(before, at))

	exact := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, 24*time.Hour, NextRun(exact, at))

	after := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, 23*time.Hour, NextRun(after, at))
}

// a clock frozen just before the scheduled time
func frozenBefore(c Clock, d time.Duration) func() time.Time {
	target := time.Date(2024, 3, 10, c.Hour, c.Minute, 0, 0, time.UTC)
	return func() time.Time { return target.Add(-d) }
}

func runScheduler(t *testing.T, s *Scheduler, until func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Start(ctx) }()

	assert.Eventually(t, until, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRuns(t *testing.T) {
	r := &fakeRunner{}
	s, err := NewScheduler("02:00", 7, r)
	assert.Nil(t, err)
	s.now = frozenBefore(s.at, 10*time.Millisecond)

	runScheduler(t, s, func() bool { return r.calls.Load() >= 2 })
	assert.Equal(t, int32(7), r.days.Load())
}

func TestSchedulerKeepsGoingOnFailure(t *testing.T) {
	r := &fakeRunner{fail: true}
	s, _ := NewScheduler("02:00", 0, r)
	s.now = frozenBefore(s.at, 10*time.Millisecond)

	runScheduler(t, s, func() bool { return r.calls.Load() >= 2 })
	assert.Equal(t, int32(DEFAULT_EXPIRY_DAYS), r.days.Load())
}

func TestSchedulerRecoversPanic(t *testing.T) {
	r := &fakeRunner{panic: true}
	s, _ := NewScheduler("02:00", 30, r)
	s.now = frozenBefore(s.at, 10*time.Millisecond)
	s.backoff = 10 * time.Millisecond

	runScheduler(t, s, func() bool { return r.calls.Load() >= 2 })
}

func TestSchedulerStopsWhileWaiting(t *testing.T) {
	r := &fakeRunner{}
	s, _ := NewScheduler("02:00", 30, r)
	s.now = frozenBefore(s.at, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Nil(t, s.Start(ctx))
	assert.Equal(t, int32(0), r.calls.Load())
}

func TestNewSchedulerInvalidClock(t *testing.T) {
	_, err := NewScheduler("2am", 30, &fakeRunner{})
	assert.NotNil(t, err)
}

func TestSchedulerRecordsSummary(t *testing.T) {
	runs := testutil.ToFloat64(metrics.TotalGCRuns)
	freed := testutil.ToFloat64(metrics.GCFreedBytes)

	r := &fakeRunner{fail: true, summary: &Summary{Deleted: 2, FreedBytes: 300, Errors: 1}}
	s, _ := NewScheduler("02:00", 30, r)

	assert.Nil(t, s.runOnce(context.TODO()))
	assert.Equal(t, runs+1, testutil.ToFloat64(metrics.TotalGCRuns))
	assert.Equal(t, freed+300, testutil.ToFloat64(metrics.GCFreedBytes))

	// nothing came back from the cleanup process
	r.summary = nil
	assert.Nil(t, s.runOnce(context.TODO()))
	assert.Equal(t, runs+1, testutil.ToFloat64(metrics.TotalGCRuns))
}

func TestExecRunnerReadsSummaryOnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a shell script")
	}
	exe := filepath.Join(t.TempDir(), "mirrors-cache")
	script := `#!/bin/sh
while [ $# -gt 0 ]; do
  if [ "$1" = "--summary" ]; then printf '{"deleted":2,"freed_bytes":10,"errors":1}' > "$2"; fi
  shift
done
echo "failed to delete" >&2
exit 1
`
	require.Nil(t, os.WriteFile(exe, []byte(script), 0o755))

	summary, err := (&ExecRunner{Executable: exe}).RunCleanup(context.TODO(), 30)

	assert.ErrorContains(t, err, "exit code 1")
	assert.ErrorContains(t, err, "failed to delete")
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Deleted)
	assert.Equal(t, int64(10), summary.FreedBytes)
	assert.Equal(t, 1, summary.Errors)
}

func TestExecRunnerMissingSummary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a shell script")
	}
	exe := filepath.Join(t.TempDir(), "mirrors-cache")
	require.Nil(t, os.WriteFile(exe, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	summary, err := (&ExecRunner{Executable: exe}).RunCleanup(context.TODO(), 30)

	assert.NotNil(t, err)
	assert.Nil(t, summary)
}
