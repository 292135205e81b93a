package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	dir := t.TempDir()
	file := filepath.Join(dir, "data", "cache_access.json")
	tr, err := New(file)
	require.Nil(t, err)
	return tr, file
}

func TestNewCreatesEmptyFile(t *testing.T) {
	_, file := newTestTracker(t)

	raw, err := os.ReadFile(file)
	assert.Nil(t, err)
	assert.JSONEq(t, "{}", string(raw))
}

func TestTouchLastAccess(t *testing.T) {
	tr, _ := newTestTracker(t)
	at := time.Date(2024, 3, 1, 10, 20, 30, 999, time.FixedZone("CET", 3600))

	tr.Touch("/cache/a", at)
	got, ok := tr.LastAccess("/cache/a")

	assert.True(t, ok)
	assert.True(t, at.Truncate(time.Second).Equal(got))
	assert.Equal(t, time.UTC, got.Location())
}

func TestTouchDefaultsToNow(t *testing.T) {
	tr, _ := newTestTracker(t)
	before := time.Now().Add(-time.Second)

	tr.Touch("/cache/a", time.Time{})
	got, ok := tr.LastAccess("/cache/a")

	assert.True(t, ok)
	assert.True(t, got.After(before))
}

func TestLastAccessUntracked(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, ok := tr.LastAccess("/cache/missing")
	assert.False(t, ok)
}

func TestPersistReloadRoundTrip(t *testing.T) {
	tr, file := newTestTracker(t)
	tr.Touch("/cache/a", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	tr.Touch("/cache/b", time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC))

	reloaded, err := New(file)
	require.Nil(t, err)

	assert.Equal(t, tr.AllTracked(), reloaded.AllTracked())

	raw, _ := os.ReadFile(file)
	var onDisk map[string]string
	require.Nil(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "2024-01-02T03:04:05Z", onDisk["/cache/a"])
	_, tmpErr := os.Stat(file + SUFFIX_TEMP_FILE)
	assert.True(t, os.IsNotExist(tmpErr))
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cache_access.json")
	require.Nil(t, os.WriteFile(file, []byte("{not json"), 0o644))

	tr, err := New(file)

	assert.Nil(t, err)
	assert.Equal(t, 0, tr.Len())
	tr.Touch("/cache/a", time.Time{})
	assert.Equal(t, 1, tr.Len())
}

func TestAllTrackedSkipsInvalidTimestamps(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cache_access.json")
	require.Nil(t, os.WriteFile(file, []byte(`{"/cache/a":"2024-01-02T03:04:05Z","/cache/b":"yesterday"}`), 0o644))

	tr, err := New(file)
	require.Nil(t, err)
	all := tr.AllTracked()

	assert.Len(t, all, 1)
	assert.Contains(t, all, "/cache/a")
}

func TestForget(t *testing.T) {
	tr, file := newTestTracker(t)
	tr.Touch("/cache/a", time.Time{})
	tr.Forget("/cache/a")
	tr.Forget("/cache/never")

	_, ok := tr.LastAccess("/cache/a")
	reloaded, _ := New(file)

	assert.False(t, ok)
	assert.Equal(t, 0, reloaded.Len())
}

func TestBackfill(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "cache_access.json")
	tr, err := New(file)
	require.Nil(t, err)

	require.Nil(t, os.MkdirAll(filepath.Join(root, "example.com", "pkg"), 0o755))
	fileA := filepath.Join(root, "example.com", "pkg", "a.tgz")
	fileB := filepath.Join(root, "example.com", "pkg", "b.tgz")
	require.Nil(t, os.WriteFile(fileA, []byte("a"), 0o644))
	require.Nil(t, os.WriteFile(fileB, []byte("b"), 0o644))
	require.Nil(t, os.WriteFile(fileB+".aria2", []byte{}, 0o644))

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	os.Chtimes(fileA, old, old)
	tr.Touch(fileB, old)

	count, err := tr.Backfill(root)
	assert.Nil(t, err)
	assert.Equal(t, 1, count)

	atA, okA := tr.LastAccess(fileA)
	atB, _ := tr.LastAccess(fileB)
	assert.True(t, okA)
	assert.True(t, atA.After(old))
	assert.True(t, atB.Equal(old))
	assert.Equal(t, 2, tr.Len())
}

func TestBackfillRelativeRoot(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.Nil(t, err)
	require.Nil(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	require.Nil(t, os.MkdirAll(filepath.Join("cache", "pypi.org"), 0o755))
	require.Nil(t, os.WriteFile(filepath.Join("cache", "pypi.org", "a.whl"), []byte("a"), 0o644))

	tr, err := New(filepath.Join("data", "cache_access.json"))
	require.Nil(t, err)

	count, err := tr.Backfill("cache")
	require.Nil(t, err)
	assert.Equal(t, 1, count)

	abs, err := filepath.Abs(filepath.Join("cache", "pypi.org", "a.whl"))
	require.Nil(t, err)
	for path := range tr.AllTracked() {
		assert.True(t, filepath.IsAbs(path), path)
	}

	// a request touches the absolute path, it must hit the backfilled record
	later := time.Now().Add(time.Hour)
	tr.Touch(abs, later)
	at, ok := tr.LastAccess(filepath.Join("cache", "pypi.org", "a.whl"))

	assert.Equal(t, 1, tr.Len())
	assert.True(t, ok)
	assert.True(t, at.Equal(later.UTC().Truncate(time.Second)))
}

func TestBackfillMissingRoot(t *testing.T) {
	tr, _ := newTestTracker(t)
	count, err := tr.Backfill(filepath.Join(t.TempDir(), "nope"))

	assert.Nil(t, err)
	assert.Equal(t, 0, count)
}

func TestConcurrentTouch(t *testing.T) {
	tr, file := newTestTracker(t)
	wg := sync.WaitGroup{}
	for n := 0; n < 20; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.Touch(fmt.Sprintf("/cache/%d", n), time.Time{})
		}(n)
	}
	wg.Wait()

	reloaded, err := New(file)
	require.Nil(t, err)
	assert.Equal(t, 20, reloaded.Len())
}

func TestReloadsChangesFromAnotherProcess(t *testing.T) {
	serving, file := newTestTracker(t)
	serving.Touch("/cache/a", time.Time{})
	serving.Touch("/cache/b", time.Time{})

	cleaning, err := New(file)
	require.Nil(t, err)
	cleaning.Forget("/cache/a")

	serving.Touch("/cache/c", time.Time{})

	_, ok := serving.LastAccess("/cache/a")
	assert.False(t, ok)

	reloaded, err := New(file)
	require.Nil(t, err)
	all := reloaded.AllTracked()
	assert.NotContains(t, all, "/cache/a")
	assert.Contains(t, all, "/cache/b")
	assert.Contains(t, all, "/cache/c")
}

func TestConcurrentSaveFromTwoTrackers(t *testing.T) {
	hook := test.NewGlobal()
	hook.Reset()

	first, file := newTestTracker(t)
	second, err := New(file)
	require.Nil(t, err)

	wg := sync.WaitGroup{}
	for n := 0; n < 20; n++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			first.Touch(fmt.Sprintf("/cache/first/%d", n), time.Time{})
		}(n)
		go func(n int) {
			defer wg.Done()
			second.Forget(fmt.Sprintf("/cache/first/%d", n))
		}(n)
	}
	wg.Wait()

	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}

	raw, err := os.ReadFile(file)
	require.Nil(t, err)
	var onDisk map[string]string
	assert.Nil(t, json.Unmarshal(raw, &onDisk))

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(file), "*"+SUFFIX_TEMP_FILE))
	assert.Empty(t, leftovers)
}
