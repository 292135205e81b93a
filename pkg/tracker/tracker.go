package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

const (
	SUFFIX_TEMP_FILE = ".tmp"

	// RFC3339 with a literal Z, every stored time is UTC
	TIME_FORMAT = "2006-01-02T15:04:05Z"
)

// Tracker records the last access time of every cache file.
// The whole mapping lives in a single JSON object, rewritten on each change.
// Other processes may rewrite the file, so it is reloaded whenever its
// size or modification time no longer matches the last load or save.
type Tracker struct {
	file  string
	data  map[string]string
	stamp fileStamp
	mu    sync.Mutex
	log   *logrus.Entry
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// New loads the tracking file at path, creating it when missing.
// Only failing to create the file is an error, an unreadable file starts empty.
func New(path string) (*Tracker, error) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	t := &Tracker{
		file: path,
		data: make(map[string]string),
		log:  logrus.WithField("name", "tracker"),
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create tracking dir: %w", err)
		}
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("failed to initialize tracking file: %w", err)
		}
	}

	t.load()
	return t, nil
}

func (t *Tracker) File() string {
	return t.file
}

func (t *Tracker) load() {
	if err := t.read(); err != nil {
		t.log.Warnln("failed to load tracking data, starting fresh:", err)
		t.data = make(map[string]string)
	}
}

// read replaces the in-memory data with the file content, leaving it untouched on error
func (t *Tracker) read() error {
	info, err := os.Stat(t.file)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(t.file)
	if err != nil {
		return err
	}

	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("invalid tracking data: %w", err)
	}
	if data == nil {
		return errors.New("invalid tracking data: null")
	}
	t.data = data
	t.stamp = fileStamp{size: info.Size(), modTime: info.ModTime()}
	return nil
}

// refresh picks up changes written by another process, must be called with the lock held
func (t *Tracker) refresh() {
	info, err := os.Stat(t.file)
	if err != nil {
		return
	}
	if info.Size() == t.stamp.size && info.ModTime().Equal(t.stamp.modTime) {
		return
	}
	if err := t.read(); err != nil {
		t.log.Warnln("failed to reload tracking data:", err)
	}
}

// must be called with the lock held
func (t *Tracker) save() {
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		t.log.Errorln("failed to encode tracking data:", err)
		return
	}

	// unique name per write, a serve and a cleanup process may save at once
	tmp, err := os.CreateTemp(filepath.Dir(t.file), filepath.Base(t.file)+".*"+SUFFIX_TEMP_FILE)
	if err != nil {
		t.log.Errorln("failed to save tracking data:", err)
		return
	}
	_, err = tmp.Write(raw)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), t.file)
	}
	if err != nil {
		os.Remove(tmp.Name())
		t.log.Errorln("failed to save tracking data:", err)
		return
	}

	if info, err := os.Stat(t.file); err == nil {
		t.stamp = fileStamp{size: info.Size(), modTime: info.ModTime()}
	}
}

// keys are always absolute so relative and absolute roots never diverge
func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func formatTime(at time.Time) string {
	return at.UTC().Truncate(time.Second).Format(TIME_FORMAT)
}

func parseTime(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, value)
}

// Touch sets the access time of path, a zero time means now.
func (t *Tracker) Touch(path string, at time.Time) {
	if at.IsZero() {
		at = time.Now()
	}

	path = absPath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.refresh()
	t.data[path] = formatTime(at)
	t.save()
}

func (t *Tracker) LastAccess(path string) (time.Time, bool) {
	path = absPath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.refresh()
	value, ok := t.data[path]
	if !ok {
		return time.Time{}, false
	}
	at, err := parseTime(value)
	if err != nil {
		t.log.Warnf("invalid timestamp for %s: %v", path, err)
		return time.Time{}, false
	}
	return at, true
}

// AllTracked returns a copy of all records, skipping unparsable timestamps.
func (t *Tracker) AllTracked() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refresh()
	result := make(map[string]time.Time, len(t.data))
	for _, path := range maps.Keys(t.data) {
		at, err := parseTime(t.data[path])
		if err != nil {
			t.log.Warnf("invalid timestamp for %s: %v", path, err)
			continue
		}
		result[path] = at
	}
	return result
}

func (t *Tracker) Forget(path string) {
	path = absPath(path)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.refresh()
	if _, ok := t.data[path]; ok {
		delete(t.data, path)
		t.save()
	}
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refresh()
	return len(t.data)
}

// Backfill tracks every untracked regular file under root with the current time.
// Existing files get a full expiry window instead of their mtime.
func (t *Tracker) Backfill(root string) (int, error) {
	root = absPath(root)
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		t.log.Warnln("cache directory does not exist:", root)
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.refresh()
	now := formatTime(time.Now())
	count := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			t.log.Warnf("failed to scan %s: %v", path, err)
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if t.isOwnFile(path) || cache.IsMarkerFile(path) {
			return nil
		}
		if _, ok := t.data[path]; ok {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			t.log.Warnf("failed to initialize tracking for %s: %v", path, err)
			return nil
		}
		f.Close()

		t.data[path] = now
		count++
		return nil
	})

	if count > 0 {
		t.save()
		t.log.Infof("initialized tracking for %d existing cache files", count)
	} else {
		t.log.Infoln("no new cache files to initialize")
	}

	return count, err
}

// isOwnFile matches the tracking file and its in-flight temp files
func (t *Tracker) isOwnFile(path string) bool {
	if path == t.file {
		return true
	}
	if filepath.Dir(path) != filepath.Dir(t.file) {
		return false
	}
	name := filepath.Base(path)
	return strings.HasPrefix(name, filepath.Base(t.file)+".") && strings.HasSuffix(name, SUFFIX_TEMP_FILE)
}
