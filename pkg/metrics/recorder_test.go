package metrics

import (
	"encoding/json"
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

func readRecords(t *testing.T, file string) []map[string]interface{} {
	raw, err := os.ReadFile(file)
	require.Nil(t, err)
	var records []map[string]interface{}
	require.Nil(t, json.Unmarshal(raw, &records))
	return records
}

func TestRecordFetch(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.Nil(t, err)

	hit := NewFetchMetric("https://example.com/a.tgz", "a.tgz", 2*MB, true, 12*time.Millisecond, STATUS_SUCCESS)
	miss := NewFetchMetric("https://example.com/b.tgz", "b.tgz", 3*MB+MB/2, false, 2*time.Second, STATUS_SUCCESS).
		WithAgentStats(4*MB, 1500*time.Millisecond).
		WithClientSpeed(1.75 * MB)
	r.RecordFetch(hit)
	r.RecordFetch(miss)

	records := readRecords(t, r.File())
	require.Len(t, records, 2)

	assert.Equal(t, "a.tgz", records[0]["package_name"])
	assert.Equal(t, 2.0, records[0]["file_size_mb"])
	assert.Equal(t, true, records[0]["cache_hit"])
	assert.Equal(t, 0.012, records[0]["total_time"])
	assert.NotContains(t, records[0], "aria2_download_speed_mbs")
	assert.NotContains(t, records[0], "status_message")

	assert.Equal(t, 3.5, records[1]["file_size_mb"])
	assert.Equal(t, 4.0, records[1]["aria2_download_speed_mbs"])
	assert.Equal(t, 1.5, records[1]["aria2_download_time"])
	assert.Equal(t, 1.75, records[1]["client_receive_speed_mbs"])
	assert.Equal(t, "success", records[1]["status"])
}

func TestAppendResetsCorruptFile(t *testing.T) {
	r, err := NewRecorder(t.TempDir())
	require.Nil(t, err)
	require.Nil(t, os.WriteFile(r.File(), []byte(`{"not":"a list"}`), 0o644))

	r.Append(map[string]string{"type": "install_session"})

	records := readRecords(t, r.File())
	assert.Len(t, records, 1)
	assert.Equal(t, "install_session", records[0]["type"])
}

func TestAppendFromTwoRecorders(t *testing.T) {
	hook := test.NewGlobal()
	hook.Reset()

	dir := t.TempDir()
	first, err := NewRecorder(dir)
	require.Nil(t, err)
	second, err := NewRecorder(dir)
	require.Nil(t, err)

	wg := sync.WaitGroup{}
	for n := 0; n < 10; n++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			first.Append(map[string]string{"from": "first"})
		}()
		go func() {
			defer wg.Done()
			second.Append(map[string]string{"from": "second"})
		}()
	}
	wg.Wait()

	for _, entry := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, entry.Level, entry.Message)
	}
	assert.NotEmpty(t, readRecords(t, first.File()))

	leftovers, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	assert.Empty(t, leftovers)
}

func TestFilePerDay(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.Nil(t, err)
	r.now = func() time.Time { return time.Date(2024, 5, 6, 23, 0, 0, 0, time.UTC) }

	r.Append(NewFetchMetric("u", "p", 0, false, 0, STATUS_ERROR).WithMessage("boom"))

	file := filepath.Join(dir, "metrics-2024-05-06.json")
	records := readRecords(t, file)
	assert.Equal(t, "boom", records[0]["status_message"])
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.23, Round(1.234, 2))
	assert.Equal(t, 1.235, Round(1.2346, 3))
	assert.Equal(t, 0.0, Round(0, 2))
}
