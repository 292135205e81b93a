package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	STATUS_SUCCESS = "success"
	STATUS_ERROR   = "error"
	STATUS_TIMEOUT = "timeout"

	MB = 1024 * 1024
)

// Sink receives finished records, either fetch metrics or session summaries
type Sink interface {
	RecordFetch(m *FetchMetric)
	Append(record interface{})
}

type FetchMetric struct {
	Timestamp          string   `json:"timestamp"`
	URL                string   `json:"url"`
	PackageName        string   `json:"package_name"`
	FileSizeMB         float64  `json:"file_size_mb"`
	CacheHit           bool     `json:"cache_hit"`
	TotalTime          float64  `json:"total_time"`
	Status             string   `json:"status"`
	AgentDownloadSpeed *float64 `json:"aria2_download_speed_mbs,omitempty"`
	AgentDownloadTime  *float64 `json:"aria2_download_time,omitempty"`
	ClientReceiveSpeed *float64 `json:"client_receive_speed_mbs,omitempty"`
	StatusMessage      string   `json:"status_message,omitempty"`
}

// NewFetchMetric converts raw byte counts and durations into the on-disk units:
// megabytes rounded to 2 decimals and seconds rounded to 3.
func NewFetchMetric(url, packageName string, fileSize int64, cacheHit bool, totalTime time.Duration, status string) *FetchMetric {
	return &FetchMetric{
		Timestamp:   time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		URL:         url,
		PackageName: packageName,
		FileSizeMB:  Round(float64(fileSize)/MB, 2),
		CacheHit:    cacheHit,
		TotalTime:   Round(totalTime.Seconds(), 3),
		Status:      status,
	}
}

// bytesPerSecond in bytes/s
func (m *FetchMetric) WithAgentStats(bytesPerSecond float64, downloadTime time.Duration) *FetchMetric {
	speed := Round(bytesPerSecond/MB, 2)
	dt := Round(downloadTime.Seconds(), 3)
	m.AgentDownloadSpeed = &speed
	m.AgentDownloadTime = &dt
	return m
}

func (m *FetchMetric) WithClientSpeed(bytesPerSecond float64) *FetchMetric {
	speed := Round(bytesPerSecond/MB, 2)
	m.ClientReceiveSpeed = &speed
	return m
}

func (m *FetchMetric) WithMessage(msg string) *FetchMetric {
	m.StatusMessage = msg
	return m
}

func Round(value float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(value*p) / p
}

// Recorder appends records to a JSON array file, one file per UTC day.
type Recorder struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
	log *logrus.Entry
}

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics dir: %w", err)
	}
	return &Recorder{
		dir: dir,
		now: time.Now,
		log: logrus.WithField("name", "metrics"),
	}, nil
}

func (r *Recorder) File() string {
	return filepath.Join(r.dir, fmt.Sprintf("metrics-%s.json", r.now().UTC().Format("2006-01-02")))
}

func (r *Recorder) RecordFetch(m *FetchMetric) {
	TotalFetches.WithLabelValues(m.Status, strconv.FormatBool(m.CacheHit)).Inc()
	r.Append(m)
	r.logFetch(m)
}

// Append adds one record to the current file. Failures are logged, never returned.
func (r *Recorder) Append(record interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file := r.File()
	data := make([]json.RawMessage, 0)
	if raw, err := os.ReadFile(file); err == nil {
		if err := json.Unmarshal(raw, &data); err != nil || data == nil {
			r.log.Warnf("metrics file %s is corrupted, starting a new array: %v", file, err)
			data = make([]json.RawMessage, 0)
		}
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		r.log.Errorln("failed to encode metric:", err)
		return
	}
	data = append(data, encoded)

	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		r.log.Errorln("failed to encode metrics file:", err)
		return
	}

	if err := writeAtomic(file, out); err != nil {
		r.log.Errorln("failed to append metric to JSON file:", err)
	}
}

// writeAtomic renames a uniquely named temp file over path
func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	_, err = tmp.Write(raw)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0o644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
	}
	return err
}

func (r *Recorder) logFetch(m *FetchMetric) {
	if m.CacheHit {
		r.log.Infof("[METRICS] Cache HIT | %s | Total: %.3fs | Size: %.2fMB", m.PackageName, m.TotalTime, m.FileSizeMB)
		return
	}

	msg := fmt.Sprintf("[METRICS] Cache MISS | %s | ", m.PackageName)
	if m.AgentDownloadSpeed != nil && m.AgentDownloadTime != nil {
		msg += fmt.Sprintf("Aria2: %.2fs @ %.2fMB/s | ", *m.AgentDownloadTime, *m.AgentDownloadSpeed)
	}
	msg += fmt.Sprintf("Total: %.2fs | Size: %.2fMB", m.TotalTime, m.FileSizeMB)
	if m.Status != STATUS_SUCCESS {
		msg += " | Status: " + m.Status
		if m.StatusMessage != "" {
			msg += fmt.Sprintf(" (%s)", m.StatusMessage)
		}
	}
	r.log.Infoln(msg)
}
