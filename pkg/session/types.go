package session

import (
	"sync"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/sirupsen/logrus"
)

const (
	WINDOW_SECONDS = 5
	KEY_LENGTH     = 12

	DEFAULT_IDLE_TIMEOUT   = 5 * time.Second
	DEFAULT_CHECK_INTERVAL = 2 * time.Second

	RECORD_TYPE = "install_session"
)

// Reporter is the part of the aggregator used by request handling
type Reporter interface {
	RecordPackage(userAgent, client, name string, sizeMB float64, cacheHit bool, downloadTime time.Duration, start, end time.Time)
}

type PackageRecord struct {
	Name         string
	SizeMB       float64
	CacheHit     bool
	DownloadTime time.Duration
	Start        time.Time
	End          time.Time
}

type InstallSession struct {
	Key          string
	UserAgent    string
	Client       string
	Start        time.Time
	LastActivity time.Time
	Packages     []PackageRecord
}

type Aggregator struct {
	sessions      map[string]*InstallSession
	mu            sync.Mutex
	sink          metrics.Sink
	idleTimeout   time.Duration
	checkInterval time.Duration
	now           func() time.Time
	log           *logrus.Entry
}

type PackageSummary struct {
	Name     string  `json:"name"`
	SizeMB   float64 `json:"size_mb"`
	CacheHit bool    `json:"cache_hit"`
	Time     float64 `json:"time"`
}

type Summary struct {
	Type                string           `json:"type"`
	SessionID           string           `json:"session_id"`
	TimestampStart      string           `json:"timestamp_start"`
	TimestampEnd        string           `json:"timestamp_end"`
	TotalTime           float64          `json:"total_time"`
	MainPackage         string           `json:"main_package"`
	PackageCount        int              `json:"package_count"`
	TotalSizeMB         float64          `json:"total_size_mb"`
	DownloadedSizeMB    float64          `json:"downloaded_size_mb"`
	CacheHitCount       int              `json:"cache_hit_count"`
	CacheHitRate        float64          `json:"cache_hit_rate"`
	AvgDownloadSpeedMBs float64          `json:"avg_download_speed_mbs"`
	Packages            []PackageSummary `json:"packages"`
	UserAgent           string           `json:"user_agent"`
	ClientIP            string           `json:"client_ip"`
}
