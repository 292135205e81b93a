package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// Atomic counters
	PendingDownloads = new(atomic.Int64)

	// Metrics
	AgentDownloadSpeed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mc_agent_download_speed_bytes",
			Help: "last sampled agent download speed in bytes per second",
		},
		[]string{"host"},
	)
	TotalGCRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_total_gc_run",
			Help: "total cleanup runs counter",
		},
	)
	GCFreedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_gc_freed_bytes",
			Help: "total bytes freed by cleanup",
		},
	)
	TrackedFiles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mc_tracked_files",
			Help: "number of cache files in the access tracker",
		},
	)
	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mc_cache_size_bytes",
			Help: "size of cache folder in bytes",
		},
	)
	TotalFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mc_fetch_total",
			Help: "fetch outcomes by status",
		},
		[]string{"status", "cache_hit"},
	)
	TotalBytesServedFromCache = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_bytes_from_cache",
			Help: "total bytes served from cache",
		},
	)
	TotalPendingDownloads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mc_pending_downloads",
			Help: "number of requests waiting on the download agent",
		},
	)
	TotalSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mc_install_sessions_total",
			Help: "finalized install sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentDownloadSpeed)
	prometheus.MustRegister(TotalGCRuns)
	prometheus.MustRegister(GCFreedBytes)
	prometheus.MustRegister(TrackedFiles)
	prometheus.MustRegister(CacheSize)
	prometheus.MustRegister(TotalFetches)
	prometheus.MustRegister(TotalBytesServedFromCache)
	prometheus.MustRegister(TotalPendingDownloads)
	prometheus.MustRegister(TotalSessions)
}

const (
	GAUGE_INTERVAL      = 15 * time.Second
	CACHE_SIZE_INTERVAL = 5 * time.Minute
)

type Sizer interface {
	Len() int
}

// Run serves /metrics on metricsAddr until ctx is cancelled.
// cacheSize walks the whole cache, it is sampled less often than the other gauges.
func Run(ctx context.Context, metricsAddr string, tracked Sizer, cacheSize func() (int64, error)) error {

	// run metrics routines here
	go updateGauge(ctx, TrackedFiles, GAUGE_INTERVAL, func() (float64, error) {
		return float64(tracked.Len()), nil
	})
	go updateGauge(ctx, TotalPendingDownloads, GAUGE_INTERVAL, func() (float64, error) {
		return float64(PendingDownloads.Load()), nil
	})
	go updateGauge(ctx, CacheSize, CACHE_SIZE_INTERVAL, func() (float64, error) {
		size, err := cacheSize()
		return float64(size), err
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logrus.Infoln("starting metrics server on ", metricsAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Gauge routines

// a failed sample keeps the previous value
func updateGauge(ctx context.Context, g prometheus.Gauge, interval time.Duration, value func() (float64, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if v, err := value(); err != nil {
			logrus.Warnln("failed to sample metric:", err)
		} else {
			g.Set(v)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
