package session

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

func NewAggregator(sink metrics.Sink, idleTimeout time.Duration) *Aggregator {
	if idleTimeout <= 0 {
		idleTimeout = DEFAULT_IDLE_TIMEOUT
	}
	return &Aggregator{
		sessions:      make(map[string]*InstallSession),
		sink:          sink,
		idleTimeout:   idleTimeout,
		checkInterval: DEFAULT_CHECK_INTERVAL,
		now:           time.Now,
		log:           logrus.WithField("name", "session"),
	}
}

// Sessions are not announced by clients. Requests from the same user agent and
// address inside one coarse time bucket are assumed to belong to one install.
// Bursts crossing a bucket boundary split, users behind one NAT can merge.
func ComputeKey(userAgent, client string, at time.Time) string {
	window := at.Unix() / WINDOW_SECONDS
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%d", userAgent, client, window)))
	return hex.EncodeToString(sum[:])[:KEY_LENGTH]
}

func (a *Aggregator) RecordPackage(userAgent, client, name string, sizeMB float64, cacheHit bool, downloadTime time.Duration, start, end time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	key := ComputeKey(userAgent, client, now)

	s, ok := a.sessions[key]
	if !ok {
		s = &InstallSession{
			Key:       key,
			UserAgent: userAgent,
			Client:    client,
			Start:     start,
		}
		a.sessions[key] = s
		a.log.Debugln("created new session:", key)
	}

	s.Packages = append(s.Packages, PackageRecord{
		Name:         name,
		SizeMB:       sizeMB,
		CacheHit:     cacheHit,
		DownloadTime: downloadTime,
		Start:        start,
		End:          end,
	})
	s.LastActivity = now

	a.log.Debugf("added package to session %s: %s (packages: %d)", key, name, len(s.Packages))
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.sessions)
}

// CheckExpired finalizes every session idle for longer than idle.
// The keys are collected under the lock, finalizing happens outside of it.
func (a *Aggregator) CheckExpired(idle time.Duration) {
	a.mu.Lock()
	now := a.now()
	expired := make([]string, 0)
	for _, key := range maps.Keys(a.sessions) {
		if now.Sub(a.sessions[key].LastActivity) > idle {
			expired = append(expired, key)
		}
	}
	a.mu.Unlock()

	for _, key := range expired {
		a.Finalize(key)
	}
}

// Finalize removes the session and emits its summary.
// Returns nil when the session is unknown or empty.
func (a *Aggregator) Finalize(key string) *Summary {
	a.mu.Lock()
	s, ok := a.sessions[key]
	delete(a.sessions, key)
	a.mu.Unlock()

	if !ok || len(s.Packages) == 0 {
		return nil
	}

	summary := Summarize(s)
	a.logSummary(s, summary)
	metrics.TotalSessions.Inc()
	if a.sink != nil {
		a.sink.Append(summary)
	}

	a.log.Debugln("finalized and removed session:", key)
	return summary
}

func Summarize(s *InstallSession) *Summary {
	packages := make([]PackageSummary, 0, len(s.Packages))
	for _, p := range s.Packages {
		packages = append(packages, PackageSummary{
			Name:     p.Name,
			SizeMB:   metrics.Round(p.SizeMB, 2),
			CacheHit: p.CacheHit,
			Time:     metrics.Round(p.DownloadTime.Seconds(), 3),
		})
	}

	return &Summary{
		Type:                RECORD_TYPE,
		SessionID:           s.Key,
		TimestampStart:      s.Start.UTC().Format(time.RFC3339Nano),
		TimestampEnd:        s.Packages[len(s.Packages)-1].End.UTC().Format(time.RFC3339Nano),
		TotalTime:           metrics.Round(s.TotalTime().Seconds(), 3),
		MainPackage:         s.MainPackage(),
		PackageCount:        len(s.Packages),
		TotalSizeMB:         metrics.Round(s.TotalSizeMB(), 2),
		DownloadedSizeMB:    metrics.Round(s.DownloadedSizeMB(), 2),
		CacheHitCount:       s.CacheHitCount(),
		CacheHitRate:        metrics.Round(s.CacheHitRate(), 3),
		AvgDownloadSpeedMBs: metrics.Round(s.AvgDownloadSpeedMBs(), 2),
		Packages:            packages,
		UserAgent:           s.UserAgent,
		ClientIP:            s.Client,
	}
}

func (a *Aggregator) logSummary(s *InstallSession, sum *Summary) {
	line := fmt.Sprintf(
		"[INSTALL-SUMMARY] %s installed | total: %.1fs | packages: %d | size: %.2fMB | downloaded: %.2fMB | cache hits: %d/%d (%.1f%%)",
		sum.MainPackage, sum.TotalTime, sum.PackageCount, sum.TotalSizeMB, sum.DownloadedSizeMB,
		sum.CacheHitCount, sum.PackageCount, s.CacheHitRate()*100,
	)
	if sum.AvgDownloadSpeedMBs > 0 {
		line += fmt.Sprintf(" | avg speed: %.2fMB/s", sum.AvgDownloadSpeedMBs)
	}
	a.log.Infoln(line)

	for _, p := range s.Packages {
		origin := "download"
		if p.CacheHit {
			origin = "cache"
		}
		a.log.Infof("  └─ %s (%.2fMB, %s, %.2fs)", p.Name, p.SizeMB, origin, p.DownloadTime.Seconds())
	}
}

// Start runs the expiry loop until ctx is cancelled
func (a *Aggregator) Start(ctx context.Context) error {
	a.log.Infoln("session cleanup task started")
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Infoln("session cleanup task stopped")
			return nil
		case <-ticker.C:
			a.safeCheckExpired()
		}
	}
}

func (a *Aggregator) safeCheckExpired() {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("error in session cleanup task: %v\n%s", r, debug.Stack())
		}
	}()
	a.CheckExpired(a.idleTimeout)
}
