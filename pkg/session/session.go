package session

import (
	"strings"
	"time"
)

func (s *InstallSession) TotalTime() time.Duration {
	if len(s.Packages) == 0 {
		return 0
	}
	return s.Packages[len(s.Packages)-1].End.Sub(s.Packages[0].Start)
}

// Best guess of what the user installed: the first requested file without its version
func (s *InstallSession) MainPackage() string {
	if len(s.Packages) == 0 {
		return "unknown"
	}
	return strings.SplitN(s.Packages[0].Name, "-", 2)[0]
}

func (s *InstallSession) TotalSizeMB() float64 {
	total := 0.0
	for _, p := range s.Packages {
		total += p.SizeMB
	}
	return total
}

func (s *InstallSession) DownloadedSizeMB() float64 {
	total := 0.0
	for _, p := range s.Packages {
		if !p.CacheHit {
			total += p.SizeMB
		}
	}
	return total
}

func (s *InstallSession) CacheHitCount() int {
	count := 0
	for _, p := range s.Packages {
		if p.CacheHit {
			count++
		}
	}
	return count
}

func (s *InstallSession) CacheHitRate() float64 {
	if len(s.Packages) == 0 {
		return 0
	}
	return float64(s.CacheHitCount()) / float64(len(s.Packages))
}

// Average over downloaded packages only, cache hits would inflate it
func (s *InstallSession) AvgDownloadSpeedMBs() float64 {
	size := 0.0
	var elapsed time.Duration
	for _, p := range s.Packages {
		if p.CacheHit {
			continue
		}
		size += p.SizeMB
		elapsed += p.DownloadTime
	}
	if elapsed <= 0 {
		return 0
	}
	return size / elapsed.Seconds()
}
