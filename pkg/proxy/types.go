package proxy

import (
	"context"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/worker"
	"github.com/sirupsen/logrus"
)

const (
	HEALTH_PATH         = "/health"
	TARGET_SCHEME       = "https"
	HEADER_CACHE_STATUS = "X-Cache"
	HEADER_FORWARDED    = "X-Forwarded-For"
)

type Fetcher interface {
	Fetch(ctx context.Context, fr *worker.FetchRequest) *worker.Outcome
}

type Proxy struct {
	fetcher  Fetcher
	address  string
	agentURL string
	waitTime time.Duration
	log      *logrus.Entry
}
