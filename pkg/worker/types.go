package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/agent"
	"github.com/ish-xyz/mirrors-cache/pkg/cache"
	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/ish-xyz/mirrors-cache/pkg/session"
	"github.com/sirupsen/logrus"
)

const (
	OUTCOME_HIT = iota
	OUTCOME_MISS
	OUTCOME_IN_PROGRESS
	OUTCOME_ERROR
	OUTCOME_TIMEOUT

	DEFAULT_WAIT_TIME     = 60 * time.Second
	DEFAULT_POLL_INTERVAL = time.Second
	STATUS_SAMPLE_EVERY   = 5
	AGENT_CALL_TIMEOUT    = 10 * time.Second
)

var (
	ErrAgentSubmission = errors.New("failed to add download")
	ErrTimeout         = errors.New("download not finished in time")

	// only these request headers are forwarded to the agent
	ForwardedHeaders = []string{"User-Agent", "Accept", "Authorization"}
)

type AccessTracker interface {
	Touch(path string, at time.Time)
}

type FetchRequest struct {
	URL      string
	Headers  http.Header
	Client   string
	WaitTime time.Duration
}

type Outcome struct {
	Kind      int
	Data      []byte
	CachePath string
	Err       error
}

type Worker struct {
	cache        cache.Cache
	tasks        *cache.TaskIndex
	agent        agent.Agent
	tracker      AccessTracker
	sink         metrics.Sink
	sessions     session.Reporter
	pollInterval time.Duration
	log          *logrus.Entry
}
