package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/agent"
	"github.com/ish-xyz/mirrors-cache/pkg/cache"
	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/ish-xyz/mirrors-cache/pkg/session"
	"github.com/sirupsen/logrus"
)

// sessions may be nil when install summaries are disabled
func NewWorker(ch cache.Cache, tasks *cache.TaskIndex, ag agent.Agent, tr AccessTracker, sink metrics.Sink, sessions session.Reporter) *Worker {
	return &Worker{
		cache:        ch,
		tasks:        tasks,
		agent:        ag,
		tracker:      tr,
		sink:         sink,
		sessions:     sessions,
		pollInterval: DEFAULT_POLL_INTERVAL,
		log:          logrus.WithField("name", "worker"),
	}
}

func filterHeaders(h http.Header) map[string]string {
	filtered := make(map[string]string)
	for _, k := range ForwardedHeaders {
		if v := h.Get(k); v != "" {
			filtered[k] = v
		}
	}
	return filtered
}

func packageName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return path.Base(u.Path)
}

func (w *Worker) reportPackage(fr *FetchRequest, name string, size int64, cacheHit bool, downloadTime time.Duration, start, end time.Time) {
	if w.sessions == nil {
		return
	}
	userAgent := fr.Headers.Get("User-Agent")
	w.sessions.RecordPackage(userAgent, fr.Client, name, float64(size)/metrics.MB, cacheHit, downloadTime, start, end)
}

// Fetch serves the url from the cache or asks the agent to download it.
// Hit, miss, error and timeout each record exactly one metric. A download
// already in progress returns right away without one.
func (w *Worker) Fetch(ctx context.Context, fr *FetchRequest) *Outcome {
	start := time.Now()
	name := packageName(fr.URL)

	cachePath, err := w.cache.ResolvePath(fr.URL)
	if err != nil {
		return &Outcome{Kind: OUTCOME_ERROR, Err: err}
	}

	status, err := w.cache.Lookup(fr.URL)
	if err != nil {
		return &Outcome{Kind: OUTCOME_ERROR, Err: err}
	}

	if status == cache.STATUS_AVAILABLE {
		outcome, ok := w.serveFromCache(fr, cachePath, name, start)
		if ok {
			return outcome
		}
		// the file went away between lookup and read, treat as a miss
		status = cache.STATUS_NOT_FOUND
	}

	if status == cache.STATUS_IN_PROGRESS {
		w.log.Infof("download is not finished for %s", fr.URL)
		w.reportProgress(ctx, fr.URL, cachePath)
		return &Outcome{Kind: OUTCOME_IN_PROGRESS, CachePath: cachePath}
	}

	// another request of this process already submitted it, the marker may not exist yet
	if !w.tasks.Claim(cachePath) {
		w.log.Infof("download already requested for %s", fr.URL)
		w.reportProgress(ctx, fr.URL, cachePath)
		return &Outcome{Kind: OUTCOME_IN_PROGRESS, CachePath: cachePath}
	}
	defer w.tasks.Release(cachePath)

	return w.download(ctx, fr, cachePath, name, start)
}

func (w *Worker) serveFromCache(fr *FetchRequest, cachePath, name string, start time.Time) (*Outcome, bool) {
	data, err := w.cache.ReadCached(fr.URL)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		w.log.Warningln("failed to fetch data from cache:", err)
		w.sink.RecordFetch(
			metrics.NewFetchMetric(fr.URL, name, 0, true, time.Since(start), metrics.STATUS_ERROR).WithMessage(err.Error()),
		)
		return &Outcome{Kind: OUTCOME_ERROR, CachePath: cachePath, Err: err}, true
	}

	end := time.Now()
	elapsed := end.Sub(start)
	w.tracker.Touch(cachePath, end)
	metrics.TotalBytesServedFromCache.Add(float64(len(data)))

	// local read time only, the transfer to the client isn't measured
	w.sink.RecordFetch(metrics.NewFetchMetric(fr.URL, name, int64(len(data)), true, elapsed, metrics.STATUS_SUCCESS))
	w.reportPackage(fr, name, int64(len(data)), true, elapsed, start, end)

	w.log.Infof("cache hit for %s", fr.URL)
	return &Outcome{Kind: OUTCOME_HIT, Data: data, CachePath: cachePath}, true
}

func (w *Worker) download(ctx context.Context, fr *FetchRequest, cachePath, name string, start time.Time) *Outcome {
	saveDir, outFile := w.cache.SaveTarget(cachePath)
	w.log.Infof("prepare to cache, url: %s, file: %s", fr.URL, cachePath)

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), AGENT_CALL_TIMEOUT)
	gid, err := w.agent.Submit(submitCtx, fr.URL, saveDir, outFile, filterHeaders(fr.Headers))
	cancel()
	if err != nil {
		w.log.Errorf("download error for %s: %v", fr.URL, err)
		w.sink.RecordFetch(
			metrics.NewFetchMetric(fr.URL, name, 0, false, time.Since(start), metrics.STATUS_ERROR).WithMessage(err.Error()),
		)
		return &Outcome{Kind: OUTCOME_ERROR, CachePath: cachePath, Err: fmt.Errorf("%w: %v", ErrAgentSubmission, err)}
	}
	if err := w.tasks.SetTask(cachePath, gid); err != nil {
		w.log.Warnln(err)
	}
	w.log.Infof("download task created, gid: %s", gid)

	metrics.PendingDownloads.Add(1)
	defer metrics.PendingDownloads.Add(-1)

	waitTime := fr.WaitTime
	if waitTime <= 0 {
		waitTime = DEFAULT_WAIT_TIME
	}
	iterations := int(waitTime / time.Second)

	agentStart := time.Now()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for i := 0; i < iterations; i++ {
		select {
		case <-ctx.Done():
			// the agent keeps going, a later request will find the file
			w.log.Infof("client went away while waiting for %s", fr.URL)
			return w.timeout(ctx, fr, cachePath, name, gid, waitTime, start)
		case <-ticker.C:
		}

		status, _ := w.cache.Lookup(fr.URL)
		if status == cache.STATUS_AVAILABLE {
			return w.completed(fr, cachePath, name, start, agentStart)
		}

		if i%STATUS_SAMPLE_EVERY == 0 {
			w.sampleStatus(ctx, fr.URL, gid)
		}
	}

	return w.timeout(ctx, fr, cachePath, name, gid, waitTime, start)
}

func (w *Worker) completed(fr *FetchRequest, cachePath, name string, start, agentStart time.Time) *Outcome {
	data, err := w.cache.ReadCached(fr.URL)
	if err != nil {
		w.log.Errorf("downloaded file for %s could not be read: %v", fr.URL, err)
		w.sink.RecordFetch(
			metrics.NewFetchMetric(fr.URL, name, 0, false, time.Since(start), metrics.STATUS_ERROR).WithMessage(err.Error()),
		)
		return &Outcome{Kind: OUTCOME_ERROR, CachePath: cachePath, Err: err}
	}

	end := time.Now()
	agentTime := end.Sub(agentStart)
	totalTime := end.Sub(start)
	size := int64(len(data))

	agentSpeed := 0.0
	if agentTime > 0 {
		agentSpeed = float64(size) / agentTime.Seconds()
	}
	clientSpeed := 0.0
	if totalTime > 0 {
		clientSpeed = float64(size) / totalTime.Seconds()
	}

	w.tracker.Touch(cachePath, end)
	w.sink.RecordFetch(
		metrics.NewFetchMetric(fr.URL, name, size, false, totalTime, metrics.STATUS_SUCCESS).
			WithAgentStats(agentSpeed, agentTime).
			WithClientSpeed(clientSpeed),
	)
	w.reportPackage(fr, name, size, false, agentTime, start, end)

	w.log.Infof("cache ready for %s", fr.URL)
	return &Outcome{Kind: OUTCOME_MISS, Data: data, CachePath: cachePath}
}

// reportProgress samples the transfer started by another request, if this process submitted it
func (w *Worker) reportProgress(ctx context.Context, rawURL, cachePath string) {
	gid, ok := w.tasks.GetTask(cachePath)
	if !ok || gid == cache.NO_TASK {
		return
	}
	w.sampleStatus(ctx, rawURL, gid)
}

// Progress is only logged, a failing agent query never aborts the wait
func (w *Worker) sampleStatus(ctx context.Context, rawURL, gid string) {
	callCtx, cancel := context.WithTimeout(ctx, AGENT_CALL_TIMEOUT)
	defer cancel()

	st, err := w.agent.GetStatus(callCtx, gid)
	if err != nil {
		w.log.Warnf("failed to get agent status for gid %s: %v", gid, err)
		return
	}

	if u, err := url.Parse(rawURL); err == nil {
		metrics.AgentDownloadSpeed.WithLabelValues(u.Hostname()).Set(float64(st.DownloadSpeed))
	}
	w.log.Debugf(
		"gid: %s | speed: %.2fMB/s | progress: %d/%d",
		gid, float64(st.DownloadSpeed)/metrics.MB, st.CompletedLength, st.TotalLength,
	)
}

func (w *Worker) timeout(ctx context.Context, fr *FetchRequest, cachePath, name, gid string, waitTime time.Duration, start time.Time) *Outcome {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), AGENT_CALL_TIMEOUT)
	defer cancel()

	var completed int64
	if st, err := w.agent.GetStatus(callCtx, gid); err == nil {
		completed = st.CompletedLength
	}

	msg := fmt.Sprintf("Download not finished after %ds", int(waitTime.Seconds()))
	w.log.Infof("download timeout after %s for %s", waitTime, fr.URL)
	w.sink.RecordFetch(
		metrics.NewFetchMetric(fr.URL, name, completed, false, time.Since(start), metrics.STATUS_TIMEOUT).WithMessage(msg),
	)

	return &Outcome{Kind: OUTCOME_TIMEOUT, CachePath: cachePath, Err: fmt.Errorf("%w: %s", ErrTimeout, msg)}
}
