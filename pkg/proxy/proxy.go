package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/cache"
	"github.com/ish-xyz/mirrors-cache/pkg/worker"
	"github.com/sirupsen/logrus"
)

func NewProxy(f Fetcher, addr, agentURL string, waitTime time.Duration) *Proxy {
	return &Proxy{
		fetcher:  f,
		address:  addr,
		agentURL: agentURL,
		waitTime: waitTime,
		log:      logrus.WithField("name", "proxy"),
	}
}

// Maps /<host>/<path> to https://<host>/<path>
func targetURL(r *http.Request) (string, error) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	host, rest, ok := strings.Cut(trimmed, "/")
	if !ok || host == "" || rest == "" {
		return "", fmt.Errorf("%w: expected /<host>/<path>, got '%s'", cache.ErrInvalidTarget, r.URL.Path)
	}

	target := fmt.Sprintf("%s://%s/%s", TARGET_SCHEME, host, rest)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target, nil
}

// first hop of X-Forwarded-For, otherwise the peer address
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get(HEADER_FORWARDED); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Proxy entrypoint
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {

	// Handle health check
	if r.URL.Path == HEALTH_PATH {
		fmt.Fprintf(w, "Healthy")
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	target, err := targetURL(r)
	if err != nil {
		p.log.Debugln(err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	p.log.Tracef("request: %s %s", r.Method, r.URL.Path)
	out := p.fetcher.Fetch(r.Context(), &worker.FetchRequest{
		URL:      target,
		Headers:  r.Header,
		Client:   clientIP(r),
		WaitTime: p.waitTime,
	})

	p.writeOutcome(w, r, target, out)
}

func (p *Proxy) writeOutcome(w http.ResponseWriter, r *http.Request, target string, out *worker.Outcome) {
	switch out.Kind {
	case worker.OUTCOME_HIT, worker.OUTCOME_MISS:
		cacheStatus := "MISS"
		if out.Kind == worker.OUTCOME_HIT {
			cacheStatus = "HIT"
		}
		w.Header().Set(HEADER_CACHE_STATUS, cacheStatus)
		if err := p.streamData(w, r, out.Data); err != nil {
			p.log.Errorf("(%s) [%s %s, err: %v]", cacheStatus, r.Method, target, err)
			return
		}
		p.log.Infof("(%s) [%d - %s %s]", cacheStatus, http.StatusOK, r.Method, target)

	case worker.OUTCOME_IN_PROGRESS, worker.OUTCOME_TIMEOUT:
		p.log.Infof("download is not finished, return 504 for %s", target)
		http.Error(w, fmt.Sprintf("This file is downloading, view it at %s", p.agentURL), http.StatusGatewayTimeout)

	default:
		switch {
		case errors.Is(out.Err, cache.ErrInvalidTarget):
			p.log.Warnf("rejected target %s: %v", target, out.Err)
			http.Error(w, "Bad Request", http.StatusBadRequest)
		case errors.Is(out.Err, worker.ErrAgentSubmission):
			p.log.Errorf("download error, return 500 for %s: %v", target, out.Err)
			http.Error(w, out.Err.Error(), http.StatusInternalServerError)
		default:
			p.log.Errorf("failed to serve %s: %v", target, out.Err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}

// Start serves requests until ctx is cancelled
func (p *Proxy) Start(ctx context.Context) error {

	srv := &http.Server{
		Addr:              p.address,
		Handler:           p,
		ReadHeaderTimeout: 5 * time.Second, // prevent slowloris
	}

	go func() {
		<-ctx.Done()
		p.log.Infoln("gracefully shutting down the proxy...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	p.log.Info("web server listening on ", p.address)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
