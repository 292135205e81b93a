package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/ish-xyz/mirrors-cache/pkg/agent"
	"github.com/ish-xyz/mirrors-cache/pkg/cache"
	"github.com/ish-xyz/mirrors-cache/pkg/gc"
	"github.com/ish-xyz/mirrors-cache/pkg/metrics"
	"github.com/ish-xyz/mirrors-cache/pkg/proxy"
	"github.com/ish-xyz/mirrors-cache/pkg/session"
	"github.com/ish-xyz/mirrors-cache/pkg/tracker"
	"github.com/ish-xyz/mirrors-cache/pkg/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mirror cache web server",
	Run:   serve,
}

func serve(c *cobra.Command, args []string) {

	logrus.Infoln("loading and validating config...")
	cfg := loadConfig()

	logrus.Infoln("configuration:")
	fmt.Println("GOMAXPROCS =", runtime.GOMAXPROCS(0))
	yamlData, err := yaml.Marshal(cfg)
	if err == nil {
		fmt.Println(string(yamlData))
	} else {
		logrus.Errorln("can't print config")
	}

	logrus.Infoln("initializing cache...")
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		logrus.Fatalln("failed to create folder for cache", err)
	}

	tr, err := tracker.New(cfg.TrackingFile())
	if err != nil {
		logrus.Fatalln("failed to initialize cache tracker:", err)
	}
	if _, err := tr.Backfill(cfg.CacheRoot); err != nil {
		logrus.Warningln("failed to scan existing cache files:", err)
	}

	recorder, err := metrics.NewRecorder(cfg.MetricsDir())
	if err != nil {
		logrus.Fatalln("failed to initialize metrics recorder:", err)
	}

	var reporter session.Reporter
	var aggregator *session.Aggregator
	if cfg.Session.Enabled {
		aggregator = session.NewAggregator(recorder, cfg.Session.IdleTimeout)
		reporter = aggregator
	}

	logrus.Infoln("initializing worker...")
	agentClient := agent.NewClient(cfg.Agent.RPCURL, cfg.Agent.Secret, cfg.Agent.Timeout)
	workerObj := worker.NewWorker(
		cache.NewCache(cfg.CacheRoot),
		cache.NewTaskIndex(),
		agentClient,
		tr,
		recorder,
		reporter,
	)

	logrus.Infoln("initializing cleanup scheduler...")
	runner, err := gc.NewExecRunner(configFile)
	if err != nil {
		logrus.Fatalln(err)
	}
	scheduler, err := gc.NewScheduler(cfg.Cleanup.Time, cfg.Cleanup.ExpiryDays, runner)
	if err != nil {
		logrus.Fatalln(err)
	}

	logrus.Infoln("initializing proxy...")
	proxyObj := proxy.NewProxy(workerObj, cfg.Server.Address, cfg.Agent.ExternalURL, cfg.Server.DownloadWaitTime)

	// set up signal capturing
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proxyObj.Start(gctx) })
	g.Go(func() error {
		return metrics.Run(gctx, cfg.Metrics.Address, tr, func() (int64, error) { return gc.DirSize(cfg.CacheRoot) })
	})
	g.Go(func() error { return scheduler.Start(gctx) })
	if aggregator != nil {
		g.Go(func() error { return aggregator.Start(gctx) })
	}

	err = g.Wait()

	if aggregator != nil {
		// flush sessions still open at shutdown
		aggregator.CheckExpired(0)
	}
	if err != nil {
		logrus.Fatalln(err)
	}

	logrus.Infoln("shutting down proxy: done")
}
