package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ish-xyz/mirrors-cache/pkg/gc"
	"github.com/ish-xyz/mirrors-cache/pkg/tracker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	expiryDays  int
	dryRun      bool
	summaryFile string
	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete cache files not accessed in the last --days days",
		Run:   cleanup,
	}
)

func init() {
	cleanupCmd.Flags().IntVar(&expiryDays, "days", gc.DEFAULT_EXPIRY_DAYS, "number of days before considering a file expired (default from config)")
	cleanupCmd.Flags().BoolVar(&dryRun, "dry-run", false, "preview what would be deleted without deleting files")
	cleanupCmd.Flags().StringVar(&summaryFile, gc.SUMMARY_FLAG, "", "write a JSON summary of the run to this file")
	cleanupCmd.Flags().MarkHidden(gc.SUMMARY_FLAG)
}

func cleanup(c *cobra.Command, args []string) {
	cfg := loadConfig()

	days := cfg.Cleanup.ExpiryDays
	if c.Flags().Changed("days") {
		days = expiryDays
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCleanup(ctx, cfg, days, dryRun, summaryFile)
	stop()
	os.Exit(code)
}

// runCleanup writes the summary only when the evictor actually ran
func runCleanup(ctx context.Context, cfg *Config, days int, dryRun bool, summaryFile string) int {
	log := logrus.WithField("name", "cleanup")

	if days < 0 {
		log.Errorf("invalid expiry days: %d", days)
		return gc.EXIT_FAILURE
	}

	mode := "LIVE (files will be deleted)"
	if dryRun {
		mode = "DRY RUN (no files will be deleted)"
	}
	log.WithFields(logrus.Fields{
		"expiryDays":   days,
		"mode":         mode,
		"trackingFile": cfg.TrackingFile(),
	}).Infof("cache cleanup started at %s", time.Now().Format("2006-01-02 15:04:05"))

	tr, err := tracker.New(cfg.TrackingFile())
	if err != nil {
		log.Errorln("failed to initialize cache tracker:", err)
		return gc.EXIT_FAILURE
	}

	report := gc.NewEvictor(tr).Run(ctx, days, dryRun)
	report.Log(log)

	if summaryFile != "" {
		if err := gc.WriteSummary(summaryFile, report.Summary()); err != nil {
			log.Errorln(err)
		}
	}

	if ctx.Err() != nil {
		log.Warnln("cleanup interrupted by user")
		return gc.EXIT_INTERRUPTED
	}
	return report.ExitCode()
}
