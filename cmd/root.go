package cmd

import (
	"github.com/ish-xyz/mirrors-cache/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	debug      bool
	trace      bool
	rootCmd    = &cobra.Command{
		Use:   "mirrors-cache",
		Short: "Disk cache for package mirrors backed by an aria2 download agent",
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "pass the config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "run in debug mode")
	rootCmd.PersistentFlags().BoolVarP(&trace, "trace", "t", false, "run in trace mode")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// loadConfig exits the process when the config is unusable
func loadConfig() *Config {
	logging.Init(logging.Options{Debug: debug, Trace: trace})

	cfg, err := LoadAndValidateConfig(configFile)
	if err != nil {
		logrus.Fatal("failed to load/validate config: \n", err)
	}

	logging.Init(logging.Options{
		Debug:      debug,
		Trace:      trace,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})

	return cfg
}
