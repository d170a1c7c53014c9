package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"locator-go/config"
	"locator-go/logging"
)

var rootCmd = &cobra.Command{
	Use:   "locator",
	Short: "Indoor BLE tag locator",
	Long: `Locator turns RSSI readings reported by fixed anchors into 2D tag
positions using a log-distance signal model and Levenberg-Marquardt trilateration.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "locator.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level override (debug, info, warn, error)")
}

// loadConfig reads --config and applies --log-level.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *logrus.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}
