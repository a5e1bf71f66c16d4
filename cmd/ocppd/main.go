// ocppd runs an OCPP CSMS endpoint speaking the overlay-network message
// layer, manages its static routes and can simulate a charging station.
//
// Run:  go run ./cmd/ocppd serve --config csms.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/big-pixel-media/ocppnet"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// Loaded in PersistentPreRunE.
	cfg Config
)

var rootCmd = &cobra.Command{
	Use:   "ocppd",
	Short: "OCPP overlay-network CSMS endpoint",
	Long: `ocppd accepts OCPP-J WebSocket connections from charging stations and
networking nodes, routes requests to them directly or through static hub
routes, and answers their requests with built-in demo handlers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if logFormat != "" {
			cfg.LogFormat = logFormat
		}
		level, err := ocppnet.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		ocppnet.InitLoggerFormat(level, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: json, text")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
