package main

import (
	"fmt"
	"os"

	"github.com/gamevidea/rudp/rudp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile  string
	logLevel string

	// Shared state set during PersistentPreRun
	cfg rudp.Config
)

// rootCmd is the base command for rudpecho.
var rootCmd = &cobra.Command{
	Use:   "rudpecho",
	Short: "Echo server and client for reliable and unreliable UDP sessions",
	Long: `rudpecho exercises rudp sessions end to end. The serve command runs a
server that sends every message back on the channel it arrived on, the
dial command connects to it, sends a message on both channels and prints
the echoes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logrus.SetLevel(level)

		cfg, err = rudp.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "rudp.yaml", "config file, defaults are used if it does not exist")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}
