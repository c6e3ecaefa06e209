// Package cmd implements the CLI commands for framebuf.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/framebuf/framebuf/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "framebuf",
	Short:   "Video frame buffer orchestrator",
	Version: version.Short(),
	Long: `framebuf is the buffer and routing tier of a video frame processing
fabric. It consumes frame metadata from the ingress stream, routes each
frame to a registered processor's egress stream, and manages processor
lifecycle, backpressure, and failure isolation.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text, json)")
}
