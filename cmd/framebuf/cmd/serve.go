package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/framebuf/framebuf/internal/config"
	"github.com/framebuf/framebuf/internal/observability"
	"github.com/framebuf/framebuf/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the frame buffer orchestrator",
	Long: `Start the orchestrator: the ingress consumer, the routing engine,
the backpressure monitor, the processor registry, and the HTTP API.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Host to bind to")
	serveCmd.Flags().Int("port", 0, "Port to listen on")
	serveCmd.Flags().String("store-url", "", "Stream store connection URL")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Flags override file and environment.
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if url, _ := cmd.Flags().GetString("store-url"); url != "" {
		cfg.StreamStore.URL = url
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	orch, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return orch.Run(ctx)
}
