package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mnemo/internal/observability"
	"mnemo/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory service in the foreground",
	Long: `Run the memory service in the foreground: sync the workspace index,
watch for file changes and serve Prometheus metrics when enabled.
Stops on SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := tracing.InitOpenTelemetry("mnemo"); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	svc, log, err := openService(cfg, true, true)
	if err != nil {
		return err
	}
	defer log.Close()
	defer svc.Close()

	zl := log.GetZerolog()

	ctx := tracing.NewRequestContext(cmd.Context())
	if err := svc.Sync(ctx, false); err != nil {
		zl.Warn().Err(err).Msg("Initial sync failed")
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			zl.Info().Str("addr", cfg.Metrics.Addr).Msg("Metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zl.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	zl.Info().Str("signal", s.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	_ = tracing.ShutdownOpenTelemetry(shutdownCtx)

	return nil
}
