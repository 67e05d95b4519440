package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomvit/yamc-go/internal/config"
	yamcexpr "github.com/tomvit/yamc-go/internal/expr"
	"github.com/tomvit/yamc-go/internal/logging"
	"github.com/tomvit/yamc-go/internal/runtime"
	"github.com/tomvit/yamc-go/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("config", "", "Configuration file")
	runCmd.Flags().String("env", "", "Environment variable file")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	envFile, _ := cmd.Flags().GetString("env")
	noAnsi, _ := cmd.Flags().GetBool("no-ansi")
	debug, _ := cmd.Flags().GetBool("debug")

	logLevel := "info"
	if debug {
		logLevel = "debug"
	}

	log := logging.New(logging.Options{
		Level:  logging.ParseLevel(logLevel),
		NoAnsi: noAnsi,
		Debug:  debug,
	}).Named("main")

	log.Info(fmt.Sprintf("Yet another metric collector, yamc v%s", Version))

	cfg, err := config.Load(configFile, envFile, false, logLevel)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.Info(fmt.Sprintf("The configuration loaded from %s", cfg.ConfigFile))

	if len(cfg.CustomFunctions) > 0 {
		for name := range cfg.CustomFunctions {
			log.Warn("custom-functions entry has no Go-native implementation registered, skipping", "name", name)
		}
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := telemetry.SetupSentry(telemetry.SentryConfig{
			DSN:            dsn,
			Environment:    os.Getenv("ENVIRONMENT"),
			ServiceName:    "yamc",
			ServiceVersion: Version,
		}); err != nil {
			log.Warn("sentry setup failed", "error", err)
		}
		defer telemetry.SentryFlush()
	}

	ctx := context.Background()
	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "yamc",
		ServiceVersion: Version,
		Environment:    os.Getenv("ENVIRONMENT"),
		OtelEndpoint:   os.Getenv("OTEL_ENDPOINT"),
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	metricsAddr := os.Getenv("METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = "127.0.0.1:9090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	log.Info("Metrics endpoint", "address", "http://"+metricsAddr+"/metrics")

	log.Info("Initializing...")
	rt, err := runtime.New(log, cfg, yamcexpr.FuncTable{})
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)

	log.Info("Starting the components.")
	rt.StartAll()

	log.Info("Running the main loop")
	sig := <-sigCh
	log.Info("Received signal", "signal", sig.String())

	log.Info("Waiting for components' workers to end.")
	rt.Stop()
	joined := make(chan struct{})
	go func() {
		rt.JoinAll()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(30 * time.Second):
		log.Warn("timed out waiting for workers to join")
	}

	log.Info("Destroying components.")
	rt.DestroyAll()

	shutdownMetricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelMetrics()
	_ = metricsServer.Shutdown(shutdownMetricsCtx)

	log.Info("Done.")
	return nil
}
