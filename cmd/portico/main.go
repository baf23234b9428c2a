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
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/ratelimit"
	"github.com/porticoproxy/portico/internal/registry"
	"github.com/porticoproxy/portico/internal/reload"
	"github.com/porticoproxy/portico/internal/server"
	"github.com/porticoproxy/portico/internal/version"
)

var (
	flagConfig      string
	flagLogLevel    string
	flagMetricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           version.Name,
	Short:         "Multi-host HTTP gateway: static files, reverse and forward proxying, redirects",
	Version:       version.Value,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "portico.yaml", "path to YAML configuration")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty disables)")
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(flagLogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	tbl := registry.New()
	tbl.Swap(cfg)

	reg := metrics.NewRegistry()
	mgr := server.NewManager(tbl, ratelimit.New(), reg, nil, log)
	if err := mgr.Apply(cfg); err != nil {
		return err
	}
	log.Infow("started", "version", version.Value, "hosts", len(cfg.Hosts), "upstreams", len(cfg.Upstreams))

	sup, err := reload.Start(flagConfig, func(c *config.Config) error {
		tbl.Swap(c)
		return mgr.Apply(c)
	}, log, reload.DefaultOptions())
	if err != nil {
		mgr.Shutdown()
		return fmt.Errorf("config watcher: %w", err)
	}

	var metricsSrv *http.Server
	if flagMetricsAddr != "" {
		metricsSrv = serveMetrics(flagMetricsAddr, reg, log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Infow("shutting down")
	// Listeners drain first, then the watcher stops; the manager refuses
	// applies once shut down, so a reload mid-drain cannot rebind.
	mgr.Shutdown()
	sup.Stop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.Set(level); err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func serveMetrics(addr string, reg *metrics.Registry, log *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		reg.WritePrometheus(w)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("metrics listener", "error", err)
		}
	}()
	log.Infow("metrics listening", "addr", addr)
	return srv
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "portico:", err)
		os.Exit(1)
	}
}
