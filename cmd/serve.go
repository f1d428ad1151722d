package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zjrosen/strand/internal/adapter"
	"github.com/zjrosen/strand/internal/agent/mock"
	"github.com/zjrosen/strand/internal/binding"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/receiver"
	"github.com/zjrosen/strand/internal/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the strand message bus",
	Long: `Run the relay core with its adapters, binding router, and message
receiver until interrupted.

Example:
  strand serve
  strand serve --metrics-addr :9464`,
	RunE: runServe,
}

var metricsAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	core, err := relay.New(cfg.RelayOptions())
	if err != nil {
		return fmt.Errorf("starting relay core: %w", err)
	}

	bindings, err := binding.NewStore(cfg.BindingsPath(), nil)
	if err != nil {
		return fmt.Errorf("opening binding store: %w", err)
	}
	if err := bindings.Start(); err != nil {
		return fmt.Errorf("watching binding store: %w", err)
	}

	sessions, err := binding.NewSessionMap(cfg.SessionMapPath())
	if err != nil {
		return fmt.Errorf("opening session map: %w", err)
	}

	// The agent runtime is an external collaborator behind the
	// agent.Manager interface; the scripted manager stands in until a
	// real runtime is attached.
	runtime := mock.NewManager()

	router := binding.NewRouter(bindings, sessions, runtime, core)
	if err := router.Start(); err != nil {
		return fmt.Errorf("starting binding router: %w", err)
	}

	recv := receiver.New(core, runtime, receiver.Options{DefaultCwd: cfg.Receiver.DefaultCwd})
	if err := recv.Start(); err != nil {
		return fmt.Errorf("starting receiver: %w", err)
	}

	adapters := adapter.NewManager(cfg.AdaptersPath(), core, bindings)
	if err := adapters.Initialize(context.Background()); err != nil {
		return fmt.Errorf("starting adapter manager: %w", err)
	}

	metricsSrv := startMetrics(core)

	fmt.Printf("strand serving from %s\n", cfg.DataDir)
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nReceived %s, shutting down...\n", sig)

	// Stop the edges first so no new traffic enters the core.
	adapters.Shutdown()
	if err := recv.Stop(); err != nil {
		log.ErrorErr(log.CatReceiver, "receiver stop failed", err)
	}
	if err := router.Stop(); err != nil {
		log.ErrorErr(log.CatBinding, "router stop failed", err)
	}
	bindings.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runtime.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatReceiver, "runtime shutdown failed", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := core.Close(); err != nil {
		return fmt.Errorf("closing relay core: %w", err)
	}

	fmt.Println("Stopped")
	return nil
}

// startMetrics exposes the core's Prometheus registry when enabled.
func startMetrics(core *relay.Core) *http.Server {
	addr := metricsAddr
	if addr == "" {
		if !cfg.Metrics.Enabled {
			return nil
		}
		addr = cfg.Metrics.Addr
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(core.MetricsRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorErr(log.CatConfig, "metrics listener failed", err, "addr", addr)
		}
	}()
	return srv
}
