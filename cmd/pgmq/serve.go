package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pgmq/pgmq-go/collector"
)

var (
	listenAddr     string
	metricsPath    string
	metricsTimeout time.Duration
)

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve queue metrics for Prometheus",
	Args:  cobra.NoArgs,
	RunE:  runServeMetrics,
}

func init() {
	serveMetricsCmd.Flags().StringVar(&listenAddr, "listen", ":9187", "Address to listen on")
	serveMetricsCmd.Flags().StringVar(&metricsPath, "path", "/metrics", "HTTP path for metrics")
	serveMetricsCmd.Flags().DurationVar(&metricsTimeout, "timeout", 10*time.Second, "Timeout for each scrape query")
	rootCmd.AddCommand(serveMetricsCmd)
}

func runServeMetrics(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collector.New(conn, collector.WithTimeout(metricsTimeout)),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "Serving metrics on %s%s\n", listenAddr, metricsPath)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
