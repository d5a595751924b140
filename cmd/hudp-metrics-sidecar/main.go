// Command hudp-metrics-sidecar runs a minimal H-UDP server purely to
// demonstrate wiring its Prometheus collector into an HTTP exporter;
// pair with hudp-send to watch live counters.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hudpio/hudp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("hudp-metrics-sidecar failed")
	}
}

func newRootCmd() *cobra.Command {
	var (
		udpPort    uint16
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "hudp-metrics-sidecar",
		Short: "Run a H-UDP server with a /metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(udpPort, metricsAddr)
		},
	}

	flags := cmd.Flags()
	flags.Uint16Var(&udpPort, "udp-port", 9100, "H-UDP bind port")
	flags.StringVar(&metricsAddr, "metrics-addr", ":9464", "Prometheus /metrics listen address")

	return cmd
}

func run(udpPort uint16, metricsAddr string) error {
	server, err := hudp.NewServer(udpPort, hudp.DefaultConfig(), func(hudp.Received) {}, nil)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer server.Close()

	registry := prometheus.NewRegistry()
	if err := registry.Register(server.Metrics()); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: metricsAddr, Handler: mux}

	go func() {
		logrus.WithField("addr", metricsAddr).Info("serving /metrics")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server stopped")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return httpServer.Close()
}
