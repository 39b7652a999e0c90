package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"netsentry/pkg/ml"
	"netsentry/pkg/streambus"
	"netsentry/shared/config"
	"netsentry/shared/logging"
)

func main() {
	logging.Infof("starting learning-engine")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Fractional hours are supported so accelerated runs work, e.g.
	// BASELINE_HOURS=0.01 is a 36 second window. Default is 7 days.
	baselineHours := config.GetFloat("BASELINE_HOURS", 168)
	baseline := time.Duration(baselineHours * float64(time.Hour))

	bus := streambus.New(streambus.Options{
		Addr:     config.Get("REDIS_ADDR", "localhost:6379"),
		Password: config.Get("REDIS_PASSWORD", ""),
	})
	defer bus.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err := bus.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("learning-engine: transport unreachable: %v", err)
	}
	logging.Infof("redis connected, baseline window %.2fh (%.2f days)", baselineHours, baselineHours/24)

	registry, err := ml.NewRegistry(config.Get("MODEL_DIR", "/models"))
	if err != nil {
		log.Fatalf("learning-engine: open model registry: %v", err)
	}

	go serveMetrics(config.Get("LEARNER_METRICS_PORT", "9103"))

	coord := NewCoordinator(bus, registry, baseline)
	coord.PollInterval = config.GetDuration("POLL_INTERVAL", coord.PollInterval)
	coord.DriftInterval = config.GetDuration("DRIFT_INTERVAL", coord.DriftInterval)

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Errorf("learning-engine failed: %v", err)
		os.Exit(1)
	}
	logging.Infof("learning-engine: clean shutdown")
}

func serveMetrics(port string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Errorf("metrics server stopped: %v", err)
	}
}
