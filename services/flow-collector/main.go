package main

import (
	"context"
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
	logging.Infof("starting flow-collector")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := streambus.New(streambus.Options{
		Addr:     config.Get("REDIS_ADDR", "localhost:6379"),
		Password: config.Get("REDIS_PASSWORD", ""),
	})
	defer bus.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err := bus.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("flow-collector: transport unreachable: %v", err)
	}
	logging.Infof("redis connected")

	registry, err := ml.NewRegistry(config.Get("MODEL_DIR", "/models"))
	if err != nil {
		log.Fatalf("flow-collector: open model registry: %v", err)
	}

	engine := NewInferenceEngine()
	engine.LoadFrom(registry)
	if engine.Bound() {
		logging.Infof("model loaded, real-time anomaly detection active")
	} else {
		logging.Warnf("no model loaded, operating in cold-start mode (feature extraction only)")
	}
	go watchRegistry(ctx, registry, engine)

	go serveMetrics(config.Get("COLLECTOR_METRICS_PORT", "9102"))

	source := NewSyntheticSource(
		config.GetDuration("FLOW_GAP", 200*time.Millisecond),
		config.GetInt("FLOW_COUNT", 0),
		0,
	)
	source.AnomalyEvery = config.GetInt("FLOW_ANOMALY_EVERY", 0)

	collector := &Collector{
		Source: source,
		Bus:    bus,
		Stream: streambus.FlowStream,
		Engine: engine,
	}
	processed, anomalies := collector.Run(ctx)
	logging.Infof("flow-collector stopped: %d flows processed, %d anomalies", processed, anomalies)
}

// watchRegistry polls the registry so a newly published version is picked up
// without restarting the collector. The swap is atomic on the registry side;
// here it is just a reload when the active id changes.
func watchRegistry(ctx context.Context, registry *ml.Registry, engine *InferenceEngine) {
	interval := config.GetDuration("MODEL_RELOAD_INTERVAL", 30*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if v, ok := registry.ActiveVersion(); ok && v != engine.Version() {
				logging.Infof("new model version %s detected, reloading", v)
				engine.LoadFrom(registry)
			}
		}
	}
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
