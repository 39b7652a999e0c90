package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	otelobs "netsentry/pkg/observability/otel"
	"netsentry/pkg/streambus"
	"netsentry/shared/config"
	"netsentry/shared/logging"
)

func main() {
	logging.Infof("starting feedback-api")

	bus := streambus.New(streambus.Options{
		Addr:     config.Get("REDIS_ADDR", "localhost:6379"),
		Password: config.Get("REDIS_PASSWORD", ""),
	})
	defer bus.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := bus.Ping(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("feedback-api: transport unreachable: %v", err)
	}

	srv := newServer(bus)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/feedback", srv.handleSubmit)
	mux.HandleFunc("/api/feedback/stats", srv.handleStats)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	shutdown := otelobs.InitTracer("feedback-api")
	defer func() { _ = shutdown(context.Background()) }()
	handler := otelobs.WrapHTTPHandler("feedback-api", otelobs.AccessLogMiddleware(mux))

	port := config.Get("FEEDBACK_PORT", "8001")
	logging.Infof("feedback-api listening on :%s", port)
	httpSrv := &http.Server{Addr: ":" + port, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	if err := httpSrv.ListenAndServe(); err != nil {
		log.Fatalf("feedback-api stopped: %v", err)
	}
}
