package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"netsentry/shared/features"
	"netsentry/shared/logging"
)

// FlowSource produces flow records. The production source is the external
// capture pipeline; the synthetic generator in this package stands in for it
// in demo and test runs.
type FlowSource interface {
	Flows(ctx context.Context) <-chan features.FlowRecord
}

// flowAppender is the slice of the stream transport the collector needs.
type flowAppender interface {
	Append(ctx context.Context, stream string, values map[string]any) error
}

var (
	colFlows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "collector", Name: "flows_total",
		Help: "Flows processed by the collector loop.",
	})
	colInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "collector", Name: "invalid_flows_total",
		Help: "Flows skipped because the feature vector was out of schema.",
	})
	colAnomalies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "collector", Name: "anomalies_total",
		Help: "Flows scored above the anomaly threshold.",
	})
	colAppendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "collector", Name: "stream_append_errors_total",
		Help: "Best-effort stream appends that failed.",
	})
)

func init() {
	_ = prometheus.Register(colFlows)
	_ = prometheus.Register(colInvalid)
	_ = prometheus.Register(colAnomalies)
	_ = prometheus.Register(colAppendErrors)
}

// Collector ties the flow source to the stream transport and the inference
// engine: validate, best-effort append, score, emit. A transport failure
// never drops local processing of a record.
type Collector struct {
	Source FlowSource
	Bus    flowAppender
	Stream string
	Engine *InferenceEngine

	// OnResult, when set, receives every detection result after logging.
	OnResult func(features.FlowRecord, DetectionResult)
}

// Run consumes the source until the context is cancelled or the source
// closes. It returns the number of flows processed and anomalies flagged.
func (c *Collector) Run(ctx context.Context) (processed, anomalies int) {
	flows := c.Source.Flows(ctx)
	for {
		select {
		case <-ctx.Done():
			return processed, anomalies
		case rec, ok := <-flows:
			if !ok {
				return processed, anomalies
			}
			res, counted := c.processOne(ctx, rec)
			if !counted {
				continue
			}
			processed++
			if res.IsAnomaly {
				anomalies++
			}
		}
	}
}

// processOne runs the per-record pipeline. The bool is false when the record
// was skipped as out of schema.
func (c *Collector) processOne(ctx context.Context, rec features.FlowRecord) (DetectionResult, bool) {
	if !rec.Valid() {
		colInvalid.Inc()
		logging.Warnf("collector: skipping flow %s: feature vector out of schema (%d values)", rec.FlowID, len(rec.Features))
		return DetectionResult{}, false
	}

	// Best-effort publish to the learning engine's stream. Local scoring
	// must not depend on transport health.
	if values, err := rec.StreamValues(); err != nil {
		colAppendErrors.Inc()
		logging.Warnf("collector: encode flow %s for stream: %v", rec.FlowID, err)
	} else if err := c.Bus.Append(ctx, c.Stream, values); err != nil {
		colAppendErrors.Inc()
		logging.Warnf("collector: stream append failed for flow %s: %v", rec.FlowID, err)
	}

	res := c.Engine.Score(&rec)
	colFlows.Inc()

	pkts := rec.Features[features.Index["tot_fwd_pkts"]] + rec.Features[features.Index["tot_bwd_pkts"]]
	if res.IsAnomaly {
		colAnomalies.Inc()
		logging.Warnf("ANOMALY [%.2fx] %s:%d -> %s:%d (%.0f pkts, %.0fms)",
			res.AnomalyScore, rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort,
			pkts, rec.Features[features.Index["flow_duration"]])
	} else {
		logging.Infof("flow %s:%d -> %s:%d (%.0f pkts, score %.2f, mode %s)",
			rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort, pkts, res.AnomalyScore, res.Mode)
	}

	if c.OnResult != nil {
		c.OnResult(rec, res)
	}
	return res, true
}
