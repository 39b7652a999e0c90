package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"netsentry/pkg/ml"
	"netsentry/pkg/streambus"
	"netsentry/shared/features"
	"netsentry/shared/logging"
)

// Phase is the coordinator's state. The transition is one-directional:
// BASELINE_LEARNING runs once, then the engine monitors indefinitely.
type Phase string

const (
	PhaseBaselineLearning Phase = "BASELINE_LEARNING"
	PhaseMonitoring       Phase = "MONITORING"
)

// streamReader is the slice of the transport the coordinator consumes.
type streamReader interface {
	Read(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]streambus.Entry, string, error)
}

var (
	learnSamples = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "netsentry", Subsystem: "learner", Name: "baseline_samples",
		Help: "Flows accumulated for the current baseline window.",
	})
	learnParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "learner", Name: "flow_parse_errors_total",
		Help: "Stream entries that could not be decoded into a valid flow.",
	})
	learnDriftChecks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "learner", Name: "drift_checks_total",
		Help: "Drift-check hook invocations during monitoring.",
	})
)

func init() {
	_ = prometheus.Register(learnSamples)
	_ = prometheus.Register(learnParseErrors)
	_ = prometheus.Register(learnDriftChecks)
}

// Coordinator drives the learning engine's two-phase lifecycle: accumulate
// baseline flows from the stream, train and publish a model once the
// baseline window closes, then monitor. The collector and this coordinator
// share no in-process state; they couple only through the stream and the
// registry's active pointer.
type Coordinator struct {
	Bus      streamReader
	Stream   string
	Registry *ml.Registry

	BaselineDuration time.Duration
	PollInterval     time.Duration // sleep between polls
	ReadBlock        time.Duration // bounded wait inside one poll
	ReadCount        int64
	TrainConfig      ml.TrainConfig

	// DriftCheck is invoked on DriftInterval while monitoring. The trigger
	// policy is deliberately unspecified; the default logs and does nothing.
	DriftCheck    func()
	DriftInterval time.Duration

	phase  Phase
	cursor string
	flows  [][]float64
}

// NewCoordinator wires a coordinator with production defaults.
func NewCoordinator(bus streamReader, registry *ml.Registry, baseline time.Duration) *Coordinator {
	return &Coordinator{
		Bus:              bus,
		Stream:           streambus.FlowStream,
		Registry:         registry,
		BaselineDuration: baseline,
		PollInterval:     5 * time.Second,
		ReadBlock:        time.Second,
		ReadCount:        1000,
		DriftInterval:    time.Hour,
		phase:            PhaseBaselineLearning,
		cursor:           streambus.Origin,
	}
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase { return c.phase }

// SampleCount returns the number of accumulated baseline flows.
func (c *Coordinator) SampleCount() int { return len(c.flows) }

// Run executes the lifecycle until the context is cancelled. A baseline
// window that closes with too few samples is fatal and returns
// ml.ErrInsufficientSamples wrapped; cancellation surfaces as ctx.Err().
func (c *Coordinator) Run(ctx context.Context) error {
	if v, ok := c.Registry.ActiveVersion(); ok {
		logging.Infof("learner: found published model %s, skipping baseline", v)
		c.phase = PhaseMonitoring
	}

	if c.phase == PhaseBaselineLearning {
		if err := c.runBaseline(ctx); err != nil {
			return err
		}
	}
	return c.runMonitoring(ctx)
}

func (c *Coordinator) runBaseline(ctx context.Context) error {
	deadline := time.Now().Add(c.BaselineDuration)
	logging.Infof("learner: baseline learning for %.2fh (until %s), consuming %s from origin",
		c.BaselineDuration.Hours(), deadline.Format(time.RFC3339), c.Stream)

	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, next, err := c.Bus.Read(ctx, c.Stream, c.cursor, c.ReadCount, c.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Transport hiccups are not fatal mid-baseline; the cursor has
			// not advanced, so nothing is lost.
			logging.Errorf("learner: stream read error: %v", err)
		} else {
			c.cursor = next
			c.accumulate(entries)
			if len(entries) > 0 {
				remaining := time.Until(deadline)
				logging.Infof("learner: baseline %d flows accumulated, %.2fh remaining",
					len(c.flows), remaining.Hours())
			}
		}
		if err := sleepCtx(ctx, c.PollInterval); err != nil {
			return err
		}
	}

	if len(c.flows) < ml.MinTrainSamples {
		return fmt.Errorf("baseline window closed with %d flows: %w", len(c.flows), ml.ErrInsufficientSamples)
	}

	logging.Infof("learner: training on %d baseline flows", len(c.flows))
	model, err := ml.TrainModel(c.flows, c.TrainConfig)
	if err != nil {
		return fmt.Errorf("baseline training: %w", err)
	}
	version, err := c.Registry.Publish(model, len(c.flows))
	if err != nil {
		return fmt.Errorf("publish trained model: %w", err)
	}

	c.phase = PhaseMonitoring
	logging.Infof("learner: baseline complete, version=%s threshold=%.6f, entering MONITORING", version, model.Threshold)
	return nil
}

// accumulate collects valid feature vectors from stream entries. Malformed
// entries are counted and skipped; they never stop the loop.
func (c *Coordinator) accumulate(entries []streambus.Entry) {
	for _, e := range entries {
		rec, err := features.DecodeStreamValues(e.Values)
		if err != nil {
			learnParseErrors.Inc()
			logging.Warnf("learner: flow parse error at %s: %v", e.ID, err)
			continue
		}
		if !rec.Valid() {
			learnParseErrors.Inc()
			continue
		}
		c.flows = append(c.flows, rec.Features)
	}
	learnSamples.Set(float64(len(c.flows)))
}

func (c *Coordinator) runMonitoring(ctx context.Context) error {
	logging.Infof("learner: MONITORING phase active (drift checks every %s)", c.DriftInterval)
	ticker := time.NewTicker(c.DriftInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			learnDriftChecks.Inc()
			if c.DriftCheck != nil {
				c.DriftCheck()
			} else {
				logging.Infof("learner: drift check (no policy configured)")
			}
		}
	}
}

// sleepCtx pauses for d but wakes immediately on cancellation, bounding
// shutdown latency to one poll interval.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
