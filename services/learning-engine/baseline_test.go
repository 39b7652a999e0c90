package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"netsentry/pkg/ml"
	"netsentry/pkg/streambus"
	"netsentry/shared/features"
)

// stubStream hands out its entries after the given cursor, ignoring the
// block timeout. It mimics the ordered, cursor-addressed read contract.
type stubStream struct {
	mu      sync.Mutex
	entries []streambus.Entry
}

func (s *stubStream) add(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, streambus.Entry{
		ID:     fmt.Sprintf("%d-0", len(s.entries)+1),
		Values: values,
	})
}

func (s *stubStream) Read(ctx context.Context, stream, cursor string, count int64, block time.Duration) ([]streambus.Entry, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := 0
	if cursor != streambus.Origin {
		n, _ := strconv.Atoi(cursor[:len(cursor)-2])
		from = n
	}
	if from >= len(s.entries) {
		return nil, cursor, nil
	}
	out := s.entries[from:]
	if int64(len(out)) > count {
		out = out[:count]
	}
	return out, out[len(out)-1].ID, nil
}

func flowValues(t *testing.T, rng *rand.Rand) map[string]any {
	t.Helper()
	vec := make([]float64, features.Count)
	for i := range vec {
		vec[i] = 5 + rng.NormFloat64()*0.1
	}
	rec := features.FlowRecord{FlowID: "f", SrcIP: "192.168.1.2", DstIP: "10.0.0.3", Features: vec}
	values, err := rec.StreamValues()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return values
}

func fastCoordinator(bus streamReader, reg *ml.Registry, window time.Duration) *Coordinator {
	c := NewCoordinator(bus, reg, window)
	c.PollInterval = 5 * time.Millisecond
	c.ReadBlock = time.Millisecond
	c.TrainConfig = ml.TrainConfig{Epochs: 2, BatchSize: 16, Seed: 3}
	return c
}

func TestBaselinePublishesAndTransitions(t *testing.T) {
	stream := &stubStream{}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 40; i++ {
		stream.add(flowValues(t, rng))
	}
	reg, err := ml.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	c := fastCoordinator(stream, reg, 100*time.Millisecond)
	if c.Phase() != PhaseBaselineLearning {
		t.Fatalf("initial phase should be BASELINE_LEARNING")
	}
	if err := c.runBaseline(context.Background()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if c.Phase() != PhaseMonitoring {
		t.Fatalf("phase after baseline: %s", c.Phase())
	}
	if c.SampleCount() != 40 {
		t.Fatalf("accumulated %d flows, want 40", c.SampleCount())
	}
	if _, ok := reg.ActiveVersion(); !ok {
		t.Fatalf("expected a published model version")
	}
}

func TestBaselineFailsWithInsufficientSamples(t *testing.T) {
	stream := &stubStream{}
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 5; i++ {
		stream.add(flowValues(t, rng))
	}
	reg, err := ml.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	c := fastCoordinator(stream, reg, 50*time.Millisecond)
	err = c.runBaseline(context.Background())
	if !errors.Is(err, ml.ErrInsufficientSamples) {
		t.Fatalf("expected insufficient-samples failure, got %v", err)
	}
	if c.Phase() != PhaseBaselineLearning {
		t.Fatalf("failed cycle must not transition: %s", c.Phase())
	}
	if _, ok := reg.ActiveVersion(); ok {
		t.Fatalf("no version must be published on a failed cycle")
	}
}

func TestBaselineSkipsMalformedEntries(t *testing.T) {
	stream := &stubStream{}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 15; i++ {
		stream.add(flowValues(t, rng))
	}
	stream.add(map[string]any{"flow_id": "junk", "features": "not-json"})
	stream.add(map[string]any{"flow_id": "short", "features": "[1,2,3]"})
	reg, err := ml.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	c := fastCoordinator(stream, reg, 50*time.Millisecond)
	if err := c.runBaseline(context.Background()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	if c.SampleCount() != 15 {
		t.Fatalf("malformed entries should be skipped: got %d samples", c.SampleCount())
	}
}

func TestWarmStartSkipsBaseline(t *testing.T) {
	reg, err := ml.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	rng := rand.New(rand.NewSource(4))
	X := make([][]float64, 20)
	for i := range X {
		X[i] = make([]float64, features.Count)
		for j := range X[i] {
			X[i][j] = rng.Float64()
		}
	}
	model, err := ml.TrainModel(X, ml.TrainConfig{Epochs: 1, Seed: 5})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if _, err := reg.Publish(model, len(X)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	c := fastCoordinator(&stubStream{}, reg, time.Hour)
	c.DriftInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancellation to end monitoring, got %v", err)
	}
	if c.Phase() != PhaseMonitoring {
		t.Fatalf("warm start should begin in MONITORING, got %s", c.Phase())
	}
	if c.SampleCount() != 0 {
		t.Fatalf("warm start must not accumulate baseline flows")
	}
}

func TestCancellationBoundsShutdown(t *testing.T) {
	stream := &stubStream{}
	reg, err := ml.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	c := fastCoordinator(stream, reg, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.runBaseline(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("baseline loop did not observe cancellation within a poll interval")
	}
}
