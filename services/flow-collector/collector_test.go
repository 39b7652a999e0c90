package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"netsentry/shared/features"
)

// chanSource feeds a fixed set of records and closes.
type chanSource struct {
	records []features.FlowRecord
}

func (s *chanSource) Flows(ctx context.Context) <-chan features.FlowRecord {
	out := make(chan features.FlowRecord)
	go func() {
		defer close(out)
		for _, r := range s.records {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// stubAppender records appends and can be told to fail.
type stubAppender struct {
	appended []map[string]any
	fail     bool
}

func (a *stubAppender) Append(ctx context.Context, stream string, values map[string]any) error {
	if a.fail {
		return errors.New("transport down")
	}
	a.appended = append(a.appended, values)
	return nil
}

func validRecord(id string) features.FlowRecord {
	return features.FlowRecord{FlowID: id, SrcIP: "192.168.1.5", DstIP: "10.0.0.9", Features: make([]float64, features.Count)}
}

func TestCollectorSkipsOutOfSchemaRecords(t *testing.T) {
	bad := validRecord("bad")
	bad.Features = []float64{1, 2, 3}
	src := &chanSource{records: []features.FlowRecord{validRecord("a"), bad, validRecord("b")}}
	bus := &stubAppender{}

	c := &Collector{Source: src, Bus: bus, Stream: "test:flows", Engine: NewInferenceEngine()}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	processed, anomalies := c.Run(ctx)
	if processed != 2 || anomalies != 0 {
		t.Fatalf("processed=%d anomalies=%d, want 2/0", processed, anomalies)
	}
	if len(bus.appended) != 2 {
		t.Fatalf("appended %d records, want 2 (invalid one skipped)", len(bus.appended))
	}
}

func TestCollectorSurvivesTransportFailure(t *testing.T) {
	src := &chanSource{records: []features.FlowRecord{validRecord("a"), validRecord("b")}}
	bus := &stubAppender{fail: true}

	var results []DetectionResult
	c := &Collector{
		Source: src, Bus: bus, Stream: "test:flows", Engine: NewInferenceEngine(),
		OnResult: func(_ features.FlowRecord, res DetectionResult) { results = append(results, res) },
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	processed, _ := c.Run(ctx)
	if processed != 2 {
		t.Fatalf("transport failure must not drop local processing: processed=%d", processed)
	}
	for _, res := range results {
		if res.Mode != ModeColdStart || res.IsAnomaly {
			t.Fatalf("unexpected result without a model: %+v", res)
		}
	}
}

func TestSyntheticSourceProducesValidFlows(t *testing.T) {
	src := NewSyntheticSource(0, 25, 7)
	src.AnomalyEvery = 10
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := 0
	for rec := range src.Flows(ctx) {
		if !rec.Valid() {
			t.Fatalf("generated flow %s is out of schema", rec.FlowID)
		}
		if rec.SrcIP == "" || rec.DstPort == 0 {
			t.Fatalf("generated flow missing metadata: %+v", rec)
		}
		n++
	}
	if n != 25 {
		t.Fatalf("source emitted %d flows, want 25", n)
	}
}
