package main

import (
	"math"
	"sync"

	"netsentry/pkg/ml"
	"netsentry/shared/features"
	"netsentry/shared/logging"
)

// ServingMode labels how a DetectionResult was produced.
type ServingMode string

const (
	ModeColdStart ServingMode = "cold_start"
	ModeInference ServingMode = "inference"
	ModeError     ServingMode = "error"
)

// DetectionResult is the per-flow scoring outcome.
type DetectionResult struct {
	RecordID            string      `json:"record_id"`
	ReconstructionError float64     `json:"reconstruction_error"`
	AnomalyScore        float64     `json:"anomaly_score"`
	IsAnomaly           bool        `json:"is_anomaly"`
	Threshold           float64     `json:"threshold,omitempty"`
	Mode                ServingMode `json:"serving_mode"`
}

// InferenceEngine scores single flows against the active model version.
// It is cold-start safe: before any model has been published (or when a load
// fails) it stays unbound and every score call passes traffic through as
// non-anomalous. Scoring never halts the caller; a fault in one call
// degrades only that call's result.
type InferenceEngine struct {
	mu      sync.RWMutex
	model   *ml.Model
	version string
}

// NewInferenceEngine returns an unbound engine.
func NewInferenceEngine() *InferenceEngine {
	return &InferenceEngine{}
}

// LoadFrom binds the engine to the registry's active version. Any failure
// (no version published yet, missing files, corrupt artifact) is logged and
// leaves the previous binding in place.
func (e *InferenceEngine) LoadFrom(reg *ml.Registry) {
	model, meta, err := reg.LoadActive()
	if err != nil {
		if err == ml.ErrNoActiveModel {
			logging.Warnf("inference: no model published yet, running in cold-start mode")
		} else {
			logging.Errorf("inference: model load failed, staying unbound: %v", err)
		}
		return
	}
	e.mu.Lock()
	e.model = model
	e.version = meta.Version
	e.mu.Unlock()
	logging.Infof("inference: loaded model version=%s threshold=%.6f features=%d", meta.Version, model.Threshold, meta.FeatureCount)
}

// Bound reports whether a model is loaded.
func (e *InferenceEngine) Bound() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.model != nil
}

// Version returns the loaded model version id, or empty when unbound.
func (e *InferenceEngine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Score evaluates one flow. Unbound engines return the cold-start default;
// per-record faults (malformed vector, numeric fault) return the safe
// default with mode "error".
func (e *InferenceEngine) Score(rec *features.FlowRecord) DetectionResult {
	e.mu.RLock()
	model := e.model
	e.mu.RUnlock()

	if model == nil {
		return DetectionResult{RecordID: rec.FlowID, Mode: ModeColdStart}
	}

	reconErr, score, err := model.Score(rec.Features)
	if err != nil {
		logging.Warnf("inference: scoring fault for flow %s: %v", rec.FlowID, err)
		return DetectionResult{RecordID: rec.FlowID, Mode: ModeError}
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		logging.Warnf("inference: non-finite score for flow %s", rec.FlowID)
		return DetectionResult{RecordID: rec.FlowID, Mode: ModeError}
	}
	return DetectionResult{
		RecordID:            rec.FlowID,
		ReconstructionError: reconErr,
		AnomalyScore:        score,
		IsAnomaly:           score > 1.0,
		Threshold:           model.Threshold,
		Mode:                ModeInference,
	}
}
