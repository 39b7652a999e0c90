package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"netsentry/pkg/streambus"
	"netsentry/shared/config"
	"netsentry/shared/logging"
)

// feedbackBus is the slice of the transport the API needs.
type feedbackBus interface {
	Append(ctx context.Context, stream string, values map[string]any) error
	Len(ctx context.Context, stream string) (int64, error)
}

// FeedbackRequest is an analyst's verdict on an alert: true positive or
// false positive, with a confidence in the labeling.
type FeedbackRequest struct {
	FlowID         string   `json:"flow_id"`
	IsTruePositive bool     `json:"is_true_positive"`
	AnalystNotes   string   `json:"analyst_notes,omitempty"`
	Confidence     *float64 `json:"confidence,omitempty"` // defaults to 1.0
}

var (
	fbAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "feedback", Name: "accepted_total",
		Help: "Feedback submissions recorded to the stream.",
	})
	fbRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "netsentry", Subsystem: "feedback", Name: "rejected_total",
		Help: "Feedback submissions rejected for invalid input.",
	})
)

func init() {
	_ = prometheus.Register(fbAccepted)
	_ = prometheus.Register(fbRejected)
}

type server struct {
	bus feedbackBus
}

func newServer(bus feedbackBus) *server {
	return &server{bus: bus}
}

// handleSubmit records one feedback item onto the bounded feedback stream.
// The learning engine consumes it in a future retraining cycle; this service
// only validates and appends.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fbRejected.Inc()
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.FlowID == "" {
		fbRejected.Inc()
		http.Error(w, "flow_id is required", http.StatusBadRequest)
		return
	}
	confidence := 1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}
	if confidence < 0.0 || confidence > 1.0 {
		fbRejected.Inc()
		http.Error(w, "confidence must be between 0.0 and 1.0", http.StatusBadRequest)
		return
	}

	values := map[string]any{
		"flow_id":          req.FlowID,
		"is_true_positive": strconv.FormatBool(req.IsTruePositive),
		"analyst_notes":    req.AnalystNotes,
		"confidence":       strconv.FormatFloat(confidence, 'f', -1, 64),
		"timestamp":        strconv.FormatInt(time.Now().UnixMilli(), 10),
		"analyst":          config.Get("ANALYST_ID", "unknown"),
		"receipt_id":       uuid.NewString(),
	}
	if err := s.bus.Append(r.Context(), streambus.FeedbackStream, values); err != nil {
		logging.Errorf("feedback: stream append failed: %v", err)
		http.Error(w, "failed to record feedback", http.StatusInternalServerError)
		return
	}
	fbAccepted.Inc()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "recorded",
		"message": "Feedback will be used in next model retraining cycle",
		"flow_id": req.FlowID,
	})
}

// handleStats reports how many feedback items are waiting on the stream.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	n, err := s.bus.Len(r.Context(), streambus.FeedbackStream)
	if err != nil {
		logging.Errorf("feedback: stream length: %v", err)
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_feedback_items": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
