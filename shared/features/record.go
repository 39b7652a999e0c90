package features

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlowRecord is one network conversation reduced to identifying metadata and
// the fixed 85-feature vector.
type FlowRecord struct {
	FlowID    string    `json:"flow_id"`
	SrcIP     string    `json:"src_ip"`
	SrcPort   int       `json:"src_port"`
	DstIP     string    `json:"dst_ip"`
	DstPort   int       `json:"dst_port"`
	Protocol  int       `json:"protocol"`
	Timestamp float64   `json:"timestamp"` // first-seen, unix milliseconds
	Features  []float64 `json:"-"`
}

// Valid reports whether the record carries a well-formed feature vector.
func (r *FlowRecord) Valid() bool {
	return Valid(r.Features)
}

// StreamValues flattens the record into the string-valued field map used on
// the flow stream. The feature vector travels as a single JSON array field so
// the consumer can parse it in one step.
func (r *FlowRecord) StreamValues() (map[string]any, error) {
	feat, err := json.Marshal(r.Features)
	if err != nil {
		return nil, fmt.Errorf("marshal features: %w", err)
	}
	return map[string]any{
		"flow_id":   r.FlowID,
		"src_ip":    r.SrcIP,
		"src_port":  strconv.Itoa(r.SrcPort),
		"dst_ip":    r.DstIP,
		"dst_port":  strconv.Itoa(r.DstPort),
		"protocol":  strconv.Itoa(r.Protocol),
		"timestamp": strconv.FormatFloat(r.Timestamp, 'f', -1, 64),
		"features":  string(feat),
	}, nil
}

// DecodeStreamValues parses a stream entry back into a FlowRecord. Missing
// metadata fields fall back to zero values; a missing or malformed features
// field is an error, since the vector is the payload everything else hangs
// off.
func DecodeStreamValues(values map[string]any) (*FlowRecord, error) {
	rec := &FlowRecord{
		FlowID: asString(values["flow_id"]),
		SrcIP:  asString(values["src_ip"]),
		DstIP:  asString(values["dst_ip"]),
	}
	rec.SrcPort, _ = strconv.Atoi(asString(values["src_port"]))
	rec.DstPort, _ = strconv.Atoi(asString(values["dst_port"]))
	rec.Protocol, _ = strconv.Atoi(asString(values["protocol"]))
	rec.Timestamp, _ = strconv.ParseFloat(asString(values["timestamp"]), 64)

	raw := asString(values["features"])
	if raw == "" {
		return nil, fmt.Errorf("stream entry has no features field")
	}
	if err := json.Unmarshal([]byte(raw), &rec.Features); err != nil {
		return nil, fmt.Errorf("parse features: %w", err)
	}
	return rec, nil
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
