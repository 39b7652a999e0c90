// Package features defines the CIC-IDS2017-style flow feature schema shared
// by the collector and the learning engine. Both sides must agree on the
// exact order and count of features; any change here is a breaking schema
// bump that has to be rolled out to every producer and consumer together.
// There is no automatic migration across schema versions.
package features

// Count is the fixed length of every flow feature vector.
const Count = 85

// Names lists the 85 flow features in wire order.
var Names = []string{
	// Flow basic info (7)
	"flow_duration", "flow_iat_mean", "flow_iat_std", "flow_iat_max", "flow_iat_min",
	"fwd_iat_total", "fwd_iat_mean",

	// Packet counts & sizes (12)
	"fwd_iat_std", "fwd_iat_max", "fwd_iat_min", "bwd_iat_total", "bwd_iat_mean",
	"bwd_iat_std", "bwd_iat_max", "bwd_iat_min", "fwd_psh_flags", "bwd_psh_flags",
	"fwd_urg_flags", "bwd_urg_flags",

	// Payload statistics (14)
	"fwd_header_length", "bwd_header_length", "fwd_packets_s", "bwd_packets_s",
	"pkt_len_min", "pkt_len_max", "pkt_len_mean", "pkt_len_std", "pkt_len_var",
	"fin_flag_cnt", "syn_flag_cnt", "rst_flag_cnt", "psh_flag_cnt", "ack_flag_cnt",

	// TCP flags & control (11)
	"urg_flag_cnt", "cwr_flag_cnt", "ece_flag_cnt", "down_up_ratio",
	"pkt_size_avg", "fwd_seg_size_avg", "bwd_seg_size_avg", "fwd_byts_b_avg",
	"fwd_pkts_b_avg", "fwd_blk_rate_avg", "bwd_byts_b_avg",

	// Subflow analysis (8)
	"bwd_pkts_b_avg", "bwd_blk_rate_avg", "subflow_fwd_pkts", "subflow_fwd_byts",
	"subflow_bwd_pkts", "subflow_bwd_byts", "fwd_init_win_byts", "bwd_init_win_byts",

	// Active/Idle times (8)
	"fwd_act_data_pkts", "fwd_seg_size_min", "active_mean", "active_std",
	"active_max", "active_min", "idle_mean", "idle_std",

	// Bidirectional flow stats (15)
	"idle_max", "idle_min", "tot_fwd_pkts", "tot_bwd_pkts", "totlen_fwd_pkts",
	"totlen_bwd_pkts", "fwd_pkt_len_max", "fwd_pkt_len_min", "fwd_pkt_len_mean",
	"fwd_pkt_len_std", "bwd_pkt_len_max", "bwd_pkt_len_min", "bwd_pkt_len_mean",
	"bwd_pkt_len_std", "pkt_len_zero_cnt",

	// Flow-level rates (10)
	"fwd_pkt_per_s", "bwd_pkt_per_s", "flow_bytes_s", "flow_pkts_s",
	"flow_iat_tot", "fwd_iat_tot", "bwd_iat_tot", "fwd_header_len_tot",
	"bwd_header_len_tot", "fwd_pkts_payload_tot",
}

// Index maps a feature name to its position in the vector.
var Index = func() map[string]int {
	m := make(map[string]int, len(Names))
	for i, n := range Names {
		m[n] = i
	}
	return m
}()

// Valid reports whether vec is a well-formed feature vector: exactly Count
// finite numeric entries. Out-of-schema vectors must be skipped by the
// caller, never padded or truncated.
func Valid(vec []float64) bool {
	if len(vec) != Count {
		return false
	}
	for _, v := range vec {
		if !finite(v) {
			return false
		}
	}
	return true
}

func finite(v float64) bool {
	// NaN compares unequal to itself; the bounds exclude infinities.
	return v == v && v < 1e308 && v > -1e308
}
