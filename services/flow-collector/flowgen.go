package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"netsentry/shared/features"
)

// SyntheticSource generates flows shaped like typical office traffic:
// short-lived conversations to common ports with lognormal packet counts.
// It stands in for the external capture pipeline during demo runs and in
// tests, and can inject deliberately anomalous flows to exercise detection.
type SyntheticSource struct {
	Gap          time.Duration // pause between flows
	Count        int           // total flows to emit; 0 means unbounded
	AnomalyEvery int           // inject one anomalous flow every N; 0 disables

	rng *rand.Rand
}

// NewSyntheticSource seeds a generator. Seed 0 uses the clock.
func NewSyntheticSource(gap time.Duration, count int, seed int64) *SyntheticSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SyntheticSource{Gap: gap, Count: count, rng: rand.New(rand.NewSource(seed))}
}

// Flows emits records until Count is reached or the context is cancelled.
// The returned channel is closed when the source is done.
func (s *SyntheticSource) Flows(ctx context.Context) <-chan features.FlowRecord {
	out := make(chan features.FlowRecord)
	go func() {
		defer close(out)
		for i := 0; s.Count == 0 || i < s.Count; i++ {
			rec := s.NormalFlow()
			if s.AnomalyEvery > 0 && i > 0 && i%s.AnomalyEvery == 0 {
				rec = s.AnomalousFlow()
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
			if s.Gap > 0 {
				select {
				case <-time.After(s.Gap):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

var commonPorts = []int{80, 443, 53, 25, 143, 3389}

// NormalFlow builds one benign-looking flow record.
func (s *SyntheticSource) NormalFlow() features.FlowRecord {
	r := s.rng

	// Most flows last under five minutes; packet counts are lognormal.
	duration := gamma2(r) * 300 // ms
	fwdPkts := math.Max(1, math.Floor(lognormal(r, 2, 1)))
	bwdPkts := math.Max(1, math.Floor(lognormal(r, 2, 1)))
	fwdBytes := fwdPkts * float64(50+r.Intn(1350))
	bwdBytes := bwdPkts * float64(50+r.Intn(1350))
	iatMean := math.Max(1, duration/(fwdPkts+bwdPkts+1))
	iatStd := iatMean * (0.1 + r.Float64()*0.4)
	secs := math.Max(duration/1000, 0.1)

	vec := make([]float64, features.Count)
	set := func(name string, v float64) { vec[features.Index[name]] = v }

	set("flow_duration", duration)
	set("flow_iat_mean", iatMean)
	set("flow_iat_std", iatStd)
	set("flow_iat_max", iatMean*(2+r.Float64()*3))
	set("flow_iat_min", math.Max(0.1, iatMean*(0.1+r.Float64()*0.4)))
	set("fwd_iat_total", duration*0.6)
	set("fwd_iat_mean", iatMean*0.9)
	set("fwd_iat_std", iatStd*0.8)
	set("fwd_iat_max", iatMean*3)
	set("fwd_iat_min", math.Max(0.1, iatMean*0.2))
	set("bwd_iat_total", duration*0.4)
	set("bwd_iat_mean", iatMean*1.1)
	set("bwd_iat_std", iatStd*1.2)
	set("bwd_iat_max", iatMean*4)
	set("bwd_iat_min", math.Max(0.1, iatMean*0.3))
	set("tot_fwd_pkts", fwdPkts)
	set("tot_bwd_pkts", bwdPkts)
	set("totlen_fwd_pkts", fwdBytes)
	set("totlen_bwd_pkts", bwdBytes)
	set("fwd_pkt_len_max", float64(500+r.Intn(1000)))
	set("fwd_pkt_len_min", float64(40+r.Intn(60)))
	set("fwd_pkt_len_mean", float64(200+r.Intn(600)))
	set("fwd_pkt_len_std", float64(50+r.Intn(250)))
	set("bwd_pkt_len_max", float64(500+r.Intn(1000)))
	set("bwd_pkt_len_min", float64(40+r.Intn(60)))
	set("bwd_pkt_len_mean", float64(200+r.Intn(600)))
	set("bwd_pkt_len_std", float64(50+r.Intn(250)))
	set("pkt_len_min", float64(40+r.Intn(20)))
	set("pkt_len_max", float64(800+r.Intn(700)))
	set("pkt_len_mean", float64(300+r.Intn(600)))
	set("pkt_len_std", float64(100+r.Intn(300)))
	set("pkt_len_var", float64(10000+r.Intn(150000)))
	set("flow_bytes_s", (fwdBytes+bwdBytes)/secs)
	set("flow_pkts_s", (fwdPkts+bwdPkts)/secs)
	set("fwd_pkt_per_s", fwdPkts/secs)
	set("bwd_pkt_per_s", bwdPkts/secs)
	set("fwd_packets_s", fwdPkts/secs)
	set("bwd_packets_s", bwdPkts/secs)
	set("flow_iat_tot", duration)
	set("fwd_iat_tot", duration*0.6)
	set("bwd_iat_tot", duration*0.4)
	set("fin_flag_cnt", chance(r, 0.7))
	set("syn_flag_cnt", chance(r, 0.6))
	set("rst_flag_cnt", chance(r, 0.1))
	set("psh_flag_cnt", chance(r, 0.5))
	set("ack_flag_cnt", 1)
	set("fwd_psh_flags", chance(r, 0.4))
	set("bwd_psh_flags", chance(r, 0.3))
	set("fwd_header_length", fwdPkts*20)
	set("bwd_header_length", bwdPkts*20)
	set("fwd_header_len_tot", fwdPkts*20)
	set("bwd_header_len_tot", bwdPkts*20)
	set("pkt_size_avg", (fwdBytes+bwdBytes)/(fwdPkts+bwdPkts))
	set("fwd_seg_size_avg", fwdBytes/fwdPkts)
	set("bwd_seg_size_avg", bwdBytes/bwdPkts)
	set("fwd_byts_b_avg", fwdBytes/fwdPkts)
	set("fwd_pkts_b_avg", 1)
	set("down_up_ratio", bwdPkts/fwdPkts)
	set("subflow_fwd_pkts", fwdPkts)
	set("subflow_fwd_byts", fwdBytes)
	set("subflow_bwd_pkts", bwdPkts)
	set("subflow_bwd_byts", bwdBytes)
	set("fwd_init_win_byts", float64(8192+r.Intn(57344)))
	set("bwd_init_win_byts", float64(8192+r.Intn(57344)))
	set("fwd_act_data_pkts", math.Max(0, fwdPkts-1))
	set("fwd_seg_size_min", float64(20+r.Intn(20)))
	set("active_mean", duration*0.8)
	set("active_max", duration)
	set("idle_mean", iatMean*2)
	set("idle_max", iatMean*5)
	set("fwd_pkts_payload_tot", fwdBytes*0.9)

	now := time.Now()
	return features.FlowRecord{
		FlowID:    fmt.Sprintf("synth_%s", uuid.NewString()[:8]),
		SrcIP:     fmt.Sprintf("192.168.1.%d", 100+r.Intn(100)),
		SrcPort:   49152 + r.Intn(16383),
		DstIP:     fmt.Sprintf("10.0.0.%d", 5+r.Intn(45)),
		DstPort:   commonPorts[r.Intn(len(commonPorts))],
		Protocol:  pick(r, 6, 17, 0.85),
		Timestamp: float64(now.UnixMilli()),
		Features:  vec,
	}
}

// AnomalousFlow builds a flow far off the normal manifold: a flood-like
// burst with extreme rates, sizes, and flag counts.
func (s *SyntheticSource) AnomalousFlow() features.FlowRecord {
	rec := s.NormalFlow()
	rec.FlowID = fmt.Sprintf("anom_%s", uuid.NewString()[:8])
	rec.DstPort = 1 + s.rng.Intn(1024)
	for i := range rec.Features {
		rec.Features[i] = rec.Features[i]*500 + 1e6
	}
	return rec
}

// gamma2 samples a shape-2 unit-scale gamma variate (sum of two
// exponentials).
func gamma2(r *rand.Rand) float64 {
	return r.ExpFloat64() + r.ExpFloat64()
}

func lognormal(r *rand.Rand, mu, sigma float64) float64 {
	return math.Exp(mu + sigma*r.NormFloat64())
}

func chance(r *rand.Rand, p float64) float64 {
	if r.Float64() < p {
		return 1
	}
	return 0
}

func pick(r *rand.Rand, a, b int, pa float64) int {
	if r.Float64() < pa {
		return a
	}
	return b
}
