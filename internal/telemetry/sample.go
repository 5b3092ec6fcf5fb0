// Package telemetry defines the sample model for normalized ECU log data and
// the per-sample operating mode detector.
package telemetry

import "sort"

// Channel identifies a canonical telemetry channel as emitted by the log
// normalizer. Logs may carry a subset; presence is tracked per run, not per
// sample.
type Channel string

const (
	ChanRPM      Channel = "rpm"
	ChanMAP      Channel = "map_kpa"
	ChanTPS      Channel = "tps_pct"
	ChanIAT      Channel = "iat_c"
	ChanECT      Channel = "ect_c"
	ChanAFRMeasF Channel = "afr_front"
	ChanAFRMeasR Channel = "afr_rear"
	ChanAFRMeas  Channel = "afr"
	ChanAFRCmdF  Channel = "afr_target_front"
	ChanAFRCmdR  Channel = "afr_target_rear"
	ChanAFRCmd   Channel = "afr_target"
	ChanSparkF   Channel = "spark_front_deg"
	ChanSparkR   Channel = "spark_rear_deg"
	ChanSpark    Channel = "spark_deg"
	ChanKnockF   Channel = "knock_retard_front_deg"
	ChanKnockR   Channel = "knock_retard_rear_deg"
	ChanVSS      Channel = "vss_kmh"
	ChanVECorr   Channel = "ve_corr_pct"
)

// RequiredChannels must be present in every log; ingest rejects logs without
// them. Sample timestamps are structural, not a channel.
var RequiredChannels = []Channel{ChanRPM, ChanMAP, ChanTPS}

// OptionalChannels may be absent; absence disables only the surfaces and
// rules that need them. Per-cylinder logs carry the _f/_r variants, single
// wideband setups carry the global ones.
var OptionalChannels = []Channel{
	ChanIAT, ChanECT,
	ChanAFRMeasF, ChanAFRMeasR, ChanAFRMeas,
	ChanAFRCmdF, ChanAFRCmdR, ChanAFRCmd,
	ChanSparkF, ChanSparkR, ChanSpark,
	ChanKnockF, ChanKnockR,
	ChanVSS, ChanVECorr,
}

// AllChannels lists every canonical channel, required first.
var AllChannels = append(append([]Channel{}, RequiredChannels...), OptionalChannels...)

// Sample is one row of a normalized ECU log. TimeS is seconds from log
// start. Fields for absent channels are zero; consult the owning Log's
// channel set before reading optional fields.
type Sample struct {
	TimeS    float64 `json:"time_s"`
	RPM      float64 `json:"rpm"`
	MAPkPa   float64 `json:"map_kpa"`
	TPS      float64 `json:"tps_pct"`
	IAT      float64 `json:"iat_c,omitempty"`
	ECT      float64 `json:"ect_c,omitempty"`
	AFRMeasF float64 `json:"afr_front,omitempty"`
	AFRMeasR float64 `json:"afr_rear,omitempty"`
	AFRMeas  float64 `json:"afr,omitempty"`
	AFRCmdF  float64 `json:"afr_target_front,omitempty"`
	AFRCmdR  float64 `json:"afr_target_rear,omitempty"`
	AFRCmd   float64 `json:"afr_target,omitempty"`
	SparkF   float64 `json:"spark_front_deg,omitempty"`
	SparkR   float64 `json:"spark_rear_deg,omitempty"`
	Spark    float64 `json:"spark_deg,omitempty"`
	KnockF   float64 `json:"knock_retard_front_deg,omitempty"`
	KnockR   float64 `json:"knock_retard_rear_deg,omitempty"`
	VSS      float64 `json:"vss_kmh,omitempty"`
	VECorr   float64 `json:"ve_corr_pct,omitempty"`
}

// Value returns the sample's value for a canonical channel. The second
// return is false for names Sample does not carry.
func (s Sample) Value(ch Channel) (float64, bool) {
	switch ch {
	case ChanRPM:
		return s.RPM, true
	case ChanMAP:
		return s.MAPkPa, true
	case ChanTPS:
		return s.TPS, true
	case ChanIAT:
		return s.IAT, true
	case ChanECT:
		return s.ECT, true
	case ChanAFRMeasF:
		return s.AFRMeasF, true
	case ChanAFRMeasR:
		return s.AFRMeasR, true
	case ChanAFRMeas:
		return s.AFRMeas, true
	case ChanAFRCmdF:
		return s.AFRCmdF, true
	case ChanAFRCmdR:
		return s.AFRCmdR, true
	case ChanAFRCmd:
		return s.AFRCmd, true
	case ChanSparkF:
		return s.SparkF, true
	case ChanSparkR:
		return s.SparkR, true
	case ChanSpark:
		return s.Spark, true
	case ChanKnockF:
		return s.KnockF, true
	case ChanKnockR:
		return s.KnockR, true
	case ChanVSS:
		return s.VSS, true
	case ChanVECorr:
		return s.VECorr, true
	}
	return 0, false
}

// setValue assigns a channel value on the sample; used by the CSV decoder.
func (s *Sample) setValue(ch Channel, v float64) {
	switch ch {
	case ChanRPM:
		s.RPM = v
	case ChanMAP:
		s.MAPkPa = v
	case ChanTPS:
		s.TPS = v
	case ChanIAT:
		s.IAT = v
	case ChanECT:
		s.ECT = v
	case ChanAFRMeasF:
		s.AFRMeasF = v
	case ChanAFRMeasR:
		s.AFRMeasR = v
	case ChanAFRMeas:
		s.AFRMeas = v
	case ChanAFRCmdF:
		s.AFRCmdF = v
	case ChanAFRCmdR:
		s.AFRCmdR = v
	case ChanAFRCmd:
		s.AFRCmd = v
	case ChanSparkF:
		s.SparkF = v
	case ChanSparkR:
		s.SparkR = v
	case ChanSpark:
		s.Spark = v
	case ChanKnockF:
		s.KnockF = v
	case ChanKnockR:
		s.KnockR = v
	case ChanVSS:
		s.VSS = v
	case ChanVECorr:
		s.VECorr = v
	}
}

// ChannelSet tracks which channels a log carries.
type ChannelSet map[Channel]bool

// Has reports whether the channel is present.
func (cs ChannelSet) Has(ch Channel) bool { return cs[ch] }

// HasAll reports whether every listed channel is present.
func (cs ChannelSet) HasAll(chs ...Channel) bool {
	for _, ch := range chs {
		if !cs[ch] {
			return false
		}
	}
	return true
}

// Sorted returns the present channels in lexical order.
func (cs ChannelSet) Sorted() []Channel {
	out := make([]Channel, 0, len(cs))
	for ch, ok := range cs {
		if ok {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy of the set.
func (cs ChannelSet) Clone() ChannelSet {
	out := make(ChannelSet, len(cs))
	for ch, ok := range cs {
		out[ch] = ok
	}
	return out
}

// Log is a validated run's worth of samples with its channel set.
// Samples are ordered by strictly increasing TimeS.
type Log struct {
	Samples  []Sample
	Channels ChannelSet
}

// Duration returns the log's time span in seconds.
func (lg *Log) Duration() float64 {
	if len(lg.Samples) < 2 {
		return 0
	}
	return lg.Samples[len(lg.Samples)-1].TimeS - lg.Samples[0].TimeS
}
