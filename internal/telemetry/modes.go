package telemetry

// ModeTag labels the operating mode of one sample. Every sample gets exactly
// one tag.
type ModeTag string

const (
	ModeHeatSoak ModeTag = "heat_soak"
	ModeWOT      ModeTag = "wot"
	ModeDecel    ModeTag = "decel"
	ModeTipIn    ModeTag = "tip_in"
	ModeTipOut   ModeTag = "tip_out"
	ModeIdle     ModeTag = "idle"
	ModeCruise   ModeTag = "cruise"
)

// AllModes lists the tags in classification priority order. The first rule
// that matches wins; cruise is the fallback and always matches.
var AllModes = []ModeTag{ModeHeatSoak, ModeWOT, ModeDecel, ModeTipIn, ModeTipOut, ModeIdle, ModeCruise}

// ModeParams are the thresholds the detector classifies against. All fields
// are required; NewModeDetector rejects incomplete parameter sets rather
// than defaulting anything to zero.
type ModeParams struct {
	TPSWOTThresholdPct     float64 `json:"tps_wot_threshold_pct"`
	MAPWOTThresholdKPA     float64 `json:"map_wot_threshold_kpa"`
	RPMIdleCeiling         float64 `json:"rpm_idle_ceiling"`
	TPSIdleCeilingPct      float64 `json:"tps_idle_ceiling_pct"`
	MAPIdleCeilingKPA      float64 `json:"map_idle_ceiling_kpa"`
	TPSRateTipInPctPerSec  float64 `json:"tps_rate_tipin_threshold"`
	MAPRateTipInKPAPerSec  float64 `json:"map_rate_tipin_threshold"`
	DecelTPSMaxPct         float64 `json:"decel_tps_max_pct"`
	DecelRPMMin            float64 `json:"decel_rpm_min"`
	DecelRPMMax            float64 `json:"decel_rpm_max"`
	ECTHotThresholdC       float64 `json:"ect_hot_threshold_c"`
	IATHotThresholdC       float64 `json:"iat_hot_threshold_c"`
	HeatSoakMinDurationSec float64 `json:"heat_soak_min_duration_s"`
}

// LabeledSample pairs a sample with its mode tag and the backward
// finite-difference rates used to classify it.
type LabeledSample struct {
	Sample
	Mode          ModeTag `json:"mode"`
	TPSRatePctSec float64 `json:"tps_rate_pct_s"`
	MAPRateKPaSec float64 `json:"map_rate_kpa_s"`
}

// LabeledFrame is the mode detector's output: every input sample labeled,
// in input order, plus per-mode counts. Immutable once built; every
// downstream stage reads the same frame.
type LabeledFrame struct {
	Samples  []LabeledSample
	Channels ChannelSet
	Counts   map[ModeTag]int
	Duration float64
}

// ModeDetector classifies samples one at a time against a fixed parameter
// set. Construction fails loudly on missing thresholds.
type ModeDetector struct {
	p ModeParams
}

// NewModeDetector validates the parameter set and returns a detector.
// A zero value for any threshold is treated as missing.
func NewModeDetector(p ModeParams) (*ModeDetector, error) {
	required := []struct {
		name string
		val  float64
	}{
		{"tps_wot_threshold_pct", p.TPSWOTThresholdPct},
		{"map_wot_threshold_kpa", p.MAPWOTThresholdKPA},
		{"rpm_idle_ceiling", p.RPMIdleCeiling},
		{"tps_idle_ceiling_pct", p.TPSIdleCeilingPct},
		{"map_idle_ceiling_kpa", p.MAPIdleCeilingKPA},
		{"tps_rate_tipin_threshold", p.TPSRateTipInPctPerSec},
		{"map_rate_tipin_threshold", p.MAPRateTipInKPAPerSec},
		{"decel_tps_max_pct", p.DecelTPSMaxPct},
		{"decel_rpm_min", p.DecelRPMMin},
		{"decel_rpm_max", p.DecelRPMMax},
		{"ect_hot_threshold_c", p.ECTHotThresholdC},
		{"iat_hot_threshold_c", p.IATHotThresholdC},
		{"heat_soak_min_duration_s", p.HeatSoakMinDurationSec},
	}
	for _, r := range required {
		if r.val == 0 {
			return nil, Configurationf("mode threshold %s is missing", r.name)
		}
	}
	if p.DecelRPMMin >= p.DecelRPMMax {
		return nil, Configurationf("decel_rpm_min %.0f must be below decel_rpm_max %.0f", p.DecelRPMMin, p.DecelRPMMax)
	}
	return &ModeDetector{p: p}, nil
}

// Params returns the detector's parameter set.
func (d *ModeDetector) Params() ModeParams { return d.p }

// Label classifies every sample in the log. The returned warnings note
// detector rules disabled by missing channels; they never abort labeling.
// No state carries across calls.
func (d *ModeDetector) Label(lg *Log) (*LabeledFrame, []string) {
	var warnings []string
	tempsAvailable := lg.Channels.Has(ChanECT) || lg.Channels.Has(ChanIAT)
	if !tempsAvailable {
		warnings = append(warnings, "heat_soak detection disabled: no ect or iat channel")
	}

	out := &LabeledFrame{
		Samples:  make([]LabeledSample, 0, len(lg.Samples)),
		Channels: lg.Channels.Clone(),
		Counts:   make(map[ModeTag]int, len(AllModes)),
		Duration: lg.Duration(),
	}

	// hotSince tracks when the current above-threshold temperature streak
	// began; negative means no active streak.
	hotSince := -1.0
	for i, s := range lg.Samples {
		ls := LabeledSample{Sample: s}
		if i > 0 {
			prev := lg.Samples[i-1]
			dt := s.TimeS - prev.TimeS
			if dt > 0 {
				ls.TPSRatePctSec = (s.TPS - prev.TPS) / dt
				ls.MAPRateKPaSec = (s.MAPkPa - prev.MAPkPa) / dt
			}
		}

		if tempsAvailable && d.isHot(lg.Channels, s) {
			if hotSince < 0 {
				hotSince = s.TimeS
			}
		} else {
			hotSince = -1.0
		}
		soaked := hotSince >= 0 && s.TimeS-hotSince >= d.p.HeatSoakMinDurationSec

		ls.Mode = d.classify(ls, soaked)
		out.Counts[ls.Mode]++
		out.Samples = append(out.Samples, ls)
	}
	return out, warnings
}

func (d *ModeDetector) isHot(cs ChannelSet, s Sample) bool {
	if cs.Has(ChanECT) && s.ECT >= d.p.ECTHotThresholdC {
		return true
	}
	if cs.Has(ChanIAT) && s.IAT >= d.p.IATHotThresholdC {
		return true
	}
	return false
}

// classify applies the rules in priority order; first match wins.
func (d *ModeDetector) classify(ls LabeledSample, soaked bool) ModeTag {
	p := d.p
	switch {
	case soaked:
		return ModeHeatSoak
	case ls.TPS >= p.TPSWOTThresholdPct || ls.MAPkPa >= p.MAPWOTThresholdKPA:
		return ModeWOT
	case ls.TPS <= p.DecelTPSMaxPct &&
		ls.TPSRatePctSec <= -p.TPSRateTipInPctPerSec &&
		ls.RPM >= p.DecelRPMMin && ls.RPM <= p.DecelRPMMax:
		return ModeDecel
	case ls.TPSRatePctSec >= p.TPSRateTipInPctPerSec || ls.MAPRateKPaSec >= p.MAPRateTipInKPAPerSec:
		return ModeTipIn
	case ls.TPSRatePctSec <= -p.TPSRateTipInPctPerSec:
		return ModeTipOut
	case ls.RPM <= p.RPMIdleCeiling && ls.TPS <= p.TPSIdleCeilingPct && ls.MAPkPa <= p.MAPIdleCeilingKPA:
		return ModeIdle
	default:
		return ModeCruise
	}
}
