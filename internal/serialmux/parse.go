package serialmux

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dynoai/dynoai/internal/telemetry"
)

const (
	EventTypeFrame   = "frame"
	EventTypeConfig  = "config"
	EventTypeStatus  = "status"
	EventTypeUnknown = "unknown"
)

// ClassifyLine inspects one line from the datalogger and returns a simple
// event type token. Frames are JSON objects carrying at least an rpm field;
// other JSON objects are config echoes; #-prefixed lines are device status.
func ClassifyLine(line string) string {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "#") {
		return EventTypeStatus
	}
	if strings.HasPrefix(trimmed, "{") {
		if gjson.Get(trimmed, "rpm").Exists() {
			return EventTypeFrame
		}
		return EventTypeConfig
	}
	return EventTypeUnknown
}

// frameFields maps datalogger JSON keys onto canonical channels. Firmware
// revisions disagree on key names, so each channel accepts the short wire
// key and the canonical one.
var frameFields = []struct {
	keys []string
	ch   telemetry.Channel
	set  func(*telemetry.Sample, float64)
}{
	{[]string{"iat", "iat_c"}, telemetry.ChanIAT, func(s *telemetry.Sample, v float64) { s.IAT = v }},
	{[]string{"ect", "ect_c"}, telemetry.ChanECT, func(s *telemetry.Sample, v float64) { s.ECT = v }},
	{[]string{"afr_f", "afr_front"}, telemetry.ChanAFRMeasF, func(s *telemetry.Sample, v float64) { s.AFRMeasF = v }},
	{[]string{"afr_r", "afr_rear"}, telemetry.ChanAFRMeasR, func(s *telemetry.Sample, v float64) { s.AFRMeasR = v }},
	{[]string{"afr", "afr_meas"}, telemetry.ChanAFRMeas, func(s *telemetry.Sample, v float64) { s.AFRMeas = v }},
	{[]string{"afr_tgt_f", "afr_target_front"}, telemetry.ChanAFRCmdF, func(s *telemetry.Sample, v float64) { s.AFRCmdF = v }},
	{[]string{"afr_tgt_r", "afr_target_rear"}, telemetry.ChanAFRCmdR, func(s *telemetry.Sample, v float64) { s.AFRCmdR = v }},
	{[]string{"afr_tgt", "afr_target"}, telemetry.ChanAFRCmd, func(s *telemetry.Sample, v float64) { s.AFRCmd = v }},
	{[]string{"spk_f", "spark_front_deg"}, telemetry.ChanSparkF, func(s *telemetry.Sample, v float64) { s.SparkF = v }},
	{[]string{"spk_r", "spark_rear_deg"}, telemetry.ChanSparkR, func(s *telemetry.Sample, v float64) { s.SparkR = v }},
	{[]string{"spk", "spark", "spark_deg"}, telemetry.ChanSpark, func(s *telemetry.Sample, v float64) { s.Spark = v }},
	// Single-sensor dataloggers report one knock value; it reads from the
	// front head on these engines.
	{[]string{"knk", "knock", "knock_retard_front_deg"}, telemetry.ChanKnockF, func(s *telemetry.Sample, v float64) { s.KnockF = v }},
	{[]string{"knk_r", "knock_retard_rear_deg"}, telemetry.ChanKnockR, func(s *telemetry.Sample, v float64) { s.KnockR = v }},
	{[]string{"vss", "vss_kmh"}, telemetry.ChanVSS, func(s *telemetry.Sample, v float64) { s.VSS = v }},
	{[]string{"ve", "ve_corr_pct"}, telemetry.ChanVECorr, func(s *telemetry.Sample, v float64) { s.VECorr = v }},
}

// field returns the first existing JSON value among keys.
func field(line string, keys ...string) gjson.Result {
	for _, key := range keys {
		if res := gjson.Get(line, key); res.Exists() {
			return res
		}
	}
	return gjson.Result{}
}

// ParseFrame decodes one JSON frame line into a telemetry sample, returning
// the set of channels the frame carried. Timestamp, rpm, map, and tps are
// required; everything else is optional.
func ParseFrame(line string) (telemetry.Sample, telemetry.ChannelSet, error) {
	trimmed := strings.TrimSpace(line)
	if !gjson.Valid(trimmed) {
		return telemetry.Sample{}, nil, telemetry.Validationf("frame is not valid JSON: %.60q", line)
	}

	ts := field(trimmed, "t", "time_s")
	if !ts.Exists() {
		return telemetry.Sample{}, nil, telemetry.Validationf("frame has no timestamp: %.60q", line)
	}

	var sample telemetry.Sample
	sample.TimeS = ts.Float()

	channels := make(telemetry.ChannelSet)
	required := []struct {
		keys []string
		ch   telemetry.Channel
		set  func(*telemetry.Sample, float64)
	}{
		{[]string{"rpm"}, telemetry.ChanRPM, func(s *telemetry.Sample, v float64) { s.RPM = v }},
		{[]string{"map", "map_kpa"}, telemetry.ChanMAP, func(s *telemetry.Sample, v float64) { s.MAPkPa = v }},
		{[]string{"tps", "tps_pct"}, telemetry.ChanTPS, func(s *telemetry.Sample, v float64) { s.TPS = v }},
	}
	for _, f := range required {
		res := field(trimmed, f.keys...)
		if !res.Exists() {
			return telemetry.Sample{}, nil, telemetry.Validationf("frame missing required field %q: %.60q", f.keys[0], line)
		}
		f.set(&sample, res.Float())
		channels[f.ch] = true
	}

	for _, f := range frameFields {
		if res := field(trimmed, f.keys...); res.Exists() {
			f.set(&sample, res.Float())
			channels[f.ch] = true
		}
	}

	return sample, channels, nil
}
