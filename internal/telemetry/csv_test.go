package telemetry

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const sampleCSV = `time_s,rpm,map_kpa,tps_pct,spark_front_deg,knock_retard_front_deg
0.0,1100,32,1.5,18,0
0.1,1150,33,1.8,18,0
0.2,2400,88,95,24,0.5
`

func TestDecodeCSV(t *testing.T) {
	lg, warnings, err := DecodeCSV(strings.NewReader(sampleCSV), DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if len(lg.Samples) != 3 {
		t.Fatalf("samples = %d, want 3", len(lg.Samples))
	}
	if !lg.Channels.HasAll(ChanRPM, ChanMAP, ChanTPS, ChanSparkF, ChanKnockF) {
		t.Errorf("channel set incomplete: %v", lg.Channels.Sorted())
	}
	if lg.Channels.Has(ChanSparkR) {
		t.Error("spark_rear_deg should be absent")
	}
	s := lg.Samples[2]
	if s.TimeS != 0.2 || s.RPM != 2400 || s.MAPkPa != 88 || s.TPS != 95 || s.SparkF != 24 || s.KnockF != 0.5 {
		t.Errorf("sample 2 = %+v", s)
	}
}

func TestDecodeCSVLambdaColumn(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct,lambda\n0,3000,90,80,0.9\n0.1,3050,91,82,1.0\n"
	lg, warnings, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if !lg.Channels.Has(ChanAFRMeas) {
		t.Errorf("lambda column should register the afr channel, got %v", lg.Channels.Sorted())
	}
	// 0.9 lambda * 14.7 stoich = 13.23 AFR.
	if got := lg.Samples[0].AFRMeas; got < 13.229 || got > 13.231 {
		t.Errorf("AFRMeas = %f, want 13.23", got)
	}
	if lg.Samples[1].AFRMeas != 14.7 {
		t.Errorf("AFRMeas = %f, want 14.7", lg.Samples[1].AFRMeas)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "lambda") {
		t.Errorf("warnings = %v, want lambda conversion note", warnings)
	}
}

func TestDecodeCSVLambdaCustomStoich(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct,lambda_front\n0,3000,90,80,1.0\n"
	lg, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{StoichAFR: 14.08})
	if err != nil {
		t.Fatalf("DecodeCSV: %v", err)
	}
	if lg.Samples[0].AFRMeasF != 14.08 {
		t.Errorf("AFRMeasF = %f, want 14.08", lg.Samples[0].AFRMeasF)
	}
	if !lg.Channels.Has(ChanAFRMeasF) {
		t.Errorf("channel set = %v, want afr_front", lg.Channels.Sorted())
	}
}

func TestDecodeCSVLambdaConflictsWithAFR(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct,afr,lambda\n0,3000,90,80,13.2,0.9\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err == nil || !strings.Contains(err.Error(), "conflicts") {
		t.Errorf("error = %v, want column conflict", err)
	}
}

func TestDecodeCSVMissingRequiredColumn(t *testing.T) {
	in := "time_s,rpm,tps_pct\n0,1000,2\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if !strings.Contains(err.Error(), "map_kpa") {
		t.Errorf("error = %v, want mention of map_kpa", err)
	}
}

func TestDecodeCSVMissingTimeColumn(t *testing.T) {
	in := "rpm,map_kpa,tps_pct\n1000,30,2\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err == nil || !strings.Contains(err.Error(), "time_s") {
		t.Errorf("error = %v, want missing time_s", err)
	}
}

func TestDecodeCSVUnknownColumn(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct,gear\n0,1000,30,2,3\n"

	lg, warnings, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err != nil {
		t.Fatalf("lenient decode: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "gear") {
		t.Errorf("warnings = %v, want skipped gear", warnings)
	}
	if len(lg.Samples) != 1 {
		t.Errorf("samples = %d, want 1", len(lg.Samples))
	}

	_, _, err = DecodeCSV(strings.NewReader(in), DecodeOptions{Strict: true})
	if err == nil || !strings.Contains(err.Error(), "gear") {
		t.Errorf("strict decode error = %v, want unknown column gear", err)
	}
}

func TestDecodeCSVUnparseableValue(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct\n0,1000,30,2\n0.1,one thousand,31,2\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if vErr.Line != 3 {
		t.Errorf("line = %d, want 3", vErr.Line)
	}
}

func TestDecodeCSVNonMonotonicTime(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct\n0,1000,30,2\n0.2,1010,30,2\n0.1,1020,30,2\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err == nil || !strings.Contains(err.Error(), "non-monotonic") {
		t.Errorf("error = %v, want non-monotonic time", err)
	}
}

func TestDecodeCSVDuplicateTimeRejected(t *testing.T) {
	in := "time_s,rpm,map_kpa,tps_pct\n0,1000,30,2\n0,1010,30,2\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err == nil {
		t.Error("expected error for repeated timestamp")
	}
}

func TestDecodeCSVEmpty(t *testing.T) {
	if _, _, err := DecodeCSV(strings.NewReader(""), DecodeOptions{}); err == nil {
		t.Error("expected error for empty input")
	}
	if _, _, err := DecodeCSV(strings.NewReader("time_s,rpm,map_kpa,tps_pct\n"), DecodeOptions{}); err == nil {
		t.Error("expected error for header-only input")
	}
}

func TestDecodeCSVDuplicateColumn(t *testing.T) {
	in := "time_s,rpm,rpm,map_kpa,tps_pct\n0,1000,1000,30,2\n"
	_, _, err := DecodeCSV(strings.NewReader(in), DecodeOptions{})
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error = %v, want duplicate column", err)
	}
}

func TestEncodeCSVRoundTrip(t *testing.T) {
	lg, _, err := DecodeCSV(strings.NewReader(sampleCSV), DecodeOptions{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	var buf bytes.Buffer
	if err := EncodeCSV(&buf, lg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, _, err := DecodeCSV(&buf, DecodeOptions{Strict: true})
	if err != nil {
		t.Fatalf("decode round trip: %v", err)
	}
	if len(back.Samples) != len(lg.Samples) {
		t.Fatalf("samples = %d, want %d", len(back.Samples), len(lg.Samples))
	}
	for i := range back.Samples {
		if back.Samples[i] != lg.Samples[i] {
			t.Errorf("sample %d differs: %+v vs %+v", i, back.Samples[i], lg.Samples[i])
		}
	}
}

func TestLogDuration(t *testing.T) {
	lg := &Log{Samples: []Sample{{TimeS: 1.5}, {TimeS: 2.0}, {TimeS: 9.25}}}
	if got := lg.Duration(); got != 7.75 {
		t.Errorf("Duration() = %f, want 7.75", got)
	}
	single := &Log{Samples: []Sample{{TimeS: 5}}}
	if got := single.Duration(); got != 0 {
		t.Errorf("single-sample Duration() = %f, want 0", got)
	}
}
