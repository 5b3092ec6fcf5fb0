package surface

import (
	"math"

	"github.com/dynoai/dynoai/internal/telemetry"
)

// Canonical surface names. Downstream stages look surfaces up by these, so
// they are part of the payload contract.
const (
	NameSparkFront  = "spark_advance_front"
	NameSparkRear   = "spark_advance_rear"
	NameSparkGlobal = "spark_advance_global"

	NameKnockFront = "knock_retard_front"
	NameKnockRear  = "knock_retard_rear"
	NameKnockRate  = "knock_event_rate"

	NameAFRErrorFront  = "afr_error_front"
	NameAFRErrorRear   = "afr_error_rear"
	NameAFRErrorGlobal = "afr_error_global"

	NameAFRErrorFrontWOTP95  = "afr_error_front_wot_p95"
	NameAFRErrorRearWOTP95   = "afr_error_rear_wot_p95"
	NameAFRErrorGlobalWOTP95 = "afr_error_global_wot_p95"

	NameVECorr = "ve_correction"

	NameCoverage = "coverage"
)

// SparkSurfaceNames maps cylinder identity to the spark surface carrying
// its timing, in the order the valley detector scans them.
var SparkSurfaceNames = []struct {
	Cylinder string
	Surface  string
}{
	{"front", NameSparkFront},
	{"rear", NameSparkRear},
	{"global", NameSparkGlobal},
}

func wotOnly(ls telemetry.LabeledSample) bool {
	return ls.Mode == telemetry.ModeWOT
}

func knockEvents(ls telemetry.LabeledSample) bool {
	return ls.KnockF > 0 || ls.KnockR > 0
}

// afrError returns measured/commanded - 1 for the given channel pair; the
// filter must have rejected zero commanded values already.
func afrError(meas, cmd func(telemetry.LabeledSample) float64) ValueFunc {
	return func(ls telemetry.LabeledSample) float64 {
		return meas(ls)/cmd(ls) - 1
	}
}

// cmdPositive guards division: commanded AFR at or below zero is sensor
// garbage and contributes nothing.
func cmdPositive(cmd func(telemetry.LabeledSample) float64) FilterFunc {
	return func(ls telemetry.LabeledSample) bool {
		return cmd(ls) > 0
	}
}

func andFilters(fs ...FilterFunc) FilterFunc {
	return func(ls telemetry.LabeledSample) bool {
		for _, f := range fs {
			if f != nil && !f(ls) {
				return false
			}
		}
		return true
	}
}

// StandardSpecs returns the full surface catalog for a run. Callers filter
// by Available against the run's channel inventory; a spec whose channels
// are missing is skipped with a warning, it never fails the build.
func StandardSpecs(minSamplesPerCell int) []Spec {
	measF := func(ls telemetry.LabeledSample) float64 { return ls.AFRMeasF }
	measR := func(ls telemetry.LabeledSample) float64 { return ls.AFRMeasR }
	measG := func(ls telemetry.LabeledSample) float64 { return ls.AFRMeas }
	cmdF := func(ls telemetry.LabeledSample) float64 { return ls.AFRCmdF }
	cmdR := func(ls telemetry.LabeledSample) float64 { return ls.AFRCmdR }
	cmdG := func(ls telemetry.LabeledSample) float64 { return ls.AFRCmd }

	return []Spec{
		{
			Name:              NameSparkFront,
			Requires:          []telemetry.Channel{telemetry.ChanSparkF},
			Value:             func(ls telemetry.LabeledSample) float64 { return ls.SparkF },
			Aggregation:       AggMean,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameSparkRear,
			Requires:          []telemetry.Channel{telemetry.ChanSparkR},
			Value:             func(ls telemetry.LabeledSample) float64 { return ls.SparkR },
			Aggregation:       AggMean,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameSparkGlobal,
			Requires:          []telemetry.Channel{telemetry.ChanSpark},
			Value:             func(ls telemetry.LabeledSample) float64 { return ls.Spark },
			Aggregation:       AggMean,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameKnockFront,
			Requires:          []telemetry.Channel{telemetry.ChanKnockF},
			Value:             func(ls telemetry.LabeledSample) float64 { return ls.KnockF },
			Aggregation:       AggMax,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameKnockRear,
			Requires:          []telemetry.Channel{telemetry.ChanKnockR},
			Value:             func(ls telemetry.LabeledSample) float64 { return ls.KnockR },
			Aggregation:       AggMax,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			// Whichever head knocks counts as an event; an absent channel
			// reads as zero, so single-sensor logs work unchanged.
			Name:              NameKnockRate,
			RequiresAny:       []telemetry.Channel{telemetry.ChanKnockF, telemetry.ChanKnockR},
			Value:             func(ls telemetry.LabeledSample) float64 { return math.Max(ls.KnockF, ls.KnockR) },
			Filter:            knockEvents,
			Aggregation:       AggRate,
			Weighting:         WeightUniform,
			MinSamplesPerCell: 1,
		},
		{
			Name:              NameAFRErrorFront,
			Requires:          []telemetry.Channel{telemetry.ChanAFRMeasF, telemetry.ChanAFRCmdF},
			Value:             afrError(measF, cmdF),
			Filter:            cmdPositive(cmdF),
			Aggregation:       AggMean,
			Weighting:         WeightLogarithmic,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameAFRErrorRear,
			Requires:          []telemetry.Channel{telemetry.ChanAFRMeasR, telemetry.ChanAFRCmdR},
			Value:             afrError(measR, cmdR),
			Filter:            cmdPositive(cmdR),
			Aggregation:       AggMean,
			Weighting:         WeightLogarithmic,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameAFRErrorGlobal,
			Requires:          []telemetry.Channel{telemetry.ChanAFRMeas, telemetry.ChanAFRCmd},
			Value:             afrError(measG, cmdG),
			Filter:            cmdPositive(cmdG),
			Aggregation:       AggMean,
			Weighting:         WeightLogarithmic,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameAFRErrorFrontWOTP95,
			Requires:          []telemetry.Channel{telemetry.ChanAFRMeasF, telemetry.ChanAFRCmdF},
			Value:             afrError(measF, cmdF),
			Filter:            andFilters(cmdPositive(cmdF), wotOnly),
			Aggregation:       AggP95,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameAFRErrorRearWOTP95,
			Requires:          []telemetry.Channel{telemetry.ChanAFRMeasR, telemetry.ChanAFRCmdR},
			Value:             afrError(measR, cmdR),
			Filter:            andFilters(cmdPositive(cmdR), wotOnly),
			Aggregation:       AggP95,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameAFRErrorGlobalWOTP95,
			Requires:          []telemetry.Channel{telemetry.ChanAFRMeas, telemetry.ChanAFRCmd},
			Value:             afrError(measG, cmdG),
			Filter:            andFilters(cmdPositive(cmdG), wotOnly),
			Aggregation:       AggP95,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			Name:              NameVECorr,
			Requires:          []telemetry.Channel{telemetry.ChanVECorr},
			Value:             func(ls telemetry.LabeledSample) float64 { return ls.VECorr },
			Aggregation:       AggMean,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
		{
			// Coverage aggregates a constant; its hit-count grid is what
			// the planner reads, the value grid just mirrors cell fill.
			Name:              NameCoverage,
			Requires:          nil,
			Value:             func(telemetry.LabeledSample) float64 { return 1 },
			Aggregation:       AggMean,
			Weighting:         WeightUniform,
			MinSamplesPerCell: minSamplesPerCell,
		},
	}
}
