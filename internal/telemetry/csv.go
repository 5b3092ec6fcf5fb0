package telemetry

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dynoai/dynoai/internal/units"
)

// TimeColumn is the header name of the sample timestamp column. It is
// structural and always required alongside RequiredChannels.
const TimeColumn = "time_s"

// lambdaAliases maps wideband lambda column names onto the AFR channel they
// normalize into. Values convert to AFR at decode time.
var lambdaAliases = map[string]Channel{
	"lambda":       ChanAFRMeas,
	"lambda_front": ChanAFRMeasF,
	"lambda_rear":  ChanAFRMeasR,
}

// DecodeOptions controls CSV decoding.
type DecodeOptions struct {
	// Strict rejects unknown header columns instead of skipping them.
	Strict bool
	// StoichAFR is the stoichiometric ratio used to convert lambda columns
	// to AFR. Zero selects units.StoichAFRGasoline.
	StoichAFR float64
}

// DecodeCSV parses a normalized log table into a Log. The header row names
// columns using canonical channel identifiers plus time_s. Returned warnings
// note skipped unknown columns; any structural problem is a ValidationError.
func DecodeCSV(r io.Reader, opts DecodeOptions) (*Log, []string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, Validationf("empty input: no header row")
	}
	if err != nil {
		return nil, nil, Validationf("read header: %v", err)
	}

	known := make(map[Channel]bool, len(AllChannels))
	for _, ch := range AllChannels {
		known[ch] = true
	}
	stoich := opts.StoichAFR
	if stoich == 0 {
		stoich = units.StoichAFRGasoline
	}

	var warnings []string
	timeIdx := -1
	colChannel := make([]Channel, len(header)) // "" = skipped column
	toAFR := make([]bool, len(header))         // lambda columns converting at read
	seen := make(map[string]bool, len(header))
	byChannel := make(map[Channel]string, len(header))
	for i, raw := range header {
		name := strings.TrimSpace(strings.ToLower(raw))
		if seen[name] {
			return nil, nil, Validationf("duplicate column %q", name)
		}
		seen[name] = true
		if name == TimeColumn {
			timeIdx = i
			continue
		}
		ch := Channel(name)
		if alias, ok := lambdaAliases[name]; ok {
			ch = alias
			toAFR[i] = true
			warnings = append(warnings, fmt.Sprintf("column %q converted to %s (stoich %.2f)", name, ch, stoich))
		} else if !known[ch] {
			if opts.Strict {
				return nil, nil, Validationf("unknown column %q", name)
			}
			warnings = append(warnings, fmt.Sprintf("skipped unknown column %q", name))
			continue
		}
		if prev, ok := byChannel[ch]; ok {
			return nil, nil, Validationf("column %q conflicts with %q: both map to channel %s", name, prev, ch)
		}
		byChannel[ch] = name
		colChannel[i] = ch
	}
	if timeIdx < 0 {
		return nil, nil, Validationf("missing required column %q", TimeColumn)
	}
	for _, req := range RequiredChannels {
		if _, ok := byChannel[req]; !ok {
			return nil, nil, Validationf("missing required column %q", req)
		}
	}

	channels := make(ChannelSet)
	for _, ch := range colChannel {
		if ch != "" {
			channels[ch] = true
		}
	}

	lg := &Log{Channels: channels}
	line := 1
	lastTime := 0.0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, &ValidationError{Line: line, Msg: fmt.Sprintf("read row: %v", err)}
		}
		if len(record) != len(header) {
			return nil, nil, &ValidationError{Line: line, Msg: fmt.Sprintf("expected %d fields, got %d", len(header), len(record))}
		}

		var s Sample
		for i, field := range record {
			ch := colChannel[i]
			if i != timeIdx && ch == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, nil, &ValidationError{Line: line, Msg: fmt.Sprintf("column %q: unparseable value %q", header[i], field)}
			}
			if i == timeIdx {
				s.TimeS = v
				continue
			}
			if toAFR[i] {
				v = units.LambdaToAFR(v, stoich)
			}
			s.setValue(ch, v)
		}

		if len(lg.Samples) > 0 && s.TimeS <= lastTime {
			return nil, nil, &ValidationError{Line: line, Msg: fmt.Sprintf("non-monotonic time: %g after %g", s.TimeS, lastTime)}
		}
		lastTime = s.TimeS
		lg.Samples = append(lg.Samples, s)
	}

	if len(lg.Samples) == 0 {
		return nil, nil, Validationf("no samples in input")
	}
	return lg, warnings, nil
}

// Columns returns the canonical column order for this log: time first,
// then every present channel in the fixed channel order.
func (lg *Log) Columns() []string {
	cols := []string{TimeColumn}
	for _, ch := range AllChannels {
		if lg.Channels.Has(ch) {
			cols = append(cols, string(ch))
		}
	}
	return cols
}

// EncodeCSV writes the log back out as a normalized table in canonical
// column order. Round-trips through DecodeCSV.
func EncodeCSV(w io.Writer, lg *Log) error {
	cw := csv.NewWriter(w)
	cols := lg.Columns()
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(cols))
	for _, s := range lg.Samples {
		row[0] = strconv.FormatFloat(s.TimeS, 'g', -1, 64)
		for i, col := range cols[1:] {
			v, _ := s.Value(Channel(col))
			row[i+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
