package telemetry

import "fmt"

// ConfigurationError indicates invalid or missing analysis parameters
// (thresholds, grid axes). It is fatal to the call that raised it.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Msg
}

// Configurationf builds a ConfigurationError from a format string.
func Configurationf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// ValidationError indicates malformed run input: bad CSV structure,
// unparseable values, or non-monotonic time. It is raised before the
// analysis pipeline starts. Line is 1-based and 0 when not tied to a line.
type ValidationError struct {
	Line int
	Msg  string
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("validation error: line %d: %s", e.Line, e.Msg)
	}
	return "validation error: " + e.Msg
}

// Validationf builds a ValidationError not tied to an input line.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
