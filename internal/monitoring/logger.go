// Package monitoring carries the package-level diagnostic logger shared by
// long-running components.
package monitoring

import "log"

// Logf is the diagnostic logger. It defaults to log.Printf; tests and
// embedders replace it through SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. A nil f installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
