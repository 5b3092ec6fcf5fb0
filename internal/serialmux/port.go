package serialmux

import "io"

// SerialPorter is the minimal surface the mux needs from a serial port.
// The abstraction keeps the mux testable without datalogger hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
