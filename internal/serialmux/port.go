package serialmux

import "io"

// SerialPorter is the minimal serial port surface; go.bug.st/serial.Port
// satisfies it, and tests substitute in-memory ports.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
