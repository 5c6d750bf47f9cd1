// Package serialport abstracts the serial device behind the control link so
// the link manager can be exercised without hardware.
package serialport

import (
	"io"
	"time"
)

// SerialPorter is the minimal interface the link needs from a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports that support a bounded read
// timeout. A Read that times out returns 0, nil.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// Factory opens serial ports. It is injected into the link manager.
type Factory interface {
	Open(path string, opts PortOptions) (SerialPorter, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(path string, opts PortOptions) (SerialPorter, error)

func (f FactoryFunc) Open(path string, opts PortOptions) (SerialPorter, error) {
	return f(path, opts)
}

// Enumerator lists candidate serial device paths.
type Enumerator interface {
	Ports() ([]string, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func() ([]string, error)

func (f EnumeratorFunc) Ports() ([]string, error) { return f() }
