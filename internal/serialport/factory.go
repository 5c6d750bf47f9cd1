package serialport

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// RealFactory opens hardware ports through go.bug.st/serial.
type RealFactory struct{}

// Open opens path with opts, sets the read timeout and drops any bytes the
// driver buffered before the port was opened.
func (RealFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return nil, err
	}
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(opts.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("reset input buffer on %s: %w", path, err)
	}
	return port, nil
}

// IsDisconnect reports whether err indicates the device went away rather than
// a configuration or permission problem.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}

	if code, ok := portErrorCode(err); ok {
		switch code {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "device not configured") ||
		strings.Contains(msg, "broken pipe")
}

// portErrorCode extracts the go.bug.st/serial error code; the library returns
// both pointer and value forms depending on the platform.
func portErrorCode(err error) (serial.PortErrorCode, bool) {
	var ptr *serial.PortError
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Code(), true
	}
	var val serial.PortError
	if errors.As(err, &val) {
		return val.Code(), true
	}
	return 0, false
}
