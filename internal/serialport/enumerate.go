package serialport

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Device classes accepted by FilterDeviceClass.
const (
	DeviceClassACM = "acm" // CDC-ACM boards, /dev/ttyACM*
	DeviceClassUSB = "usb" // USB-serial bridges, /dev/ttyUSB*
)

var deviceClassPrefixes = map[string]string{
	DeviceClassACM: "ttyACM",
	DeviceClassUSB: "ttyUSB",
}

// ValidDeviceClass reports whether class is known.
func ValidDeviceClass(class string) bool {
	_, ok := deviceClassPrefixes[strings.ToLower(class)]
	return ok
}

// FilterDeviceClass keeps the ports of the given class and returns them
// sorted so the lowest-numbered node is tried first.
func FilterDeviceClass(ports []string, class string) []string {
	prefix, ok := deviceClassPrefixes[strings.ToLower(class)]
	if !ok {
		return nil
	}
	var out []string
	for _, p := range ports {
		if strings.HasPrefix(filepath.Base(p), prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// SystemEnumerator lists ports via the operating system. USB details are
// preferred; the plain port list is the fallback when the detailed
// enumeration is unsupported on the platform.
type SystemEnumerator struct{}

func (SystemEnumerator) Ports() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		names := make([]string, 0, len(details))
		for _, d := range details {
			names = append(names, d.Name)
		}
		return names, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", listErr)
	}
	return names, nil
}
