package link

import (
	"fmt"

	"github.com/banshee-data/aimlink/internal/serialport"
)

// Discover returns the first port of the given device class, in sorted name
// order.
func Discover(enum serialport.Enumerator, class string) (string, error) {
	ports, err := enum.Ports()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	matches := serialport.FilterDeviceClass(ports, class)
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no %s port among %d candidates", ErrNoDevice, class, len(ports))
	}
	return matches[0], nil
}
