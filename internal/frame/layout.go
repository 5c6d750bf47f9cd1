// Package frame implements the fixed-size binary envelope exchanged with the
// gimbal controller: start marker, header checksum byte, little-endian payload
// and a trailing CRC16. It also recovers byte alignment on a raw stream.
package frame

import (
	"fmt"
	"strings"
)

// StartMarker is the first byte of every frame in both directions. It is not
// escaped, so payload bytes may carry the same value.
const StartMarker byte = 0xA5

const (
	headerLen  = 2 // start marker + header checksum
	trailerLen = 2 // CRC16, little endian

	// StatePayloadLen is the telemetry payload: yaw, pitch, state, autoaim,
	// enemy colour and a reserved byte.
	StatePayloadLen = 12

	// StateFrameLen is the full telemetry frame length on the wire.
	StateFrameLen = headerLen + StatePayloadLen + trailerLen
)

// Variant selects the command payload layout. The layout is a deployment-time
// contract with the controller firmware and is never negotiated at runtime.
type Variant int

const (
	// VariantStandard sends yaw, pitch and fire.
	VariantStandard Variant = iota
	// VariantInfantry appends a target identifier byte.
	VariantInfantry
	// VariantHero appends the averaged projectile speed and an auxiliary byte.
	VariantHero
)

var variantNames = map[Variant]string{
	VariantStandard: "standard",
	VariantInfantry: "infantry",
	VariantHero:     "hero",
}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// ParseVariant maps a configuration string onto a Variant.
func ParseVariant(s string) (Variant, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return VariantStandard, nil
	}
	for v, n := range variantNames {
		if n == name {
			return v, nil
		}
	}
	return VariantStandard, fmt.Errorf("unknown frame variant %q: expected standard, infantry or hero", s)
}

// CommandPayloadLen returns the command payload size for the variant.
func (v Variant) CommandPayloadLen() int {
	n := 4 + 4 + 1 // yaw, pitch, fire
	switch v {
	case VariantInfantry:
		n += 1
	case VariantHero:
		n += 4 + 1
	}
	return n
}

// CommandFrameLen returns the full command frame length for the variant.
func (v Variant) CommandFrameLen() int {
	return headerLen + v.CommandPayloadLen() + trailerLen
}

// DefaultDeviceClass returns the serial device class the variant's controller
// board enumerates as.
func (v Variant) DefaultDeviceClass() string {
	if v == VariantHero {
		return "acm"
	}
	return "usb"
}
