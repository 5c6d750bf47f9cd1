package frame

import (
	"encoding/binary"

	"github.com/sigurn/crc16"
)

// The controller firmware appends the RoboMaster referee-system CRC16, which
// is CRC-16/MCRF4XX (reflected 0x1021, init 0xFFFF, no final xor).
var crc16Table = crc16.MakeTable(crc16.CRC16_MCRF4XX)

// headerByte is written into the header checksum slot. The firmware leaves
// the slot zeroed; a CRC-8 over the marker alone would itself equal 0xA5 and
// put a second marker at phase 1 of every frame.
const headerByte byte = 0x00

// Checksum16 returns the trailer checksum of b.
func Checksum16(b []byte) uint16 {
	return crc16.Checksum(b, crc16Table)
}

// ValidChecksum reports whether the trailing two bytes of a frame match the
// CRC16 of everything before them.
func ValidChecksum(b []byte) bool {
	if len(b) < headerLen+trailerLen {
		return false
	}
	n := len(b) - trailerLen
	return binary.LittleEndian.Uint16(b[n:]) == Checksum16(b[:n])
}

// appendChecksum computes the CRC16 of b[:len(b)-2] and stores it in the last
// two bytes.
func appendChecksum(b []byte) {
	n := len(b) - trailerLen
	binary.LittleEndian.PutUint16(b[n:], Checksum16(b[:n]))
}
