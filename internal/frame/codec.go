package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrCRCMismatch is returned when a frame's trailing checksum does not
	// match its contents. Alignment is assumed intact.
	ErrCRCMismatch = errors.New("frame: crc16 mismatch")
	// ErrShortFrame is returned when a buffer has the wrong length for the
	// frame being decoded.
	ErrShortFrame = errors.New("frame: wrong frame length")
	// ErrBadStartMarker is returned when the first byte is not StartMarker.
	ErrBadStartMarker = errors.New("frame: bad start marker")
)

// ChecksumError carries the expected and received trailer values.
type ChecksumError struct {
	Want uint16
	Got  uint16
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%v: computed 0x%04X, received 0x%04X", ErrCRCMismatch, e.Want, e.Got)
}

func (e *ChecksumError) Unwrap() error { return ErrCRCMismatch }

// Color is the armour colour reported by the controller.
type Color uint8

const (
	ColorRed  Color = 0
	ColorBlue Color = 1
)

func (c Color) String() string {
	switch c {
	case ColorRed:
		return "red"
	case ColorBlue:
		return "blue"
	default:
		return fmt.Sprintf("color(%d)", uint8(c))
	}
}

// StateFrame is one telemetry sample from the controller.
type StateFrame struct {
	Yaw        float32
	Pitch      float32
	State      uint8
	Autoaim    uint8
	EnemyColor uint8
	Reserved   uint8

	// HeaderChecksum is the raw header byte. It is carried for diagnostics
	// and never gates decoding.
	HeaderChecksum uint8
}

// AutoaimEnabled reports whether the operator is holding the autoaim switch.
func (s StateFrame) AutoaimEnabled() bool { return s.Autoaim != 0 }

// Enemy returns the enemy armour colour.
func (s StateFrame) Enemy() Color { return Color(s.EnemyColor) }

// Self returns the colour opposite to the enemy's.
func (s StateFrame) Self() Color {
	if s.Enemy() == ColorBlue {
		return ColorRed
	}
	return ColorBlue
}

// CommandFrame is one outbound aim command. Which fields reach the wire
// depends on the Variant used to encode it.
type CommandFrame struct {
	Yaw      float32
	Pitch    float32
	Fire     bool
	TargetID uint8
	AvgSpeed float32
	Aux      uint8
}

// Codec encodes and decodes frames for one command variant.
type Codec struct {
	Variant Variant
}

// NewCodec returns a Codec for the given variant.
func NewCodec(v Variant) Codec {
	return Codec{Variant: v}
}

// CommandLen is the encoded command frame length.
func (c Codec) CommandLen() int { return c.Variant.CommandFrameLen() }

// StateLen is the telemetry frame length.
func (Codec) StateLen() int { return StateFrameLen }

// EncodeCommand lays out a command frame for the codec's variant.
func (c Codec) EncodeCommand(cmd CommandFrame) []byte {
	return c.AppendCommand(nil, cmd)
}

// AppendCommand appends an encoded command frame to dst.
func (c Codec) AppendCommand(dst []byte, cmd CommandFrame) []byte {
	start := len(dst)
	dst = append(dst, StartMarker, headerByte)
	dst = appendFloat32(dst, cmd.Yaw)
	dst = appendFloat32(dst, cmd.Pitch)
	dst = append(dst, boolByte(cmd.Fire))
	switch c.Variant {
	case VariantInfantry:
		dst = append(dst, cmd.TargetID)
	case VariantHero:
		dst = appendFloat32(dst, cmd.AvgSpeed)
		dst = append(dst, cmd.Aux)
	}
	dst = append(dst, 0, 0)
	appendChecksum(dst[start:])
	return dst
}

// DecodeCommand parses a command frame. It is the controller's side of the
// link and is used by the simulator and tests.
func (c Codec) DecodeCommand(b []byte) (CommandFrame, error) {
	if err := check(b, c.CommandLen()); err != nil {
		return CommandFrame{}, err
	}
	p := b[headerLen:]
	cmd := CommandFrame{
		Yaw:   readFloat32(p[0:]),
		Pitch: readFloat32(p[4:]),
		Fire:  p[8] != 0,
	}
	switch c.Variant {
	case VariantInfantry:
		cmd.TargetID = p[9]
	case VariantHero:
		cmd.AvgSpeed = readFloat32(p[9:])
		cmd.Aux = p[13]
	}
	return cmd, nil
}

// EncodeState lays out a telemetry frame, as the controller would.
func EncodeState(s StateFrame) []byte {
	b := make([]byte, 0, StateFrameLen)
	b = append(b, StartMarker, headerByte)
	b = appendFloat32(b, s.Yaw)
	b = appendFloat32(b, s.Pitch)
	b = append(b, s.State, s.Autoaim, s.EnemyColor, s.Reserved, 0, 0)
	appendChecksum(b)
	return b
}

// DecodeState parses a telemetry frame. Nothing is returned on error.
func DecodeState(b []byte) (StateFrame, error) {
	if err := check(b, StateFrameLen); err != nil {
		return StateFrame{}, err
	}
	p := b[headerLen:]
	return StateFrame{
		Yaw:            readFloat32(p[0:]),
		Pitch:          readFloat32(p[4:]),
		State:          p[8],
		Autoaim:        p[9],
		EnemyColor:     p[10],
		Reserved:       p[11],
		HeaderChecksum: b[1],
	}, nil
}

// DecodeState is provided on Codec for symmetry with DecodeCommand.
func (Codec) DecodeState(b []byte) (StateFrame, error) { return DecodeState(b) }

func check(b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, len(b), want)
	}
	if b[0] != StartMarker {
		return fmt.Errorf("%w: 0x%02X", ErrBadStartMarker, b[0])
	}
	n := len(b) - trailerLen
	got := binary.LittleEndian.Uint16(b[n:])
	if sum := Checksum16(b[:n]); sum != got {
		return &ChecksumError{Want: sum, Got: got}
	}
	return nil
}

func appendFloat32(b []byte, f float32) []byte {
	return binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
}

func readFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
