package frame

import (
	"errors"
	"fmt"
	"io"
)

// ErrSyncFailure is returned when no aligned pair of start markers exists in
// the probe window. The caller re-probes; it is never fatal.
var ErrSyncFailure = errors.New("frame: no aligned start marker pair")

// FindAlignment returns the first offset i in [0, frameLen) where probe[i]
// and probe[i+frameLen] both equal marker. probe must hold at least
// 2*frameLen bytes.
//
// Only one phase is checked, so a payload byte equal to the marker at the
// same phase in two consecutive frames produces a false alignment.
func FindAlignment(probe []byte, frameLen int, marker byte) (int, bool) {
	return findAlignment(probe, frameLen, marker, nil)
}

func findAlignment(probe []byte, frameLen int, marker byte, accept func([]byte) bool) (int, bool) {
	if frameLen <= 0 || len(probe) < 2*frameLen {
		return 0, false
	}
	for i := 0; i < frameLen; i++ {
		if probe[i] != marker || probe[i+frameLen] != marker {
			continue
		}
		if accept != nil && !accept(probe[i:i+frameLen]) {
			continue
		}
		return i, true
	}
	return 0, false
}

// Scanner recovers frame alignment on a byte stream.
type Scanner struct {
	FrameLen int
	Marker   byte

	// ConfirmChecksum additionally requires the candidate frame inside the
	// probe to carry a valid CRC16 before the offset is accepted.
	ConfirmChecksum bool

	probe   []byte
	discard []byte
}

// NewScanner returns a Scanner for frames of frameLen bytes starting with
// StartMarker.
func NewScanner(frameLen int) *Scanner {
	return &Scanner{FrameLen: frameLen, Marker: StartMarker}
}

// Sync reads 2*FrameLen bytes from r, locates the frame boundary and drops
// the leading partial frame so that subsequent FrameLen-sized reads are
// aligned. It returns the number of bytes discarded after the probe.
//
// Read errors are returned wrapped and are distinct from ErrSyncFailure.
func (s *Scanner) Sync(r io.Reader) (int, error) {
	n := 2 * s.FrameLen
	if cap(s.probe) < n {
		s.probe = make([]byte, n)
	}
	probe := s.probe[:n]
	if _, err := io.ReadFull(r, probe); err != nil {
		return 0, fmt.Errorf("sync probe read: %w", err)
	}

	var accept func([]byte) bool
	if s.ConfirmChecksum {
		accept = ValidChecksum
	}
	offset, ok := findAlignment(probe, s.FrameLen, s.Marker, accept)
	if !ok {
		return 0, ErrSyncFailure
	}
	if offset == 0 {
		return 0, nil
	}

	if cap(s.discard) < offset {
		s.discard = make([]byte, s.FrameLen)
	}
	if _, err := io.ReadFull(r, s.discard[:offset]); err != nil {
		return 0, fmt.Errorf("sync discard read: %w", err)
	}
	return offset, nil
}
