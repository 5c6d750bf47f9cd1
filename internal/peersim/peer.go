// Package peersim simulates the embedded gimbal controller on the far side of
// the serial link. A Peer is a serial port: it emits state frames on a fixed
// period, decodes the command frames written to it and slews its gimbal
// toward the commanded angles. It backs dev mode and end-to-end tests.
package peersim

import (
	"bytes"
	"errors"
	"io/fs"
	"sync"
	"time"

	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/fsutil"
	"github.com/banshee-data/aimlink/internal/serialport"
)

// ErrUnplugged is returned by port operations while the peer is unplugged.
var ErrUnplugged = errors.New("peersim: device unplugged")

const (
	// DefaultPeriod is the telemetry period of the real controller board.
	DefaultPeriod = 5 * time.Millisecond
	maxHistory    = 1024
	maxCatchUp    = 16
)

// Config describes the simulated controller.
type Config struct {
	Variant frame.Variant
	// Period between state frames. Zero disables the schedule; frames are
	// then only produced by Step.
	Period time.Duration
	// SlewRate is the maximum angle change per state frame in degrees.
	// Zero moves the gimbal to the commanded angles immediately.
	SlewRate float32
	Enemy    frame.Color
	Autoaim  bool
	// Yaw and Pitch are the initial gimbal angles.
	Yaw, Pitch float32
}

// Stats counts peer activity.
type Stats struct {
	FramesSent       uint64
	CommandsReceived uint64
	BadCommands      uint64
	JunkBytes        uint64
	Shots            uint64
	Opens            uint64
}

// Peer implements serialport.TimeoutSerialPorter.
type Peer struct {
	cfg   Config
	codec frame.Codec
	path  string
	fs    *fsutil.MemoryFileSystem

	mu        sync.Mutex
	wake      chan struct{}
	out       bytes.Buffer
	in        []byte
	next      time.Time
	timeout   time.Duration
	closed    bool
	unplugged bool
	corrupt   int

	yaw, pitch  float32
	targetYaw   float32
	targetPitch float32
	commands    []frame.CommandFrame
	stats       Stats
}

// New returns a closed Peer. Open it through Factory.
func New(cfg Config) *Peer {
	path := "/dev/ttyUSB0"
	if cfg.Variant.DefaultDeviceClass() == serialport.DeviceClassACM {
		path = "/dev/ttyACM0"
	}
	p := &Peer{
		cfg:         cfg,
		codec:       frame.NewCodec(cfg.Variant),
		path:        path,
		fs:          fsutil.NewMemoryFileSystem(),
		wake:        make(chan struct{}, 1),
		timeout:     serialport.DefaultReadTimeout,
		closed:      true,
		yaw:         cfg.Yaw,
		pitch:       cfg.Pitch,
		targetYaw:   cfg.Yaw,
		targetPitch: cfg.Pitch,
	}
	p.fs.Touch(path)
	return p
}

// Path returns the device node the peer appears as.
func (p *Peer) Path() string { return p.path }

// Factory returns a port factory that hands out this peer.
func (p *Peer) Factory() serialport.Factory {
	return serialport.FactoryFunc(func(path string, _ serialport.PortOptions) (serialport.SerialPorter, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.unplugged || path != p.path {
			return nil, &fs.PathError{Op: "open", Path: path, Err: ErrUnplugged}
		}
		p.closed = false
		p.in = p.in[:0]
		p.out.Reset()
		p.next = time.Time{}
		p.stats.Opens++
		return p, nil
	})
}

// Enumerator lists the peer's device node while it is plugged in.
func (p *Peer) Enumerator() serialport.Enumerator {
	return serialport.EnumeratorFunc(func() ([]string, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.unplugged {
			return nil, nil
		}
		return []string{p.path}, nil
	})
}

// FileSystem reports the peer's device node as present while plugged in.
func (p *Peer) FileSystem() fsutil.FileSystem { return p.fs }

// Unplug makes the open handle fail and removes the device node.
func (p *Peer) Unplug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unplugged = true
	p.fs.Remove(p.path)
	p.notify()
}

// Plug restores the device node. The link has to reopen the port.
func (p *Peer) Plug() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unplugged = false
	p.fs.Touch(p.path)
}

// Read returns pending telemetry, waiting up to the read timeout.
func (p *Peer) Read(b []byte) (int, error) {
	p.mu.Lock()
	if err := p.usableLocked(); err != nil {
		p.mu.Unlock()
		return 0, err
	}
	now := time.Now()
	p.emitDueLocked(now)
	if p.out.Len() > 0 {
		defer p.mu.Unlock()
		return p.out.Read(b)
	}
	wait := p.timeout
	if p.cfg.Period > 0 {
		if d := p.next.Sub(now); d < wait {
			wait = d
		}
	}
	p.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-p.wake:
		case <-timer.C:
		}
		timer.Stop()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil {
		return 0, err
	}
	p.emitDueLocked(time.Now())
	if p.out.Len() == 0 {
		return 0, nil
	}
	return p.out.Read(b)
}

// Write consumes command frames. Bytes that do not form a valid frame are
// skipped one at a time until the stream realigns.
func (p *Peer) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.usableLocked(); err != nil {
		return 0, err
	}
	p.in = append(p.in, b...)
	n := p.codec.CommandLen()
	for len(p.in) > 0 {
		if p.in[0] != frame.StartMarker {
			i := bytes.IndexByte(p.in, frame.StartMarker)
			if i < 0 {
				i = len(p.in)
			}
			p.stats.JunkBytes += uint64(i)
			p.in = p.in[i:]
			continue
		}
		if len(p.in) < n {
			break
		}
		cmd, err := p.codec.DecodeCommand(p.in[:n])
		if err != nil {
			p.stats.BadCommands++
			p.stats.JunkBytes++
			p.in = p.in[1:]
			continue
		}
		p.in = p.in[n:]
		p.acceptLocked(cmd)
	}
	return len(b), nil
}

func (p *Peer) acceptLocked(cmd frame.CommandFrame) {
	p.stats.CommandsReceived++
	if cmd.Fire {
		p.stats.Shots++
	}
	p.targetYaw, p.targetPitch = cmd.Yaw, cmd.Pitch
	p.commands = append(p.commands, cmd)
	if len(p.commands) > maxHistory {
		p.commands = append(p.commands[:0], p.commands[len(p.commands)-maxHistory:]...)
	}
}

// Close implements io.Closer.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.notify()
	return nil
}

// SetReadTimeout implements serialport.TimeoutSerialPorter.
func (p *Peer) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = timeout
	return nil
}

func (p *Peer) usableLocked() error {
	switch {
	case p.unplugged:
		return ErrUnplugged
	case p.closed:
		return serialport.ErrPortClosed
	}
	return nil
}

func (p *Peer) emitDueLocked(now time.Time) {
	if p.cfg.Period <= 0 {
		return
	}
	if p.next.IsZero() {
		p.next = now
	}
	for i := 0; !now.Before(p.next); i++ {
		if i == maxCatchUp {
			p.next = now.Add(p.cfg.Period)
			return
		}
		p.emitLocked()
		p.next = p.next.Add(p.cfg.Period)
	}
}

// emitLocked advances the gimbal one frame and queues its state.
func (p *Peer) emitLocked() {
	p.yaw = slew(p.yaw, p.targetYaw, p.cfg.SlewRate)
	p.pitch = slew(p.pitch, p.targetPitch, p.cfg.SlewRate)

	st := frame.StateFrame{
		Yaw:        p.yaw,
		Pitch:      p.pitch,
		EnemyColor: uint8(p.cfg.Enemy),
	}
	if p.cfg.Autoaim {
		st.Autoaim = 1
	}
	b := frame.EncodeState(st)
	if p.corrupt > 0 {
		p.corrupt--
		b[len(b)/2] ^= 0x40
	}
	p.out.Write(b)
	p.stats.FramesSent++
}

func slew(cur, target, rate float32) float32 {
	if rate <= 0 {
		return target
	}
	switch d := target - cur; {
	case d > rate:
		return cur + rate
	case d < -rate:
		return cur - rate
	}
	return target
}

func (p *Peer) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Step queues one state frame immediately.
func (p *Peer) Step() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked()
	p.notify()
}

// InjectGarbage queues raw bytes ahead of the next state frame.
func (p *Peer) InjectGarbage(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Write(b)
	p.notify()
}

// CorruptNext flips a payload bit in the next n state frames.
func (p *Peer) CorruptNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.corrupt += n
}

// SetAutoaim sets the operator's autoaim switch.
func (p *Peer) SetAutoaim(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Autoaim = on
}

// Orientation returns the current gimbal angles.
func (p *Peer) Orientation() (yaw, pitch float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.yaw, p.pitch
}

// Commands returns the most recent decoded commands, oldest first.
func (p *Peer) Commands() []frame.CommandFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]frame.CommandFrame(nil), p.commands...)
}

// Stats returns a copy of the peer's counters.
func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

var _ serialport.TimeoutSerialPorter = (*Peer)(nil)
