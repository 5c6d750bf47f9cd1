// Package link owns the serial device handle: discovery, open and close,
// tiered recovery, and the link state machine. Every state change and every
// handle mutation happens under the Manager's single lock.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/aimlink/internal/fsutil"
	"github.com/banshee-data/aimlink/internal/monitoring"
	"github.com/banshee-data/aimlink/internal/serialport"
	"github.com/banshee-data/aimlink/internal/timeutil"
)

var (
	// ErrNoDevice is returned when discovery finds no port of the
	// configured device class.
	ErrNoDevice = errors.New("link: no serial device found")
	// ErrNotOpen is returned by Read and Write when no usable handle exists.
	ErrNotOpen = errors.New("link: port not open")
	// ErrLinkFaulted is returned by Read once the link has been marked
	// faulted, so the reader knows to recover.
	ErrLinkFaulted = errors.New("link: faulted")
	// ErrWriteFailed wraps the port error of a failed or short write.
	ErrWriteFailed = errors.New("link: write failed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("link: manager closed")
)

// DefaultBackoff is the wait between failed open attempts.
const DefaultBackoff = 200 * time.Millisecond

// Config selects the device and line settings.
type Config struct {
	// Path, when set, bypasses discovery.
	Path string
	// DeviceClass is the discovery filter, "acm" or "usb".
	DeviceClass string
	Options     serialport.PortOptions
	Backoff     time.Duration
}

// Stats counts lifecycle events.
type Stats struct {
	Opens        uint64 `json:"opens"`
	OpenFailures uint64 `json:"open_failures"`
	Restarts     uint64 `json:"restarts"`
	Reopens      uint64 `json:"reopens"`
	Closes       uint64 `json:"closes"`
	Faults       uint64 `json:"faults"`
}

// Manager owns one serial link.
type Manager struct {
	cfg     Config
	factory serialport.Factory
	enum    serialport.Enumerator
	fs      fsutil.FileSystem
	clock   timeutil.Clock
	onState func(Transition)

	openLog *monitoring.Sampler

	mu       sync.Mutex
	port     serialport.SerialPorter
	path     string
	state    State
	lastErr  error
	shutdown bool
	stats    Stats
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory replaces the hardware port factory.
func WithFactory(f serialport.Factory) Option { return func(m *Manager) { m.factory = f } }

// WithEnumerator replaces system port enumeration.
func WithEnumerator(e serialport.Enumerator) Option { return func(m *Manager) { m.enum = e } }

// WithFileSystem replaces the filesystem used for device node checks.
func WithFileSystem(fs fsutil.FileSystem) Option { return func(m *Manager) { m.fs = fs } }

// WithClock replaces the clock used for backoff and transition times.
func WithClock(c timeutil.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithStateHook registers f to observe state transitions. f runs with the
// Manager's lock held and must not call back into the Manager.
func WithStateHook(f func(Transition)) Option { return func(m *Manager) { m.onState = f } }

// NewManager returns a closed Manager. Call Open or Recover to connect.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	m := &Manager{
		cfg:     cfg,
		factory: serialport.RealFactory{},
		enum:    serialport.SystemEnumerator{},
		fs:      fsutil.OSFileSystem{},
		clock:   timeutil.RealClock{},
		openLog: monitoring.NewSampler(25),
		path:    cfg.Path,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// setStateLocked records a transition. Caller holds m.mu.
func (m *Manager) setStateLocked(to State, err error) {
	if m.state == to && err == nil {
		return
	}
	t := Transition{From: m.state, To: to, Path: m.path, At: m.clock.Now(), Err: err}
	m.state = to
	if err != nil {
		m.lastErr = err
	}
	if m.onState != nil {
		m.onState(t)
	}
}

// closeLocked closes the current handle, if any. A handle is closed at most
// once because the reference is dropped here. Caller holds m.mu.
func (m *Manager) closeLocked() {
	if m.port == nil {
		return
	}
	if err := m.port.Close(); err != nil {
		monitoring.Logf("link: close %s: %v", m.path, err)
	}
	m.port = nil
	m.stats.Closes++
}

// openLocked opens path and installs the handle. Caller holds m.mu.
func (m *Manager) openLocked(path string) error {
	port, err := m.factory.Open(path, m.cfg.Options)
	if err != nil {
		m.stats.OpenFailures++
		return err
	}
	m.port = port
	m.path = path
	m.stats.Opens++
	return nil
}

// Open connects the link, retrying until it succeeds or ctx is done.
func (m *Manager) Open(ctx context.Context) error {
	return m.Reopen(ctx)
}

// Reopen closes any current handle, rediscovers the device (unless a fixed
// path is configured) and opens it. Failed attempts are retried every
// Backoff until ctx is done.
func (m *Manager) Reopen(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closeLocked()
	m.stats.Reopens++
	m.setStateLocked(Opening, nil)
	m.mu.Unlock()

	for {
		err := m.tryOpen()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		m.openLog.Logf("link: open failed, retrying every %s: %v (attempt %d)", m.cfg.Backoff, err)

		select {
		case <-ctx.Done():
			m.mu.Lock()
			if !m.shutdown {
				m.setStateLocked(Faulted, ctx.Err())
			}
			m.mu.Unlock()
			return ctx.Err()
		case <-m.clock.After(m.cfg.Backoff):
		}
	}
}

func (m *Manager) tryOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrClosed
	}
	path := m.cfg.Path
	if path == "" {
		var err error
		if path, err = Discover(m.enum, m.cfg.DeviceClass); err != nil {
			m.stats.OpenFailures++
			return err
		}
	}
	if err := m.openLocked(path); err != nil {
		return err
	}
	monitoring.Logf("link: opened %s", path)
	return nil
}

// Restart closes and reopens the current path once.
func (m *Manager) Restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrClosed
	}
	if m.path == "" {
		return ErrNotOpen
	}
	m.closeLocked()
	m.stats.Restarts++
	m.setStateLocked(Opening, nil)
	if err := m.openLocked(m.path); err != nil {
		m.setStateLocked(Faulted, err)
		return fmt.Errorf("restart %s: %w", m.path, err)
	}
	monitoring.Logf("link: restarted %s", m.path)
	return nil
}

// Recover picks the recovery tier: before the first successful open, or if
// the device node has disappeared, the link is rediscovered with Reopen;
// otherwise the same path is restarted. A
// failed restart waits one backoff so callers can loop on Recover.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	path, opened := m.path, m.stats.Opens > 0
	m.mu.Unlock()

	if !opened || path == "" || !m.fs.Exists(path) {
		return m.Reopen(ctx)
	}

	err := m.Restart()
	if err == nil || errors.Is(err, ErrClosed) {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(m.cfg.Backoff):
	}
	return err
}

// Read fills buf completely. Each underlying read is bounded by the port's
// read timeout; between reads ctx and the link state are re-checked, so a
// fault marked by the writer or a cancelled context ends the read.
//
// The blocking port read runs without the lock. Only the receive worker
// reads and recovers, so the handle cannot be replaced underneath it.
func (m *Manager) Read(ctx context.Context, buf []byte) error {
	for off := 0; off < len(buf); {
		if err := ctx.Err(); err != nil {
			return err
		}
		port, err := m.readable()
		if err != nil {
			return err
		}
		n, err := port.Read(buf[off:])
		off += n
		if err != nil {
			return fmt.Errorf("read %s: %w", m.Path(), err)
		}
	}
	return nil
}

func (m *Manager) readable() (serialport.SerialPorter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.shutdown:
		return nil, ErrClosed
	case m.state == Faulted:
		return nil, ErrLinkFaulted
	case m.port == nil:
		return nil, ErrNotOpen
	}
	return m.port, nil
}

// Reader adapts Read to io.Reader for ctx. Every Read call fills p.
func (m *Manager) Reader(ctx context.Context) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := m.Read(ctx, p); err != nil {
			return 0, err
		}
		return len(p), nil
	})
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// Write writes buf in full while holding the lock, so a write never overlaps
// a close or reopen. It does not mark the link faulted; the caller decides.
func (m *Manager) Write(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.shutdown:
		return ErrClosed
	case m.port == nil || !m.state.Usable():
		return ErrNotOpen
	}
	n, err := m.port.Write(buf)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWriteFailed, m.path, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%w: %s: short write %d of %d bytes", ErrWriteFailed, m.path, n, len(buf))
	}
	return nil
}

// MarkFaulted flags the link for recovery. The handle stays open until the
// next Recover closes it.
func (m *Manager) MarkFaulted(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown || m.state == Faulted {
		return
	}
	m.stats.Faults++
	m.setStateLocked(Faulted, err)
}

// MarkSynced records that a frame was decoded on an aligned stream.
func (m *Manager) MarkSynced() { m.markAlignment(Synced) }

// MarkDesynced records that alignment was lost.
func (m *Manager) MarkDesynced() { m.markAlignment(Desynced) }

func (m *Manager) markAlignment(to State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown || !m.state.Usable() {
		return
	}
	m.setStateLocked(to, nil)
}

// NeedsRecovery reports whether the link must be recovered before use.
func (m *Manager) NeedsRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.shutdown && (m.port == nil || !m.state.Usable())
}

// Close closes the handle and moves the link to Closed for good.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	m.closeLocked()
	m.setStateLocked(Closed, nil)
	m.shutdown = true
	return nil
}

// State returns the current link state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Path returns the device path last opened, or the configured path.
func (m *Manager) Path() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path
}

// LastError returns the error that caused the most recent fault.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Stats returns a copy of the lifecycle counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
