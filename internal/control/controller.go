// Package control runs the two long-lived link workers: the receiver, which
// decodes telemetry, resynchronises the stream and recovers the device, and
// the sender, which turns aim solutions into command frames. A Controller is
// the explicit context object shared by both.
package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/aimlink/internal/config"
	"github.com/banshee-data/aimlink/internal/delaybuf"
	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/link"
	"github.com/banshee-data/aimlink/internal/monitoring"
	"github.com/banshee-data/aimlink/internal/timeutil"
)

// ErrLinkLost is returned by Run when MaxConsecutiveFailures recoveries in a
// row did not produce a valid frame.
var ErrLinkLost = errors.New("control: link lost")

// Telemetry is the controller state handed to consumers.
type Telemetry struct {
	State frame.StateFrame
	// At is when the frame was received.
	At time.Time
	// Exhausted is set when delay compensation found no sample young enough
	// and the newest sample was used instead.
	Exhausted bool
	// Valid is false until the first frame has been decoded.
	Valid bool
}

// Solution is an aim solution produced by a Targeter.
type Solution struct {
	Yaw, Pitch float32
	Fire       bool
	TargetID   uint8
	// Speed is the predicted projectile speed in m/s; zero selects the
	// configured shoot speed.
	Speed float32
}

// Targeter computes an aim solution from the current telemetry. It returns
// false when there is no target.
type Targeter interface {
	Target(Telemetry) (Solution, bool)
}

// TargeterFunc adapts a function to Targeter.
type TargeterFunc func(Telemetry) (Solution, bool)

func (f TargeterFunc) Target(t Telemetry) (Solution, bool) { return f(t) }

// OrientationSource reports the current gimbal orientation used for idle
// commands. It returns false when the orientation is unknown.
type OrientationSource interface {
	Orientation() (yaw, pitch float32, ok bool)
}

// OrientationFunc adapts a function to OrientationSource.
type OrientationFunc func() (float32, float32, bool)

func (f OrientationFunc) Orientation() (float32, float32, bool) { return f() }

// Recorder receives a copy of link activity. Implementations must not block.
type Recorder interface {
	RecordTelemetry(Telemetry)
	RecordCommand(at time.Time, cmd frame.CommandFrame)
	RecordTransition(link.Transition)
}

// Options tunes the workers.
type Options struct {
	Variant frame.Variant
	// StateDelay is the delay compensation threshold; zero disables it.
	StateDelay             time.Duration
	QueueSize              int
	SendWait               time.Duration
	SyncConfirmChecksum    bool
	IdlePolicy             string
	AutoFire               bool
	StartFireDelay         time.Duration
	ShootSpeed             float32
	MaxConsecutiveFailures int
	ReportEvery            time.Duration
	RecordEvery            int
	// SendEnabled is the initial state of the send gate.
	SendEnabled bool
}

// OptionsFromConfig maps a LinkConfig onto Options. Sending starts enabled.
func OptionsFromConfig(cfg *config.LinkConfig) Options {
	return Options{
		Variant:                cfg.GetVariant(),
		StateDelay:             cfg.GetStateDelay(),
		QueueSize:              cfg.GetStateQueueSize(),
		SendWait:               cfg.GetSendWait(),
		SyncConfirmChecksum:    cfg.GetSyncConfirmChecksum(),
		IdlePolicy:             cfg.GetIdlePolicy(),
		AutoFire:               cfg.GetAutoFire(),
		StartFireDelay:         cfg.GetStartFireDelay(),
		ShootSpeed:             cfg.GetShootSpeed(),
		MaxConsecutiveFailures: cfg.GetMaxConsecutiveFailures(),
		ReportEvery:            cfg.GetReportEvery(),
		RecordEvery:            cfg.GetRecordEvery(),
		SendEnabled:            true,
	}
}

// minSendWait keeps the send ticker valid when SendWait is zero.
const minSendWait = time.Millisecond

// Controller binds a link to its codec, delay buffer and workers.
type Controller struct {
	opts     Options
	link     *link.Manager
	codec    frame.Codec
	scanner  *frame.Scanner
	states   *delaybuf.Buffer
	targeter Targeter
	orient   OrientationSource
	clock    timeutil.Clock
	rec      Recorder
	gate     *Gate
	fire     fireGate
	tail     *tail

	counters  monitoring.LinkCounters
	intervals *monitoring.IntervalStats

	badMarkerLog *monitoring.Sampler
	crcLog       *monitoring.Sampler
	readLog      *monitoring.Sampler
	writeLog     *monitoring.Sampler
	exhaustedLog *monitoring.Sampler

	sendMu    sync.Mutex
	sendBuf   []byte
	lastCmd   frame.CommandFrame
	lastCmdAt time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the clock used for timestamps and send pacing.
func WithClock(c timeutil.Clock) Option { return func(ctl *Controller) { ctl.clock = c } }

// WithRecorder attaches a flight recorder.
func WithRecorder(r Recorder) Option { return func(ctl *Controller) { ctl.rec = r } }

// WithOrientation replaces the idle orientation source. By default the
// newest gimbal orientation reported by the controller is used.
func WithOrientation(o OrientationSource) Option { return func(ctl *Controller) { ctl.orient = o } }

// New returns a Controller for lm. Call Run to start the workers.
func New(lm *link.Manager, targeter Targeter, opts Options, options ...Option) *Controller {
	if opts.SendWait < minSendWait {
		opts.SendWait = minSendWait
	}
	if opts.IdlePolicy == "" {
		opts.IdlePolicy = config.IdleHold
	}

	codec := frame.NewCodec(opts.Variant)
	scanner := frame.NewScanner(codec.StateLen())
	scanner.ConfirmChecksum = opts.SyncConfirmChecksum

	c := &Controller{
		opts:         opts,
		link:         lm,
		codec:        codec,
		scanner:      scanner,
		states:       delaybuf.New(opts.QueueSize),
		targeter:     targeter,
		clock:        timeutil.RealClock{},
		gate:         NewGate(opts.SendEnabled),
		fire:         fireGate{autoFire: opts.AutoFire, delay: opts.StartFireDelay},
		tail:         newTail(),
		intervals:    monitoring.NewIntervalStats(monitoring.DefaultIntervalWindow),
		badMarkerLog: monitoring.NewSampler(50),
		crcLog:       monitoring.NewSampler(50),
		readLog:      monitoring.NewSampler(20),
		writeLog:     monitoring.NewSampler(20),
		exhaustedLog: monitoring.NewSampler(100),
		sendBuf:      make([]byte, 0, codec.CommandLen()),
	}
	for _, o := range options {
		o(c)
	}
	if c.targeter == nil {
		c.targeter = TargeterFunc(func(Telemetry) (Solution, bool) { return Solution{}, false })
	}
	if c.orient == nil {
		c.orient = OrientationFunc(c.gimbalOrientation)
	}
	return c
}

// Run starts the receive and send workers and blocks until ctx is done or a
// worker gives up. It returns nil on cancellation and ErrLinkLost when
// escalation is enabled and triggered.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.receiveLoop(ctx) })
	g.Go(func() error { return c.sendLoop(ctx) })
	if c.opts.ReportEvery > 0 {
		g.Go(func() error { return c.reportLoop(ctx) })
	}
	return g.Wait()
}

// Telemetry returns the telemetry sample selected by delay compensation, or
// the newest sample when delay mode is off.
func (c *Controller) Telemetry() Telemetry {
	res, ok := c.states.Query(c.clock.Now(), c.opts.StateDelay)
	if !ok {
		return Telemetry{}
	}
	if res.Exhausted {
		c.counters.DelayExhausted.Add(1)
		c.exhaustedLog.Logf("control: no state within %s, using newest sample (count=%d)", c.opts.StateDelay)
	}
	return Telemetry{State: res.State, At: res.At, Exhausted: res.Exhausted, Valid: true}
}

// Latest returns the newest decoded telemetry regardless of delay mode.
func (c *Controller) Latest() Telemetry {
	e, ok := c.states.Latest()
	if !ok {
		return Telemetry{}
	}
	return Telemetry{State: e.State, At: e.At, Valid: true}
}

func (c *Controller) gimbalOrientation() (float32, float32, bool) {
	t := c.Latest()
	return t.State.Yaw, t.State.Pitch, t.Valid
}

// SetSending opens or closes the send gate.
func (c *Controller) SetSending(enabled bool) {
	if c.gate.Set(enabled) {
		monitoring.Logf("control: sending %s", map[bool]string{true: "enabled", false: "disabled"}[enabled])
	}
}

// Sending reports whether the send gate is open.
func (c *Controller) Sending() bool {
	return c.gate.IsOpen()
}

// Link returns the underlying link manager.
func (c *Controller) Link() *link.Manager {
	return c.link
}

// Counters returns a snapshot of the worker counters.
func (c *Controller) Counters() monitoring.CounterSnapshot {
	return c.counters.Snapshot()
}

// Diagnostics is a point-in-time view of the controller.
type Diagnostics struct {
	State         string                     `json:"state"`
	Path          string                     `json:"path"`
	Variant       string                     `json:"variant"`
	Sending       bool                       `json:"sending"`
	Counters      monitoring.CounterSnapshot `json:"counters"`
	Link          link.Stats                 `json:"link"`
	Intervals     monitoring.IntervalSummary `json:"intervals"`
	Buffered      int                        `json:"buffered"`
	Telemetry     *frame.StateFrame          `json:"telemetry,omitempty"`
	TelemetryAt   time.Time                  `json:"telemetry_at,omitzero"`
	LastCommand   *frame.CommandFrame        `json:"last_command,omitempty"`
	LastCommandAt time.Time                  `json:"last_command_at,omitzero"`
	LastError     string                     `json:"last_error,omitempty"`
}

// Diagnostics collects the current diagnostics.
func (c *Controller) Diagnostics() Diagnostics {
	d := Diagnostics{
		State:     c.link.State().String(),
		Path:      c.link.Path(),
		Variant:   c.opts.Variant.String(),
		Sending:   c.Sending(),
		Counters:  c.counters.Snapshot(),
		Link:      c.link.Stats(),
		Intervals: c.intervals.Summary(),
		Buffered:  c.states.Len(),
	}
	if t := c.Latest(); t.Valid {
		d.Telemetry = &t.State
		d.TelemetryAt = t.At
	}
	c.sendMu.Lock()
	if !c.lastCmdAt.IsZero() {
		cmd := c.lastCmd
		d.LastCommand = &cmd
		d.LastCommandAt = c.lastCmdAt
	}
	c.sendMu.Unlock()
	if err := c.link.LastError(); err != nil {
		d.LastError = err.Error()
	}
	return d
}

func (c *Controller) reportLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.opts.ReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			d := c.Diagnostics()
			monitoring.Logf("control: %s %s | %s | intervals %s", d.State, d.Path, d.Counters, d.Intervals)
		}
	}
}
