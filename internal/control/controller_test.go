package control

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/aimlink/internal/config"
	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/fsutil"
	"github.com/banshee-data/aimlink/internal/link"
	"github.com/banshee-data/aimlink/internal/serialport"
	"github.com/banshee-data/aimlink/internal/timeutil"
)

const devicePath = "/dev/ttyUSB0"

type rig struct {
	ports   []*serialport.TestablePort
	factory *serialport.MockFactory
	fs      *fsutil.MemoryFileSystem
	link    *link.Manager
	ctl     *Controller
}

func newRig(t *testing.T, opts Options, targeter Targeter, nports int, options ...Option) *rig {
	t.Helper()
	r := &rig{fs: fsutil.NewMemoryFileSystem()}
	var porters []serialport.SerialPorter
	for i := 0; i < nports; i++ {
		p := serialport.NewTestablePort()
		r.ports = append(r.ports, p)
		porters = append(porters, p)
	}
	r.factory = serialport.NewMockFactory(porters...)
	r.fs.Touch(devicePath)

	r.link = link.NewManager(link.Config{
		Path:    devicePath,
		Options: serialport.DefaultPortOptions(),
		Backoff: time.Millisecond,
	}, link.WithFactory(r.factory), link.WithFileSystem(r.fs))
	t.Cleanup(func() { _ = r.link.Close() })

	r.ctl = New(r.link, targeter, opts, options...)
	return r
}

// run starts the controller and stops it when the test ends.
func (r *rig) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ctl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func stateStream(n int, st frame.StateFrame) []byte {
	var b []byte
	for i := 0; i < n; i++ {
		b = append(b, frame.EncodeState(st)...)
	}
	return b
}

func noTarget() Targeter {
	return TargeterFunc(func(Telemetry) (Solution, bool) { return Solution{}, false })
}

func baseOptions() Options {
	return Options{
		Variant:     frame.VariantInfantry,
		QueueSize:   16,
		SendWait:    time.Millisecond,
		AutoFire:    true,
		ShootSpeed:  15,
		IdlePolicy:  config.IdleHold,
		SendEnabled: true,
	}
}

func TestController_PublishesTelemetry(t *testing.T) {
	r := newRig(t, baseOptions(), noTarget(), 1)
	want := frame.StateFrame{Yaw: 1.5, Pitch: -0.25, Autoaim: 1, EnemyColor: uint8(frame.ColorBlue)}
	r.ports[0].AddReadData(stateStream(4, want))
	r.run(t)

	require.Eventually(t, func() bool { return r.ctl.Telemetry().Valid }, 2*time.Second, time.Millisecond)
	got := r.ctl.Telemetry()
	assert.Equal(t, want.Yaw, got.State.Yaw)
	assert.Equal(t, want.Pitch, got.State.Pitch)
	assert.Equal(t, frame.ColorBlue, got.State.Enemy())
	assert.False(t, got.Exhausted)

	require.Eventually(t, func() bool { return r.ctl.Counters().FramesOK == 4 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, link.Synced, r.link.State())
}

func TestController_ResyncsAfterGarbage(t *testing.T) {
	r := newRig(t, baseOptions(), noTarget(), 1)
	st := frame.StateFrame{Yaw: 42}
	stream := append([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, stateStream(6, st)...)
	r.ports[0].AddReadData(stream)
	r.run(t)

	require.Eventually(t, func() bool { return r.ctl.Telemetry().Valid }, 2*time.Second, time.Millisecond)
	assert.Equal(t, float32(42), r.ctl.Telemetry().State.Yaw)
	c := r.ctl.Counters()
	assert.GreaterOrEqual(t, c.BadStartMarkers, uint64(1))
	assert.Zero(t, c.CRCMismatches)
}

func TestController_DropsCorruptFrameWithoutResync(t *testing.T) {
	r := newRig(t, baseOptions(), noTarget(), 1)
	bad := frame.EncodeState(frame.StateFrame{Yaw: 1})
	bad[3] ^= 0x10
	good := frame.EncodeState(frame.StateFrame{Yaw: 2})
	r.ports[0].AddReadData(append(bad, good...))
	r.run(t)

	require.Eventually(t, func() bool { return r.ctl.Telemetry().Valid }, 2*time.Second, time.Millisecond)
	assert.Equal(t, float32(2), r.ctl.Telemetry().State.Yaw)
	c := r.ctl.Counters()
	assert.Equal(t, uint64(1), c.CRCMismatches)
	assert.Zero(t, c.BadStartMarkers)
	assert.Equal(t, uint64(1), c.FramesOK)
}

func TestController_CommandEndToEnd(t *testing.T) {
	targeter := TargeterFunc(func(tel Telemetry) (Solution, bool) {
		if !tel.Valid || !tel.State.AutoaimEnabled() {
			return Solution{}, false
		}
		return Solution{Yaw: 12.34, Pitch: -5.0, Fire: true, TargetID: 3}, true
	})
	opts := baseOptions()
	opts.IdlePolicy = config.IdleSkip
	r := newRig(t, opts, targeter, 1)
	r.ports[0].AddReadData(stateStream(1, frame.StateFrame{Autoaim: 1}))
	r.run(t)

	codec := frame.NewCodec(frame.VariantInfantry)
	want := codec.EncodeCommand(frame.CommandFrame{Yaw: 12.34, Pitch: -5.0, Fire: true, TargetID: 3})
	require.Len(t, want, 14)

	require.Eventually(t, func() bool { return len(r.ports[0].Written()) >= 2*len(want) }, 2*time.Second, time.Millisecond)
	written := r.ports[0].Written()
	assert.Zero(t, len(written)%len(want), "only whole frames are written")
	assert.Equal(t, want, written[:len(want)])
	assert.Equal(t, want, written[len(want):2*len(want)])

	decoded, err := codec.DecodeCommand(written[:len(want)])
	require.NoError(t, err)
	assert.Equal(t, uint8(3), decoded.TargetID)
	assert.True(t, decoded.Fire)
}

func TestController_WriteFailureRecoveredByReceiver(t *testing.T) {
	targeter := TargeterFunc(func(Telemetry) (Solution, bool) {
		return Solution{Yaw: 1, Pitch: 2}, true
	})
	r := newRig(t, baseOptions(), targeter, 2)
	first, second := r.ports[0], r.ports[1]
	first.SetWriteError(errors.New("write /dev/ttyUSB0: input/output error"), true)
	r.run(t)

	require.Eventually(t, func() bool { return len(second.Written()) > 0 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, first.CloseCalls(), "faulted handle closed exactly once")
	assert.Empty(t, first.Written())

	c := r.ctl.Counters()
	assert.GreaterOrEqual(t, c.WriteErrors, uint64(1))
	st := r.link.Stats()
	assert.Equal(t, uint64(1), st.Restarts)
	assert.Equal(t, uint64(1), st.Faults)

	// Keep running for a while; the first handle must not be touched again.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, first.CloseCalls())
	assert.Equal(t, 0, second.CloseCalls())
}

func TestController_SendGate(t *testing.T) {
	opts := baseOptions()
	opts.SendEnabled = false
	targeter := TargeterFunc(func(Telemetry) (Solution, bool) { return Solution{Yaw: 1}, true })
	r := newRig(t, opts, targeter, 1)
	r.run(t)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, r.ports[0].Written(), "nothing is sent while the gate is closed")
	assert.False(t, r.ctl.Sending())

	r.ctl.SetSending(true)
	require.Eventually(t, func() bool { return len(r.ports[0].Written()) > 0 }, 2*time.Second, time.Millisecond)
}

// failingPort fails every read.
type failingPort struct{ closes int }

func (p *failingPort) Read([]byte) (int, error)    { return 0, errors.New("input/output error") }
func (p *failingPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *failingPort) Close() error                { p.closes++; return nil }

func TestController_EscalatesAfterConsecutiveFailures(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	fs.Touch(devicePath)
	factory := serialport.FactoryFunc(func(string, serialport.PortOptions) (serialport.SerialPorter, error) {
		return &failingPort{}, nil
	})
	lm := link.NewManager(link.Config{Path: devicePath, Backoff: time.Millisecond},
		link.WithFactory(factory), link.WithFileSystem(fs))
	defer lm.Close()

	opts := baseOptions()
	opts.MaxConsecutiveFailures = 2
	ctl := New(lm, noTarget(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := ctl.Run(ctx)
	require.ErrorIs(t, err, ErrLinkLost)
	assert.Equal(t, uint64(2), lm.Stats().Restarts, "one restart per allowed failure")
	assert.Equal(t, uint64(3), ctl.Counters().ReadErrors)
}

func TestController_SingleFailureLimitStillRestarts(t *testing.T) {
	opts := baseOptions()
	opts.MaxConsecutiveFailures = 1
	r := newRig(t, opts, noTarget(), 2)
	r.ports[0].SetReadError(errors.New("input/output error"))
	r.ports[1].AddReadData(stateStream(3, frame.StateFrame{Yaw: 9}))
	r.run(t)

	require.Eventually(t, func() bool { return r.ctl.Counters().FramesOK == 3 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, float32(9), r.ctl.Telemetry().State.Yaw)
	assert.Equal(t, uint64(1), r.link.Stats().Restarts)
	assert.Equal(t, uint64(1), r.ctl.Counters().ReadErrors)
}

func TestController_BuildCommandIdlePolicies(t *testing.T) {
	hold := newRig(t, baseOptions(), noTarget(), 1).ctl
	_, ok := hold.buildCommand(hold.Telemetry())
	assert.False(t, ok, "no orientation known yet")

	hold.accept(frame.StateFrame{Yaw: 7, Pitch: 8}, 1)
	cmd, ok := hold.buildCommand(hold.Telemetry())
	require.True(t, ok)
	assert.Equal(t, frame.CommandFrame{Yaw: 7, Pitch: 8}, cmd)

	opts := baseOptions()
	opts.IdlePolicy = config.IdleSkip
	skip := newRig(t, opts, noTarget(), 1).ctl
	skip.accept(frame.StateFrame{Yaw: 7, Pitch: 8}, 1)
	_, ok = skip.buildCommand(skip.Telemetry())
	assert.False(t, ok)
}

func TestController_BuildCommandCustomOrientation(t *testing.T) {
	orient := OrientationFunc(func() (float32, float32, bool) { return 0.5, 0.25, true })
	ctl := newRig(t, baseOptions(), noTarget(), 1, WithOrientation(orient)).ctl

	cmd, ok := ctl.buildCommand(ctl.Telemetry())
	require.True(t, ok)
	assert.Equal(t, float32(0.5), cmd.Yaw)
	assert.Equal(t, float32(0.25), cmd.Pitch)
	assert.False(t, cmd.Fire)
}

func TestController_HeroSpeed(t *testing.T) {
	tests := []struct {
		name  string
		speed float32
		want  float32
	}{
		{"configured", 0, 15},
		{"in range", 15.5, 15.5},
		{"too slow", 9, 14},
		{"too fast", 30, 16},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := baseOptions()
			opts.Variant = frame.VariantHero
			targeter := TargeterFunc(func(Telemetry) (Solution, bool) {
				return Solution{Yaw: 1, Speed: tc.speed}, true
			})
			ctl := newRig(t, opts, targeter, 1).ctl
			cmd, ok := ctl.buildCommand(ctl.Telemetry())
			require.True(t, ok)
			assert.Equal(t, tc.want, cmd.AvgSpeed)
			assert.Equal(t, uint8(heroAux), cmd.Aux)
		})
	}
}

func TestController_FireGating(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	opts := baseOptions()
	opts.StartFireDelay = 500 * time.Millisecond
	targeter := TargeterFunc(func(Telemetry) (Solution, bool) {
		return Solution{Yaw: 1, Fire: true}, true
	})
	ctl := newRig(t, opts, targeter, 1, WithClock(clock)).ctl

	fire := func() bool {
		cmd, ok := ctl.buildCommand(ctl.Telemetry())
		require.True(t, ok)
		return cmd.Fire
	}

	ctl.accept(frame.StateFrame{Autoaim: 0}, 1)
	assert.False(t, fire(), "autoaim off")

	ctl.accept(frame.StateFrame{Autoaim: 1}, 2)
	assert.False(t, fire(), "start delay not elapsed")

	clock.Advance(400 * time.Millisecond)
	ctl.accept(frame.StateFrame{Autoaim: 1}, 3)
	assert.False(t, fire(), "rising edge time must not move while engaged")

	clock.Advance(100 * time.Millisecond)
	assert.True(t, fire())

	ctl.accept(frame.StateFrame{Autoaim: 0}, 4)
	ctl.accept(frame.StateFrame{Autoaim: 1}, 5)
	assert.False(t, fire(), "delay restarts on a new rising edge")

	ctl.fire.autoFire = false
	clock.Advance(time.Second)
	assert.False(t, fire(), "auto fire disabled")
}

func TestController_TelemetryDelay(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	opts := baseOptions()
	opts.StateDelay = time.Second
	ctl := newRig(t, opts, noTarget(), 1, WithClock(clock)).ctl

	assert.False(t, ctl.Telemetry().Valid)

	ctl.accept(frame.StateFrame{Yaw: 1}, 1)
	clock.Advance(1500 * time.Millisecond)
	ctl.accept(frame.StateFrame{Yaw: 2}, 2)
	clock.Advance(450 * time.Millisecond)
	ctl.accept(frame.StateFrame{Yaw: 3}, 3)
	clock.Advance(50 * time.Millisecond)

	got := ctl.Telemetry()
	assert.Equal(t, float32(2), got.State.Yaw)
	assert.False(t, got.Exhausted)
	assert.Equal(t, float32(3), ctl.Latest().State.Yaw)

	clock.Advance(5 * time.Second)
	got = ctl.Telemetry()
	assert.True(t, got.Exhausted)
	assert.Equal(t, float32(3), got.State.Yaw)
	assert.Equal(t, uint64(1), ctl.Counters().DelayExhausted)
}

type fakeRecorder struct {
	telemetry   []Telemetry
	commands    []frame.CommandFrame
	transitions []link.Transition
}

func (f *fakeRecorder) RecordTelemetry(t Telemetry) { f.telemetry = append(f.telemetry, t) }
func (f *fakeRecorder) RecordCommand(_ time.Time, c frame.CommandFrame) {
	f.commands = append(f.commands, c)
}
func (f *fakeRecorder) RecordTransition(t link.Transition) { f.transitions = append(f.transitions, t) }

func TestController_RecordsEveryNthFrame(t *testing.T) {
	rec := &fakeRecorder{}
	opts := baseOptions()
	opts.RecordEvery = 3
	ctl := newRig(t, opts, noTarget(), 1, WithRecorder(rec)).ctl

	for i := uint64(1); i <= 7; i++ {
		ctl.accept(frame.StateFrame{Yaw: float32(i)}, i)
	}
	require.Len(t, rec.telemetry, 3)
	assert.Equal(t, float32(1), rec.telemetry[0].State.Yaw)
	assert.Equal(t, float32(4), rec.telemetry[1].State.Yaw)
	assert.Equal(t, float32(7), rec.telemetry[2].State.Yaw)
}

func TestController_SendRecordsAndCounts(t *testing.T) {
	rec := &fakeRecorder{}
	r := newRig(t, baseOptions(), noTarget(), 1, WithRecorder(rec))

	cmd := frame.CommandFrame{Yaw: 1, Pitch: 2, TargetID: 4}
	assert.ErrorIs(t, r.ctl.Send(cmd), link.ErrNotOpen)
	assert.Equal(t, uint64(1), r.ctl.Counters().CommandsDropped)

	require.NoError(t, r.link.Open(context.Background()))
	require.NoError(t, r.ctl.Send(cmd))
	assert.Equal(t, uint64(1), r.ctl.Counters().CommandsSent)
	require.Len(t, rec.commands, 1)
	assert.Equal(t, cmd, rec.commands[0])
	assert.True(t, bytes.Equal(frame.NewCodec(frame.VariantInfantry).EncodeCommand(cmd), r.ports[0].Written()))

	d := r.ctl.Diagnostics()
	require.NotNil(t, d.LastCommand)
	assert.Equal(t, cmd, *d.LastCommand)
	assert.Equal(t, devicePath, d.Path)
	assert.Equal(t, "infantry", d.Variant)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultLinkConfig()
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, frame.VariantStandard, opts.Variant)
	assert.Equal(t, 1000, opts.QueueSize)
	assert.Equal(t, 5*time.Millisecond, opts.SendWait)
	assert.Zero(t, opts.StateDelay)
	assert.True(t, opts.SendEnabled)
	assert.Equal(t, config.IdleHold, opts.IdlePolicy)
}
