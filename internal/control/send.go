package control

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/aimlink/internal/config"
	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/link"
)

// Hero projectile speed limits accepted by the turret controller, in m/s.
const (
	minHeroSpeed = 14
	maxHeroSpeed = 16
)

// heroAux is the auxiliary byte sent with every hero command.
const heroAux = 0x01

// sendLoop paces command transmission. It never reopens the link; a failed
// write only marks it faulted for the receiver to recover.
func (c *Controller) sendLoop(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.opts.SendWait)
	defer ticker.Stop()

	for {
		if err := c.gate.Wait(ctx); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}

		cmd, ok := c.buildCommand(c.Telemetry())
		if !ok {
			continue
		}
		_ = c.Send(cmd)
	}
}

// buildCommand turns the targeter's answer into a command frame. It reports
// false when nothing should be sent.
func (c *Controller) buildCommand(t Telemetry) (frame.CommandFrame, bool) {
	sol, found := c.targeter.Target(t)
	if !found {
		if c.opts.IdlePolicy == config.IdleSkip {
			return frame.CommandFrame{}, false
		}
		yaw, pitch, ok := c.orient.Orientation()
		if !ok {
			return frame.CommandFrame{}, false
		}
		sol = Solution{Yaw: yaw, Pitch: pitch}
	}

	cmd := frame.CommandFrame{
		Yaw:      sol.Yaw,
		Pitch:    sol.Pitch,
		Fire:     found && c.fire.allow(c.clock.Now(), sol.Fire),
		TargetID: sol.TargetID,
	}
	c.applyVariant(&cmd, sol.Speed)
	return cmd, true
}

// applyVariant fills the variant-specific fields of cmd. For hero builds a
// zero speed falls back to the configured shoot speed.
func (c *Controller) applyVariant(cmd *frame.CommandFrame, speed float32) {
	if c.opts.Variant != frame.VariantHero {
		return
	}
	if speed == 0 {
		speed = c.opts.ShootSpeed
	}
	cmd.AvgSpeed = clampSpeed(speed)
	cmd.Aux = heroAux
}

func clampSpeed(v float32) float32 {
	switch {
	case v < minHeroSpeed:
		return minHeroSpeed
	case v > maxHeroSpeed:
		return maxHeroSpeed
	}
	return v
}

// Send encodes cmd and writes it to the link. A write refused because the
// link is down is counted as dropped; a failed write marks the link faulted.
func (c *Controller) Send(cmd frame.CommandFrame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.sendBuf = c.codec.AppendCommand(c.sendBuf[:0], cmd)
	err := c.link.Write(c.sendBuf)
	switch {
	case err == nil:
		now := c.clock.Now()
		c.counters.CommandsSent.Add(1)
		c.lastCmd, c.lastCmdAt = cmd, now
		if c.rec != nil {
			c.rec.RecordCommand(now, cmd)
		}
	case errors.Is(err, link.ErrNotOpen), errors.Is(err, link.ErrClosed):
		c.counters.CommandsDropped.Add(1)
	default:
		c.counters.WriteErrors.Add(1)
		c.writeLog.Logf("control: write failed: %v (count=%d)", err)
		c.link.MarkFaulted(err)
	}
	return err
}

// fireGate holds fire off until autoaim has been engaged for the start
// delay.
type fireGate struct {
	autoFire bool
	delay    time.Duration

	mu      sync.Mutex
	engaged bool
	since   time.Time
}

// observe tracks the autoaim flag from telemetry received at at.
func (g *fireGate) observe(at time.Time, autoaim bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if autoaim && !g.engaged {
		g.since = at
	}
	g.engaged = autoaim
}

func (g *fireGate) allow(now time.Time, want bool) bool {
	if !want || !g.autoFire {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.engaged && now.Sub(g.since) >= g.delay
}
