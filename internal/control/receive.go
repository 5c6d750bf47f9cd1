package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/link"
	"github.com/banshee-data/aimlink/internal/monitoring"
	"github.com/banshee-data/aimlink/internal/serialport"
)

// receiveLoop reads fixed-size state frames until ctx is done. It is the only
// goroutine that reads from or recovers the link.
func (c *Controller) receiveLoop(ctx context.Context) error {
	buf := make([]byte, c.codec.StateLen())
	// recoveries counts recoveries since the last valid frame.
	recoveries := 0
	var received uint64

	for {
		if ctx.Err() != nil {
			return nil
		}

		if c.link.NeedsRecovery() {
			if limit := c.opts.MaxConsecutiveFailures; limit > 0 && recoveries >= limit {
				return fmt.Errorf("%w: %d recoveries without a valid frame: %v", ErrLinkLost, recoveries, c.link.LastError())
			}
			// The first open is not a recovery unless it fails.
			opened := c.link.Stats().Opens > 0
			err := c.link.Recover(ctx)
			if opened || err != nil {
				recoveries++
			}
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, link.ErrClosed) {
					return nil
				}
				monitoring.Logf("control: recovery failed: %v", err)
			}
			continue
		}

		if err := c.link.Read(ctx, buf); err != nil {
			if c.readFailed(ctx, err) {
				return nil
			}
			continue
		}

		if buf[0] != frame.StartMarker {
			c.counters.BadStartMarkers.Add(1)
			c.badMarkerLog.Logf("control: bad start marker 0x%02x, resyncing (count=%d)", buf[0])
			c.link.MarkDesynced()

			if _, err := c.scanner.Sync(c.link.Reader(ctx)); err != nil {
				if errors.Is(err, frame.ErrSyncFailure) {
					c.counters.SyncFailures.Add(1)
					continue
				}
				if c.readFailed(ctx, err) {
					return nil
				}
			}
			continue
		}

		st, err := c.codec.DecodeState(buf)
		if err != nil {
			c.counters.CRCMismatches.Add(1)
			c.crcLog.Logf("control: dropping frame: %v (count=%d)", err)
			continue
		}

		recoveries = 0
		received++
		c.accept(st, received)
	}
}

// readFailed classifies a read error. It reports true when the loop should
// exit.
func (c *Controller) readFailed(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil, errors.Is(err, link.ErrClosed):
		return true
	case errors.Is(err, link.ErrLinkFaulted), errors.Is(err, link.ErrNotOpen):
		// Already flagged; recovery runs on the next iteration.
		return false
	}
	c.counters.ReadErrors.Add(1)
	if serialport.IsDisconnect(err) {
		c.readLog.Logf("control: device disconnected: %v (count=%d)", err)
	} else {
		c.readLog.Logf("control: read failed: %v (count=%d)", err)
	}
	c.link.MarkFaulted(err)
	return false
}

// accept publishes a decoded frame.
func (c *Controller) accept(st frame.StateFrame, n uint64) {
	now := c.clock.Now()
	c.counters.FramesOK.Add(1)
	c.intervals.Mark(now)
	c.link.MarkSynced()
	c.fire.observe(now, st.AutoaimEnabled())
	c.states.Push(now, st)

	t := Telemetry{State: st, At: now, Valid: true}
	c.tail.publish(t)
	if c.rec != nil && c.opts.RecordEvery > 0 && (n-1)%uint64(c.opts.RecordEvery) == 0 {
		c.rec.RecordTelemetry(t)
	}
}
