package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/httputil"
	"github.com/banshee-data/aimlink/internal/version"
)

// AttachAdminRoutes attaches link debugging endpoints to the given HTTP mux
// served at /debug/.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.String())
	debug.KVFunc("Link state", func() any {
		return fmt.Sprintf("%s %s", c.link.State(), c.link.Path())
	})
	debug.KVFunc("Frames ok / crc / resync", func() any {
		s := c.counters.Snapshot()
		return fmt.Sprintf("%d / %d / %d", s.FramesOK, s.CRCMismatches, s.BadStartMarkers)
	})

	debug.HandleFunc("aimlink", "Link diagnostics (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, c.Diagnostics())
	})

	debug.HandleFunc("aimlink/delay", "State delay buffer contents (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, c.delaySnapshot(c.clock.Now()))
	})

	// API endpoint to open or close the send gate.
	debug.HandleSilentFunc("aimlink/send", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		enabled, err := strconv.ParseBool(r.FormValue("enable"))
		if err != nil {
			httputil.BadRequest(w, "enable must be true or false")
			return
		}
		c.SetSending(enabled)
		httputil.WriteJSON(w, http.StatusOK, map[string]bool{"sending": c.Sending()})
	})

	// API endpoint to write one command frame.
	debug.HandleSilentFunc("aimlink/command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		cmd, err := parseCommandForm(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		c.applyVariant(&cmd, cmd.AvgSpeed)
		if err := c.Send(cmd); err != nil {
			httputil.Unavailable(w, fmt.Sprintf("failed to write command: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, cmd)
	})

	// API endpoint streaming decoded telemetry as server-sent events.
	debug.HandleSilentFunc("aimlink/tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w, http.MethodGet)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, ch := c.Subscribe()
		defer c.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case t, ok := <-ch:
				if !ok {
					return
				}
				payload, err := json.Marshal(t)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}

// parseCommandForm reads yaw, pitch, fire, target_id and speed form values.
func parseCommandForm(r *http.Request) (frame.CommandFrame, error) {
	var cmd frame.CommandFrame
	parseFloat := func(name string) (float32, error) {
		v := r.FormValue(name)
		if v == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q", name, v)
		}
		return float32(f), nil
	}

	var err error
	if cmd.Yaw, err = parseFloat("yaw"); err != nil {
		return cmd, err
	}
	if cmd.Pitch, err = parseFloat("pitch"); err != nil {
		return cmd, err
	}
	if cmd.AvgSpeed, err = parseFloat("speed"); err != nil {
		return cmd, err
	}
	if v := r.FormValue("fire"); v != "" {
		if cmd.Fire, err = strconv.ParseBool(v); err != nil {
			return cmd, fmt.Errorf("invalid fire %q", v)
		}
	}
	if v := r.FormValue("target_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return cmd, fmt.Errorf("invalid target_id %q", v)
		}
		cmd.TargetID = uint8(id)
	}
	return cmd, nil
}

type delaySample struct {
	AgeMS float64 `json:"age_ms"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

type delayView struct {
	Capacity  int           `json:"capacity"`
	Threshold float64       `json:"threshold_ms"`
	Samples   []delaySample `json:"samples"`
}

// delaySnapshot lists the buffered samples newest first with their ages at now.
func (c *Controller) delaySnapshot(now time.Time) delayView {
	entries := c.states.Snapshot()
	v := delayView{
		Capacity:  c.states.Cap(),
		Threshold: float64(c.opts.StateDelay) / float64(time.Millisecond),
		Samples:   make([]delaySample, 0, len(entries)),
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		v.Samples = append(v.Samples, delaySample{
			AgeMS: float64(now.Sub(e.At)) / float64(time.Millisecond),
			Yaw:   e.State.Yaw,
			Pitch: e.State.Pitch,
		})
	}
	return v
}
