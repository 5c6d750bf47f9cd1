package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/aimlink/internal/config"
	"github.com/banshee-data/aimlink/internal/control"
	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/link"
	"github.com/banshee-data/aimlink/internal/monitoring"
	"github.com/banshee-data/aimlink/internal/peersim"
	"github.com/banshee-data/aimlink/internal/recorder"
	"github.com/banshee-data/aimlink/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to link configuration JSON (defaults apply when empty)")
	port       = flag.String("port", "", "Serial device path, bypasses discovery (ignored in dev mode)")
	variant    = flag.String("variant", "", "Command frame variant: standard, infantry or hero (overrides config)")
	listen     = flag.String("listen", "localhost:8081", "Admin listen address, empty to disable")
	record     = flag.String("record", "", "Flight recorder sqlite path, empty to disable")
	devMode    = flag.Bool("dev", false, "Run against a simulated controller")
	send       = flag.Bool("send", true, "Start with command sending enabled")
)

// loadConfig reads path (if set) and applies the command-line overrides.
func loadConfig(path, portPath, variantName string) (*config.LinkConfig, error) {
	cfg := config.DefaultLinkConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadLinkConfig(path); err != nil {
			return nil, err
		}
	}
	if portPath != "" {
		cfg.Port = &portPath
	}
	if variantName != "" {
		cfg.Variant = &variantName
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// sweepTargeter drives the simulated gimbal through a slow sinusoid and
// fires while the operator holds autoaim.
func sweepTargeter(start time.Time) control.Targeter {
	return control.TargeterFunc(func(t control.Telemetry) (control.Solution, bool) {
		if !t.Valid {
			return control.Solution{}, false
		}
		phase := t.At.Sub(start).Seconds() * 0.5
		return control.Solution{
			Yaw:      float32(20 * math.Sin(phase)),
			Pitch:    float32(5 * math.Sin(2*phase)),
			Fire:     true,
			TargetID: 1,
		}, true
	})
}

func main() {
	flag.Parse()
	log.Printf("starting %s", version.String())

	cfg, err := loadConfig(*configFile, *port, *variant)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	v := cfg.GetVariant()

	var rec *recorder.Recorder
	if *record != "" {
		rec, err = recorder.Open(*record, recorder.Options{
			Variant: v.String(),
			Device:  cfg.GetPort(),
		})
		if err != nil {
			log.Fatalf("failed to open flight recorder: %v", err)
		}
		defer rec.Close()
	}

	linkCfg := link.Config{
		Path:        cfg.GetPort(),
		DeviceClass: cfg.GetDeviceClass(),
		Options:     cfg.PortOptions(),
		Backoff:     cfg.GetReopenBackoff(),
	}
	linkOpts := []link.Option{
		link.WithStateHook(func(t link.Transition) {
			if t.Err != nil {
				monitoring.Logf("link %s: %s -> %s: %v", t.Path, t.From, t.To, t.Err)
			} else {
				monitoring.Logf("link %s: %s -> %s", t.Path, t.From, t.To)
			}
			if rec != nil {
				rec.RecordTransition(t)
			}
		}),
	}

	var targeter control.Targeter
	if *devMode {
		peer := peersim.New(peersim.Config{
			Variant:  v,
			Period:   peersim.DefaultPeriod,
			SlewRate: 0.5,
			Enemy:    frame.ColorRed,
			Autoaim:  true,
		})
		linkCfg.Path = ""
		linkCfg.DeviceClass = v.DefaultDeviceClass()
		linkOpts = append(linkOpts,
			link.WithFactory(peer.Factory()),
			link.WithEnumerator(peer.Enumerator()),
			link.WithFileSystem(peer.FileSystem()),
		)
		targeter = sweepTargeter(time.Now())
		log.Printf("dev mode: simulating a %s controller on %s", v, peer.Path())
	}

	lm := link.NewManager(linkCfg, linkOpts...)
	defer lm.Close()

	opts := control.OptionsFromConfig(cfg)
	opts.SendEnabled = *send
	ctlOpts := []control.Option{}
	if rec != nil {
		ctlOpts = append(ctlOpts, control.WithRecorder(rec))
	}
	ctl := control.New(lm, targeter, opts, ctlOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var runErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		// The link workers stopping for any reason ends the process.
		defer stop()
		if runErr = ctl.Run(ctx); runErr != nil {
			log.Printf("control link stopped: %v", runErr)
		}
		log.Print("control routine terminated")
	}()

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()

			mux := http.NewServeMux()
			ctl.AttachAdminRoutes(mux)
			if rec != nil {
				if err := rec.AttachAdminRoutes(mux); err != nil {
					log.Printf("failed to attach recorder routes: %v", err)
				}
			}
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				if !lm.State().Usable() {
					http.Error(w, lm.State().String(), http.StatusServiceUnavailable)
					return
				}
				fmt.Fprintln(w, lm.State())
			})

			server := &http.Server{
				Addr:              *listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("admin server failed: %v", err)
				}
			}()
			log.Printf("admin routes on http://%s/debug/", *listen)

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("admin server shutdown error: %v", err)
				if err := server.Close(); err != nil {
					log.Printf("admin server force close error: %v", err)
				}
			}
		}()
	}

	wg.Wait()
	if errors.Is(runErr, control.ErrLinkLost) {
		lm.Close()
		if rec != nil {
			rec.Close()
		}
		log.Fatalf("giving up: %v", runErr)
	}
	log.Printf("Graceful shutdown complete")
}
