package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/aimlink/internal/frame"
	"github.com/banshee-data/aimlink/internal/fsutil"
	"github.com/banshee-data/aimlink/internal/serialport"
)

// Idle policies for the send loop when the targeter has no solution.
const (
	IdleHold = "hold" // send the current gimbal orientation with fire off
	IdleSkip = "skip" // send nothing
)

// LinkConfig is the on-disk configuration of the serial control link. Fields
// are pointers so that a partial file only overrides what it names; the Get*
// methods supply defaults for the rest.
type LinkConfig struct {
	// Wire and device selection
	Variant     *string `json:"variant,omitempty"`      // standard, infantry or hero
	DeviceClass *string `json:"device_class,omitempty"` // acm or usb; defaults from variant
	Port        *string `json:"port,omitempty"`         // explicit device path, bypasses discovery

	// State delay compensation
	StateDelayEnable  *bool    `json:"state_delay_enable,omitempty"`
	StateDelaySeconds *float64 `json:"state_delay_seconds,omitempty"`
	StateQueueSize    *int     `json:"state_queue_size,omitempty"`

	// Timing
	SendWaitMS      *int `json:"send_wait_ms,omitempty"`
	ReadTimeoutMS   *int `json:"read_timeout_ms,omitempty"`
	ReopenBackoffMS *int `json:"reopen_backoff_ms,omitempty"`

	SyncConfirmChecksum    *bool `json:"sync_confirm_checksum,omitempty"`
	MaxConsecutiveFailures *int  `json:"max_consecutive_failures,omitempty"`

	// Command policy
	IdlePolicy            *string  `json:"idle_policy,omitempty"`
	AutoFire              *bool    `json:"auto_fire,omitempty"`
	StartFireDelaySeconds *float64 `json:"start_fire_delay_seconds,omitempty"`
	ShootSpeed            *float64 `json:"shoot_speed,omitempty"`

	// Diagnostics
	ReportEvery *string `json:"report_every,omitempty"` // duration string like "10s"
	RecordEvery *int    `json:"record_every,omitempty"` // record every Nth telemetry frame
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// DefaultLinkConfig returns a LinkConfig with every field set to its default.
func DefaultLinkConfig() *LinkConfig {
	return &LinkConfig{
		Variant:                ptrString(frame.VariantStandard.String()),
		Port:                   ptrString(""),
		StateDelayEnable:       ptrBool(false),
		StateDelaySeconds:      ptrFloat64(0.1),
		StateQueueSize:         ptrInt(1000),
		SendWaitMS:             ptrInt(5),
		ReadTimeoutMS:          ptrInt(100),
		ReopenBackoffMS:        ptrInt(200),
		SyncConfirmChecksum:    ptrBool(false),
		MaxConsecutiveFailures: ptrInt(0),
		IdlePolicy:             ptrString(IdleHold),
		AutoFire:               ptrBool(true),
		StartFireDelaySeconds:  ptrFloat64(0),
		ShootSpeed:             ptrFloat64(15),
		ReportEvery:            ptrString("10s"),
		RecordEvery:            ptrInt(10),
	}
}

// LoadLinkConfig loads a LinkConfig from a JSON file on the local filesystem.
func LoadLinkConfig(path string) (*LinkConfig, error) {
	return LoadLinkConfigFS(fsutil.OSFileSystem{}, path)
}

// LoadLinkConfigFS loads a LinkConfig through fsys. The file must have a
// .json extension and be under 1MB. Fields omitted from the file keep their
// defaults.
func LoadLinkConfigFS(fsys fsutil.FileSystem, path string) (*LinkConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &LinkConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the set fields hold usable values.
func (c *LinkConfig) Validate() error {
	if c.Variant != nil {
		if _, err := frame.ParseVariant(*c.Variant); err != nil {
			return err
		}
	}
	if c.DeviceClass != nil && *c.DeviceClass != "" && !serialport.ValidDeviceClass(*c.DeviceClass) {
		return fmt.Errorf("unknown device_class %q: expected acm or usb", *c.DeviceClass)
	}
	if c.StateDelaySeconds != nil && *c.StateDelaySeconds < 0 {
		return fmt.Errorf("state_delay_seconds must be non-negative, got %v", *c.StateDelaySeconds)
	}
	if c.GetStateDelayEnable() && c.GetStateDelay() <= 0 {
		return fmt.Errorf("state_delay_seconds must be positive when state_delay_enable is set, got %v", *c.StateDelaySeconds)
	}
	if c.StateQueueSize != nil && *c.StateQueueSize <= 0 {
		return fmt.Errorf("state_queue_size must be positive, got %d", *c.StateQueueSize)
	}
	for name, v := range map[string]*int{
		"send_wait_ms":             c.SendWaitMS,
		"read_timeout_ms":          c.ReadTimeoutMS,
		"reopen_backoff_ms":        c.ReopenBackoffMS,
		"max_consecutive_failures": c.MaxConsecutiveFailures,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}
	if c.IdlePolicy != nil {
		switch strings.ToLower(*c.IdlePolicy) {
		case IdleHold, IdleSkip:
		default:
			return fmt.Errorf("unknown idle_policy %q: expected hold or skip", *c.IdlePolicy)
		}
	}
	if c.StartFireDelaySeconds != nil && *c.StartFireDelaySeconds < 0 {
		return fmt.Errorf("start_fire_delay_seconds must be non-negative, got %v", *c.StartFireDelaySeconds)
	}
	if c.ReportEvery != nil && *c.ReportEvery != "" {
		d, err := time.ParseDuration(*c.ReportEvery)
		if err != nil {
			return fmt.Errorf("invalid report_every: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("report_every must be non-negative, got %s", d)
		}
	}
	if c.RecordEvery != nil && *c.RecordEvery < 0 {
		return fmt.Errorf("record_every must be non-negative, got %d", *c.RecordEvery)
	}
	return nil
}

// GetVariant returns the frame variant. Validate rejects unknown names, so
// an unparsable value here falls back to the standard variant.
func (c *LinkConfig) GetVariant() frame.Variant {
	if c.Variant == nil {
		return frame.VariantStandard
	}
	v, err := frame.ParseVariant(*c.Variant)
	if err != nil {
		return frame.VariantStandard
	}
	return v
}

// GetDeviceClass returns the configured device class, or the variant's
// default when unset.
func (c *LinkConfig) GetDeviceClass() string {
	if c.DeviceClass == nil || *c.DeviceClass == "" {
		return c.GetVariant().DefaultDeviceClass()
	}
	return strings.ToLower(*c.DeviceClass)
}

func (c *LinkConfig) GetPort() string {
	if c.Port == nil {
		return ""
	}
	return *c.Port
}

func (c *LinkConfig) GetStateDelayEnable() bool {
	if c.StateDelayEnable == nil {
		return false
	}
	return *c.StateDelayEnable
}

// GetStateDelay returns the delay threshold, or zero when delay mode is off.
func (c *LinkConfig) GetStateDelay() time.Duration {
	if !c.GetStateDelayEnable() {
		return 0
	}
	secs := 0.1
	if c.StateDelaySeconds != nil {
		secs = *c.StateDelaySeconds
	}
	return time.Duration(secs * float64(time.Second))
}

func (c *LinkConfig) GetStateQueueSize() int {
	if c.StateQueueSize == nil {
		return 1000
	}
	return *c.StateQueueSize
}

func (c *LinkConfig) GetSendWait() time.Duration {
	if c.SendWaitMS == nil {
		return 5 * time.Millisecond
	}
	return time.Duration(*c.SendWaitMS) * time.Millisecond
}

func (c *LinkConfig) GetReadTimeout() time.Duration {
	if c.ReadTimeoutMS == nil || *c.ReadTimeoutMS == 0 {
		return serialport.DefaultReadTimeout
	}
	return time.Duration(*c.ReadTimeoutMS) * time.Millisecond
}

func (c *LinkConfig) GetReopenBackoff() time.Duration {
	if c.ReopenBackoffMS == nil {
		return 200 * time.Millisecond
	}
	return time.Duration(*c.ReopenBackoffMS) * time.Millisecond
}

func (c *LinkConfig) GetSyncConfirmChecksum() bool {
	if c.SyncConfirmChecksum == nil {
		return false
	}
	return *c.SyncConfirmChecksum
}

func (c *LinkConfig) GetMaxConsecutiveFailures() int {
	if c.MaxConsecutiveFailures == nil {
		return 0
	}
	return *c.MaxConsecutiveFailures
}

func (c *LinkConfig) GetIdlePolicy() string {
	if c.IdlePolicy == nil {
		return IdleHold
	}
	return strings.ToLower(*c.IdlePolicy)
}

func (c *LinkConfig) GetAutoFire() bool {
	if c.AutoFire == nil {
		return true
	}
	return *c.AutoFire
}

func (c *LinkConfig) GetStartFireDelay() time.Duration {
	if c.StartFireDelaySeconds == nil {
		return 0
	}
	return time.Duration(*c.StartFireDelaySeconds * float64(time.Second))
}

func (c *LinkConfig) GetShootSpeed() float32 {
	if c.ShootSpeed == nil {
		return 15
	}
	return float32(*c.ShootSpeed)
}

// GetReportEvery returns the diagnostic report interval; zero disables it.
func (c *LinkConfig) GetReportEvery() time.Duration {
	if c.ReportEvery == nil {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(*c.ReportEvery)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (c *LinkConfig) GetRecordEvery() int {
	if c.RecordEvery == nil {
		return 10
	}
	return *c.RecordEvery
}

// PortOptions returns the serial line settings for this config.
func (c *LinkConfig) PortOptions() serialport.PortOptions {
	opts := serialport.DefaultPortOptions()
	opts.ReadTimeout = c.GetReadTimeout()
	return opts
}
