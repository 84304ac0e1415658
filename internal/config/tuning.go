package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aperture-data/burst.watch/internal/units"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/tuning.defaults.json"

// ChannelRange is an inclusive range of channel indices.
type ChannelRange struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// TuningConfig holds the pipeline tuning parameters. The schema matches the
// /api/params endpoint so the same JSON serves startup configuration and
// runtime inspection. Pointer fields distinguish "absent" from zero; the
// Get* accessors supply defaults for absent fields.
type TuningConfig struct {
	// Receiver params
	QueueCapacity   *int `json:"queue_capacity,omitempty"`
	ReadBufferBytes *int `json:"read_buffer_bytes,omitempty"`

	// Assembler params
	ReorderWindowPackets *int `json:"reorder_window_packets,omitempty"`
	PacketsPerFrame      *int `json:"packets_per_frame,omitempty"`
	FrameQueueCapacity   *int `json:"frame_queue_capacity,omitempty"`

	// Ring params
	RingCapacityFrames *int `json:"ring_capacity_frames,omitempty"`

	// Detector params
	BaselineAlpha        *float64       `json:"baseline_alpha,omitempty"`
	SettledAlphaFraction *float64       `json:"settled_alpha_fraction,omitempty"`
	WarmupFrames         *int           `json:"warmup_frames,omitempty"`
	TriggerThreshold     *float64       `json:"trigger_threshold,omitempty"`
	CooldownFrames       *int           `json:"cooldown_frames,omitempty"`
	CombinationPolicy    *string        `json:"combination_policy,omitempty"`
	MaskedChannelRanges  []ChannelRange `json:"masked_channel_ranges,omitempty"`
	ChannelWeights       []float64      `json:"channel_weights,omitempty"`

	// Capture params
	PreMarginFrames     *int    `json:"pre_margin_frames,omitempty"`
	PostMarginFrames    *int    `json:"post_margin_frames,omitempty"`
	MaxPendingCaptures  *int    `json:"max_pending_captures,omitempty"`
	MaxConcurrentWrites *int    `json:"max_concurrent_writes,omitempty"`
	SinkRetryLimit      *int    `json:"sink_retry_limit,omitempty"`
	SinkBackoffInitial  *string `json:"sink_backoff_initial,omitempty"` // duration string like "250ms"
	SinkBackoffMax      *string `json:"sink_backoff_max,omitempty"`     // duration string like "5s"

	// Injection params
	InjectionCadence *string `json:"injection_cadence,omitempty"` // "0s" disables

	// Monitor params
	StatsInterval *string `json:"stats_interval,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
// Use LoadTuningConfig to load actual values from a file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. The file must have
// a .json extension and stay under the max file size. Fields omitted from
// the JSON keep their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from
// DefaultConfigPath, searching the current directory and common parents.
// Panics if the file cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that configured values are usable. Invalid configuration
// is fatal at startup.
func (c *TuningConfig) Validate() error {
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be positive, got %d", *c.QueueCapacity)
	}
	if c.PacketsPerFrame != nil && *c.PacketsPerFrame < 1 {
		return fmt.Errorf("packets_per_frame must be positive, got %d", *c.PacketsPerFrame)
	}
	if c.ReorderWindowPackets != nil {
		window := *c.ReorderWindowPackets
		if window < 1 {
			return fmt.Errorf("reorder_window_packets must be positive, got %d", window)
		}
		if window < c.GetPacketsPerFrame() {
			return fmt.Errorf("reorder_window_packets (%d) must not be smaller than packets_per_frame (%d)",
				window, c.GetPacketsPerFrame())
		}
	}
	if c.RingCapacityFrames != nil && *c.RingCapacityFrames < 1 {
		return fmt.Errorf("ring_capacity_frames must be positive, got %d", *c.RingCapacityFrames)
	}
	if c.BaselineAlpha != nil {
		if *c.BaselineAlpha <= 0 || *c.BaselineAlpha > 1 {
			return fmt.Errorf("baseline_alpha must be in (0, 1], got %f", *c.BaselineAlpha)
		}
	}
	if c.SettledAlphaFraction != nil {
		if *c.SettledAlphaFraction <= 0 || *c.SettledAlphaFraction > 1 {
			return fmt.Errorf("settled_alpha_fraction must be in (0, 1], got %f", *c.SettledAlphaFraction)
		}
	}
	if c.TriggerThreshold != nil && *c.TriggerThreshold <= 0 {
		return fmt.Errorf("trigger_threshold must be positive, got %f", *c.TriggerThreshold)
	}
	if c.CooldownFrames != nil && *c.CooldownFrames < 0 {
		return fmt.Errorf("cooldown_frames must be non-negative, got %d", *c.CooldownFrames)
	}
	if c.CombinationPolicy != nil {
		switch *c.CombinationPolicy {
		case "sum", "max", "weighted":
		default:
			return fmt.Errorf("combination_policy must be sum, max, or weighted, got %q", *c.CombinationPolicy)
		}
	}
	for _, r := range c.MaskedChannelRanges {
		if r.Lo < 0 || r.Hi >= units.NumChannels || r.Lo > r.Hi {
			return fmt.Errorf("masked channel range [%d, %d] outside 0..%d", r.Lo, r.Hi, units.NumChannels-1)
		}
	}
	if len(c.ChannelWeights) != 0 && len(c.ChannelWeights) != units.NumChannels {
		return fmt.Errorf("channel_weights must have %d entries, got %d", units.NumChannels, len(c.ChannelWeights))
	}
	if c.PreMarginFrames != nil && *c.PreMarginFrames < 0 {
		return fmt.Errorf("pre_margin_frames must be non-negative, got %d", *c.PreMarginFrames)
	}
	if c.PostMarginFrames != nil && *c.PostMarginFrames < 0 {
		return fmt.Errorf("post_margin_frames must be non-negative, got %d", *c.PostMarginFrames)
	}
	if c.SinkRetryLimit != nil && *c.SinkRetryLimit < 1 {
		return fmt.Errorf("sink_retry_limit must be positive, got %d", *c.SinkRetryLimit)
	}
	for name, v := range map[string]*string{
		"sink_backoff_initial": c.SinkBackoffInitial,
		"sink_backoff_max":     c.SinkBackoffMax,
		"injection_cadence":    c.InjectionCadence,
		"stats_interval":       c.StatsInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}
	return nil
}

// GetQueueCapacity returns the receiver queue capacity or the default.
func (c *TuningConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 1024
	}
	return *c.QueueCapacity
}

// GetReadBufferBytes returns the socket read buffer size or the default.
func (c *TuningConfig) GetReadBufferBytes() int {
	if c.ReadBufferBytes == nil {
		return 8 * 1024 * 1024
	}
	return *c.ReadBufferBytes
}

// GetReorderWindowPackets returns the reorder window size or the default.
func (c *TuningConfig) GetReorderWindowPackets() int {
	if c.ReorderWindowPackets == nil {
		return 2048
	}
	return *c.ReorderWindowPackets
}

// GetPacketsPerFrame returns the packets per emitted frame or the default.
func (c *TuningConfig) GetPacketsPerFrame() int {
	if c.PacketsPerFrame == nil {
		return 256 // ~2.1 ms of sky time per frame
	}
	return *c.PacketsPerFrame
}

// GetFrameQueueCapacity returns the frame callback queue capacity or the default.
func (c *TuningConfig) GetFrameQueueCapacity() int {
	if c.FrameQueueCapacity == nil {
		return 16
	}
	return *c.FrameQueueCapacity
}

// GetRingCapacityFrames returns the ring look-back horizon or the default.
func (c *TuningConfig) GetRingCapacityFrames() int {
	if c.RingCapacityFrames == nil {
		return 14305 // ~30 s at the default frame length
	}
	return *c.RingCapacityFrames
}

// GetBaselineAlpha returns the baseline smoothing factor or the default.
func (c *TuningConfig) GetBaselineAlpha() float64 {
	if c.BaselineAlpha == nil {
		return 0.02
	}
	return *c.BaselineAlpha
}

// GetSettledAlphaFraction returns the post-warmup alpha multiplier or the default.
func (c *TuningConfig) GetSettledAlphaFraction() float64 {
	if c.SettledAlphaFraction == nil {
		return 0.25
	}
	return *c.SettledAlphaFraction
}

// GetWarmupFrames returns the warmup frame count or the default.
func (c *TuningConfig) GetWarmupFrames() int {
	if c.WarmupFrames == nil {
		return 500
	}
	return *c.WarmupFrames
}

// GetTriggerThreshold returns the significance threshold or the default.
func (c *TuningConfig) GetTriggerThreshold() float64 {
	if c.TriggerThreshold == nil {
		return 8.0
	}
	return *c.TriggerThreshold
}

// GetCooldownFrames returns the trigger cooldown in frames or the default.
func (c *TuningConfig) GetCooldownFrames() int {
	if c.CooldownFrames == nil {
		return 2400 // ~5 s at the default frame length
	}
	return *c.CooldownFrames
}

// GetCombinationPolicy returns the score combination policy or the default.
func (c *TuningConfig) GetCombinationPolicy() string {
	if c.CombinationPolicy == nil {
		return "sum"
	}
	return *c.CombinationPolicy
}

// GetMaskedChannelRanges returns the static channel mask or the default
// band-edge ranges.
func (c *TuningConfig) GetMaskedChannelRanges() []ChannelRange {
	if c.MaskedChannelRanges == nil {
		// Band edges alias the anti-aliasing filter rolloff.
		return []ChannelRange{{Lo: 0, Hi: 250}, {Lo: 1797, Hi: 2047}}
	}
	return c.MaskedChannelRanges
}

// GetPreMarginFrames returns the pre-trigger margin or the default.
func (c *TuningConfig) GetPreMarginFrames() int {
	if c.PreMarginFrames == nil {
		return 64
	}
	return *c.PreMarginFrames
}

// GetPostMarginFrames returns the post-trigger margin or the default.
func (c *TuningConfig) GetPostMarginFrames() int {
	if c.PostMarginFrames == nil {
		return 64
	}
	return *c.PostMarginFrames
}

// GetMaxPendingCaptures returns the capture job queue bound or the default.
func (c *TuningConfig) GetMaxPendingCaptures() int {
	if c.MaxPendingCaptures == nil {
		return 4
	}
	return *c.MaxPendingCaptures
}

// GetMaxConcurrentWrites returns the sink worker count or the default.
func (c *TuningConfig) GetMaxConcurrentWrites() int {
	if c.MaxConcurrentWrites == nil {
		return 2
	}
	return *c.MaxConcurrentWrites
}

// GetSinkRetryLimit returns the sink attempt limit or the default.
func (c *TuningConfig) GetSinkRetryLimit() int {
	if c.SinkRetryLimit == nil {
		return 3
	}
	return *c.SinkRetryLimit
}

// GetSinkBackoffInitial returns the first retry delay or the default.
func (c *TuningConfig) GetSinkBackoffInitial() time.Duration {
	return c.duration(c.SinkBackoffInitial, 250*time.Millisecond)
}

// GetSinkBackoffMax returns the retry delay ceiling or the default.
func (c *TuningConfig) GetSinkBackoffMax() time.Duration {
	return c.duration(c.SinkBackoffMax, 5*time.Second)
}

// GetInjectionCadence returns the pulse injection period; zero disables
// injection.
func (c *TuningConfig) GetInjectionCadence() time.Duration {
	return c.duration(c.InjectionCadence, 0)
}

// GetStatsInterval returns the stats logging period or the default.
func (c *TuningConfig) GetStatsInterval() time.Duration {
	return c.duration(c.StatsInterval, 10*time.Second)
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
