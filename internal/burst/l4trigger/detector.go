package l4trigger

import (
	"fmt"
	"sync"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/units"
)

// Combination policies for aggregating per-channel deviations into one
// significance score. The policy is a configuration choice, not hard-coded.
const (
	PolicySum      = "sum"      // mean of deviations across unmasked channels
	PolicyMax      = "max"      // largest single-channel deviation
	PolicyWeighted = "weighted" // weight-averaged deviations
)

// Trigger state machine. Warming until enough frames have been observed,
// then armed; a firing enters cooling-down until the cooldown interval of
// sample time has elapsed.
type detectorState int

const (
	stateWarming detectorState = iota
	stateArmed
	stateCoolingDown
)

// TriggerEvent is a detected candidate crossing the significance threshold.
// Immutable after creation.
type TriggerEvent struct {
	// Seq is the packet sequence of the triggering sample.
	Seq uint64 `json:"seq"`
	// FrameSeq is the ring sequence of the frame containing the sample.
	FrameSeq uint64 `json:"frame_seq"`
	// Time is the absolute sky time of the triggering sample.
	Time time.Time `json:"time"`
	// Score is the significance score that crossed the threshold.
	Score float64 `json:"score"`
	// Policy records the combination policy in effect.
	Policy string `json:"policy"`
}

// DetectorConfig configures a Detector.
type DetectorConfig struct {
	// Alpha is the baseline smoothing factor during warmup.
	Alpha float64
	// SettledAlphaFraction scales Alpha down once warmed up, so a bright
	// burst does not drag the settled baseline after it.
	SettledAlphaFraction float64
	// WarmupFrames is the number of frames observed before arming.
	WarmupFrames int
	// Threshold is the significance score that fires a trigger.
	Threshold float64
	// CooldownSamples is the trigger cooldown in sample time (packet
	// sequence counts), measured from the triggering sample. Never wall
	// clock.
	CooldownSamples uint64
	// Policy is one of PolicySum, PolicyMax, PolicyWeighted.
	Policy string
	// Weights holds per-channel weights for PolicyWeighted; ignored
	// otherwise. Must be empty or NumChannels long.
	Weights []float64
	// MaskedChannels statically excludes channels (band edges, known RFI)
	// from both statistics and scoring. Empty means no static mask.
	MaskedChannels []bool
	// Stats receives the trigger counters. Required.
	Stats *burst.PipelineStats
	// OnTrigger receives each fired trigger, called from Observe with the
	// detector lock held. It must not call back into the detector's
	// snapshot accessors.
	OnTrigger func(TriggerEvent)
}

// Detector consumes frames in publish order and fires triggers. Observe
// must be called from a single goroutine (the publish path); the snapshot
// accessors are safe from any goroutine.
type Detector struct {
	cfg DetectorConfig

	// mu guards everything below: Observe holds the write lock for the
	// duration of a frame, the snapshot accessors take the read lock.
	mu            sync.RWMutex
	baseline      *Baseline
	state         detectorState
	framesSeen    int
	cooldownUntil uint64
	recentScores  []ScorePoint
	scoreIdx      int
	scoreCount    int
}

// ScorePoint is one frame's peak significance, kept for the monitor.
type ScorePoint struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Score float64   `json:"score"`
}

// recentScoreDepth bounds the monitor's score history.
const recentScoreDepth = 512

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	switch cfg.Policy {
	case PolicySum, PolicyMax, PolicyWeighted:
	default:
		return nil, fmt.Errorf("unknown combination policy %q", cfg.Policy)
	}
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("trigger threshold must be positive, got %f", cfg.Threshold)
	}
	if cfg.Policy == PolicyWeighted && len(cfg.Weights) != 0 && len(cfg.Weights) != units.NumChannels {
		return nil, fmt.Errorf("channel weights must have %d entries, got %d", units.NumChannels, len(cfg.Weights))
	}
	if len(cfg.MaskedChannels) != 0 && len(cfg.MaskedChannels) != units.NumChannels {
		return nil, fmt.Errorf("channel mask must have %d entries, got %d", units.NumChannels, len(cfg.MaskedChannels))
	}
	return &Detector{
		baseline:     NewBaseline(cfg.Alpha),
		cfg:          cfg,
		state:        stateWarming,
		recentScores: make([]ScorePoint, recentScoreDepth),
	}, nil
}

// Observe evaluates one published frame: per time sample, score the
// unmasked channels against the baseline, then fold the sample into the
// statistics. Masked samples (drop mask or static channel mask) are
// excluded from both. Observe cannot fail; an all-masked sample scores
// zero.
func (d *Detector) Observe(frameSeq uint64, frame *burst.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var peak ScorePoint
	peak.Seq = frame.StartSeq
	peak.Time = frame.StartTime

	for p := 0; p < frame.Packets; p++ {
		if frame.DropMask[p] {
			continue
		}
		seq := frame.StartSeq + uint64(p)
		spectrum := frame.Spectrum(p)

		score := d.scoreSample(spectrum)
		if score > peak.Score {
			peak.Score = score
			peak.Seq = seq
			peak.Time = frame.TimeAt(seq)
		}

		d.advance(seq, score, frameSeq, frame)

		for ch := 0; ch < units.NumChannels; ch++ {
			if d.masked(ch) {
				continue
			}
			d.baseline.Update(ch, float64(spectrum[ch]))
		}
	}

	d.framesSeen++
	if d.state == stateWarming && d.framesSeen >= d.cfg.WarmupFrames {
		d.state = stateArmed
		if d.cfg.SettledAlphaFraction > 0 {
			d.baseline.SetAlpha(d.cfg.Alpha * d.cfg.SettledAlphaFraction)
		}
	}

	d.recentScores[d.scoreIdx] = peak
	d.scoreIdx = (d.scoreIdx + 1) % recentScoreDepth
	if d.scoreCount < recentScoreDepth {
		d.scoreCount++
	}
}

// scoreSample aggregates per-channel deviations into one significance
// score under the configured policy.
func (d *Detector) scoreSample(spectrum []float32) float64 {
	switch d.cfg.Policy {
	case PolicyMax:
		var max float64
		for ch := 0; ch < units.NumChannels; ch++ {
			if d.masked(ch) {
				continue
			}
			if dev := d.baseline.Deviation(ch, float64(spectrum[ch])); dev > max {
				max = dev
			}
		}
		return max
	case PolicyWeighted:
		var sum, wsum float64
		for ch := 0; ch < units.NumChannels; ch++ {
			if d.masked(ch) {
				continue
			}
			w := 1.0
			if len(d.cfg.Weights) != 0 {
				w = d.cfg.Weights[ch]
			}
			sum += w * d.baseline.Deviation(ch, float64(spectrum[ch]))
			wsum += w
		}
		if wsum == 0 {
			return 0
		}
		return sum / wsum
	default: // PolicySum
		var sum float64
		n := 0
		for ch := 0; ch < units.NumChannels; ch++ {
			if d.masked(ch) {
				continue
			}
			sum += d.baseline.Deviation(ch, float64(spectrum[ch]))
			n++
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}
}

// advance runs the state machine for one scored sample. Cooldown is
// measured from the triggering sample's sequence, so a sustained excursion
// fires exactly once per cooldown period.
func (d *Detector) advance(seq uint64, score float64, frameSeq uint64, frame *burst.Frame) {
	switch d.state {
	case stateWarming:
		return
	case stateCoolingDown:
		if seq < d.cooldownUntil {
			return
		}
		d.state = stateArmed
		fallthrough
	case stateArmed:
		if score <= d.cfg.Threshold {
			return
		}
		d.state = stateCoolingDown
		d.cooldownUntil = seq + d.cfg.CooldownSamples
		d.cfg.Stats.TriggersFired.Add(1)
		if d.cfg.OnTrigger != nil {
			d.cfg.OnTrigger(TriggerEvent{
				Seq:      seq,
				FrameSeq: frameSeq,
				Time:     frame.TimeAt(seq),
				Score:    score,
				Policy:   d.cfg.Policy,
			})
		}
	}
}

// MaskChannels builds a static channel mask from inclusive [lo, hi] index
// ranges, clamped to the band.
func MaskChannels(ranges [][2]int) []bool {
	if len(ranges) == 0 {
		return nil
	}
	mask := make([]bool, units.NumChannels)
	for _, r := range ranges {
		lo, hi := r[0], r[1]
		if lo < 0 {
			lo = 0
		}
		if hi >= units.NumChannels {
			hi = units.NumChannels - 1
		}
		for ch := lo; ch <= hi; ch++ {
			mask[ch] = true
		}
	}
	return mask
}

func (d *Detector) masked(ch int) bool {
	return len(d.cfg.MaskedChannels) != 0 && d.cfg.MaskedChannels[ch]
}

// BandpassSnapshot is a copy of the per-channel estimates for the monitor.
type BandpassSnapshot struct {
	Baseline   []float64 `json:"baseline"`
	Dispersion []float64 `json:"dispersion"`
}

// Bandpass copies the current baseline and dispersion estimates.
func (d *Detector) Bandpass() BandpassSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := BandpassSnapshot{
		Baseline:   make([]float64, units.NumChannels),
		Dispersion: make([]float64, units.NumChannels),
	}
	for ch := 0; ch < units.NumChannels; ch++ {
		snap.Baseline[ch] = d.baseline.Mean(ch)
		snap.Dispersion[ch] = d.baseline.Dev(ch)
	}
	return snap
}

// State reports the state machine's current phase as a label.
func (d *Detector) State() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state {
	case stateArmed:
		return "armed"
	case stateCoolingDown:
		return "cooling_down"
	default:
		return "warming"
	}
}

// FramesSeen reports how many frames have been observed.
func (d *Detector) FramesSeen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.framesSeen
}

// Threshold reports the configured trigger threshold.
func (d *Detector) Threshold() float64 { return d.cfg.Threshold }

// RecentScores returns the per-frame peak scores, oldest first.
func (d *Detector) RecentScores() []ScorePoint {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ScorePoint, 0, d.scoreCount)
	start := d.scoreIdx - d.scoreCount
	for i := 0; i < d.scoreCount; i++ {
		out = append(out, d.recentScores[(start+i+recentScoreDepth)%recentScoreDepth])
	}
	return out
}
