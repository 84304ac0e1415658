// Package inject replays recorded pulse profiles into the live voltage
// stream, ahead of frame assembly, to validate the detection path end to
// end. Each injection is recorded so downstream candidates can be matched
// against known fakes.
package inject

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/monitoring"
	"github.com/aperture-data/burst.watch/internal/timeutil"
	"github.com/aperture-data/burst.watch/internal/units"
)

// Pulse is one recorded pulse profile: int8 per-channel amplitudes,
// time-major, one row per packet.
type Pulse struct {
	Name    string
	Samples int
	// Data[t*NumChannels+ch] is the amplitude of channel ch at time t.
	Data []int8
}

// LoadPulse parses a raw .dat profile. The file is int8 amplitudes with no
// header; its length must be a whole number of channel rows.
func LoadPulse(path string) (Pulse, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pulse{}, fmt.Errorf("read pulse file: %w", err)
	}
	if len(raw) == 0 || len(raw)%units.NumChannels != 0 {
		return Pulse{}, fmt.Errorf("pulse file %s: %d bytes is not a whole number of %d-channel rows",
			filepath.Base(path), len(raw), units.NumChannels)
	}
	data := make([]int8, len(raw))
	for i, b := range raw {
		data[i] = int8(b)
	}
	return Pulse{
		Name:    filepath.Base(path),
		Samples: len(raw) / units.NumChannels,
		Data:    data,
	}, nil
}

// LoadPulseDir loads every .dat file in dir, sorted by name.
func LoadPulseDir(dir string) ([]Pulse, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read pulse dir: %w", err)
	}
	var pulses []Pulse
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".dat" {
			continue
		}
		p, err := LoadPulse(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		pulses = append(pulses, p)
	}
	sort.Slice(pulses, func(i, j int) bool { return pulses[i].Name < pulses[j].Name })
	if len(pulses) == 0 {
		return nil, fmt.Errorf("no .dat pulse files in %s", dir)
	}
	return pulses, nil
}

// Recorder persists injections; the event database implements it.
type Recorder interface {
	RecordInjection(t time.Time, file string, startSeq uint64) error
}

// InjectorConfig configures an Injector.
type InjectorConfig struct {
	// Pulses cycle in order; at least one is required.
	Pulses []Pulse
	// Cadence is the wall-clock interval between injection starts.
	Cadence time.Duration
	// Clock paces the cadence. Nil uses the real clock.
	Clock timeutil.Clock
	// Recorder persists injections; nil disables persistence.
	Recorder Recorder
}

// Injector adds pulse amplitudes into the packet stream. Process must be
// called from a single goroutine, in sequence order, on every packet.
type Injector struct {
	cfg   InjectorConfig
	clock timeutil.Clock

	cycle     int
	injecting bool
	row       int
	lastStart time.Time
}

// NewInjector creates an Injector.
func NewInjector(cfg InjectorConfig) (*Injector, error) {
	if len(cfg.Pulses) == 0 {
		return nil, fmt.Errorf("injector requires at least one pulse")
	}
	if cfg.Cadence <= 0 {
		return nil, fmt.Errorf("injection cadence must be positive, got %v", cfg.Cadence)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Injector{
		cfg:       cfg,
		clock:     clock,
		lastStart: clock.Now(),
	}, nil
}

// Process mutates pkt in place, adding the current pulse row into the real
// parts of both polarizations. Between injections it is a no-op.
func (in *Injector) Process(pkt *burst.VoltagePacket) {
	if !in.injecting && in.clock.Since(in.lastStart) >= in.cfg.Cadence {
		in.lastStart = in.clock.Now()
		in.injecting = true
		in.row = 0
		pulse := in.cfg.Pulses[in.cycle]
		monitoring.Logf("Injecting pulse %s at seq %d (MJD %.8f)",
			pulse.Name, pkt.Seq, units.TimeToMJD(in.clock.Now()))
		if in.cfg.Recorder != nil {
			if err := in.cfg.Recorder.RecordInjection(in.clock.Now(), pulse.Name, pkt.Seq); err != nil {
				monitoring.Logf("failed to record injection of %s: %v", pulse.Name, err)
			}
		}
	}
	if !in.injecting {
		return
	}

	pulse := in.cfg.Pulses[in.cycle]
	row := pulse.Data[in.row*units.NumChannels : (in.row+1)*units.NumChannels]
	for ch, amp := range row {
		// Amplitudes scale to the full int8 range; sums clamp rather
		// than wrap, matching what a saturating digitizer would emit.
		re := 2 * ch
		pkt.PolA[re] = satAdd(pkt.PolA[re], amp)
		pkt.PolB[re] = satAdd(pkt.PolB[re], amp)
	}

	in.row++
	if in.row == pulse.Samples {
		in.injecting = false
		in.cycle = (in.cycle + 1) % len(in.cfg.Pulses)
	}
}

// satAdd adds 127*amp into v, clamped to the int8 range.
func satAdd(v, amp int8) int8 {
	sum := int(v) + 127*int(amp)
	if sum > 127 {
		return 127
	}
	if sum < -128 {
		return -128
	}
	return int8(sum)
}
