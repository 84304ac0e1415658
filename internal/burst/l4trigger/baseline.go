// Package l4trigger evaluates published frames for transient candidates.
// A per-channel streaming baseline and dispersion estimate normalize each
// sample; deviations are aggregated across the band into one significance
// score, which drives a threshold-and-cooldown trigger state machine.
package l4trigger

import (
	"github.com/aperture-data/burst.watch/internal/units"
)

// dispersionFloor prevents division blowups on channels whose spread has
// smoothed toward zero (e.g. a dead channel reporting a constant).
const dispersionFloor = 1e-6

// Baseline holds per-channel streaming statistics: an exponentially
// smoothed baseline and a smoothed absolute deviation as an
// outlier-resistant spread measure. O(channels) memory, no history.
type Baseline struct {
	mean  []float64
	dev   []float64
	seen  []int64
	alpha float64
}

// NewBaseline creates a baseline estimator with smoothing factor alpha.
func NewBaseline(alpha float64) *Baseline {
	return &Baseline{
		mean:  make([]float64, units.NumChannels),
		dev:   make([]float64, units.NumChannels),
		seen:  make([]int64, units.NumChannels),
		alpha: alpha,
	}
}

// SetAlpha changes the smoothing factor; the detector lowers it once the
// warmup has settled.
func (b *Baseline) SetAlpha(alpha float64) { b.alpha = alpha }

// Deviation returns the normalized deviation of value x on channel ch
// against the current estimates, before any update.
func (b *Baseline) Deviation(ch int, x float64) float64 {
	d := b.dev[ch]
	if d < dispersionFloor {
		d = dispersionFloor
	}
	return (x - b.mean[ch]) / d
}

// Update folds one unmasked sample into channel ch's estimates. The first
// sample seeds the mean directly so the estimate does not have to climb
// from zero.
func (b *Baseline) Update(ch int, x float64) {
	if b.seen[ch] == 0 {
		b.mean[ch] = x
		b.seen[ch] = 1
		return
	}
	b.seen[ch]++
	delta := x - b.mean[ch]
	b.mean[ch] += b.alpha * delta
	ad := delta
	if ad < 0 {
		ad = -ad
	}
	b.dev[ch] += b.alpha * (ad - b.dev[ch])
}

// Seen returns the number of unmasked samples folded into channel ch.
func (b *Baseline) Seen(ch int) int64 { return b.seen[ch] }

// Mean returns channel ch's current baseline estimate.
func (b *Baseline) Mean(ch int) float64 { return b.mean[ch] }

// Dev returns channel ch's current dispersion estimate.
func (b *Baseline) Dev(ch int) float64 { return b.dev[ch] }
