package burst

import (
	"time"

	"github.com/aperture-data/burst.watch/internal/units"
)

// Frame is one fixed-duration block of consecutive packets, assembled and
// converted to power spectra. The assembler owns a frame until it hands it
// to the ring; after publish the frame is immutable, so readers can hold the
// slice headers without copying the data.
type Frame struct {
	// StartSeq is the packet sequence of the first sample in the frame.
	StartSeq uint64
	// Packets is the number of time samples (packets) in the frame.
	Packets int
	// StartTime is the absolute sky time of StartSeq.
	StartTime time.Time

	// Power holds Stokes-I spectra, packet-major:
	// Power[p*NumChannels+ch] is channel ch of time sample p.
	Power []float32
	// DropMask flags time samples that never arrived. Masked samples carry
	// the sentinel fill (zero power, zero voltages) and must be treated as
	// absent, never as a true zero measurement.
	DropMask []bool

	// PolA and PolB retain the raw interleaved (re, im) voltages,
	// packet-major, for triggered voltage capture.
	PolA []int8
	PolB []int8
}

// NewFrame allocates a frame for the given span. Buffers are fresh per
// frame: ownership moves to the ring on publish and old frames must stay
// readable after their slot is overwritten.
func NewFrame(startSeq uint64, packets int, startTime time.Time) *Frame {
	return &Frame{
		StartSeq:  startSeq,
		Packets:   packets,
		StartTime: startTime,
		Power:     make([]float32, packets*units.NumChannels),
		DropMask:  make([]bool, packets),
		PolA:      make([]int8, packets*PolBlockSize),
		PolB:      make([]int8, packets*PolBlockSize),
	}
}

// EndSeq returns the sequence one past the last sample in the frame.
func (f *Frame) EndSeq() uint64 { return f.StartSeq + uint64(f.Packets) }

// EndTime returns the absolute sky time one cadence past the last sample.
func (f *Frame) EndTime() time.Time {
	return f.StartTime.Add(time.Duration(f.Packets) * units.SampleCadence)
}

// TimeAt returns the absolute sky time of packet sequence seq, given the
// frame's own start as reference. seq must be within [StartSeq, EndSeq).
func (f *Frame) TimeAt(seq uint64) time.Time {
	return f.StartTime.Add(time.Duration(seq-f.StartSeq) * units.SampleCadence)
}

// Spectrum returns the power spectrum of time sample p as a sub-slice of
// Power. The result aliases the frame and must not be mutated.
func (f *Frame) Spectrum(p int) []float32 {
	return f.Power[p*units.NumChannels : (p+1)*units.NumChannels]
}

// Dropped counts masked time samples.
func (f *Frame) Dropped() int {
	n := 0
	for _, m := range f.DropMask {
		if m {
			n++
		}
	}
	return n
}
