package burst

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aperture-data/burst.watch/internal/units"
)

func TestFrameSpanAccessors(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	f := NewFrame(100, 8, start)

	assert.Equal(t, uint64(108), f.EndSeq())
	assert.Equal(t, start.Add(8*units.SampleCadence), f.EndTime())
	assert.Equal(t, start.Add(3*units.SampleCadence), f.TimeAt(103))
	assert.Len(t, f.Power, 8*units.NumChannels)
	assert.Len(t, f.PolA, 8*PolBlockSize)
}

func TestFrameSpectrumAliasesPower(t *testing.T) {
	f := NewFrame(0, 2, time.Time{})
	f.Power[units.NumChannels+5] = 0.75

	spec := f.Spectrum(1)
	assert.Len(t, spec, units.NumChannels)
	assert.Equal(t, float32(0.75), spec[5])

	spec[5] = 0.25
	assert.Equal(t, float32(0.25), f.Power[units.NumChannels+5])
}

func TestFrameDropped(t *testing.T) {
	f := NewFrame(0, 4, time.Time{})
	assert.Equal(t, 0, f.Dropped())
	f.DropMask[1] = true
	f.DropMask[3] = true
	assert.Equal(t, 2, f.Dropped())
}

func TestStatsSnapshot(t *testing.T) {
	s := NewPipelineStats()
	s.PacketsReceived.Add(7)
	s.GapsFilled.Add(2)
	s.TriggersFired.Add(1)

	snap := s.Snapshot()
	assert.Equal(t, int64(7), snap.PacketsReceived)
	assert.Equal(t, int64(2), snap.GapsFilled)
	assert.Equal(t, int64(1), snap.TriggersFired)
	assert.Zero(t, snap.CapturesFailed)
}
