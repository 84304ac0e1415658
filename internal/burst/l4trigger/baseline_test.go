package l4trigger

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aperture-data/burst.watch/internal/units"
)

func TestBaselineSeedsFromFirstSample(t *testing.T) {
	b := NewBaseline(0.5)
	assert.Equal(t, int64(0), b.Seen(7))

	b.Update(7, 3.0)
	assert.Equal(t, int64(1), b.Seen(7))
	assert.Equal(t, 3.0, b.Mean(7))
	assert.Equal(t, 0.0, b.Dev(7))
}

func TestBaselineTracksMeanAndDeviation(t *testing.T) {
	b := NewBaseline(0.5)
	b.Update(0, 10.0)
	b.Update(0, 14.0) // delta 4: mean 12, dev 2
	assert.InDelta(t, 12.0, b.Mean(0), 1e-9)
	assert.InDelta(t, 2.0, b.Dev(0), 1e-9)

	b.Update(0, 8.0) // delta -4: mean 10, dev 3
	assert.InDelta(t, 10.0, b.Mean(0), 1e-9)
	assert.InDelta(t, 3.0, b.Dev(0), 1e-9)
	assert.Equal(t, int64(3), b.Seen(0))
}

func TestBaselineDeviationFloor(t *testing.T) {
	b := NewBaseline(0.5)
	b.Update(0, 1.0)
	// Dev is still zero: the floor keeps the deviation finite.
	assert.InDelta(t, 1.0/dispersionFloor, b.Deviation(0, 2.0), 1e-3)
	assert.Equal(t, 0.0, b.Deviation(0, 1.0))
}

func TestBaselineSetAlpha(t *testing.T) {
	b := NewBaseline(0.5)
	b.Update(0, 0.0)
	b.SetAlpha(0.1)
	b.Update(0, 10.0)
	assert.InDelta(t, 1.0, b.Mean(0), 1e-9)
}

func TestMaskChannels(t *testing.T) {
	assert.Nil(t, MaskChannels(nil))

	mask := MaskChannels([][2]int{{0, 2}, {2040, units.NumChannels + 50}})
	assert.Len(t, mask, units.NumChannels)
	assert.True(t, mask[0])
	assert.True(t, mask[2])
	assert.False(t, mask[3])
	assert.True(t, mask[units.NumChannels-1])

	// Negative lower bound clamps to the band start.
	mask = MaskChannels([][2]int{{-5, 1}})
	assert.True(t, mask[0])
	assert.True(t, mask[1])
	assert.False(t, mask[2])
}
