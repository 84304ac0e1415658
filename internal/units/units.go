// Package units provides shared constants and conversions for the observing
// band: channel frequencies, sampling cadence, and astronomical time scales.
package units

import "time"

// Band layout. The digitizer delivers 2048 critically sampled channels over
// 250 MHz of bandwidth, ordered highest frequency first. FirstChannelMHz is
// the center frequency of channel 0.
const (
	NumChannels     = 2048
	BandwidthMHz    = 250.0
	FirstChannelMHz = 1529.93896484375
	// ChannelOffsetMHz is negative: frequency decreases with channel index.
	ChannelOffsetMHz = -BandwidthMHz / NumChannels
)

// SampleCadence is the sky time covered by one spectrum (one packet count).
const SampleCadence = 8192 * time.Nanosecond

// ChannelFreqMHz returns the center frequency of the given channel index.
func ChannelFreqMHz(channel int) float64 {
	return FirstChannelMHz + float64(channel)*ChannelOffsetMHz
}

// ChannelForFreqMHz returns the channel index whose center frequency is
// nearest to f, clamped to the band.
func ChannelForFreqMHz(f float64) int {
	idx := int((f-FirstChannelMHz)/ChannelOffsetMHz + 0.5)
	if idx < 0 {
		return 0
	}
	if idx >= NumChannels {
		return NumChannels - 1
	}
	return idx
}
