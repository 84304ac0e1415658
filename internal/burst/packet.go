// Package burst holds the shared types of the packet-to-trigger pipeline:
// the voltage packet wire codec, the assembled frame, and the pipeline
// counters. The stage packages (l1udp, l2assembly, l3ring, l4trigger,
// l5capture) build on these.
package burst

import (
	"encoding/binary"
	"fmt"

	"github.com/aperture-data/burst.watch/internal/units"
)

// Wire layout of one digitizer datagram, little-endian:
// an 8-byte sequence count followed by 2048 channels of (re, im) int8
// voltages for polarization A, then the same block for polarization B.
const (
	SeqHeaderSize = 8
	// PolBlockSize is one polarization's voltage block: 2048 x (re, im).
	PolBlockSize = units.NumChannels * 2
	// PacketSize is the exact datagram size; anything else is malformed.
	PacketSize = SeqHeaderSize + 2*PolBlockSize
)

// StokesScale folds the int16 dynamic range of |a|^2 + |b|^2 back to unit
// scale. The fixed-point to float conversion is exact up to this factor.
const StokesScale = 16384.0

// VoltagePacket is one parsed datagram. PolA and PolB hold interleaved
// (re, im) int8 voltages, channel-major. Immutable once parsed.
type VoltagePacket struct {
	Seq  uint64
	PolA [PolBlockSize]int8
	PolB [PolBlockSize]int8
}

// ParseVoltagePacket decodes buf into pkt. The packet is parsed into a
// caller-provided struct so the socket loop does not allocate per datagram.
func ParseVoltagePacket(buf []byte, pkt *VoltagePacket) error {
	if len(buf) != PacketSize {
		return fmt.Errorf("voltage packet size %d, want %d", len(buf), PacketSize)
	}
	pkt.Seq = binary.LittleEndian.Uint64(buf[:SeqHeaderSize])
	a := buf[SeqHeaderSize : SeqHeaderSize+PolBlockSize]
	b := buf[SeqHeaderSize+PolBlockSize:]
	for i := range pkt.PolA {
		pkt.PolA[i] = int8(a[i])
		pkt.PolB[i] = int8(b[i])
	}
	return nil
}

// AppendWire serializes the packet to its wire form, appending to dst.
// The replay generator and tests are the only writers; the daemon itself
// never emits packets.
func (p *VoltagePacket) AppendWire(dst []byte) []byte {
	var hdr [SeqHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[:], p.Seq)
	dst = append(dst, hdr[:]...)
	for i := range p.PolA {
		dst = append(dst, byte(p.PolA[i]))
	}
	for i := range p.PolB {
		dst = append(dst, byte(p.PolB[i]))
	}
	return dst
}

// StokesI writes the per-channel Stokes-I power of pkt into dst, which must
// have NumChannels elements: (|a|^2 + |b|^2) / StokesScale as float32.
func StokesI(dst []float32, pkt *VoltagePacket) {
	_ = dst[units.NumChannels-1]
	for ch := 0; ch < units.NumChannels; ch++ {
		ra := int32(pkt.PolA[2*ch])
		ia := int32(pkt.PolA[2*ch+1])
		rb := int32(pkt.PolB[2*ch])
		ib := int32(pkt.PolB[2*ch+1])
		sum := ra*ra + ia*ia + rb*rb + ib*ib
		dst[ch] = float32(sum) / StokesScale
	}
}
