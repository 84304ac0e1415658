package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// voltageHeader mirrors the BWVC capture header.
type voltageHeader struct {
	Version  int
	Channels int
	Packets  int
	Frames   int
	StartSeq uint64
	StartMJD float64
}

const voltageHeaderSize = 4 + 2 + 4 + 4 + 4 + 8 + 8

// parseVoltageHeader decodes the fixed BWVC header.
func parseVoltageHeader(data []byte) (voltageHeader, error) {
	var hdr voltageHeader
	if len(data) < voltageHeaderSize {
		return hdr, io.ErrUnexpectedEOF
	}
	if string(data[:4]) != "BWVC" {
		return hdr, fmt.Errorf("not a voltage capture: magic %q", data[:4])
	}
	hdr.Version = int(binary.LittleEndian.Uint16(data[4:]))
	hdr.Channels = int(binary.LittleEndian.Uint32(data[6:]))
	hdr.Packets = int(binary.LittleEndian.Uint32(data[10:]))
	hdr.Frames = int(binary.LittleEndian.Uint32(data[14:]))
	hdr.StartSeq = binary.LittleEndian.Uint64(data[18:])
	hdr.StartMJD = math.Float64frombits(binary.LittleEndian.Uint64(data[26:]))
	return hdr, nil
}

// inspectVoltage prints the header and voltage statistics, returning the
// mean Stokes-I bandpass for plotting.
func inspectVoltage(w io.Writer, data []byte) ([]float64, error) {
	hdr, err := parseVoltageHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.Version != 1 {
		return nil, fmt.Errorf("unsupported voltage capture version %d", hdr.Version)
	}

	polBlock := hdr.Packets * hdr.Channels * 2
	perFrame := hdr.Packets + 2*polBlock
	want := voltageHeaderSize + hdr.Frames*perFrame
	if len(data) != want {
		return nil, fmt.Errorf("file is %d bytes, header implies %d", len(data), want)
	}

	bandpass := make([]float64, hdr.Channels)
	dropped := 0
	var sumAbs float64
	peak := 0

	off := voltageHeaderSize
	for f := 0; f < hdr.Frames; f++ {
		mask := data[off : off+hdr.Packets]
		for _, m := range mask {
			if m != 0 {
				dropped++
			}
		}
		off += hdr.Packets

		polA := data[off : off+polBlock]
		polB := data[off+polBlock : off+2*polBlock]
		off += 2 * polBlock

		for p := 0; p < hdr.Packets; p++ {
			row := p * hdr.Channels * 2
			for ch := 0; ch < hdr.Channels; ch++ {
				ra := int32(int8(polA[row+2*ch]))
				ia := int32(int8(polA[row+2*ch+1]))
				rb := int32(int8(polB[row+2*ch]))
				ib := int32(int8(polB[row+2*ch+1]))
				bandpass[ch] += float64(ra*ra + ia*ia + rb*rb + ib*ib)
				for _, v := range []int32{ra, ia, rb, ib} {
					a := int(v)
					if a < 0 {
						a = -a
					}
					sumAbs += float64(a)
					if a > peak {
						peak = a
					}
				}
			}
		}
	}

	samples := hdr.Frames * hdr.Packets
	if samples > 0 {
		for ch := range bandpass {
			bandpass[ch] /= float64(samples) * 16384.0
		}
	}

	fmt.Fprintf(w, "voltage capture (BWVC v%d)\n", hdr.Version)
	fmt.Fprintf(w, "  channels:     %d\n", hdr.Channels)
	fmt.Fprintf(w, "  frames:       %d x %d packets\n", hdr.Frames, hdr.Packets)
	fmt.Fprintf(w, "  start seq:    %d\n", hdr.StartSeq)
	fmt.Fprintf(w, "  start:        MJD %.8f\n", hdr.StartMJD)
	fmt.Fprintf(w, "  dropped:      %d of %d packets\n", dropped, samples)
	if samples > 0 {
		voltages := float64(samples) * float64(hdr.Channels) * 4
		fmt.Fprintf(w, "  voltage:      mean |v| %.3f, peak |v| %d\n", sumAbs/voltages, peak)
	}
	return bandpass, nil
}
