package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// filterbankHeader holds the SIGPROC keywords this tool cares about.
type filterbankHeader struct {
	SourceName string
	Fch1       float64
	Foff       float64
	NChans     int
	NBits      int
	TStartMJD  float64
	TSampSec   float64
}

// parseFilterbankHeader decodes the SIGPROC keyword header and returns
// it together with the offset of the first data byte. Keywords are
// length-prefixed strings; values follow by keyword-specific type.
func parseFilterbankHeader(data []byte) (filterbankHeader, int, error) {
	var hdr filterbankHeader
	off := 0

	readKeyword := func() (string, error) {
		if off+4 > len(data) {
			return "", io.ErrUnexpectedEOF
		}
		n := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if n < 0 || off+n > len(data) {
			return "", fmt.Errorf("keyword length %d out of range", n)
		}
		s := string(data[off : off+n])
		off += n
		return s, nil
	}
	readInt := func() (int32, error) {
		if off+4 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		v := int32(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		return v, nil
	}
	readDouble := func() (float64, error) {
		if off+8 > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
		off += 8
		return v, nil
	}

	first, err := readKeyword()
	if err != nil {
		return hdr, 0, err
	}
	if first != "HEADER_START" {
		return hdr, 0, fmt.Errorf("not a filterbank file: first keyword %q", first)
	}

	for {
		keyword, err := readKeyword()
		if err != nil {
			return hdr, 0, fmt.Errorf("truncated header: %w", err)
		}
		if keyword == "HEADER_END" {
			return hdr, off, nil
		}

		switch keyword {
		case "source_name":
			hdr.SourceName, err = readKeyword()
		case "fch1":
			hdr.Fch1, err = readDouble()
		case "foff":
			hdr.Foff, err = readDouble()
		case "tstart":
			hdr.TStartMJD, err = readDouble()
		case "tsamp":
			hdr.TSampSec, err = readDouble()
		case "nchans":
			var v int32
			v, err = readInt()
			hdr.NChans = int(v)
		case "nbits":
			var v int32
			v, err = readInt()
			hdr.NBits = int(v)
		case "machine_id", "telescope_id", "data_type", "nifs":
			_, err = readInt()
		default:
			return hdr, 0, fmt.Errorf("unknown header keyword %q", keyword)
		}
		if err != nil {
			return hdr, 0, fmt.Errorf("reading %s: %w", keyword, err)
		}
	}
}

// inspectFilterbank prints the header and sample statistics, returning
// the mean bandpass for plotting.
func inspectFilterbank(w io.Writer, data []byte) ([]float64, error) {
	hdr, dataOff, err := parseFilterbankHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.NBits != 32 {
		return nil, fmt.Errorf("unsupported nbits %d, want 32", hdr.NBits)
	}
	if hdr.NChans <= 0 {
		return nil, fmt.Errorf("bad channel count %d", hdr.NChans)
	}

	payload := data[dataOff:]
	sampleBytes := hdr.NChans * 4
	if len(payload)%sampleBytes != 0 {
		return nil, fmt.Errorf("payload %d bytes is not a whole number of %d-channel samples", len(payload), hdr.NChans)
	}
	samples := len(payload) / sampleBytes

	bandpass := make([]float64, hdr.NChans)
	minV, maxV := math.Inf(1), math.Inf(-1)
	var sum float64
	for s := 0; s < samples; s++ {
		row := payload[s*sampleBytes:]
		for ch := 0; ch < hdr.NChans; ch++ {
			v := float64(math.Float32frombits(binary.LittleEndian.Uint32(row[ch*4:])))
			bandpass[ch] += v
			sum += v
			if v < minV {
				minV = v
			}
			if v > maxV {
				maxV = v
			}
		}
	}
	if samples > 0 {
		for ch := range bandpass {
			bandpass[ch] /= float64(samples)
		}
	}

	fmt.Fprintf(w, "filterbank capture\n")
	fmt.Fprintf(w, "  source_name:  %s\n", hdr.SourceName)
	fmt.Fprintf(w, "  fch1:         %.6f MHz\n", hdr.Fch1)
	fmt.Fprintf(w, "  foff:         %.6f MHz\n", hdr.Foff)
	fmt.Fprintf(w, "  nchans:       %d\n", hdr.NChans)
	fmt.Fprintf(w, "  tstart:       MJD %.8f\n", hdr.TStartMJD)
	fmt.Fprintf(w, "  tsamp:        %.3e s\n", hdr.TSampSec)
	fmt.Fprintf(w, "  samples:      %d (%.3f ms)\n", samples, float64(samples)*hdr.TSampSec*1e3)
	if samples > 0 {
		n := float64(samples) * float64(hdr.NChans)
		fmt.Fprintf(w, "  power:        mean %.4f, min %.4f, max %.4f\n", sum/n, minV, maxV)
		fmt.Fprintf(w, "  bandpass p95: %.4f\n", quantile(bandpass, 0.95))
	}
	return bandpass, nil
}

// quantile returns the q-th empirical quantile of a copy of vs.
func quantile(vs []float64, q float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), vs...)
	sort.Float64s(sorted)
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
