package l5capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/fsutil"
	"github.com/aperture-data/burst.watch/internal/units"
)

// Voltage snapshot file format, little-endian:
//
//	magic "BWVC", version u16, channels u32, packets-per-frame u32,
//	frame count u32, start packet seq u64, start time MJD f64,
//	then per frame: drop mask (1 byte per packet),
//	pol A voltages (packets x channels x (re, im) int8),
//	pol B voltages (same layout).
const (
	voltageMagic   = "BWVC"
	voltageVersion = 1
)

// VoltageSink archives the raw dual-polarization voltages of a snapshot,
// preserving the full information content for offline coherent processing.
// Same temp-then-rename discipline and JSON sidecar as the filterbank sink.
type VoltageSink struct {
	Dir string
	FS  fsutil.FileSystem
}

func (s *VoltageSink) Name() string { return "voltage" }

func (s *VoltageSink) fs() fsutil.FileSystem {
	if s.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return s.FS
}

func (s *VoltageSink) Write(ctx context.Context, job *Job, snap *l3ring.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(err)
	}
	fs := s.fs()
	if err := fs.MkdirAll(s.Dir, 0o755); err != nil {
		return "", Transient(fmt.Errorf("create capture dir: %w", err))
	}

	base := captureBasename(job)
	final := filepath.Join(s.Dir, base+".vc")
	tmp := filepath.Join(s.Dir, "."+base+".vc.tmp")

	var buf bytes.Buffer
	buf.WriteString(voltageMagic)
	writeU16(&buf, voltageVersion)
	writeU32(&buf, units.NumChannels)
	writeU32(&buf, uint32(snap.Frames[0].Packets))
	writeU32(&buf, uint32(len(snap.Frames)))
	writeU64(&buf, snap.Frames[0].StartSeq)
	writeF64(&buf, units.TimeToMJD(snap.Frames[0].StartTime))

	for _, frame := range snap.Frames {
		for _, m := range frame.DropMask {
			if m {
				buf.WriteByte(1)
			} else {
				buf.WriteByte(0)
			}
		}
		writeInt8s(&buf, frame.PolA)
		writeInt8s(&buf, frame.PolB)
	}

	if err := fs.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", Transient(fmt.Errorf("write voltage capture: %w", err))
	}
	if err := fs.Rename(tmp, final); err != nil {
		return "", Transient(fmt.Errorf("rename voltage capture into place: %w", err))
	}

	if err := writeSidecar(fs, s.Dir, base, job, snap); err != nil {
		return "", err
	}
	return final, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], v)
	buf.Write(raw[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	buf.Write(raw[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	buf.Write(raw[:])
}

func writeF64(buf *bytes.Buffer, v float64) {
	writeU64(buf, math.Float64bits(v))
}

func writeInt8s(buf *bytes.Buffer, vs []int8) {
	for _, v := range vs {
		buf.WriteByte(byte(v))
	}
}

// expectedVoltageSize returns the file size a snapshot should produce,
// used by tests and the inspect tool to sanity-check captures.
func expectedVoltageSize(frames, packets int) int {
	header := len(voltageMagic) + 2 + 4 + 4 + 4 + 8 + 8
	perFrame := packets + 2*packets*burst.PolBlockSize
	return header + frames*perFrame
}
