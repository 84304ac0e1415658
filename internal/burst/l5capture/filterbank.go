package l5capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"

	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/fsutil"
	"github.com/aperture-data/burst.watch/internal/security"
	"github.com/aperture-data/burst.watch/internal/units"
)

// FilterbankSink writes SIGPROC filterbank files: a little-endian keyword
// header followed by 32-bit float Stokes-I samples, highest frequency
// first. A JSON sidecar carries the trigger metadata and the drop-mask
// ranges, which the filterbank format itself cannot represent.
type FilterbankSink struct {
	// Dir is the capture directory. Files are written under temp names
	// and renamed into place, so partial captures are never visible.
	Dir string
	// FS is the filesystem to write through; nil uses the OS filesystem.
	FS fsutil.FileSystem
	// Source is the source_name header value, e.g. the telescope pointing.
	Source string
}

func (s *FilterbankSink) Name() string { return "filterbank" }

func (s *FilterbankSink) fs() fsutil.FileSystem {
	if s.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return s.FS
}

// Write archives the snapshot as <base>.fil plus <base>.json. Retrying
// overwrites the same names, so duplicate writes are safe.
func (s *FilterbankSink) Write(ctx context.Context, job *Job, snap *l3ring.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Transient(err)
	}
	fs := s.fs()
	if err := fs.MkdirAll(s.Dir, 0o755); err != nil {
		return "", Transient(fmt.Errorf("create capture dir: %w", err))
	}

	base := captureBasename(job)
	final := filepath.Join(s.Dir, base+".fil")
	tmp := filepath.Join(s.Dir, "."+base+".fil.tmp")

	var buf bytes.Buffer
	writeFilterbankHeader(&buf, s.Source, snap)
	for _, frame := range snap.Frames {
		for p := 0; p < frame.Packets; p++ {
			for _, v := range frame.Spectrum(p) {
				var raw [4]byte
				binary.LittleEndian.PutUint32(raw[:], math.Float32bits(v))
				buf.Write(raw[:])
			}
		}
	}

	if err := fs.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", Transient(fmt.Errorf("write filterbank: %w", err))
	}
	if err := fs.Rename(tmp, final); err != nil {
		return "", Transient(fmt.Errorf("rename filterbank into place: %w", err))
	}

	if err := writeSidecar(fs, s.Dir, base, job, snap); err != nil {
		return "", err
	}
	return final, nil
}

// writeFilterbankHeader emits the SIGPROC keyword header. Channel 0 is the
// highest frequency, so fch1 is the top of the band and foff is negative.
func writeFilterbankHeader(buf *bytes.Buffer, source string, snap *l3ring.Snapshot) {
	hdrKeyword(buf, "HEADER_START")
	hdrString(buf, "source_name", source)
	hdrInt(buf, "machine_id", 0)
	hdrInt(buf, "telescope_id", 0)
	hdrInt(buf, "data_type", 1)
	hdrDouble(buf, "fch1", units.FirstChannelMHz)
	hdrDouble(buf, "foff", units.ChannelOffsetMHz)
	hdrInt(buf, "nchans", units.NumChannels)
	hdrInt(buf, "nbits", 32)
	hdrInt(buf, "nifs", 1)
	hdrDouble(buf, "tstart", units.TimeToMJD(snap.Frames[0].StartTime))
	hdrDouble(buf, "tsamp", units.SampleCadence.Seconds())
	hdrKeyword(buf, "HEADER_END")
}

func hdrKeyword(buf *bytes.Buffer, name string) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(name)))
	buf.Write(n[:])
	buf.WriteString(name)
}

func hdrString(buf *bytes.Buffer, name, value string) {
	hdrKeyword(buf, name)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(value)))
	buf.Write(n[:])
	buf.WriteString(value)
}

func hdrInt(buf *bytes.Buffer, name string, value int32) {
	hdrKeyword(buf, name)
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(value))
	buf.Write(raw[:])
}

func hdrDouble(buf *bytes.Buffer, name string, value float64) {
	hdrKeyword(buf, name)
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], math.Float64bits(value))
	buf.Write(raw[:])
}

// captureBasename builds the output basename from the UTC trigger time and
// job ID, plus the sanitized operator suffix on manual dumps.
func captureBasename(job *Job) string {
	base := fmt.Sprintf("burst-%s-%.8s",
		job.Trigger.Time.UTC().Format("20060102T150405"), job.ID)
	if job.Suffix != "" {
		base += "-" + security.SanitizeFilename(job.Suffix)
	}
	return base
}

// captureMeta is the sidecar metadata record.
type captureMeta struct {
	JobID        string        `json:"job_id"`
	TriggerSeq   uint64        `json:"trigger_seq"`
	TriggerMJD   float64       `json:"trigger_mjd"`
	Score        float64       `json:"score"`
	Policy       string        `json:"policy"`
	LoFrame      uint64        `json:"lo_frame"`
	HiFrame      uint64        `json:"hi_frame"`
	StartSeq     uint64        `json:"start_seq"`
	Samples      int           `json:"samples"`
	MaskedRanges []maskedRange `json:"masked_ranges,omitempty"`
}

func writeSidecar(fs fsutil.FileSystem, dir, base string, job *Job, snap *l3ring.Snapshot) error {
	meta := captureMeta{
		JobID:        job.ID,
		TriggerSeq:   job.Trigger.Seq,
		TriggerMJD:   units.TimeToMJD(job.Trigger.Time),
		Score:        job.Trigger.Score,
		Policy:       job.Trigger.Policy,
		LoFrame:      snap.Lo,
		HiFrame:      snap.Hi,
		StartSeq:     snap.Frames[0].StartSeq,
		Samples:      totalPackets(snap),
		MaskedRanges: maskedRangesOf(snap),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Permanent(fmt.Errorf("encode capture metadata: %w", err))
	}
	final := filepath.Join(dir, base+".json")
	tmp := filepath.Join(dir, "."+base+".json.tmp")
	if err := fs.WriteFile(tmp, data, 0o644); err != nil {
		return Transient(fmt.Errorf("write capture metadata: %w", err))
	}
	if err := fs.Rename(tmp, final); err != nil {
		return Transient(fmt.Errorf("rename capture metadata into place: %w", err))
	}
	return nil
}
