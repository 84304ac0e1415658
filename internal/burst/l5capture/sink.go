// Package l5capture turns trigger events into archived data snapshots. The
// manager consumes triggers, snapshots the implicated window out of the
// ring, and hands it to the archival sinks with bounded retries and bounded
// writing concurrency.
package l5capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
)

// Sink consumes a capture snapshot and writes a self-describing file plus
// metadata. Implementations must be idempotent-safe to retry: writing the
// same snapshot twice may not corrupt or duplicate visible output.
type Sink interface {
	// Name identifies the sink in job records and logs.
	Name() string
	// Write archives the snapshot and returns its location.
	Write(ctx context.Context, job *Job, snap *l3ring.Snapshot) (string, error)
}

// SinkError classifies a sink failure. Transient failures are retried with
// backoff up to the attempt limit; permanent ones fail the job immediately.
type SinkError struct {
	Err       error
	Transient bool
}

func (e *SinkError) Error() string { return e.Err.Error() }
func (e *SinkError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable sink failure.
func Transient(err error) error { return &SinkError{Err: err, Transient: true} }

// Permanent wraps err as a non-retryable sink failure.
func Permanent(err error) error { return &SinkError{Err: err, Transient: false} }

// IsTransient reports whether err should be retried. Unclassified errors
// are treated as transient: the attempt limit bounds the damage, and most
// sink failures (disk pressure, NFS hiccups) clear on retry.
func IsTransient(err error) bool {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

// DiscardSink accepts and drops every snapshot. Used by tests and dry runs.
type DiscardSink struct{}

func (DiscardSink) Name() string { return "discard" }

func (DiscardSink) Write(_ context.Context, job *Job, _ *l3ring.Snapshot) (string, error) {
	return fmt.Sprintf("discard://%s", job.ID), nil
}

// maskedRanges summarizes a snapshot's drop mask as inclusive packet
// sequence ranges, recorded in the capture metadata so gaps are explicit in
// the archive rather than silently zero.
type maskedRange struct {
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
}

func maskedRangesOf(snap *l3ring.Snapshot) []maskedRange {
	var out []maskedRange
	var open bool
	var lo, hi uint64
	for _, frame := range snap.Frames {
		for p := 0; p < frame.Packets; p++ {
			seq := frame.StartSeq + uint64(p)
			if frame.DropMask[p] {
				if open && seq == hi+1 {
					hi = seq
					continue
				}
				if open {
					out = append(out, maskedRange{Lo: lo, Hi: hi})
				}
				open, lo, hi = true, seq, seq
			}
		}
	}
	if open {
		out = append(out, maskedRange{Lo: lo, Hi: hi})
	}
	return out
}

// totalPackets counts the time samples in a snapshot.
func totalPackets(snap *l3ring.Snapshot) int {
	n := 0
	for _, frame := range snap.Frames {
		n += frame.Packets
	}
	return n
}
