// Package l3ring implements the frame staging store: a fixed-capacity,
// single-writer, multi-reader ring of frame slots. The writer publishes
// under a strictly increasing sequence and never waits on readers; readers
// detect staleness by sequence comparison and never take a lock.
package l3ring

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/aperture-data/burst.watch/internal/burst"
)

// ErrEvicted reports that the requested sequence's slot has been overwritten
// by wraparound since publish.
var ErrEvicted = errors.New("sequence evicted from ring")

// Slot state encoding in the atomic marker: 0 is empty, otherwise the
// published ring sequence plus one, with writingBit set while the writer is
// replacing the slot's value.
const writingBit = uint64(1) << 63

type slot struct {
	marker atomic.Uint64
	frame  atomic.Pointer[burst.Frame]
}

// Ring is the staging store. Exactly one goroutine may call Publish;
// any number may call Read, Latest, and SnapshotRange concurrently.
type Ring struct {
	slots []slot
	mask  uint64
	next  uint64        // next ring sequence, writer-owned
	high  atomic.Uint64 // latest published sequence plus one
}

// NewRing creates a ring with at least the given frame capacity, rounded up
// to a power of two for mask indexing. Capacity defines the maximum
// look-back horizon and is the primary memory ceiling.
func NewRing(capacity int) (*Ring, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", capacity)
	}
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring{
		slots: make([]slot, n),
		mask:  uint64(n - 1),
	}, nil
}

// Capacity returns the slot count (the look-back horizon in frames).
func (r *Ring) Capacity() int { return len(r.slots) }

// Publish stores frame under the next ring sequence and returns it. It
// always succeeds and never blocks: if the slot to be reused is still
// wanted by a reader, the overwrite proceeds and that reader observes
// ErrEvicted. The frame must not be mutated after publish.
func (r *Ring) Publish(frame *burst.Frame) uint64 {
	seq := r.next
	r.next++

	s := &r.slots[seq&r.mask]
	// Mark the slot torn while the value is being replaced so a concurrent
	// reader cannot mistake a half-written slot for a published one.
	s.marker.Store((seq + 1) | writingBit)
	s.frame.Store(frame)
	s.marker.Store(seq + 1)

	r.high.Store(seq + 1)
	return seq
}

// Latest returns the highest published ring sequence and whether anything
// has been published yet.
func (r *Ring) Latest() (uint64, bool) {
	h := r.high.Load()
	if h == 0 {
		return 0, false
	}
	return h - 1, true
}

// Read returns the frame published under seq, or ErrEvicted if the slot has
// been overwritten (or seq has not been published). Reads are idempotent:
// repeated reads of a still-resident sequence return the identical frame.
func (r *Ring) Read(seq uint64) (*burst.Frame, error) {
	s := &r.slots[seq&r.mask]
	m1 := s.marker.Load()
	if m1 != seq+1 {
		return nil, ErrEvicted
	}
	frame := s.frame.Load()
	// Re-check after the pointer load: the writer may have lapped us
	// between the marker check and the load.
	if s.marker.Load() != seq+1 {
		return nil, ErrEvicted
	}
	return frame, nil
}

// Snapshot is a contiguous copy of a closed interval of ring sequences.
type Snapshot struct {
	Lo, Hi uint64
	Frames []*burst.Frame
}

// SnapshotRange copies the frames published under [lo, hi]. The first
// eviction aborts with an error naming the evicted sequence; a partial
// capture is never returned.
func (r *Ring) SnapshotRange(lo, hi uint64) (*Snapshot, error) {
	if lo > hi {
		return nil, fmt.Errorf("invalid snapshot range [%d, %d]", lo, hi)
	}
	frames := make([]*burst.Frame, 0, hi-lo+1)
	for seq := lo; seq <= hi; seq++ {
		frame, err := r.Read(seq)
		if err != nil {
			return nil, fmt.Errorf("snapshot of [%d, %d]: sequence %d: %w", lo, hi, seq, err)
		}
		frames = append(frames, frame)
	}
	return &Snapshot{Lo: lo, Hi: hi, Frames: frames}, nil
}
