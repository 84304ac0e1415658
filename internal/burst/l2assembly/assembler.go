// Package l2assembly reassembles the packet stream into frames. Packets are
// staged in a bounded reorder window keyed by sequence number; a frame is
// emitted once its span is fully present or the window is forced past it,
// with missing samples recorded in the drop mask and filled with the
// sentinel value (zero), never interpolated.
package l2assembly

import (
	"context"
	"fmt"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/timeutil"
	"github.com/aperture-data/burst.watch/internal/units"
)

// windowSlot is one cell of the reorder window. The window is a fixed,
// index-addressed array (sequence mod window size), never a map, so the
// ingest path stays allocation-free.
type windowSlot struct {
	seq     uint64
	present bool
	pkt     burst.VoltagePacket
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	// WindowPackets is the reorder window depth. Must be at least
	// PacketsPerFrame; anything smaller is a fatal configuration error.
	WindowPackets int
	// PacketsPerFrame is the number of time samples per emitted frame.
	PacketsPerFrame int
	// QueueCapacity bounds the emitted-frame queue; zero means 16.
	QueueCapacity int
	// Stats receives the late-drop/gap/frame counters. Required.
	Stats *burst.PipelineStats
	// Clock stamps the packet epoch on the first ingested packet.
	// Nil uses the real clock.
	Clock timeutil.Clock
	// Epoch, when non-zero, fixes the absolute time of sequence 0. When
	// zero the epoch is derived from the wall clock at the first packet.
	Epoch time.Time
	// OnFrame receives each emitted frame, called from the worker
	// goroutine, in strictly increasing start-time order.
	OnFrame func(*burst.Frame)
}

// Assembler maintains the reorder window and emits frames.
type Assembler struct {
	window   []windowSlot
	perFrame int
	stats    *burst.PipelineStats
	clock    timeutil.Clock
	epoch    time.Time
	onFrame  func(*burst.Frame)

	frames chan *burst.Frame

	started   bool
	nextEmit  uint64 // start sequence of the next frame to emit
	highest   uint64 // highest sequence seen
	headCount int    // present packets within the head frame span
}

// NewAssembler creates an Assembler. An undersized reorder window cannot
// hold one frame and is rejected outright.
func NewAssembler(config AssemblerConfig) (*Assembler, error) {
	if config.PacketsPerFrame < 1 {
		return nil, fmt.Errorf("packets per frame must be positive, got %d", config.PacketsPerFrame)
	}
	if config.WindowPackets < config.PacketsPerFrame {
		return nil, fmt.Errorf("reorder window of %d packets cannot hold a %d-packet frame",
			config.WindowPackets, config.PacketsPerFrame)
	}
	capacity := config.QueueCapacity
	if capacity == 0 {
		capacity = 16
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Assembler{
		window:   make([]windowSlot, config.WindowPackets),
		perFrame: config.PacketsPerFrame,
		stats:    config.Stats,
		clock:    clock,
		epoch:    config.Epoch,
		onFrame:  config.OnFrame,
		frames:   make(chan *burst.Frame, capacity),
	}, nil
}

// Epoch returns the absolute time of sequence 0, zero until the first
// packet has been ingested (unless fixed by configuration).
func (a *Assembler) Epoch() time.Time { return a.epoch }

// Ingest places one packet into the reorder window and emits any frames
// that completed or were forced out. It never blocks: a full frame queue
// drops the frame and counts it.
func (a *Assembler) Ingest(pkt *burst.VoltagePacket) {
	if !a.started {
		a.started = true
		a.nextEmit = pkt.Seq
		a.highest = pkt.Seq
		if a.epoch.IsZero() {
			a.epoch = a.clock.Now().Add(-time.Duration(pkt.Seq) * units.SampleCadence)
		}
	}

	if pkt.Seq < a.nextEmit {
		// Older than the window floor: a late or duplicate straggler.
		a.stats.LateDropped.Add(1)
		return
	}

	// Force the window forward until the packet fits. Each forced emission
	// masks whatever never arrived.
	for pkt.Seq-a.nextEmit >= uint64(len(a.window)) {
		a.emitHead()
	}

	slot := &a.window[pkt.Seq%uint64(len(a.window))]
	if slot.present && slot.seq == pkt.Seq {
		// Duplicate of a packet still in the window.
		a.stats.LateDropped.Add(1)
		return
	}
	slot.seq = pkt.Seq
	slot.present = true
	slot.pkt = *pkt

	if pkt.Seq > a.highest {
		a.highest = pkt.Seq
	}
	if pkt.Seq < a.nextEmit+uint64(a.perFrame) {
		a.headCount++
	}

	// Emit head frames as they complete.
	for a.headCount == a.perFrame {
		a.emitHead()
	}
}

// Flush force-emits every frame span up to the highest sequence seen,
// masking gaps. Called at shutdown so the tail of the stream is not lost.
func (a *Assembler) Flush() {
	for a.started && a.nextEmit <= a.highest {
		a.emitHead()
	}
}

// emitHead builds and emits the frame at the head of the window, advancing
// nextEmit. Missing samples get the drop mask and sentinel fill.
func (a *Assembler) emitHead() {
	start := a.nextEmit
	frame := burst.NewFrame(start, a.perFrame,
		a.epoch.Add(time.Duration(start)*units.SampleCadence))

	for p := 0; p < a.perFrame; p++ {
		seq := start + uint64(p)
		slot := &a.window[seq%uint64(len(a.window))]
		if !slot.present || slot.seq != seq {
			frame.DropMask[p] = true
			a.stats.GapsFilled.Add(1)
			continue
		}
		// Fixed-point to float conversion happens exactly once, here.
		burst.StokesI(frame.Spectrum(p), &slot.pkt)
		copy(frame.PolA[p*burst.PolBlockSize:], slot.pkt.PolA[:])
		copy(frame.PolB[p*burst.PolBlockSize:], slot.pkt.PolB[:])
		slot.present = false
	}

	a.nextEmit = start + uint64(a.perFrame)
	a.recountHead()

	select {
	case a.frames <- frame:
	default:
		a.stats.FramesDropped.Add(1)
	}
}

// recountHead rebuilds the present count for the new head frame span.
func (a *Assembler) recountHead() {
	a.headCount = 0
	for p := 0; p < a.perFrame; p++ {
		seq := a.nextEmit + uint64(p)
		slot := &a.window[seq%uint64(len(a.window))]
		if slot.present && slot.seq == seq {
			a.headCount++
		}
	}
}

// Run drains the frame queue, invoking the OnFrame callback for each frame.
// It returns when ctx is cancelled and the queue has been drained.
func (a *Assembler) Run(ctx context.Context) {
	for {
		select {
		case frame := <-a.frames:
			if a.onFrame != nil {
				a.onFrame(frame)
			}
		case <-ctx.Done():
			// Drain whatever was queued before shutdown.
			for {
				select {
				case frame := <-a.frames:
					if a.onFrame != nil {
						a.onFrame(frame)
					}
				default:
					return
				}
			}
		}
	}
}
