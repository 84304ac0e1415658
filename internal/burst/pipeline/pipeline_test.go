package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/l1udp"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/config"
	"github.com/aperture-data/burst.watch/internal/fsutil"
	"github.com/aperture-data/burst.watch/internal/monitoring"
	"github.com/aperture-data/burst.watch/internal/testutil"
	"github.com/aperture-data/burst.watch/internal/timeutil"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string  { return &v }

func testTuning() *config.TuningConfig {
	return &config.TuningConfig{
		ReorderWindowPackets: intPtr(8),
		PacketsPerFrame:      intPtr(4),
		RingCapacityFrames:   intPtr(32),
		BaselineAlpha:        floatPtr(0.05),
		WarmupFrames:         intPtr(3),
		TriggerThreshold:     floatPtr(8.0),
		CooldownFrames:       intPtr(4),
		CombinationPolicy:    stringPtr(l4trigger.PolicySum),
		PreMarginFrames:      intPtr(2),
		PostMarginFrames:     intPtr(2),
	}
}

// wirePacket builds a wire-format datagram with every voltage real part set
// to amp.
func wirePacket(seq uint64, amp int8) []byte {
	var pkt burst.VoltagePacket
	pkt.Seq = seq
	for ch := 0; ch < burst.PolBlockSize/2; ch++ {
		pkt.PolA[2*ch] = amp
		pkt.PolB[2*ch] = amp
	}
	return pkt.AppendWire(nil)
}

func TestPipelineDetectsAndCapturesBurst(t *testing.T) {
	// Ten quiet frames settle the baseline, one bright packet fires the
	// trigger, and the tail keeps the stream going until the post margin
	// is published.
	var datagrams [][]byte
	for seq := uint64(0); seq < 60; seq++ {
		amp := int8(2)
		if seq == 40 {
			amp = 30
		}
		datagrams = append(datagrams, wirePacket(seq, amp))
	}

	stats := burst.NewPipelineStats()
	fs := fsutil.NewMemoryFileSystem()
	socket := l1udp.NewMockUDPSocket(datagrams)
	var triggers []l4trigger.TriggerEvent

	p, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		Tuning:     testTuning(),
		Stats:      stats,
		Sinks:      []l5capture.Sink{&l5capture.FilterbankSink{Dir: "/captures", FS: fs, Source: "test"}},
		OnTrigger: func(ev l4trigger.TriggerEvent) {
			triggers = append(triggers, ev)
		},
		SocketFactory: l1udp.NewMockUDPSocketFactory(socket),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	testutil.WaitFor(t, 10*time.Second, func() bool {
		return stats.CapturesDone.Load() == 1
	}, "capture never completed")

	cancel()
	require.NoError(t, <-runDone)

	// Trigger fired on the bright packet's frame.
	require.Len(t, triggers, 1)
	assert.Equal(t, uint64(40), triggers[0].Seq)
	assert.Equal(t, uint64(10), triggers[0].FrameSeq)
	assert.Equal(t, l4trigger.PolicySum, triggers[0].Policy)
	assert.Greater(t, triggers[0].Score, 8.0)

	assert.Equal(t, int64(1), stats.TriggersFired.Load())
	assert.GreaterOrEqual(t, stats.FramesPublished.Load(), int64(13))
	assert.Equal(t, int64(0), stats.Malformed.Load())

	// The capture landed as a filterbank plus sidecar.
	var fil, sidecar bool
	for _, name := range fs.Files() {
		if strings.HasSuffix(name, ".fil") {
			fil = true
		}
		if strings.HasSuffix(name, ".json") {
			sidecar = true
		}
	}
	assert.True(t, fil, "filterbank file missing: %v", fs.Files())
	assert.True(t, sidecar, "sidecar missing: %v", fs.Files())

	// The capture window is the trigger frame plus margins.
	jobs := p.Captures.RecentJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, uint64(8), jobs[0].Lo)
	assert.Equal(t, uint64(12), jobs[0].Hi)
	assert.Equal(t, l5capture.JobDone, jobs[0].State)
}

func TestPipelineSurvivesReorderAndLoss(t *testing.T) {
	// Swap two packets and drop one entirely. The swap lands inside the
	// reorder window; the loss becomes a masked sample, never a stall.
	var datagrams [][]byte
	for seq := uint64(0); seq < 24; seq++ {
		switch seq {
		case 5:
			datagrams = append(datagrams, wirePacket(6, 2))
		case 6:
			datagrams = append(datagrams, wirePacket(5, 2))
		case 9:
			// dropped
		default:
			datagrams = append(datagrams, wirePacket(seq, 2))
		}
	}

	stats := burst.NewPipelineStats()
	socket := l1udp.NewMockUDPSocket(datagrams)
	p, err := New(Config{
		ListenAddr:    "127.0.0.1:0",
		Tuning:        testTuning(),
		Stats:         stats,
		Sinks:         []l5capture.Sink{l5capture.DiscardSink{}},
		SocketFactory: l1udp.NewMockUDPSocketFactory(socket),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	testutil.WaitFor(t, 10*time.Second, func() bool {
		return stats.FramesPublished.Load() >= 4
	}, "frames never published")
	cancel()
	require.NoError(t, <-runDone)

	assert.Equal(t, int64(1), stats.GapsFilled.Load())
	assert.Equal(t, int64(0), stats.LateDropped.Load())
	assert.Equal(t, int64(0), stats.TriggersFired.Load())

	// The masked sample is flagged in its frame.
	frame, err := p.Ring.Read(2)
	require.NoError(t, err)
	assert.True(t, frame.DropMask[1], "packet 9 should be masked in frame 2")
}

func TestPipelineLogsIngestRate(t *testing.T) {
	// The stats ticker periodically reports the ingest rate through the
	// operational logger once packets have flowed.
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		lines = append(lines, fmt.Sprintf(format, v...))
		mu.Unlock()
	})
	defer monitoring.SetLogger(nil)

	var datagrams [][]byte
	for seq := uint64(0); seq < 8; seq++ {
		datagrams = append(datagrams, wirePacket(seq, 2))
	}

	stats := burst.NewPipelineStats()
	clock := timeutil.NewMockClock(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	socket := l1udp.NewMockUDPSocket(datagrams)
	tuning := testTuning()
	tuning.StatsInterval = stringPtr("10s")
	p, err := New(Config{
		ListenAddr:    "127.0.0.1:0",
		Tuning:        tuning,
		Stats:         stats,
		Clock:         clock,
		Sinks:         []l5capture.Sink{l5capture.DiscardSink{}},
		SocketFactory: l1udp.NewMockUDPSocketFactory(socket),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	testutil.WaitFor(t, 10*time.Second, func() bool {
		return stats.PacketsReceived.Load() == 8
	}, "packets never ingested")

	testutil.WaitFor(t, 10*time.Second, func() bool {
		clock.Advance(10 * time.Second)
		mu.Lock()
		defer mu.Unlock()
		for _, line := range lines {
			if strings.HasPrefix(line, "Ingest stats") {
				return true
			}
		}
		return false
	}, "rate line never logged")

	cancel()
	require.NoError(t, <-runDone)
}

func TestPipelineFlushesTailOnShutdown(t *testing.T) {
	// 10 packets = 2.5 frames. The partial tail frame is forced out at
	// shutdown rather than lost.
	var datagrams [][]byte
	for seq := uint64(0); seq < 10; seq++ {
		datagrams = append(datagrams, wirePacket(seq, 2))
	}

	stats := burst.NewPipelineStats()
	socket := l1udp.NewMockUDPSocket(datagrams)
	socket.CloseAfterDrain = true
	p, err := New(Config{
		ListenAddr:    "127.0.0.1:0",
		Tuning:        testTuning(),
		Stats:         stats,
		Sinks:         []l5capture.Sink{l5capture.DiscardSink{}},
		SocketFactory: l1udp.NewMockUDPSocketFactory(socket),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- p.Run(ctx) }()

	testutil.WaitFor(t, 10*time.Second, func() bool {
		return stats.PacketsReceived.Load() == 10
	}, "packets never ingested")
	cancel()
	require.NoError(t, <-runDone)

	assert.Equal(t, int64(3), stats.FramesPublished.Load())
	frame, err := p.Ring.Read(2)
	require.NoError(t, err)
	assert.False(t, frame.DropMask[0])
	assert.False(t, frame.DropMask[1])
	assert.True(t, frame.DropMask[2], "samples past the stream end are masked")
	assert.True(t, frame.DropMask[3])
}
