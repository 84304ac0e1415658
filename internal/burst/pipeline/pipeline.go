// Package pipeline assembles the detection chain: UDP listener, frame
// reassembler, ring buffer, trigger detector, and capture manager. The
// stages are built here so the daemon and the integration tests share one
// wiring.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/burst/inject"
	"github.com/aperture-data/burst.watch/internal/burst/l1udp"
	"github.com/aperture-data/burst.watch/internal/burst/l2assembly"
	"github.com/aperture-data/burst.watch/internal/burst/l3ring"
	"github.com/aperture-data/burst.watch/internal/burst/l4trigger"
	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
	"github.com/aperture-data/burst.watch/internal/config"
	"github.com/aperture-data/burst.watch/internal/monitoring"
	"github.com/aperture-data/burst.watch/internal/timeutil"
)

// Config carries everything the pipeline cannot derive from tuning.
type Config struct {
	// ListenAddr is the UDP address voltage packets arrive on.
	ListenAddr string
	// RcvBuf is the requested socket receive buffer in bytes.
	RcvBuf int
	// Tuning supplies the numeric knobs. Required.
	Tuning *config.TuningConfig
	// Stats is shared across every stage. Required.
	Stats *burst.PipelineStats
	// Sinks receive capture snapshots.
	Sinks []l5capture.Sink
	// Recorder persists triggers and jobs; nil disables persistence.
	Recorder l5capture.Recorder
	// NotifyURL receives a JSON POST per terminal capture job.
	NotifyURL string
	// Injector, when non-nil, mutates packets ahead of assembly.
	Injector *inject.Injector
	// OnTrigger is an extra trigger observer (the SSE feed); the capture
	// manager is always wired regardless.
	OnTrigger func(l4trigger.TriggerEvent)
	// Clock stamps the packet epoch and paces capture retries.
	Clock timeutil.Clock
	// Epoch, when non-zero, fixes the absolute time of sequence 0.
	Epoch time.Time
	// SocketFactory overrides the UDP socket for tests.
	SocketFactory l1udp.UDPSocketFactory
}

// Pipeline owns the detection chain. Build it with New, drive it with Run.
type Pipeline struct {
	Listener  *l1udp.UDPListener
	Assembler *l2assembly.Assembler
	Ring      *l3ring.Ring
	Detector  *l4trigger.Detector
	Captures  *l5capture.Manager

	stats      *burst.PipelineStats
	injector   *inject.Injector
	clock      timeutil.Clock
	statsEvery time.Duration
}

// New wires the stages together. Configuration errors surface here, before
// any goroutine starts.
func New(cfg Config) (*Pipeline, error) {
	t := cfg.Tuning

	ring, err := l3ring.NewRing(t.GetRingCapacityFrames())
	if err != nil {
		return nil, err
	}

	captures, err := l5capture.NewManager(l5capture.ManagerConfig{
		Ring:             ring,
		PreMarginFrames:  t.GetPreMarginFrames(),
		PostMarginFrames: t.GetPostMarginFrames(),
		QueueCapacity:    t.GetMaxPendingCaptures(),
		Workers:          t.GetMaxConcurrentWrites(),
		RetryLimit:       t.GetSinkRetryLimit(),
		Backoff: l5capture.Backoff{
			Base: t.GetSinkBackoffInitial(),
			Max:  t.GetSinkBackoffMax(),
		},
		Sinks:     cfg.Sinks,
		Stats:     cfg.Stats,
		Recorder:  cfg.Recorder,
		Clock:     cfg.Clock,
		NotifyURL: cfg.NotifyURL,
	})
	if err != nil {
		return nil, err
	}

	perFrame := t.GetPacketsPerFrame()
	maskRanges := make([][2]int, 0, len(t.GetMaskedChannelRanges()))
	for _, r := range t.GetMaskedChannelRanges() {
		maskRanges = append(maskRanges, [2]int{r.Lo, r.Hi})
	}
	detector, err := l4trigger.NewDetector(l4trigger.DetectorConfig{
		Alpha:                t.GetBaselineAlpha(),
		SettledAlphaFraction: t.GetSettledAlphaFraction(),
		WarmupFrames:         t.GetWarmupFrames(),
		Threshold:            t.GetTriggerThreshold(),
		CooldownSamples:      uint64(t.GetCooldownFrames() * perFrame),
		Policy:               t.GetCombinationPolicy(),
		Weights:              t.ChannelWeights,
		MaskedChannels:       l4trigger.MaskChannels(maskRanges),
		Stats:                cfg.Stats,
		OnTrigger: func(ev l4trigger.TriggerEvent) {
			captures.Submit(ev)
			if cfg.OnTrigger != nil {
				cfg.OnTrigger(ev)
			}
		},
	})
	if err != nil {
		return nil, err
	}

	assembler, err := l2assembly.NewAssembler(l2assembly.AssemblerConfig{
		WindowPackets:   t.GetReorderWindowPackets(),
		PacketsPerFrame: perFrame,
		QueueCapacity:   t.GetFrameQueueCapacity(),
		Stats:           cfg.Stats,
		Clock:           cfg.Clock,
		Epoch:           cfg.Epoch,
		OnFrame: func(frame *burst.Frame) {
			// Publish then observe: the detector only ever sees frames
			// that a capture snapshot could reach.
			seq := ring.Publish(frame)
			cfg.Stats.FramesPublished.Add(1)
			detector.Observe(seq, frame)
		},
	})
	if err != nil {
		return nil, err
	}

	rcvBuf := cfg.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = t.GetReadBufferBytes()
	}
	listener := l1udp.NewUDPListener(l1udp.UDPListenerConfig{
		Address:       cfg.ListenAddr,
		RcvBuf:        rcvBuf,
		QueueCapacity: t.GetQueueCapacity(),
		Stats:         cfg.Stats,
		SocketFactory: cfg.SocketFactory,
	})

	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &Pipeline{
		Listener:   listener,
		Assembler:  assembler,
		Ring:       ring,
		Detector:   detector,
		Captures:   captures,
		stats:      cfg.Stats,
		injector:   cfg.Injector,
		clock:      clock,
		statsEvery: t.GetStatsInterval(),
	}, nil
}

// Run drives the pipeline until ctx is cancelled or the listener fails.
// On shutdown the assembler is flushed so the tail of the stream reaches
// the ring.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := p.Listener.Start(ctx); err != nil {
			select {
			case errCh <- err:
			default:
			}
			cancel()
		}
	}()

	// The assembler worker outlives the ingest goroutine so frames
	// flushed at shutdown still reach the ring.
	drainCtx, drainCancel := context.WithCancel(context.Background())

	// Single ingest goroutine: the reorder window and the downstream
	// frame ordering both depend on it.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer drainCancel()
		for {
			select {
			case pkt := <-p.Listener.Packets():
				if p.injector != nil {
					p.injector.Process(pkt)
				}
				p.Assembler.Ingest(pkt)
				l1udp.PutPacket(pkt)
			case <-ctx.Done():
				// Ingest whatever the listener already queued, then
				// force out the partial tail.
				for {
					select {
					case pkt := <-p.Listener.Packets():
						p.Assembler.Ingest(pkt)
						l1udp.PutPacket(pkt)
					default:
						p.Assembler.Flush()
						return
					}
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Assembler.Run(drainCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Captures.Run(ctx)
	}()

	// Periodic ingest-rate log line. A zero interval disables it.
	if p.statsEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := p.clock.NewTicker(p.statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C():
					p.stats.LogStats()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	monitoring.Logf("pipeline stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
