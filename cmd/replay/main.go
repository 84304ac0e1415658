// replay synthesizes digitizer voltage packets (Gaussian noise plus an
// optional dispersed pulse) and sends them over UDP at the real sample
// cadence. With -pcap it replays a recorded capture instead; pcap
// support needs the 'pcap' build tag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/units"
)

var (
	target     = flag.String("target", "127.0.0.1:12345", "UDP address to send packets to")
	duration   = flag.Duration("duration", 10*time.Second, "How long to transmit")
	speed      = flag.Float64("speed", 1.0, "Pacing multiplier (1.0 = real cadence)")
	noiseSigma = flag.Float64("noise", 10.0, "Noise standard deviation in digitizer counts")
	seed       = flag.Int64("seed", 0, "Random seed (0: time-based)")
	startSeq   = flag.Uint64("start-seq", 0, "Sequence number of the first packet")

	pulseEnable = flag.Bool("pulse", false, "Inject a dispersed pulse into the stream")
	pulseDM     = flag.Float64("pulse-dm", 350.0, "Pulse dispersion measure in pc/cm^3")
	pulseWidth  = flag.Int("pulse-width", 8, "Pulse width in samples per channel")
	pulseAmp    = flag.Int("pulse-amp", 40, "Pulse amplitude in digitizer counts")
	pulseAt     = flag.Duration("pulse-at", 2*time.Second, "Offset of the pulse start into the stream")
	pulseEvery  = flag.Duration("pulse-every", 0, "Repeat the pulse at this interval (0: once)")

	pcapFile = flag.String("pcap", "", "Replay UDP payloads from this pcap file instead of synthesizing")
	pcapPort = flag.Int("pcap-port", 12345, "UDP port filter when reading the pcap file")
)

// kDM is the dispersion constant in MHz^2 pc^-1 cm^3 s.
const kDM = 4.148808e3

// dispersionDelay returns how much later than channel 0 (the top of the
// band) a pulse with the given DM arrives at the given channel.
func dispersionDelay(channel int, dm float64) time.Duration {
	f := units.ChannelFreqMHz(channel)
	f0 := units.ChannelFreqMHz(0)
	seconds := kDM * dm * (1/(f*f) - 1/(f0*f0))
	return time.Duration(seconds * float64(time.Second))
}

// pulseShape precomputes, per channel, the first sample offset at which
// the pulse is present.
type pulseShape struct {
	delaySamples [units.NumChannels]uint64
	width        uint64
	amp          int8
}

func newPulseShape(dm float64, width, amp int) *pulseShape {
	p := &pulseShape{width: uint64(width), amp: int8(amp)}
	for ch := 0; ch < units.NumChannels; ch++ {
		p.delaySamples[ch] = uint64(dispersionDelay(ch, dm) / units.SampleCadence)
	}
	return p
}

// activeAt reports whether the pulse started at startSample covers the
// given channel at the given absolute sample.
func (p *pulseShape) activeAt(startSample, sample uint64, channel int) bool {
	arrive := startSample + p.delaySamples[channel]
	return sample >= arrive && sample < arrive+p.width
}

// satAdd adds delta to v, clamping at the int8 limits.
func satAdd(v int8, delta int8) int8 {
	sum := int(v) + int(delta)
	if sum > math.MaxInt8 {
		return math.MaxInt8
	}
	if sum < math.MinInt8 {
		return math.MinInt8
	}
	return int8(sum)
}

// synthesizePacket fills pkt with noise for the given sequence and adds
// the pulse where it is active. pulseStarts holds the absolute sample
// numbers at which pulse copies begin.
func synthesizePacket(pkt *burst.VoltagePacket, seq uint64, rng *rand.Rand, sigma float64, pulse *pulseShape, pulseStarts []uint64) {
	pkt.Seq = seq
	for i := range pkt.PolA {
		pkt.PolA[i] = clampNoise(rng.NormFloat64() * sigma)
		pkt.PolB[i] = clampNoise(rng.NormFloat64() * sigma)
	}
	if pulse == nil {
		return
	}
	for _, start := range pulseStarts {
		for ch := 0; ch < units.NumChannels; ch++ {
			if pulse.activeAt(start, seq, ch) {
				// The pulse adds coherently to the real parts.
				pkt.PolA[2*ch] = satAdd(pkt.PolA[2*ch], pulse.amp)
				pkt.PolB[2*ch] = satAdd(pkt.PolB[2*ch], pulse.amp)
			}
		}
	}
}

func clampNoise(v float64) int8 {
	if v > math.MaxInt8 {
		return math.MaxInt8
	}
	if v < math.MinInt8 {
		return math.MinInt8
	}
	return int8(v)
}

func transmit(ctx context.Context, conn net.Conn) error {
	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	var pulse *pulseShape
	var pulseStarts []uint64
	if *pulseEnable {
		pulse = newPulseShape(*pulseDM, *pulseWidth, *pulseAmp)
		first := *startSeq + uint64(*pulseAt/units.SampleCadence)
		pulseStarts = append(pulseStarts, first)
		if *pulseEvery > 0 {
			step := uint64(*pulseEvery / units.SampleCadence)
			for s := first + step; s < *startSeq+uint64(*duration/units.SampleCadence); s += step {
				pulseStarts = append(pulseStarts, s)
			}
		}
		log.Printf("Injecting %d pulse(s): DM %.1f, width %d samples, amp %d",
			len(pulseStarts), *pulseDM, *pulseWidth, *pulseAmp)
	}

	total := uint64(*duration / units.SampleCadence)
	cadence := time.Duration(float64(units.SampleCadence) / *speed)
	log.Printf("Transmitting %d packets to %s at %.1fx cadence", total, *target, *speed)

	var pkt burst.VoltagePacket
	wire := make([]byte, 0, burst.PacketSize)
	begin := time.Now()
	sent := uint64(0)

	for i := uint64(0); i < total; i++ {
		select {
		case <-ctx.Done():
			log.Printf("Transmit interrupted after %d packets", sent)
			return ctx.Err()
		default:
		}

		seq := *startSeq + i
		synthesizePacket(&pkt, seq, rng, *noiseSigma, pulse, pulseStarts)
		wire = pkt.AppendWire(wire[:0])
		if _, err := conn.Write(wire); err != nil {
			return fmt.Errorf("send packet %d: %w", seq, err)
		}
		sent++

		// Pace against the wall clock rather than sleeping per packet:
		// 8.192us is below timer resolution, so sleep only when ahead.
		if ahead := time.Duration(i)*cadence - time.Since(begin); ahead > time.Millisecond {
			time.Sleep(ahead)
		}
	}

	elapsed := time.Since(begin)
	log.Printf("Sent %d packets in %v (%.0f pkt/s)", sent, elapsed, float64(sent)/elapsed.Seconds())
	return nil
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *pcapFile != "" {
		if err := replayPCAP(ctx, *pcapFile, *pcapPort, *target, *speed); err != nil && err != context.Canceled {
			log.Printf("pcap replay failed: %v", err)
			os.Exit(1)
		}
		return
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("Failed to dial target: %v", err)
	}
	defer conn.Close()

	if err := transmit(ctx, conn); err != nil && err != context.Canceled {
		log.Printf("transmit failed: %v", err)
		os.Exit(1)
	}
}
