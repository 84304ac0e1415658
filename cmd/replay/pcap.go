//go:build pcap
// +build pcap

package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// replayPCAP resends the UDP payloads of a recorded capture to target,
// respecting the original inter-packet timing scaled by speed.
func replayPCAP(ctx context.Context, pcapFile string, udpPort int, target string, speed float64) error {
	if speed <= 0 {
		speed = 1.0
	}

	handle, err := pcap.OpenOffline(pcapFile)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", pcapFile, err)
	}
	defer handle.Close()

	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := handle.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter %q: %w", filterStr, err)
	}
	log.Printf("pcap replay: BPF filter set: %s (speed: %.1fx)", filterStr, speed)

	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("failed to dial target: %w", err)
	}
	defer conn.Close()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	packetCount := 0
	startTime := time.Now()

	var lastPacketTime time.Time

	for {
		select {
		case <-ctx.Done():
			log.Printf("pcap replay stopping (processed %d packets)", packetCount)
			return ctx.Err()
		case packet := <-packetSource.Packets():
			if packet == nil {
				elapsed := time.Since(startTime)
				log.Printf("pcap replay complete: %d packets in %v", packetCount, elapsed)
				return nil
			}

			udpLayer := packet.Layer(layers.LayerTypeUDP)
			if udpLayer == nil {
				continue
			}
			udp, ok := udpLayer.(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}

			captureTime := packet.Metadata().Timestamp
			if !lastPacketTime.IsZero() {
				delay := captureTime.Sub(lastPacketTime)
				scaledDelay := time.Duration(float64(delay) / speed)
				if scaledDelay > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(scaledDelay):
					}
				}
			}
			lastPacketTime = captureTime

			if _, err := conn.Write(udp.Payload); err != nil {
				return fmt.Errorf("send replayed packet %d: %w", packetCount, err)
			}
			packetCount++

			if packetCount%10000 == 0 {
				elapsed := time.Since(startTime)
				log.Printf("pcap progress: %d packets in %v (%.0f pkt/s)",
					packetCount, elapsed, float64(packetCount)/elapsed.Seconds())
			}
		}
	}
}
