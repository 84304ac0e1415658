//go:build !pcap
// +build !pcap

package main

import (
	"context"
	"fmt"
)

// replayPCAP is a stub when pcap support is disabled.
// Build with -tags=pcap to enable pcap file replay.
func replayPCAP(ctx context.Context, pcapFile string, udpPort int, target string, speed float64) error {
	return fmt.Errorf("pcap support not enabled: rebuild with -tags=pcap to enable pcap replay")
}
