package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst/l5capture"
)

// capturer is the slice of the capture manager the control port drives.
type capturer interface {
	ManualCapture(suffix string) (l5capture.Job, error)
}

// handleControlCommand executes a single one-line command and returns
// the reply line. Supported commands:
//
//	dump [suffix]  - archive the most recent ring window
//	ping           - liveness check
func handleControlCommand(captures capturer, line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return "err empty command"
	}

	switch fields[0] {
	case "ping":
		return "ok pong"

	case "dump":
		suffix := ""
		if len(fields) > 1 {
			suffix = fields[1]
		}
		if len(fields) > 2 {
			return "err usage: dump [suffix]"
		}
		job, err := captures.ManualCapture(suffix)
		if err != nil {
			return fmt.Sprintf("err %v", err)
		}
		return fmt.Sprintf("ok %s [%d,%d]", job.ID, job.Lo, job.Hi)

	default:
		return fmt.Sprintf("err unknown command %q", fields[0])
	}
}

// runControlPort serves one-line commands over UDP until the context is
// cancelled. Each datagram is one command; the reply goes back to the
// sender's address.
func runControlPort(ctx context.Context, address string, captures capturer) error {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve control address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on control port: %w", err)
	}
	defer conn.Close()

	log.Printf("Control port listening on %s", conn.LocalAddr())

	buffer := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			log.Println("control port shutting down")
			return ctx.Err()
		default:
			// Short read deadline so context cancellation is noticed.
			if err := conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
				log.Printf("Error setting control read deadline: %v", err)
				continue
			}

			n, clientAddr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				log.Printf("Error reading control command: %v", err)
				continue
			}

			reply := handleControlCommand(captures, string(buffer[:n]))
			log.Printf("control %s: %q -> %q", clientAddr, strings.TrimSpace(string(buffer[:n])), reply)
			if _, err := conn.WriteToUDP([]byte(reply+"\n"), clientAddr); err != nil {
				log.Printf("Error writing control reply: %v", err)
			}
		}
	}
}
