// Package gnss watches the observatory's GNSS-disciplined reference
// receiver over a serial port. It parses the NMEA stream for fix and
// timing health and exposes a snapshot for the monitor server, so an
// undisciplined station clock shows up before it skews capture
// timestamps.
package gnss

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/aperture-data/burst.watch/internal/timeutil"
)

// Status is a point-in-time view of the receiver's health.
type Status struct {
	// Locked means a valid fix with a recent sentence.
	Locked  bool       `json:"locked"`
	Quality FixQuality `json:"quality"`
	// QualityName is Quality rendered for humans.
	QualityName string  `json:"quality_name"`
	Satellites  int     `json:"satellites"`
	HDOP        float64 `json:"hdop"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AltitudeM   float64 `json:"altitude_m"`
	// ClockOffset is system time minus receiver time at the last RMC
	// sentence. Includes serial latency, so it is a coarse sanity bound
	// on NTP health rather than a precision measurement.
	ClockOffset time.Duration `json:"clock_offset_ns"`
	// LastSentence is when the last valid sentence arrived; zero before
	// the first one.
	LastSentence time.Time `json:"last_sentence"`
	// Sentences counts valid sentences; Rejected counts checksum and
	// parse failures.
	Sentences uint64 `json:"sentences"`
	Rejected  uint64 `json:"rejected"`
}

// staleAfter is how long without a valid sentence before the receiver
// is reported unlocked.
const staleAfter = 10 * time.Second

// Monitor reads the NMEA stream from a receiver port, tracks health,
// and fans raw sentences out to subscribers for the debug tail.
type Monitor[T SerialPorter] struct {
	port  T
	clock timeutil.Clock

	mu     sync.Mutex
	status Status

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewMonitor creates a Monitor backed by the given port.
func NewMonitor[T SerialPorter](port T) *Monitor[T] {
	return NewMonitorWithClock(port, timeutil.RealClock{})
}

// NewMonitorWithClock is NewMonitor with an injected clock for tests.
func NewMonitorWithClock[T SerialPorter](port T, clock timeutil.Clock) *Monitor[T] {
	return &Monitor[T]{
		port:        port,
		clock:       clock,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving each raw sentence as it arrives.
// The returned ID identifies the channel when unsubscribing.
func (m *Monitor[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, 8)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber channel.
func (m *Monitor[T]) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

// Snapshot returns the current receiver status. Locked is recomputed
// against the staleness window at call time.
func (m *Monitor[T]) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.status
	if s.LastSentence.IsZero() || m.clock.Since(s.LastSentence) > staleAfter {
		s.Locked = false
	}
	s.QualityName = s.Quality.String()
	return s
}

// Run reads lines from the port until the context is cancelled or the
// port fails. A scanner goroutine does the blocking reads so the outer
// loop stays responsive to cancellation.
func (m *Monitor[T]) Run(ctx context.Context) error {
	scan := bufio.NewScanner(m.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				if err := scan.Err(); err != nil {
					return err
				}
				return nil
			}
			m.closingMu.Lock()
			if m.closing {
				m.closingMu.Unlock()
				return nil
			}
			m.closingMu.Unlock()

			m.ingest(line)

			m.subscriberMu.Lock()
			for _, ch := range m.subscribers {
				select {
				case ch <- line:
				default:
					// a slow tail must not stall the reader
				}
			}
			m.subscriberMu.Unlock()
		}
	}
}

// ingest applies one raw line to the status.
func (m *Monitor[T]) ingest(line string) {
	sentence, err := ParseSentence(line)
	if err != nil {
		m.mu.Lock()
		m.status.Rejected++
		m.mu.Unlock()
		return
	}

	now := m.clock.Now().UTC()

	switch sentence.Type {
	case "GGA":
		gga, err := ParseGGA(sentence)
		if err != nil {
			m.mu.Lock()
			m.status.Rejected++
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		m.status.Quality = gga.Quality
		m.status.Satellites = gga.Satellites
		m.status.HDOP = gga.HDOP
		m.status.Lat = gga.Lat
		m.status.Lon = gga.Lon
		m.status.AltitudeM = gga.AltitudeM
		m.status.Locked = gga.Quality != FixNone
		m.status.LastSentence = now
		m.status.Sentences++
		m.mu.Unlock()

	case "RMC":
		rmc, err := ParseRMC(sentence)
		if err != nil {
			m.mu.Lock()
			m.status.Rejected++
			m.mu.Unlock()
			return
		}
		m.mu.Lock()
		if rmc.Valid {
			m.status.ClockOffset = now.Sub(rmc.Time)
			m.status.Locked = true
		}
		m.status.LastSentence = now
		m.status.Sentences++
		m.mu.Unlock()

	default:
		// GSV, GSA and friends carry nothing we track, but a valid
		// checksum still proves the link is alive.
		m.mu.Lock()
		m.status.LastSentence = now
		m.status.Sentences++
		m.mu.Unlock()
	}
}

// Close stops fan-out and closes the port.
func (m *Monitor[T]) Close() error {
	m.closingMu.Lock()
	m.closing = true
	m.closingMu.Unlock()

	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	return m.port.Close()
}

// AttachAdminRoutes attaches receiver debugging endpoints to the given
// HTTP mux served at /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (m *Monitor[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("gnss", "GNSS receiver status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})

	// Server-Side Events (SSE) tail of the raw NMEA stream.
	debug.HandleSilentFunc("gnss-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := m.Subscribe()
		defer m.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		w.(http.Flusher).Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := w.Write([]byte("data: " + payload + "\n\n")); err != nil {
					return
				}
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
