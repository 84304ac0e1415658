// Package l1udp receives digitizer datagrams off the wire. The socket loop
// parses each datagram into a voltage packet and hands it to the assembler
// through a bounded queue; when the queue is full the packet is dropped and
// counted rather than ever blocking the read loop.
package l1udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aperture-data/burst.watch/internal/burst"
	"github.com/aperture-data/burst.watch/internal/monitoring"
)

// packetPool recycles packet buffers between the socket loop and the
// queue consumer. The consumer must Put packets back once ingested.
var packetPool = sync.Pool{
	New: func() interface{} { return new(burst.VoltagePacket) },
}

// GetPacket takes a packet buffer from the pool.
func GetPacket() *burst.VoltagePacket { return packetPool.Get().(*burst.VoltagePacket) }

// PutPacket returns a packet buffer to the pool.
func PutPacket(p *burst.VoltagePacket) { packetPool.Put(p) }

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	// Address is the listen address, e.g. ":60000".
	Address string
	// RcvBuf is the requested kernel receive buffer size in bytes.
	RcvBuf int
	// QueueCapacity bounds the parsed-packet queue; zero means 1024.
	QueueCapacity int
	// Stats receives the receive/drop counters. Required.
	Stats *burst.PipelineStats
	// SocketFactory creates the socket; nil uses real sockets.
	SocketFactory UDPSocketFactory
}

// UDPListener owns the socket read loop.
type UDPListener struct {
	address       string
	rcvBuf        int
	queue         chan *burst.VoltagePacket
	stats         *burst.PipelineStats
	socketFactory UDPSocketFactory

	connMu sync.Mutex
	conn   UDPSocket
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	capacity := config.QueueCapacity
	if capacity == 0 {
		capacity = 1024
	}
	socketFactory := config.SocketFactory
	if socketFactory == nil {
		socketFactory = NewRealUDPSocketFactory()
	}
	return &UDPListener{
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		queue:         make(chan *burst.VoltagePacket, capacity),
		stats:         config.Stats,
		socketFactory: socketFactory,
	}
}

// Packets returns the parsed-packet queue consumed by the assembler.
// Consumers must return packets with PutPacket after ingesting them.
func (l *UDPListener) Packets() <-chan *burst.VoltagePacket { return l.queue }

// Start runs the blocking socket loop until ctx is cancelled or the
// transport fails. A transport-level error is fatal and returned; malformed
// datagrams and queue-full drops are counted and absorbed.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.setConn(conn)
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		monitoring.Logf("Warning: failed to set UDP receive buffer to %d: %v (check sysctl net.core.rmem_max)", l.rcvBuf, err)
	}

	monitoring.Logf("UDP listener started on %s with receive buffer %d bytes", l.address, l.rcvBuf)

	buffer := make([]byte, burst.PacketSize+64) // oversize reads are malformed, not truncated
	var deadlineErrLogged bool

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set a read deadline so context cancellation is observed.
			if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
				if !deadlineErrLogged {
					monitoring.Logf("failed to set read deadline: %v", err)
					deadlineErrLogged = true
				}
			}

			n, _, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // check context again
				}
				// Socket closed under us means clean shutdown.
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("UDP read failed: %w", err)
			}

			l.handleDatagram(buffer[:n])
		}
	}
}

// handleDatagram parses one datagram and enqueues it. Wrong-size datagrams
// bump the malformed counter; a full queue drops the newest packet so the
// socket loop keeps draining the kernel buffer.
func (l *UDPListener) handleDatagram(data []byte) {
	l.stats.PacketsReceived.Add(1)
	l.stats.BytesReceived.Add(int64(len(data)))

	pkt := GetPacket()
	if err := burst.ParseVoltagePacket(data, pkt); err != nil {
		l.stats.Malformed.Add(1)
		PutPacket(pkt)
		return
	}

	select {
	case l.queue <- pkt:
	default:
		l.stats.QueueDropped.Add(1)
		PutPacket(pkt)
	}
}

func (l *UDPListener) setConn(conn UDPSocket) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conn = conn
}

// Close closes the underlying socket, unblocking Start.
// It is safe to call Close multiple times.
func (l *UDPListener) Close() error {
	l.connMu.Lock()
	conn := l.conn
	l.conn = nil
	l.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
