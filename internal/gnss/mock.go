package gnss

import (
	"bytes"
	"errors"
	"sync"
)

// TestablePort implements SerialPorter with configurable behaviour for
// testing. Reads block until data arrives or the port closes, matching
// how a real receiver port behaves between sentences.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// Closed indicates whether Close was called
	Closed bool

	readCond *sync.Cond
}

// NewTestablePort creates a new TestablePort.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available or the port is closed.
func (p *TestablePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ReadError != nil {
			err := p.ReadError
			p.ReadError = nil
			return 0, err
		}
		if p.ReadBuffer.Len() > 0 {
			return p.ReadBuffer.Read(b)
		}
		if p.Closed {
			return 0, errors.New("serial port closed")
		}
		p.readCond.Wait()
	}
}

func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return 0, errors.New("serial port closed")
	}
	return p.WriteBuffer.Write(b)
}

// Close marks the port as closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return nil
}

// AddSentence queues a raw line (newline appended) for subsequent reads.
func (p *TestablePort) AddSentence(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.WriteString(line + "\r\n")
	p.readCond.Broadcast()
}

// FailNextRead makes the next Read return err.
func (p *TestablePort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.readCond.Broadcast()
}
