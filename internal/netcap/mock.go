package netcap

import (
	"errors"
	"sync"
	"time"
)

// MockPCAPReader implements PCAPReader over an in-memory packet list.
type MockPCAPReader struct {
	mu sync.Mutex

	// Packets holds the packets to return from NextPacket.
	Packets []PCAPPacket

	// ReadIndex tracks the current position in Packets.
	ReadIndex int

	// OpenError is returned by Open if set.
	OpenError error

	// OpenedFile records the filename passed to Open.
	OpenedFile string

	// Closed indicates whether Close was called.
	Closed bool

	// MockLinkType is the link type to return.
	MockLinkType int
}

// NewMockPCAPReader creates a MockPCAPReader with the given packets.
func NewMockPCAPReader(packets []PCAPPacket) *MockPCAPReader {
	return &MockPCAPReader{
		Packets:      packets,
		MockLinkType: 1, // Ethernet
	}
}

// Open records the filename and returns any configured error.
func (m *MockPCAPReader) Open(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenedFile = filename
	return m.OpenError
}

// NextPacket returns the next packet from the mock buffer.
func (m *MockPCAPReader) NextPacket() (*PCAPPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return nil, errors.New("reader closed")
	}
	if m.ReadIndex >= len(m.Packets) {
		return nil, nil // end of file
	}
	pkt := m.Packets[m.ReadIndex]
	m.ReadIndex++
	return &pkt, nil
}

// Close marks the reader as closed.
func (m *MockPCAPReader) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
}

// LinkType returns the mock link type.
func (m *MockPCAPReader) LinkType() int {
	return m.MockLinkType
}

// AddPacket appends a packet to the mock reader.
func (m *MockPCAPReader) AddPacket(data []byte, timestamp time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Packets = append(m.Packets, PCAPPacket{
		Data:      data,
		Timestamp: timestamp,
	})
}

// Reset rewinds the mock reader for reuse.
func (m *MockPCAPReader) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReadIndex = 0
	m.Closed = false
	m.OpenedFile = ""
	m.OpenError = nil
}
