package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/velodyne.report/internal/lidar"
)

// PCAPPacket represents a single sensor packet read from a PCAP file.
type PCAPPacket struct {
	Data      []byte
	Timestamp time.Time
}

// PCAPReader defines an interface for reading packets from PCAP files.
// This abstraction enables unit testing without real PCAP files or the
// pcap build tag.
type PCAPReader interface {
	// Open opens a PCAP file for reading.
	Open(filename string) error

	// SetBPFFilter sets a BPF filter on the PCAP reader.
	SetBPFFilter(filter string) error

	// NextPacket returns the next packet, or nil at end of file.
	NextPacket() (*PCAPPacket, error)

	// Close closes the PCAP reader and releases resources.
	Close()
}

// MockPCAPReader implements PCAPReader for testing.
type MockPCAPReader struct {
	mu sync.Mutex

	// Packets holds the packets to return from NextPacket.
	Packets []PCAPPacket

	// ReadIndex tracks the current position in Packets.
	ReadIndex int

	// OpenError is returned by Open if set.
	OpenError error

	// FilterError is returned by SetBPFFilter if set.
	FilterError error

	// OpenedFile records the filename passed to Open.
	OpenedFile string

	// AppliedFilter records the filter passed to SetBPFFilter.
	AppliedFilter string

	// Closed indicates whether Close was called.
	Closed bool
}

// NewMockPCAPReader creates a new MockPCAPReader with the given packets.
func NewMockPCAPReader(packets []PCAPPacket) *MockPCAPReader {
	return &MockPCAPReader{Packets: packets}
}

// Open records the filename and returns any configured error.
func (m *MockPCAPReader) Open(filename string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OpenedFile = filename
	return m.OpenError
}

// SetBPFFilter records the filter and returns any configured error.
func (m *MockPCAPReader) SetBPFFilter(filter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedFilter = filter
	return m.FilterError
}

// NextPacket returns the next packet from the mock buffer.
func (m *MockPCAPReader) NextPacket() (*PCAPPacket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Closed {
		return nil, errors.New("reader closed")
	}
	if m.ReadIndex >= len(m.Packets) {
		return nil, nil // EOF - no more packets
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

// ReplayPackets drives every packet from reader through the same decode
// path as live capture: stats accounting, optional forwarding, decoding
// via the Unpacker, and point delivery to the sink. The reader
// abstraction keeps this loop testable without PCAP files or the pcap
// build tag; ReadPCAPFile wraps it with a libpcap-backed reader.
func ReplayPackets(ctx context.Context, reader PCAPReader, pcapFile string, udpPort int, unpacker Unpacker, sink PointSink, stats PacketStatsInterface, forwarder *PacketForwarder) error {
	if err := reader.Open(pcapFile); err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", pcapFile, err)
	}
	defer reader.Close()

	// Only the sensor's UDP stream is of interest; captures often carry
	// other traffic from the same interface.
	filterStr := fmt.Sprintf("udp port %d", udpPort)
	if err := reader.SetBPFFilter(filterStr); err != nil {
		return fmt.Errorf("failed to set BPF filter '%s': %w", filterStr, err)
	}
	log.Printf("PCAP BPF filter set: %s", filterStr)

	packetCount := 0
	totalPoints := 0
	startTime := time.Now()

	var cloud lidar.PointCloud

	for {
		select {
		case <-ctx.Done():
			log.Printf("PCAP reader stopping due to context cancellation (processed %d packets)", packetCount)
			return ctx.Err()
		default:
		}

		pkt, err := reader.NextPacket()
		if err != nil {
			return fmt.Errorf("failed to read PCAP packet: %w", err)
		}
		if pkt == nil {
			// End of PCAP file
			elapsed := time.Since(startTime)
			log.Printf("PCAP file reading complete: %d packets, %d points in %v", packetCount, totalPoints, elapsed)
			return nil
		}
		if len(pkt.Data) == 0 {
			continue
		}

		packetCount++
		if stats != nil {
			stats.AddPacket(len(pkt.Data))
		}
		if forwarder != nil {
			forwarder.ForwardAsync(pkt.Data)
		}
		if unpacker == nil {
			continue
		}

		cloud.Reset()
		unpackStats, err := unpacker.Unpack(pkt.Data, &cloud)
		if err != nil {
			if stats != nil {
				stats.AddBadPacket()
			}
			log.Printf("Error decoding PCAP packet %d: %v", packetCount, err)
			continue
		}
		if unpackStats.SkippedBlocks > 0 && stats != nil {
			stats.AddSkippedBlocks(unpackStats.SkippedBlocks)
		}

		totalPoints += unpackStats.Emitted
		if stats != nil {
			stats.AddPoints(unpackStats.Emitted)
		}
		if sink != nil && cloud.Len() > 0 {
			sink.ConsumePoints(cloud.Points, unpackStats)
		}

		// Log progress periodically
		if packetCount%10000 == 0 {
			elapsed := time.Since(startTime)
			log.Printf("PCAP progress: %d packets, %d points in %v (%.0f pkt/s)",
				packetCount, totalPoints, elapsed, float64(packetCount)/elapsed.Seconds())
		}
	}
}
