package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/velodyne.report/internal/lidar"
	"github.com/banshee-data/velodyne.report/internal/lidar/hdl64"
)

// MockFullPacketStats implements PacketStatsInterface for testing
type MockFullPacketStats struct {
	packetCount   int
	droppedCnt    int
	pointCount    int
	badPackets    int
	skippedBlocks int
	logCalls      int
}

func (m *MockFullPacketStats) AddPacket(bytes int) {
	m.packetCount++
}

func (m *MockFullPacketStats) AddDropped() {
	m.droppedCnt++
}

func (m *MockFullPacketStats) AddPoints(count int) {
	m.pointCount += count
}

func (m *MockFullPacketStats) AddBadPacket() {
	m.badPackets++
}

func (m *MockFullPacketStats) AddSkippedBlocks(count int) {
	m.skippedBlocks += count
}

func (m *MockFullPacketStats) LogStats(decodePackets bool) {
	m.logCalls++
}

// MockUnpacker implements Unpacker for testing
type MockUnpacker struct {
	points       []lidar.Point
	stats        hdl64.Stats
	unpackErr    error
	unpackCalled int
}

func (m *MockUnpacker) Unpack(packet []byte, cloud *lidar.PointCloud) (hdl64.Stats, error) {
	m.unpackCalled++
	if m.unpackErr != nil {
		return hdl64.Stats{}, m.unpackErr
	}
	for _, p := range m.points {
		cloud.Append(p)
	}
	return m.stats, nil
}

// MockSink implements PointSink for testing
type MockSink struct {
	points     []lidar.Point
	consumeCnt int
}

func (m *MockSink) ConsumePoints(points []lidar.Point, stats hdl64.Stats) {
	m.consumeCnt++
	m.points = append(m.points, points...)
}

func TestNewUDPListener_Defaults(t *testing.T) {
	config := UDPListenerConfig{
		Address: ":2368",
		RcvBuf:  1024 * 1024,
	}

	listener := NewUDPListener(config)

	if listener == nil {
		t.Fatal("NewUDPListener returned nil")
	}
	if listener.address != ":2368" {
		t.Errorf("Expected address ':2368', got '%s'", listener.address)
	}
	// Check default log interval is set
	if listener.logInterval != time.Minute {
		t.Errorf("Expected default log interval 1 minute, got %v", listener.logInterval)
	}
	// stats should be noopStats by default
	if listener.stats == nil {
		t.Error("Expected default noop stats, got nil")
	}
}

func TestHandlePacketDecodesAndSinks(t *testing.T) {
	stats := &MockFullPacketStats{}
	sink := &MockSink{}
	unpacker := &MockUnpacker{
		points: []lidar.Point{{X: 1, Ring: 5}, {X: 2, Ring: 6}},
		stats:  hdl64.Stats{Emitted: 2},
	}

	listener := NewUDPListener(UDPListenerConfig{
		Address:  ":2368",
		Stats:    stats,
		Unpacker: unpacker,
		Sink:     sink,
	})

	if err := listener.HandlePacket(make([]byte, hdl64.PACKET_SIZE)); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}

	if unpacker.unpackCalled != 1 {
		t.Errorf("Expected 1 Unpack call, got %d", unpacker.unpackCalled)
	}
	if stats.packetCount != 1 || stats.pointCount != 2 {
		t.Errorf("Expected 1 packet / 2 points, got %d / %d", stats.packetCount, stats.pointCount)
	}
	if sink.consumeCnt != 1 || len(sink.points) != 2 {
		t.Errorf("Expected sink to receive 2 points in 1 call, got %d in %d calls",
			len(sink.points), sink.consumeCnt)
	}
}

func TestHandlePacketDecodeErrorIsNotFatal(t *testing.T) {
	stats := &MockFullPacketStats{}
	sink := &MockSink{}
	unpacker := &MockUnpacker{unpackErr: errors.New("bad packet")}

	listener := NewUDPListener(UDPListenerConfig{
		Address:  ":2368",
		Stats:    stats,
		Unpacker: unpacker,
		Sink:     sink,
	})

	// The receive loop treats decode failures as per-packet events.
	if err := listener.HandlePacket(make([]byte, 100)); err != nil {
		t.Fatalf("Decode failure must not fail the packet handler: %v", err)
	}
	if stats.badPackets != 1 {
		t.Errorf("Expected 1 bad packet, got %d", stats.badPackets)
	}
	if sink.consumeCnt != 0 {
		t.Errorf("Sink must not be called for a rejected packet, got %d calls", sink.consumeCnt)
	}
}

func TestHandlePacketSkippedBlocksCounted(t *testing.T) {
	stats := &MockFullPacketStats{}
	unpacker := &MockUnpacker{
		stats: hdl64.Stats{
			SkippedBlocks: 2,
			BlockErrors: []*hdl64.DecodeError{
				{Reason: hdl64.UnknownBank, Block: 1},
				{Reason: hdl64.BadAzimuth, Block: 7},
			},
		},
	}

	listener := NewUDPListener(UDPListenerConfig{
		Address:  ":2368",
		Stats:    stats,
		Unpacker: unpacker,
	})

	if err := listener.HandlePacket(make([]byte, hdl64.PACKET_SIZE)); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}
	if stats.skippedBlocks != 2 {
		t.Errorf("Expected 2 skipped blocks counted, got %d", stats.skippedBlocks)
	}
}

func TestHandlePacketDecodeDisabled(t *testing.T) {
	stats := &MockFullPacketStats{}
	unpacker := &MockUnpacker{}

	listener := NewUDPListener(UDPListenerConfig{
		Address:       ":2368",
		Stats:         stats,
		Unpacker:      unpacker,
		DisableDecode: true,
	})

	if err := listener.HandlePacket(make([]byte, hdl64.PACKET_SIZE)); err != nil {
		t.Fatalf("HandlePacket failed: %v", err)
	}
	if unpacker.unpackCalled != 0 {
		t.Errorf("Unpacker must not run when decoding is disabled, got %d calls", unpacker.unpackCalled)
	}
	if stats.packetCount != 1 {
		t.Errorf("Packets should still be counted, got %d", stats.packetCount)
	}
}

func TestMockPCAPReader(t *testing.T) {
	packets := []PCAPPacket{
		{Data: []byte{1, 2, 3}, Timestamp: time.Unix(100, 0)},
		{Data: []byte{4, 5, 6}, Timestamp: time.Unix(101, 0)},
	}
	reader := NewMockPCAPReader(packets)

	if err := reader.Open("capture.pcap"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := reader.SetBPFFilter("udp port 2368"); err != nil {
		t.Fatalf("SetBPFFilter failed: %v", err)
	}

	for i := range packets {
		pkt, err := reader.NextPacket()
		if err != nil {
			t.Fatalf("NextPacket %d failed: %v", i, err)
		}
		if pkt == nil {
			t.Fatalf("NextPacket %d returned nil before EOF", i)
		}
	}

	pkt, err := reader.NextPacket()
	if err != nil || pkt != nil {
		t.Errorf("Expected clean EOF, got pkt=%v err=%v", pkt, err)
	}

	reader.Close()
	if _, err := reader.NextPacket(); err == nil {
		t.Error("Expected error reading from a closed reader")
	}
}

func TestReplayPacketsDrivesDecodePath(t *testing.T) {
	reader := NewMockPCAPReader([]PCAPPacket{
		{Data: make([]byte, hdl64.PACKET_SIZE), Timestamp: time.Unix(100, 0)},
		{Data: make([]byte, hdl64.PACKET_SIZE), Timestamp: time.Unix(101, 0)},
	})
	stats := &MockFullPacketStats{}
	sink := &MockSink{}
	unpacker := &MockUnpacker{
		points: []lidar.Point{{X: 1, Ring: 3}},
		stats:  hdl64.Stats{Emitted: 1},
	}

	err := ReplayPackets(context.Background(), reader, "capture.pcap", 2368, unpacker, sink, stats, nil)
	if err != nil {
		t.Fatalf("ReplayPackets failed: %v", err)
	}

	if reader.OpenedFile != "capture.pcap" {
		t.Errorf("Expected capture.pcap to be opened, got %q", reader.OpenedFile)
	}
	if reader.AppliedFilter != "udp port 2368" {
		t.Errorf("Expected filter 'udp port 2368', got %q", reader.AppliedFilter)
	}
	if !reader.Closed {
		t.Error("Expected the reader to be closed after replay")
	}
	if unpacker.unpackCalled != 2 {
		t.Errorf("Expected 2 Unpack calls, got %d", unpacker.unpackCalled)
	}
	if stats.packetCount != 2 || stats.pointCount != 2 {
		t.Errorf("Expected 2 packets / 2 points, got %d / %d", stats.packetCount, stats.pointCount)
	}
	if sink.consumeCnt != 2 || len(sink.points) != 2 {
		t.Errorf("Expected sink to receive 2 points in 2 calls, got %d in %d calls",
			len(sink.points), sink.consumeCnt)
	}
}

func TestReplayPacketsCountsBadPackets(t *testing.T) {
	reader := NewMockPCAPReader([]PCAPPacket{
		{Data: make([]byte, 100)},
	})
	stats := &MockFullPacketStats{}
	unpacker := &MockUnpacker{unpackErr: errors.New("bad packet")}

	// A decode failure is counted per packet, never fatal to the replay.
	if err := ReplayPackets(context.Background(), reader, "capture.pcap", 2368, unpacker, nil, stats, nil); err != nil {
		t.Fatalf("ReplayPackets failed: %v", err)
	}
	if stats.badPackets != 1 {
		t.Errorf("Expected 1 bad packet, got %d", stats.badPackets)
	}
}

func TestReplayPacketsOpenError(t *testing.T) {
	reader := NewMockPCAPReader(nil)
	reader.OpenError = errors.New("no such file")

	err := ReplayPackets(context.Background(), reader, "missing.pcap", 2368, nil, nil, nil, nil)
	if err == nil {
		t.Fatal("Expected error when the capture cannot be opened")
	}
	if !errors.Is(err, reader.OpenError) {
		t.Errorf("Expected the open error to be wrapped, got %v", err)
	}
}
