// Package network owns packet ingestion for the HDL-64E decoder: live UDP
// capture, asynchronous forwarding for side-channel monitoring, and PCAP
// replay. It produces decoded point batches; everything downstream of the
// decoder is a collaborator reached through small interfaces.
package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/banshee-data/velodyne.report/internal/lidar"
	"github.com/banshee-data/velodyne.report/internal/lidar/hdl64"
)

// PacketStatsInterface provides packet statistics management.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddDropped()
	AddPoints(count int)
	AddBadPacket()
	AddSkippedBlocks(count int)
	LogStats(decodePackets bool)
}

// Unpacker decodes one raw sensor packet, appending points to cloud.
type Unpacker interface {
	Unpack(packet []byte, cloud *lidar.PointCloud) (hdl64.Stats, error)
}

// PointSink consumes the decoded points of one packet. The slice is only
// valid for the duration of the call; implementations that retain points
// must copy them.
type PointSink interface {
	ConsumePoints(points []lidar.Point, stats hdl64.Stats)
}

// UDPListener receives HDL-64E packets over UDP and runs them through the
// decoder, with configurable components for statistics, forwarding, and
// point consumption.
type UDPListener struct {
	address       string
	rcvBuf        int
	logInterval   time.Duration
	conn          *net.UDPConn
	stats         PacketStatsInterface
	forwarder     *PacketForwarder
	unpacker      Unpacker
	sink          PointSink
	disableDecode bool

	// cloud is reused across packets so the receive loop does not
	// allocate a fresh point buffer per packet.
	cloud lidar.PointCloud
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Stats         PacketStatsInterface
	Forwarder     *PacketForwarder
	Unpacker      Unpacker
	Sink          PointSink
	DisableDecode bool
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	// Provide a no-op stats implementation when none is supplied to avoid
	// nil pointer dereferences in the packet handling and logging paths.
	var stats PacketStatsInterface
	if config.Stats != nil {
		stats = config.Stats
	} else {
		stats = &noopStats{}
	}

	// Default a sensible log interval if not provided
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	return &UDPListener{
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		logInterval:   logInterval,
		stats:         stats,
		forwarder:     config.Forwarder,
		unpacker:      config.Unpacker,
		sink:          config.Sink,
		disableDecode: config.DisableDecode,
	}
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (n *noopStats) AddPacket(bytes int)         {}
func (n *noopStats) AddDropped()                 {}
func (n *noopStats) AddPoints(count int)         {}
func (n *noopStats) AddBadPacket()               {}
func (n *noopStats) AddSkippedBlocks(count int)  {}
func (n *noopStats) LogStats(decodePackets bool) {}

// Start begins listening for UDP packets and processing them.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.conn = conn
	defer conn.Close()

	// Set receive buffer size
	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		log.Printf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
	}

	log.Printf("UDP listener started on %s with receive buffer %d bytes", l.address, l.rcvBuf)

	// Start forwarder if configured
	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	// Start statistics logging
	go l.startStatsLogging(ctx)

	// HDL-64E packets are 1206 bytes; leave margin for oversized datagrams
	// so a wrong-length packet is seen (and rejected) rather than truncated.
	buffer := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			log.Print("UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // Continue on timeout to check context
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("UDP read error: %v", err)
				continue
			}

			// Handle the received packet
			packet := buffer[:n]
			if err := l.HandlePacket(packet); err != nil {
				log.Printf("Error handling packet from %v: %v", addr, err)
			}
		}
	}
}

// startStatsLogging starts a goroutine that periodically logs packet statistics.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	// Trigger an initial stats report shortly after startup to avoid a long
	// silence on first-run. Then continue on the configured interval.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats(!l.disableDecode)
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats(!l.disableDecode)
		}
	}
}

// HandlePacket processes a single received sensor packet. It is exported
// so the PCAP replay path can share the exact live-capture code path.
func (l *UDPListener) HandlePacket(packet []byte) error {
	// Track packet statistics
	l.stats.AddPacket(len(packet))

	// Forward packet asynchronously if forwarding is enabled
	if l.forwarder != nil {
		l.forwarder.ForwardAsync(packet)
	}

	if l.unpacker == nil || l.disableDecode {
		return nil
	}

	l.cloud.Reset()
	stats, err := l.unpacker.Unpack(packet, &l.cloud)
	if err != nil {
		// A malformed packet is logged and counted, never fatal to the
		// receive loop: the stream keeps flowing.
		l.stats.AddBadPacket()
		log.Printf("HDL-64E decode failed: %v", err)
		return nil
	}

	// Per-block corruption was recovered inside the decoder; count it.
	if stats.SkippedBlocks > 0 {
		l.stats.AddSkippedBlocks(stats.SkippedBlocks)
		for _, blockErr := range stats.BlockErrors {
			log.Printf("HDL-64E block skipped: %v", blockErr)
		}
	}

	l.stats.AddPoints(stats.Emitted)

	if l.sink != nil && l.cloud.Len() > 0 {
		l.sink.ConsumePoints(l.cloud.Points, stats)
	}

	return nil
}
