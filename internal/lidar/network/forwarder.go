package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"
)

// DropCounter records packets lost on the forwarding side channel.
type DropCounter interface {
	AddDropped()
}

// forwardBufferPackets is the depth of the forwarding channel. At the
// HDL-64E's ~2600 packets/sec this absorbs a few hundred milliseconds of
// stall in the downstream viewer before packets are dropped.
const forwardBufferPackets = 1000

// PacketForwarder relays received sensor packets to another UDP address,
// typically a LidarView instance watching the live stream. Forwarding is
// non-blocking: when the forward channel is full the packet is dropped and
// counted rather than stalling the receive loop.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
}

// NewPacketForwarder creates a forwarder that sends packets to addr:port.
func NewPacketForwarder(addr string, port int, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	forwardAddress := fmt.Sprintf("%s:%d", addr, port)
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", forwardAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %v", err)
	}

	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, forwardBufferPackets),
		stats:       stats,
		logInterval: logInterval,
		address:     forwardAddress,
	}, nil
}

// Start begins the forwarding goroutine that drains the packet channel.
// Send failures are aggregated and logged at the configured interval so a
// disconnected viewer does not spam the logs packet by packet.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-f.channel:
				_, err := f.conn.Write(packet)
				if err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					log.Printf("Dropped %d forwarded packets due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	log.Printf("Forwarding packets to %s", f.address)
}

// ForwardAsync queues a packet for forwarding without blocking. The
// packet is copied because the caller's receive buffer is reused.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		// Channel full: drop rather than stall the receive loop.
		if f.stats != nil {
			f.stats.AddDropped()
		}
	}
}

// Close releases the forwarding socket.
func (f *PacketForwarder) Close() error {
	return f.conn.Close()
}
