//go:build pcap
// +build pcap

package network

import (
	"context"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// libpcapReader adapts an offline gopacket handle to the PCAPReader
// interface. NextPacket yields the sensor UDP payload of each matching
// frame; non-UDP and empty frames are skipped here so the replay loop
// only ever sees decodable payloads.
type libpcapReader struct {
	handle *pcap.Handle
	source *gopacket.PacketSource
}

func (r *libpcapReader) Open(filename string) error {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return err
	}
	r.handle = handle
	r.source = gopacket.NewPacketSource(handle, handle.LinkType())
	return nil
}

func (r *libpcapReader) SetBPFFilter(filter string) error {
	return r.handle.SetBPFFilter(filter)
}

func (r *libpcapReader) NextPacket() (*PCAPPacket, error) {
	for packet := range r.source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue // Skip non-UDP packets (shouldn't happen with BPF filter)
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		return &PCAPPacket{
			Data:      udp.Payload,
			Timestamp: packet.Metadata().Timestamp,
		}, nil
	}
	return nil, nil // End of PCAP file
}

func (r *libpcapReader) Close() {
	if r.handle != nil {
		r.handle.Close()
	}
}

// ReadPCAPFile replays HDL-64E packets from a PCAP capture through the
// decoder, exactly as the live UDP path would process them. Only
// available when building with the 'pcap' tag.
func ReadPCAPFile(ctx context.Context, pcapFile string, udpPort int, unpacker Unpacker, sink PointSink, stats PacketStatsInterface, forwarder *PacketForwarder) error {
	return ReplayPackets(ctx, &libpcapReader{}, pcapFile, udpPort, unpacker, sink, stats, forwarder)
}
