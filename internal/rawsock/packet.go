// Package rawsock builds and parses the bare TCP segments used by the
// half-open and stealth scan types, and exchanges them over a raw IPv4
// socket. Opening a Socket needs CAP_NET_RAW or root.
package rawsock

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

// Flags is a TCP control-bit set.
type Flags uint8

const (
	FIN Flags = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
)

// Has reports whether every bit in x is set.
func (f Flags) Has(x Flags) bool { return f&x == x }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	names := []struct {
		bit  Flags
		name string
	}{{SYN, "SYN"}, {ACK, "ACK"}, {FIN, "FIN"}, {RST, "RST"}, {PSH, "PSH"}, {URG, "URG"}}
	var parts []string
	for _, n := range names {
		if f.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Segment describes an outgoing probe.
type Segment struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Flags            Flags
	Seq              uint32
}

// Reply is the part of an inbound segment the probes care about.
type Reply struct {
	Src     netip.Addr
	SrcPort uint16
	DstPort uint16
	Flags   Flags
	TTL     uint8
	Window  uint16
}

const probeWindow = 1024

// BuildSegment serializes a TCP header (no payload) with its checksum
// computed over the IPv4 pseudo-header. The IP header itself is written
// separately by the socket.
func BuildSegment(s Segment) ([]byte, error) {
	if !s.Src.Is4() || !s.Dst.Is4() {
		return nil, fmt.Errorf("raw segments need IPv4 addresses, got %s -> %s", s.Src, s.Dst)
	}

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    s.Src.AsSlice(),
		DstIP:    s.Dst.AsSlice(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Window:  probeWindow,
		FIN:     s.Flags.Has(FIN),
		SYN:     s.Flags.Has(SYN),
		RST:     s.Flags.Has(RST),
		PSH:     s.Flags.Has(PSH),
		ACK:     s.Flags.Has(ACK),
		URG:     s.Flags.Has(URG),
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("set checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, tcp); err != nil {
		return nil, fmt.Errorf("serialize tcp: %w", err)
	}
	return buf.Bytes(), nil
}

// ParseReply decodes the TCP header carried in payload, using h for the
// sender address and TTL.
func ParseReply(h *ipv4.Header, payload []byte) (Reply, error) {
	if h == nil {
		return Reply{}, fmt.Errorf("missing ip header")
	}
	if h.Protocol != int(layers.IPProtocolTCP) && h.Protocol != 0 {
		return Reply{}, fmt.Errorf("not tcp: protocol %d", h.Protocol)
	}

	pkt := gopacket.NewPacket(payload, layers.LayerTypeTCP, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	layer := pkt.Layer(layers.LayerTypeTCP)
	if layer == nil {
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return Reply{}, fmt.Errorf("decode tcp: %w", errLayer.Error())
		}
		return Reply{}, fmt.Errorf("no tcp layer")
	}
	tcp := layer.(*layers.TCP)

	src, ok := netip.AddrFromSlice(h.Src.To4())
	if !ok {
		return Reply{}, fmt.Errorf("bad source address %v", h.Src)
	}

	var flags Flags
	for _, f := range []struct {
		set bool
		bit Flags
	}{{tcp.FIN, FIN}, {tcp.SYN, SYN}, {tcp.RST, RST}, {tcp.PSH, PSH}, {tcp.ACK, ACK}, {tcp.URG, URG}} {
		if f.set {
			flags |= f.bit
		}
	}

	return Reply{
		Src:     src,
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Flags:   flags,
		TTL:     uint8(h.TTL),
		Window:  tcp.Window,
	}, nil
}
